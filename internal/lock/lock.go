// Package lock implements the per-session advisory lock the Compaction
// Engine uses to guarantee at most one compaction pass per session runs at a
// time (spec §4.D, §9 "Asynchronous soft compaction").
//
// Capture, compaction, and retrieval hooks are each invoked as a separate,
// short-lived OS process (spec §5: "Capture runs from hook processes...
// Compaction runs either synchronously in the caller that tripped tau_hard,
// or in a detached worker"). A sync.Mutex cannot coordinate across process
// boundaries, so the lock is a PID-stamped file under the data directory,
// one per session, with liveness re-checked by signaling the recorded PID —
// the same pattern the teacher's daemon lockfile uses to detect a dead
// server, adapted here to a per-session granularity with no HTTP health
// check (there is no long-lived server to ask).
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/batalabs/lcm/internal/config"
)

// Data is the JSON structure stored in a session's lockfile.
type Data struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// SessionLock is a held advisory lock for one session's compaction pass.
type SessionLock struct {
	path string
	pid  int
}

func lockPath(sessionID string) (string, error) {
	dir, err := config.DataDir()
	if err != nil {
		return "", err
	}
	locksDir := filepath.Join(dir, "locks")
	if err := os.MkdirAll(locksDir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(locksDir, sessionID+".lock"), nil
}

// ErrBusy is returned by TryAcquire when another live process already holds
// the session's lock.
var ErrBusy = fmt.Errorf("compaction lock held by a live process")

// TryAcquire attempts to take the advisory lock for a session. If an
// existing lockfile names a dead PID, it is treated as stale and replaced.
// If it names a live PID, ErrBusy is returned — the caller (soft compaction)
// should skip this trigger and retry on the next one.
func TryAcquire(sessionID string) (*SessionLock, error) {
	path, err := lockPath(sessionID)
	if err != nil {
		return nil, err
	}

	if existing, err := readLockfile(path); err == nil {
		if IsProcessAlive(existing.PID) {
			return nil, ErrBusy
		}
		// Stale: previous holder died without releasing. Replace it.
	}

	data := Data{PID: os.Getpid(), StartedAt: time.Now()}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return nil, err
	}
	return &SessionLock{path: path, pid: data.PID}, nil
}

// Release removes the lockfile, but only if it still names this process —
// guards against a rare race where a stale lock was already reclaimed by a
// newer holder between our liveness check and our write.
func (l *SessionLock) Release() error {
	existing, err := readLockfile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if existing.PID != l.pid {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func readLockfile(path string) (Data, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Data{}, err
	}
	var d Data
	if err := json.Unmarshal(b, &d); err != nil {
		return Data{}, err
	}
	return d, nil
}
