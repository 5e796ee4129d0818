// Package capture implements the transcript-diff capture protocol (spec
// §4.E): read the host's transcript file, diff it against what has already
// been stored for this session, and append new messages in one pass.
// Grounded in the teacher's message_decorator.go (large-blob diversion,
// inline preview text) and a log-tailer resuming from its last offset: each
// run rescans the transcript from the start and skips records at or below
// the highest stored record offset.
package capture

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/batalabs/lcm/internal/config"
	"github.com/batalabs/lcm/internal/domain"
	"github.com/batalabs/lcm/internal/store"
)

// LargeBlobThreshold is the size above which a tool-result body is diverted
// to the file-reference table instead of stored inline (spec §4.E default
// 16 KiB).
const LargeBlobThreshold = 16 * 1024

// previewChars is how much of a diverted blob is kept inline as a preview,
// matching the teacher's message_decorator.go.
const previewChars = 2000

// Capture reads one host transcript file, from the session's stored
// transcript_offset onward, and appends every new record.
type Capture struct {
	Store  *store.Store
	Logger *config.Logger
}

// Result reports what one Run call did.
type Result struct {
	Appended int
	Diverted int
}

// Run implements the capture hook (spec §4.E, §6). It is idempotent: running
// it twice without new transcript bytes leaves the store unchanged, because
// Store.AppendMessage treats an existing (session_id, transcript_offset) as
// a no-op rather than an error (spec §8 invariant 6).
func (c *Capture) Run(ctx context.Context, sessionID, transcriptPath string) (Result, error) {
	if err := c.Store.EnsureSession(ctx, sessionID); err != nil {
		return Result{}, fmt.Errorf("ensuring session: %w", err)
	}

	f, err := os.Open(transcriptPath)
	if err != nil {
		// TranscriptUnreadable: capture degrades to no-op (spec §7).
		c.logf("capture: transcript unreadable for %s: %v", sessionID, err)
		return Result{}, nil
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		c.logf("capture: stat transcript for %s: %v", sessionID, err)
		return Result{}, nil
	}

	startOffset, err := c.Store.MaxTranscriptOffset(ctx, sessionID)
	if err != nil {
		return Result{}, fmt.Errorf("reading max transcript offset: %w", err)
	}

	var result Result
	scanner := bufio.NewScanner(io.LimitReader(f, info.Size()))
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	var offset int64
	for scanner.Scan() {
		offset++
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		if offset <= startOffset {
			c.checkDivergence(ctx, sessionID, offset, line)
			continue
		}

		rec, err := parseRecord(line)
		if err != nil {
			c.logf("capture: malformed record at offset %d for %s: %v", offset, sessionID, err)
			continue
		}

		msg, pending, err := c.normalize(sessionID, offset, rec)
		if err != nil {
			return result, fmt.Errorf("normalizing offset %d: %w", offset, err)
		}

		msgID, err := c.Store.AppendMessage(ctx, msg)
		if err != nil {
			return result, fmt.Errorf("appending message at offset %d: %w", offset, err)
		}
		result.Appended++

		if pending != nil {
			pending.FirstSeenMessage = msgID
			pending.LastSeenMessage = msgID
			if _, err := c.Store.UpsertFile(ctx, *pending); err != nil {
				return result, fmt.Errorf("storing file reference at offset %d: %w", offset, err)
			}
			result.Diverted++
		}
	}
	if err := scanner.Err(); err != nil {
		c.logf("capture: scanning transcript for %s: %v", sessionID, err)
	}
	return result, nil
}

func (c *Capture) logf(format string, args ...any) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
	}
}

// transcriptRecord is the line-delimited JSON shape the host writes, one per
// transcript entry. Variant-specific fields are flattened into Message
// content by normalize, per spec §9's tagged-variant design note.
type transcriptRecord struct {
	Role       string          `json:"role"`
	Content    string          `json:"content"`
	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolResult string          `json:"tool_result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
	Path       string          `json:"path,omitempty"`
}

func parseRecord(line []byte) (transcriptRecord, error) {
	var rec transcriptRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return transcriptRecord{}, err
	}
	return rec, nil
}

// normalize canonicalizes one transcript record into a Message, diverting an
// oversized tool-result body to a pending file reference (spec §4.E). The
// returned *domain.FileRef, if non-nil, still needs FirstSeenMessage /
// LastSeenMessage filled in once the message's own id is known.
func (c *Capture) normalize(sessionID string, offset int64, rec transcriptRecord) (domain.Message, *domain.FileRef, error) {
	role := domain.Role(rec.Role)
	if role == "" {
		role = domain.RoleToolResult
	}

	body := rec.Content
	if rec.ToolResult != "" {
		body = rec.ToolResult
	}
	body = normalizeBody(rec.ToolName, body)
	prefix := structuredPrefix(rec)

	if len(body) <= LargeBlobThreshold {
		return domain.Message{
			SessionID:        sessionID,
			Role:             role,
			Content:          prefix + body,
			TranscriptOffset: offset,
		}, nil, nil
	}

	sum := sha256.Sum256([]byte(body))
	hash := hex.EncodeToString(sum[:])
	path := rec.Path
	if path == "" {
		name := rec.ToolName
		if name == "" {
			name = "blob"
		}
		path = filepath.Join("tool-output", name, hash[:16])
	}

	fileRef := &domain.FileRef{
		SessionID: sessionID,
		Path:      path,
		SHA256:    hash,
		Size:      int64(len(body)),
		Snippet:   extractSnippet(path, []byte(body)),
	}

	refText := fmt.Sprintf("[Large Tool Output Stored: %s]\nLCM File ID: path=%s sha256=%s\n\nPreview (first %d chars):\n%s",
		path, path, hash, previewChars, truncateChars(body, previewChars))

	msg := domain.Message{
		SessionID:        sessionID,
		Role:             role,
		Content:          prefix + refText,
		TranscriptOffset: offset,
	}
	return msg, fileRef, nil
}

// normalizeBody strips markup the capture pipeline shouldn't index verbatim:
// HTML-bearing tool output (e.g. a browser or web-fetch tool) is reduced to
// its visible text before it ever reaches the message log or FTS index.
func normalizeBody(toolName, body string) string {
	if looksLikeHTML(toolName, body) {
		return stripHTML(body)
	}
	return body
}

func looksLikeHTML(toolName, body string) bool {
	if strings.Contains(strings.ToLower(toolName), "html") || strings.Contains(strings.ToLower(toolName), "fetch") || strings.Contains(strings.ToLower(toolName), "browser") {
		return true
	}
	trimmed := strings.TrimSpace(body)
	return strings.HasPrefix(trimmed, "<!DOCTYPE") || strings.HasPrefix(trimmed, "<html")
}

func structuredPrefix(rec transcriptRecord) string {
	if rec.ToolName == "" {
		return ""
	}
	status := "ok"
	if rec.IsError {
		status = "error"
	}
	return fmt.Sprintf("[tool=%s status=%s]\n", rec.ToolName, status)
}

func truncateChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// checkDivergence detects the case where a transcript's content at an
// already-captured offset no longer matches what was stored -- suspicious,
// since transcript_offset is assumed stable once assigned. Never mutates
// state; only logs a diff for operator diagnosis.
func (c *Capture) checkDivergence(ctx context.Context, sessionID string, offset int64, rawLine []byte) {
	rec, err := parseRecord(rawLine)
	if err != nil {
		return
	}
	stored, found, err := c.Store.GetMessageAtOffset(ctx, sessionID, offset)
	if err != nil || !found {
		return
	}
	msg, _, err := c.normalize(sessionID, offset, rec)
	if err != nil {
		return
	}
	newContent := msg.Content
	if newContent == stored.Content {
		return
	}
	c.logf("capture: content diverged at offset %d for %s:\n%s", offset, sessionID, diffPreview(stored.Content, newContent))
}

// diffPreview renders a short readable diff between two strings, used only
// for diagnostic log lines.
func diffPreview(a, b string) string {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(a, b, false)
	var sb strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			sb.WriteString("+" + d.Text)
		case diffmatchpatch.DiffDelete:
			sb.WriteString("-" + d.Text)
		}
	}
	return sb.String()
}
