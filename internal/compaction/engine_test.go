package compaction

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/batalabs/lcm/internal/config"
	"github.com/batalabs/lcm/internal/domain"
	"github.com/batalabs/lcm/internal/llm"
	"github.com/batalabs/lcm/internal/lock"
	"github.com/batalabs/lcm/internal/store"
)

// stubClient is a deterministic llm.Client: Summarize returns "summary of: "
// followed by its input, trimmed to maxTokens*4 characters, so tests
// never depend on real network calls or escalation-ladder timing.
type stubClient struct{ fail bool }

func (c *stubClient) Summarize(ctx context.Context, system, text string, maxTokens int) (string, llm.Usage, error) {
	if c.fail {
		return "", llm.Usage{}, fmt.Errorf("llm unavailable")
	}
	out := "summary of: " + text
	if max := maxTokens * 4; len(out) > max && max > 0 {
		out = out[:max]
	}
	return out, llm.Usage{}, nil
}
func (c *stubClient) Classify(ctx context.Context, text string, labels []string) (string, error) {
	return "", nil
}
func (c *stubClient) AgentLoop(ctx context.Context, system string, tools []llm.Tool, exec llm.ToolExecutor, initial string, maxTurns int) (string, error) {
	return "", nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:?cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	s, err := store.NewFromDB(db)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// seedMessages appends n messages of roughly tokensEach tokens each,
// contiguous by transcript offset starting at 1.
func seedMessages(t *testing.T, st *store.Store, sessionID string, n, tokensEach int) {
	t.Helper()
	ctx := context.Background()
	body := strings.Repeat("x", tokensEach*4)
	for i := 1; i <= n; i++ {
		content := fmt.Sprintf("msg-%d %s", i, body)
		if _, err := st.AppendMessage(ctx, domain.Message{
			SessionID:        sessionID,
			Role:             domain.RoleUser,
			Content:          content,
			TokenEstimate:    domain.EstimateTokens(content),
			TranscriptOffset: int64(i),
		}); err != nil {
			t.Fatalf("seeding message %d: %v", i, err)
		}
	}
}

func testTunables() config.EngineTunables {
	t := config.DefaultEngineTunables()
	// Shrink thresholds so small seeded fixtures actually cross them.
	t.TauSoft = 5_000
	t.TauHard = 20_000
	t.BMin = 400
	t.BMax = 1_200
	return t
}

// Spec §8 scenario 1 (shrunk): crossing tau_soft produces at least one leaf
// summary and drains unsummarized tokens back to <= tau_soft.
func TestCheckAndMaybeCompact_softPressureProducesLeafAndDrains(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	st := newTestStore(t)
	ctx := context.Background()
	sessionID := "soft-session"
	seedMessages(t, st, sessionID, 10, 1_000) // 10,000 tokens, over tau_soft

	eng := New(st, &stubClient{}, testTunables(), nil)
	if err := eng.CheckAndMaybeCompact(ctx, sessionID); err != nil {
		t.Fatalf("CheckAndMaybeCompact: %v", err)
	}
	// Soft compaction runs detached; drive it synchronously here via the
	// same pass the engine would use, since the goroutine above races the
	// test's assertions otherwise.
	if err := eng.runLocked(ctx, sessionID, eng.softPass); err != nil {
		t.Fatalf("softPass: %v", err)
	}

	totals, err := st.SessionTotals(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if totals.SummaryCountByLevel[0] == 0 {
		t.Errorf("expected at least one leaf summary, got totals %+v", totals)
	}
	if totals.UnsummarizedTokens > eng.Tunables.TauSoft {
		t.Errorf("unsummarized tokens = %d, want <= tau_soft (%d)", totals.UnsummarizedTokens, eng.Tunables.TauSoft)
	}
}

// Spec §4.D: hard pressure blocks until unsummarized message tokens plus
// uncondensed summary tokens fall to tau_soft or below.
func TestHardPass_drainsToTauSoft(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	st := newTestStore(t)
	ctx := context.Background()
	sessionID := "hard-session"
	seedMessages(t, st, sessionID, 25, 1_000) // 25,000 tokens, over tau_hard

	eng := New(st, &stubClient{}, testTunables(), nil)
	if err := eng.hardPass(ctx, sessionID); err != nil {
		t.Fatalf("hardPass: %v", err)
	}

	totals, err := st.SessionTotals(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if totals.Tokens() > eng.Tunables.TauSoft {
		t.Errorf("unsummarized+uncondensed tokens = %d, want <= tau_soft (%d)", totals.Tokens(), eng.Tunables.TauSoft)
	}
}

// Spec §4.D failure semantics: if the LLM is unavailable during hard
// compaction, the ladder is forced to truncated, which cannot fail, so the
// pass always terminates and produces at least one truncated summary.
func TestHardPass_llmUnavailableForcesTruncated(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	st := newTestStore(t)
	ctx := context.Background()
	sessionID := "hard-llm-down"
	seedMessages(t, st, sessionID, 25, 1_000)

	eng := New(st, &stubClient{fail: true}, testTunables(), nil)
	if err := eng.hardPass(ctx, sessionID); err != nil {
		t.Fatalf("hardPass should never fail, got: %v", err)
	}

	totals, err := st.SessionTotals(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	if totals.Tokens() > eng.Tunables.TauSoft {
		t.Errorf("unsummarized+uncondensed tokens = %d, want <= tau_soft (%d)", totals.Tokens(), eng.Tunables.TauSoft)
	}

	top, err := st.TopLevelSummaries(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	sawTruncated := false
	for _, s := range top {
		if s.Kind == domain.KindTruncated {
			sawTruncated = true
		}
	}
	if !sawTruncated {
		t.Error("expected at least one truncated summary when the LLM is down")
	}
}

// Spec §8 scenario 3: producing a 6th leaf summary condenses the oldest 5
// into a level-1 summary, and all 5 have condensed_by set.
func TestCondenseAll_groupsOldestFiveIntoLevelOne(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	st := newTestStore(t)
	ctx := context.Background()
	sessionID := "condense-session"

	tunables := testTunables()
	eng := New(st, &stubClient{}, tunables, nil)

	// Produce six leaf summaries directly (one small block each), bypassing
	// the threshold check so the test controls exactly how many leaves
	// exist before condensation runs.
	offset := int64(1)
	for i := 0; i < 6; i++ {
		for j := 0; j < 2; j++ {
			content := fmt.Sprintf("leaf-%d-msg-%d %s", i, j, strings.Repeat("y", 40))
			if _, err := st.AppendMessage(ctx, domain.Message{
				SessionID:        sessionID,
				Role:             domain.RoleUser,
				Content:          content,
				TokenEstimate:    domain.EstimateTokens(content),
				TranscriptOffset: offset,
			}); err != nil {
				t.Fatal(err)
			}
			offset++
		}
		block, ids, ok, err := eng.selectBlock(ctx, sessionID, 1, tunables.BMax)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatalf("expected a selectable block for leaf %d", i)
		}
		sum := domain.Summary{SessionID: sessionID, Level: 0, Kind: domain.KindTruncated, Content: "leaf", TokenEstimate: 10, FirstOffset: block.FirstOffset, LastOffset: block.LastOffset}
		if _, err := st.InsertLeafSummary(ctx, sum, ids); err != nil {
			t.Fatal(err)
		}
	}

	if err := eng.condenseAll(ctx, sessionID); err != nil {
		t.Fatalf("condenseAll: %v", err)
	}

	uncondLevel0, err := st.UncondensedSummariesAtLevel(ctx, sessionID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(uncondLevel0) != 1 {
		t.Errorf("expected exactly 1 uncondensed level-0 summary left (the 6th), got %d", len(uncondLevel0))
	}

	top, err := st.TopLevelSummaries(ctx, sessionID)
	if err != nil {
		t.Fatal(err)
	}
	sawLevel1 := false
	for _, s := range top {
		if s.Level == 1 {
			sawLevel1 = true
		}
	}
	if !sawLevel1 {
		t.Error("expected a level-1 summary among the top-level summaries")
	}
}

// Two concurrent CheckAndMaybeCompact calls for the same session must not
// both run a pass: the advisory lock (spec §4.D, §5) limits it to one.
func TestRunLocked_secondCallerIsNoOpWhileFirstHoldsLock(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)

	st := newTestStore(t)
	ctx := context.Background()
	sessionID := "locked-session"

	eng := New(st, &stubClient{}, testTunables(), nil)

	l, err := lock.TryAcquire(sessionID)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Release()

	ran := false
	if err := eng.runLocked(ctx, sessionID, func(context.Context, string) error {
		ran = true
		return nil
	}); err != nil {
		t.Fatalf("runLocked should report the busy lock as a no-op, not an error: %v", err)
	}
	if ran {
		t.Error("pass should not have run while another holder had the lock")
	}
}
