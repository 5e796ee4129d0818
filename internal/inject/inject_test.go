package inject

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/batalabs/lcm/internal/domain"
	"github.com/batalabs/lcm/internal/store"
)

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

func TestBuild_emptySessionReturnsEmptyString(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if err := st.EnsureSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	block, err := Build(ctx, st, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if block != "" {
		t.Errorf("expected no injection block before any summary exists, got %q", block)
	}
}

func TestBuild_listsTopLevelSummariesInWireFormat(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if err := st.EnsureSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	mid, err := st.AppendMessage(ctx, domain.Message{SessionID: "s1", Role: domain.RoleUser, Content: "hello", TranscriptOffset: 0})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.InsertLeafSummary(ctx, domain.Summary{
		SessionID: "s1", Level: 0, Kind: domain.KindPreserveDetails, Content: "a greeting", TokenEstimate: 2,
	}, []int64{mid}); err != nil {
		t.Fatal(err)
	}

	block, err := Build(ctx, st, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(block, "<lcm-context>\n") || !strings.HasSuffix(block, "</lcm-context>") {
		t.Errorf("expected the block to be wrapped in <lcm-context> tags, got %q", block)
	}
	if !strings.Contains(block, "S1") {
		t.Errorf("expected the top-level summary id to appear in the block, got %q", block)
	}
	if !strings.Contains(block, "a greeting") {
		t.Errorf("expected the summary content to appear in the block, got %q", block)
	}
	if !strings.Contains(block, "expand S<id>") {
		t.Errorf("expected the verb menu to be present, got %q", block)
	}
}
