package opmap

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/batalabs/lcm/internal/capture"
	"github.com/batalabs/lcm/internal/domain"
	"github.com/batalabs/lcm/internal/llm"
	"github.com/batalabs/lcm/internal/store"
)

// fakeClient is a minimal llm.Client double: Summarize returns "summary:"
// followed by the block text, Classify always returns the first label,
// AgentLoop is unused here.
type fakeClient struct {
	summarizeCalls int
}

func (f *fakeClient) Summarize(ctx context.Context, systemPrompt, blockText string, maxTokens int) (string, llm.Usage, error) {
	f.summarizeCalls++
	return "summary:" + blockText, llm.Usage{}, nil
}

func (f *fakeClient) Classify(ctx context.Context, text string, labels []string) (string, error) {
	if len(labels) == 0 {
		return "", nil
	}
	return labels[0], nil
}

func (f *fakeClient) AgentLoop(ctx context.Context, system string, tools []llm.Tool, exec llm.ToolExecutor, initial string, maxTurns int) (string, error) {
	return "agent:" + initial, nil
}

func TestLLMMap_tier1SkipsLLMForSmallItems(t *testing.T) {
	client := &fakeClient{}
	items := []Item{{Raw: []byte(`"hi"`)}}
	results := LLMMap(context.Background(), client, items, LLMMapOptions{Prompt: "summarize"})
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("unexpected results: %+v", results)
	}
	if results[0].Output != `"hi"` {
		t.Errorf("expected the small item to pass through verbatim, got %q", results[0].Output)
	}
	if client.summarizeCalls != 0 {
		t.Errorf("tier 1 should not call Summarize, got %d calls", client.summarizeCalls)
	}
}

func TestLLMMap_tier2CallsSummarizeForLargeItems(t *testing.T) {
	client := &fakeClient{}
	big := strings.Repeat("x", templateMax+10)
	items := []Item{{Raw: []byte(`"` + big + `"`)}}
	results := LLMMap(context.Background(), client, items, LLMMapOptions{Prompt: "summarize"})
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("unexpected results: %+v", results)
	}
	if client.summarizeCalls != 1 {
		t.Errorf("expected exactly one Summarize call, got %d", client.summarizeCalls)
	}
}

func TestLLMMap_classifiesWhenLabelsSet(t *testing.T) {
	client := &fakeClient{}
	items := []Item{{Raw: []byte(`"hi"`)}}
	results := LLMMap(context.Background(), client, items, LLMMapOptions{Labels: []string{"positive", "negative"}})
	if results[0].Output != "positive" {
		t.Errorf("expected the first label back, got %q", results[0].Output)
	}
}

func TestAgenticMap_runsOncePerItem(t *testing.T) {
	client := &fakeClient{}
	items := []Item{{Raw: []byte(`"a"`)}, {Raw: []byte(`"b"`)}}
	results := AgenticMap(context.Background(), client, items, AgenticMapOptions{System: "sys", MaxTurns: 3})
	if len(results) != 2 {
		t.Fatalf("expected one result per item, got %d", len(results))
	}
	if results[0].Output != `agent:"a"` || results[1].Output != `agent:"b"` {
		t.Errorf("unexpected outputs: %+v", results)
	}
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

func TestStoreResultsIfLarge_divertsOversizedOutput(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	if err := st.EnsureSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	mid, err := st.AppendMessage(ctx, domain.Message{SessionID: "s1", Role: domain.RoleUser, Content: "hi", TranscriptOffset: 0})
	if err != nil {
		t.Fatal(err)
	}

	small := MapResult{Output: "short"}
	big := MapResult{Output: strings.Repeat("y", capture.LargeBlobThreshold+1)}
	out, err := StoreResultsIfLarge(ctx, st, "s1", mid, "items.jsonl", []MapResult{small, big})
	if err != nil {
		t.Fatal(err)
	}
	if out[0] != "short" {
		t.Errorf("expected the small result to pass through, got %q", out[0])
	}
	if !strings.HasPrefix(out[1], "[stored as F") {
		t.Errorf("expected the oversized result to be diverted to a file reference, got %q", out[1])
	}
}
