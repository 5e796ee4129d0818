package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func withTestServer(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	orig := TestAPIURL
	TestAPIURL = srv.URL
	t.Cleanup(func() { TestAPIURL = orig })
}

func TestSummarize_success(t *testing.T) {
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(anthropicResponse{
			Content:    []anthropicContentBlock{{Type: "text", Text: "a tidy summary"}},
			StopReason: "end_turn",
			Usage:      anthropicUsage{InputTokens: 10, OutputTokens: 4},
		})
	})

	c := NewAnthropicClient("sk-test", "", nil)
	text, usage, err := c.Summarize(context.Background(), "system", "block text", 512)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if text != "a tidy summary" {
		t.Errorf("text = %q", text)
	}
	if usage.InputTokens != 10 || usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestSummarize_retriesOnRateLimit(t *testing.T) {
	var calls int
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("retry-after-ms", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"type": "rate_limit_error", "message": "slow down"}})
			return
		}
		_ = json.NewEncoder(w).Encode(anthropicResponse{Content: []anthropicContentBlock{{Type: "text", Text: "ok"}}})
	})

	c := NewAnthropicClient("sk-test", "", nil)
	text, _, err := c.Summarize(context.Background(), "sys", "block", 10)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if text != "ok" {
		t.Errorf("text = %q", text)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestSummarize_nonRetryableFailsFast(t *testing.T) {
	var calls int
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"type": "authentication_error", "message": "bad key"}})
	})

	c := NewAnthropicClient("sk-bad", "", nil)
	_, _, err := c.Summarize(context.Background(), "sys", "block", 10)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on auth error)", calls)
	}
}

func TestClassify_trimsToKnownLabel(t *testing.T) {
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(anthropicResponse{Content: []anthropicContentBlock{{Type: "text", Text: "code"}}})
	})

	c := NewAnthropicClient("sk-test", "", nil)
	label, err := c.Classify(context.Background(), "func main() {}", []string{"code", "prose", "data"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if label != "code" {
		t.Errorf("label = %q", label)
	}
}

func TestAgentLoop_finishesWithoutToolCall(t *testing.T) {
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(anthropicResponse{Content: []anthropicContentBlock{{Type: "text", Text: "final answer"}}})
	})

	c := NewAnthropicClient("sk-test", "", nil)
	out, err := c.AgentLoop(context.Background(), "sys", nil, nil, "go", 3)
	if err != nil {
		t.Fatalf("AgentLoop: %v", err)
	}
	if out != "final answer" {
		t.Errorf("out = %q", out)
	}
}

func TestAgentLoop_callsToolThenFinishes(t *testing.T) {
	var calls int
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		text := "final"
		if calls == 1 {
			text = `TOOL: lookup {"q":"x"}`
		}
		_ = json.NewEncoder(w).Encode(anthropicResponse{Content: []anthropicContentBlock{{Type: "text", Text: text}}})
	})

	executed := false
	exec := func(ctx context.Context, call ToolCall) (string, error) {
		executed = true
		if call.Name != "lookup" {
			t.Errorf("tool name = %q", call.Name)
		}
		return "result", nil
	}

	c := NewAnthropicClient("sk-test", "", nil)
	out, err := c.AgentLoop(context.Background(), "sys", []Tool{{Name: "lookup"}}, exec, "go", 3)
	if err != nil {
		t.Fatalf("AgentLoop: %v", err)
	}
	if !executed {
		t.Error("expected tool to be executed")
	}
	if out != "final" {
		t.Errorf("out = %q", out)
	}
}
