package ladder

import (
	"context"
	"strings"
	"testing"

	"github.com/batalabs/lcm/internal/domain"
	"github.com/batalabs/lcm/internal/llm"
)

type stubClient struct {
	summarize func(ctx context.Context, system, text string, maxTokens int) (string, llm.Usage, error)
}

func (s *stubClient) Summarize(ctx context.Context, system, text string, maxTokens int) (string, llm.Usage, error) {
	return s.summarize(ctx, system, text, maxTokens)
}
func (s *stubClient) Classify(ctx context.Context, text string, labels []string) (string, error) {
	return "", nil
}
func (s *stubClient) AgentLoop(ctx context.Context, system string, tools []llm.Tool, exec llm.ToolExecutor, initial string, maxTurns int) (string, error) {
	return "", nil
}

func block() Block {
	return Block{Texts: []string{strings.Repeat("hello world ", 200)}, FirstOffset: 1, LastOffset: 1}
}

func TestProduce_preserveDetailsWins(t *testing.T) {
	client := &stubClient{summarize: func(ctx context.Context, system, text string, maxTokens int) (string, llm.Usage, error) {
		if system == preserveDetailsPrompt {
			return "short summary", llm.Usage{}, nil
		}
		return "", llm.Usage{}, nil
	}}
	sum := Produce(context.Background(), client, block(), 100)
	if sum.Kind != domain.KindPreserveDetails {
		t.Errorf("kind = %q, want preserve_details", sum.Kind)
	}
	if sum.Content != "short summary" {
		t.Errorf("content = %q", sum.Content)
	}
}

func TestProduce_escalatesToBulletPoints(t *testing.T) {
	client := &stubClient{summarize: func(ctx context.Context, system, text string, maxTokens int) (string, llm.Usage, error) {
		if system == preserveDetailsPrompt {
			return strings.Repeat("x", 10_000), llm.Usage{}, nil // overshoots ceiling badly
		}
		return "bulleted", llm.Usage{}, nil
	}}
	sum := Produce(context.Background(), client, block(), 10)
	if sum.Kind != domain.KindBulletPoints {
		t.Errorf("kind = %q, want bullet_points", sum.Kind)
	}
}

func TestProduce_fallsBackToTruncated(t *testing.T) {
	client := &stubClient{summarize: func(ctx context.Context, system, text string, maxTokens int) (string, llm.Usage, error) {
		return "", llm.Usage{}, errUnavailable
	}}
	sum := Produce(context.Background(), client, block(), 20)
	if sum.Kind != domain.KindTruncated {
		t.Errorf("kind = %q, want truncated", sum.Kind)
	}
	if sum.TokenEstimate > 20 {
		t.Errorf("truncated summary exceeds target: %d tokens", sum.TokenEstimate)
	}
}

func TestProduce_nilClientGoesStraightToTruncated(t *testing.T) {
	sum := Produce(context.Background(), nil, block(), 20)
	if sum.Kind != domain.KindTruncated {
		t.Errorf("kind = %q, want truncated", sum.Kind)
	}
}

func TestTruncate_containsElisionMarker(t *testing.T) {
	out := truncate(strings.Repeat("a", 1000), 20)
	if !strings.Contains(out, "tokens elided") {
		t.Errorf("missing elision marker: %q", out)
	}
}

func TestTruncate_shortTextUnchanged(t *testing.T) {
	in := "short"
	out := truncate(in, 1000)
	if out != in {
		t.Errorf("expected short text to pass through unchanged, got %q", out)
	}
}

var errUnavailable = &stubErr{"llm unavailable"}

type stubErr struct{ s string }

func (e *stubErr) Error() string { return e.s }
