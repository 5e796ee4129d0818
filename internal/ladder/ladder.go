// Package ladder implements the Escalation Ladder (spec §4.C): given a block
// of messages and a target token ceiling, produce one summary at the
// weakest acceptable fidelity level. Grounded in the teacher's
// agent.generateCompactionSummary (LLM-backed summarization prompt shape)
// and the crush explorer's truncateForLLM (deterministic head/tail
// truncation with an elision marker).
package ladder

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/batalabs/lcm/internal/domain"
	"github.com/batalabs/lcm/internal/llm"
)

// overshootTolerance is how far over T an LLM-produced summary may land
// before the engine escalates to the next level (spec §4.C: "the engine
// accepts overshoot up to 1.25 x T from levels 1-2 before escalating").
const overshootTolerance = 1.25

// Block is a contiguous run of message content to summarize.
type Block struct {
	Texts       []string // one entry per message, in transcript order
	FirstOffset int64
	LastOffset  int64
}

// concat joins a block's message texts into the text the ladder summarizes.
func (b Block) concat() string {
	out := ""
	for i, t := range b.Texts {
		if i > 0 {
			out += "\n\n"
		}
		out += t
	}
	return out
}

const preserveDetailsPrompt = `Summarize the following conversation excerpt faithfully. Keep tool names, ` +
	`file paths, and identifiers verbatim. Compress prose. Emit bulleted but long-form output.`

const bulletPointsPrompt = `Summarize the following conversation excerpt as terse bullet points: only ` +
	`high-level actions and outcomes, no supporting detail.`

// Produce runs the three-level ladder against block, targeting T tokens, and
// returns exactly one summary (spec §4.C contract). It never returns an
// error: the truncated level is a deterministic fallback that cannot fail,
// so an LLMUnavailable error from levels 1-2 simply causes escalation to the
// next level rather than propagating.
func Produce(ctx context.Context, client llm.Client, block Block, targetTokens int) domain.Summary {
	text := block.concat()
	ceiling := int(float64(targetTokens) * overshootTolerance)

	if client != nil {
		if out, ok := tryLevel(ctx, client, preserveDetailsPrompt, text, targetTokens, ceiling); ok {
			return newSummary(domain.KindPreserveDetails, out, block)
		}
		if out, ok := tryLevel(ctx, client, bulletPointsPrompt, text, targetTokens, ceiling); ok {
			return newSummary(domain.KindBulletPoints, out, block)
		}
	}

	return newSummary(domain.KindTruncated, truncate(text, targetTokens), block)
}

func tryLevel(ctx context.Context, client llm.Client, systemPrompt, text string, targetTokens, ceiling int) (string, bool) {
	out, _, err := client.Summarize(ctx, systemPrompt, text, targetTokens)
	if err != nil {
		return "", false
	}
	if domain.EstimateTokens(out) > ceiling {
		return "", false
	}
	return out, true
}

// truncate is the deterministic, non-LLM terminal fallback (spec §4.C level
// 3): keep a head and tail run, approximated via characters, joined by an
// explicit elision marker, with the marker's own worst-case width reserved
// out of the head/tail budget up front so the combined result's token
// estimate is provably <= targetTokens, not just approximately so. Slicing
// happens on rune boundaries so multi-byte UTF-8 content is never split
// mid-sequence.
func truncate(text string, targetTokens int) string {
	if targetTokens <= 0 {
		targetTokens = 1
	}
	maxBytes := targetTokens * 4 // tokens -> chars via the same /4 heuristic
	n := len(text)
	if n <= maxBytes {
		return text
	}

	// elided can be at most n, so sizing the reserve off n's own digit
	// count covers every elided count the split below can produce.
	markerChars := len(elisionMarker(n))
	half := (maxBytes - markerChars) / 2
	if half < 0 {
		half = 0
	}

	head := runeSafeHead(text, half)
	tail := runeSafeTail(text, half)
	elided := domain.EstimateTokens(text[len(head) : n-len(tail)])
	out := head + elisionMarker(elided) + tail

	// Belt-and-suspenders clamp: guarantees the invariant even if the
	// reserve above ever undershoots (e.g. a pathological marker width).
	return runeSafeHead(out, maxBytes)
}

func elisionMarker(elided int) string {
	return fmt.Sprintf("\n… [%d tokens elided] …\n", elided)
}

// runeSafeHead returns the longest prefix of s that is both a valid UTF-8
// boundary and at most maxBytes long.
func runeSafeHead(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(s) <= maxBytes {
		return s
	}
	k := maxBytes
	for k > 0 && !utf8.RuneStart(s[k]) {
		k--
	}
	return s[:k]
}

// runeSafeTail returns the longest suffix of s that is both a valid UTF-8
// boundary and at most maxBytes long.
func runeSafeTail(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(s) <= maxBytes {
		return s
	}
	start := len(s) - maxBytes
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}

func newSummary(kind domain.SummaryKind, content string, block Block) domain.Summary {
	return domain.Summary{
		Kind:          kind,
		Content:       content,
		TokenEstimate: domain.EstimateTokens(content),
		FirstOffset:   block.FirstOffset,
		LastOffset:    block.LastOffset,
	}
}
