// Package opmap implements the parallel data operators spec.md §2 names as
// external collaborators outside the core ("the 'parallel data operator'
// bulk-processing tools (llm_map, agentic_map), which are independent
// utilities sharing only the LLM client"): llm_map applies a single LLM call
// per JSONL item, agentic_map runs a bounded tool-calling agent loop per
// item. Grounded in the three-tier dispatch shape of
// internal-lcm-explorer-explorer_llm.go.go (template-only / single-call-LLM /
// agent-based, selected by content size and availability) and in Capture's
// large-blob diversion for storing oversized results back through the Store.
package opmap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/batalabs/lcm/internal/capture"
	"github.com/batalabs/lcm/internal/domain"
	"github.com/batalabs/lcm/internal/llm"
	"github.com/batalabs/lcm/internal/store"
)

// templateMax is the content-size tier boundary below which the
// template-only tier (no LLM call at all) is used, mirroring crush's
// llmTruncateMax / tier-1 static-template fallback.
const templateMax = 200

// Item is one record of a JSONL input file to llm_map/agentic_map.
type Item struct {
	Raw json.RawMessage
}

// MapResult is the outcome for one item.
type MapResult struct {
	Output string
	Err    error
}

// LLMMapOptions configures one llm_map run (spec §2, §9 supplement).
type LLMMapOptions struct {
	SessionID   string
	Prompt      string   // instruction applied to every item
	Labels      []string // non-empty selects Classify instead of Summarize
	MaxTokens   int
	Concurrency int
}

// LLMMap applies client.Summarize (or Classify, if Labels is set) to each
// item independently, bounded by Concurrency workers (default 4). It is the
// tier-1/tier-2 path of the three-tier dispatch: items too small to need an
// LLM call at all are returned verbatim (tier 1, "template only"); all
// others get one LLM call each (tier 2, "single-call LLM").
func LLMMap(ctx context.Context, client llm.Client, items []Item, opts LLMMapOptions) []MapResult {
	conc := opts.Concurrency
	if conc <= 0 {
		conc = 4
	}
	results := make([]MapResult, len(items))
	sem := make(chan struct{}, conc)
	var wg sync.WaitGroup
	for i, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, item Item) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = mapOne(ctx, client, item, opts)
		}(i, item)
	}
	wg.Wait()
	return results
}

func mapOne(ctx context.Context, client llm.Client, item Item, opts LLMMapOptions) MapResult {
	text := string(item.Raw)

	// Tier 1: template only — content too small to be worth an LLM call.
	if len(text) <= templateMax && len(opts.Labels) == 0 {
		return MapResult{Output: text}
	}

	// Tier 2: single-call LLM.
	if len(opts.Labels) > 0 {
		label, err := client.Classify(ctx, text, opts.Labels)
		if err != nil {
			return MapResult{Err: fmt.Errorf("classify: %w", err)}
		}
		return MapResult{Output: label}
	}

	out, _, err := client.Summarize(ctx, opts.Prompt, text, opts.MaxTokens)
	if err != nil {
		return MapResult{Err: fmt.Errorf("summarize: %w", err)}
	}
	return MapResult{Output: out}
}

// AgenticMapOptions configures one agentic_map run.
type AgenticMapOptions struct {
	SessionID string
	System    string
	Tools     []llm.Tool
	Exec      llm.ToolExecutor
	MaxTurns  int
}

// AgenticMap runs a bounded agent loop (client.AgentLoop, tier 3 —
// "agent-based") once per item, sequentially: each run may itself invoke
// tools that mutate shared state (the read-only Tools exec closure), so
// items are not run concurrently the way LLMMap's stateless calls are.
func AgenticMap(ctx context.Context, client llm.Client, items []Item, opts AgenticMapOptions) []MapResult {
	results := make([]MapResult, len(items))
	for i, item := range items {
		out, err := client.AgentLoop(ctx, opts.System, opts.Tools, opts.Exec, string(item.Raw), opts.MaxTurns)
		if err != nil {
			results[i] = MapResult{Err: fmt.Errorf("agent loop: %w", err)}
			continue
		}
		results[i] = MapResult{Output: out}
	}
	return results
}

// StoreResultsIfLarge diverts any result exceeding capture's large-blob
// threshold to a file reference via the Store, the same path Capture uses
// for oversized tool output (spec §4.E, §9 "Results stored in LCM if
// large" per internal-lcm-prompt.go.go's map-tools documentation). Returns
// the text to show the caller: either the result itself, or a short
// "stored as F<id>" pointer.
func StoreResultsIfLarge(ctx context.Context, st *store.Store, sessionID string, messageID int64, path string, results []MapResult) ([]string, error) {
	out := make([]string, len(results))
	for i, r := range results {
		if r.Err != nil {
			out[i] = "error: " + r.Err.Error()
			continue
		}
		if len(r.Output) <= capture.LargeBlobThreshold {
			out[i] = r.Output
			continue
		}
		fileRef := domain.FileRef{
			SessionID:        sessionID,
			Path:             fmt.Sprintf("%s#%d", path, i),
			Size:             int64(len(r.Output)),
			FirstSeenMessage: messageID,
			LastSeenMessage:  messageID,
			Snippet:          truncate(r.Output, 2000),
		}
		fileRef.SHA256 = sha256Hex(r.Output)
		id, err := st.UpsertFile(ctx, fileRef)
		if err != nil {
			return nil, fmt.Errorf("storing oversized map result %d: %w", i, err)
		}
		out[i] = fmt.Sprintf("[stored as F%d]", id)
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
