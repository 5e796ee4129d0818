// Package retrieval implements the Retrieval Tools component (spec §4.G):
// status, describe, expand, and grep over the Store, each returning a
// structured result or a structured error per spec §7 ("retrieval tools
// always return a structured error rather than throwing").
package retrieval

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/batalabs/lcm/internal/domain"
	"github.com/batalabs/lcm/internal/lcmerr"
	"github.com/batalabs/lcm/internal/store"
)

// regexScanTimeout bounds one RegexSearch call (spec §8 "per-scan timeout
// (500 ms default)").
const regexScanTimeout = 500 * time.Millisecond

// regexResultCap bounds the number of matches a regex scan returns (spec
// §4.A default 100).
const regexResultCap = 100

// Tools wraps a Store with the four RPC verbs (spec §4.G, §6).
type Tools struct {
	Store *store.Store
}

// New builds a Tools over st.
func New(st *store.Store) *Tools { return &Tools{Store: st} }

// StatusResult is status(session)'s return shape (spec §4.G).
type StatusResult struct {
	SessionID           string        `json:"session_id"`
	MessageCount        int           `json:"message_count"`
	SummaryCountByLevel  map[int]int  `json:"summary_count_by_level"`
	UnsummarizedTokens   int          `json:"unsummarized_tokens"`
	UncondensedSummaryTokens int      `json:"uncondensed_summary_tokens"`
	DAGDepth             int          `json:"dag_depth"`
}

// Status implements status(session): message count, summary count by level,
// token totals, DAG depth (spec §4.G). Well-formed on an empty session (spec
// §8 boundary behaviors).
func (t *Tools) Status(ctx context.Context, sessionID string) (StatusResult, error) {
	totals, err := t.Store.SessionTotals(ctx, sessionID)
	if err != nil {
		return StatusResult{}, lcmerr.New(lcmerr.KindStoreUnavailable, "reading session totals", err)
	}
	return StatusResult{
		SessionID:                sessionID,
		MessageCount:             totals.MessageCount,
		SummaryCountByLevel:      totals.SummaryCountByLevel,
		UnsummarizedTokens:       totals.UnsummarizedTokens,
		UncondensedSummaryTokens: totals.UncondensedSummaryTokens,
		DAGDepth:                 totals.DAGDepth,
	}, nil
}

// DescribeResult is describe(id)'s return shape (spec §4.G, §8 scenario 5).
type DescribeResult struct {
	ID            string     `json:"id"`
	Kind          string     `json:"kind"` // "message", "summary", or "file"
	Level         int        `json:"level,omitempty"`
	FirstOffset   int64      `json:"first_offset,omitempty"`
	LastOffset    int64      `json:"last_offset,omitempty"`
	ParentID      string     `json:"parent_id,omitempty"`
	ChildCount    int        `json:"child_count,omitempty"`
	TokenEstimate int        `json:"token_estimate"`
	CreatedAt     time.Time  `json:"created_at"`
	Preview       string     `json:"preview"`
}

// Describe implements describe(id): metadata for any S/F/integer id (spec
// §4.G). Returns InputError for a malformed or unknown id.
func (t *Tools) Describe(ctx context.Context, id string) (DescribeResult, error) {
	switch kind, numeric := splitID(id); kind {
	case "S":
		sum, err := t.Store.GetSummary(ctx, numeric)
		if err != nil {
			return DescribeResult{}, lcmerr.New(lcmerr.KindInputError, fmt.Sprintf("no such summary %q", id), err)
		}
		_, childIDs, err := t.Store.SummaryChildren(ctx, sum.ID)
		if err != nil {
			return DescribeResult{}, lcmerr.New(lcmerr.KindStoreUnavailable, "reading summary children", err)
		}
		var parent string
		if sum.CondensedBy != nil {
			parent = "S" + strconv.FormatInt(*sum.CondensedBy, 10)
		}
		return DescribeResult{
			ID: id, Kind: "summary", Level: sum.Level,
			FirstOffset: sum.FirstOffset, LastOffset: sum.LastOffset,
			ParentID: parent, ChildCount: len(childIDs),
			TokenEstimate: sum.TokenEstimate, CreatedAt: sum.CreatedAt,
			Preview: preview(sum.Content),
		}, nil
	case "F":
		f, err := t.Store.GetFile(ctx, numeric)
		if err != nil {
			return DescribeResult{}, lcmerr.New(lcmerr.KindInputError, fmt.Sprintf("no such file %q", id), err)
		}
		return DescribeResult{
			ID: id, Kind: "file", TokenEstimate: domain.EstimateTokens(f.Snippet),
			Preview: preview(f.Snippet),
		}, nil
	default:
		m, err := t.Store.GetMessage(ctx, numeric)
		if err != nil {
			return DescribeResult{}, lcmerr.New(lcmerr.KindInputError, fmt.Sprintf("no such message %q", id), err)
		}
		var parent string
		if m.SummarizedBy != nil {
			parent = "S" + strconv.FormatInt(*m.SummarizedBy, 10)
		}
		return DescribeResult{
			ID: id, Kind: "message", FirstOffset: m.TranscriptOffset, LastOffset: m.TranscriptOffset,
			ParentID: parent, TokenEstimate: m.TokenEstimate, CreatedAt: m.CreatedAt,
			Preview: preview(m.Content),
		}, nil
	}
}

// ExpandChild is one entry in expand(id)'s ordered child list.
type ExpandChild struct {
	ID      string `json:"id"`
	Preview string `json:"preview"`
}

// Expand implements expand(S-id): the ordered list of immediate children
// with short previews (spec §4.G, §8 scenario 6). Expanding a leaf summary
// returns the underlying message ids; expanding a condensed summary returns
// its child summary ids.
func (t *Tools) Expand(ctx context.Context, id string) ([]ExpandChild, error) {
	kind, numeric := splitID(id)
	if kind != "S" {
		return nil, lcmerr.New(lcmerr.KindInputError, fmt.Sprintf("expand requires a summary id, got %q", id), nil)
	}
	childKind, childIDs, err := t.Store.SummaryChildren(ctx, numeric)
	if err != nil {
		return nil, lcmerr.New(lcmerr.KindStoreUnavailable, "reading summary children", err)
	}
	out := make([]ExpandChild, 0, len(childIDs))
	for _, cid := range childIDs {
		switch childKind {
		case "message":
			m, err := t.Store.GetMessage(ctx, cid)
			if err != nil {
				return nil, lcmerr.New(lcmerr.KindInvariantViolation, fmt.Sprintf("summary child message %d missing", cid), err)
			}
			out = append(out, ExpandChild{ID: strconv.FormatInt(m.ID, 10), Preview: preview(m.Content)})
		case "summary":
			s, err := t.Store.GetSummary(ctx, cid)
			if err != nil {
				return nil, lcmerr.New(lcmerr.KindInvariantViolation, fmt.Sprintf("summary child summary %d missing", cid), err)
			}
			out = append(out, ExpandChild{ID: "S" + strconv.FormatInt(s.ID, 10), Preview: preview(s.Content)})
		}
	}
	return out, nil
}

// Mode selects how Grep interprets its query (spec §4.G).
type Mode string

const (
	ModeFTS   Mode = "fts"
	ModeRegex Mode = "regex"
)

// GrepGroup is one cluster of hits sharing a covering summary (spec §4.A
// "Grouping policy for grep").
type GrepGroup struct {
	CoveringID string      `json:"covering_id,omitempty"`
	Hits       []store.Hit `json:"hits"`
}

// Grep implements grep(session, query, mode, scope) (spec §4.G): paginated
// hits grouped by covering summary, ordered by transcript_offset within a
// group (spec §4.A).
func (t *Tools) Grep(ctx context.Context, sessionID, query string, mode Mode, scope store.Scope, pageToken string) ([]GrepGroup, string, error) {
	page, err := store.DecodePageToken(pageToken)
	if err != nil {
		return nil, "", lcmerr.New(lcmerr.KindInputError, "malformed page token", err)
	}

	var hits []store.Hit
	var next store.PageToken
	switch mode {
	case ModeFTS, "":
		hits, next, err = t.Store.FTSSearch(ctx, sessionID, query, scope, page)
		if err != nil {
			return nil, "", lcmerr.New(lcmerr.KindStoreUnavailable, "fts search", err)
		}
	case ModeRegex:
		re, err := compileGuarded(query)
		if err != nil {
			return nil, "", lcmerr.New(lcmerr.KindInputError, "invalid regex", err)
		}
		scanCtx, cancel := context.WithTimeout(ctx, regexScanTimeout)
		defer cancel()
		hits, err = t.Store.RegexSearch(scanCtx, sessionID, re, scope, regexResultCap)
		if err != nil {
			return nil, "", lcmerr.New(lcmerr.KindStoreUnavailable, "regex search", err)
		}
	default:
		return nil, "", lcmerr.New(lcmerr.KindInputError, fmt.Sprintf("unknown mode %q", mode), nil)
	}

	return groupByCovering(hits), store.EncodePageToken(next), nil
}

// compileGuarded compiles a regex with a length cap, rejecting patterns
// likely to be catastrophically backtracking before they ever run (spec §8
// "Regex with catastrophic pattern: bounded by result cap and per-scan
// timeout"). Go's RE2 engine can't backtrack catastrophically, but an
// unbounded pattern length is still rejected defensively.
func compileGuarded(pattern string) (*regexp.Regexp, error) {
	const maxPatternLen = 1000
	if len(pattern) > maxPatternLen {
		return nil, fmt.Errorf("pattern exceeds %d characters", maxPatternLen)
	}
	return regexp.Compile(pattern)
}

// groupByCovering clusters hits by covering summary, preserving the order
// groups were first seen and sorting hits by transcript offset within each
// group (spec §4.A).
func groupByCovering(hits []store.Hit) []GrepGroup {
	order := []string{}
	groups := map[string]*GrepGroup{}
	for _, h := range hits {
		key := "none"
		if h.CoveringID != nil {
			key = "S" + strconv.FormatInt(*h.CoveringID, 10)
		}
		g, ok := groups[key]
		if !ok {
			g = &GrepGroup{}
			if key != "none" {
				g.CoveringID = key
			}
			groups[key] = g
			order = append(order, key)
		}
		g.Hits = append(g.Hits, h)
	}
	out := make([]GrepGroup, 0, len(order))
	for _, k := range order {
		g := *groups[k]
		sort.SliceStable(g.Hits, func(i, j int) bool { return g.Hits[i].Offset < g.Hits[j].Offset })
		out = append(out, g)
	}
	return out
}

// splitID parses an LCM id (spec §3 "Identifier scheme"): a bare integer is
// a message id, "S"-prefixed is a summary id, "F"-prefixed is a file id.
func splitID(id string) (kind string, numeric int64) {
	trimmed := strings.TrimSpace(id)
	if strings.HasPrefix(trimmed, "S") {
		n, _ := strconv.ParseInt(trimmed[1:], 10, 64)
		return "S", n
	}
	if strings.HasPrefix(trimmed, "F") {
		n, _ := strconv.ParseInt(trimmed[1:], 10, 64)
		return "F", n
	}
	n, _ := strconv.ParseInt(trimmed, 10, 64)
	return "", n
}

// previewChars bounds describe/expand preview text.
const previewChars = 200

func preview(content string) string {
	if len(content) <= previewChars {
		return content
	}
	return content[:previewChars] + "…"
}
