// Package compaction implements the Compaction Engine (spec §4.D): the
// soft/hard threshold control loop, block selection, and DAG condensation.
// Grounded in the teacher's agent.compactIfNeeded (threshold check + forced
// fallback on LLM failure) and internal-lcm-message_decorator.go's detached
// "go func() { ScheduleCompaction(...) }()" pattern for the async path.
package compaction

import (
	"context"
	"fmt"

	"github.com/batalabs/lcm/internal/config"
	"github.com/batalabs/lcm/internal/domain"
	"github.com/batalabs/lcm/internal/ladder"
	"github.com/batalabs/lcm/internal/llm"
	"github.com/batalabs/lcm/internal/lock"
	"github.com/batalabs/lcm/internal/store"
)

// Engine owns the thresholds and runs compaction passes for sessions.
type Engine struct {
	Store     *store.Store
	LLM       llm.Client
	Tunables  config.EngineTunables
	Logger    *config.Logger
}

// New builds an Engine with the given tunables.
func New(st *store.Store, client llm.Client, tunables config.EngineTunables, logger *config.Logger) *Engine {
	return &Engine{Store: st, LLM: client, Tunables: tunables, Logger: logger}
}

func (e *Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

// CheckAndMaybeCompact observes session_totals and reacts per spec §4.D:
// hard pressure blocks synchronously until drained to tau_soft; soft
// pressure is enqueued on a detached goroutine so the caller (a capture hook
// invocation) is never blocked by it. Call this after every capture.
func (e *Engine) CheckAndMaybeCompact(ctx context.Context, sessionID string) error {
	totals, err := e.Store.SessionTotals(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session totals: %w", err)
	}

	if totals.Tokens() >= e.Tunables.TauHard {
		return e.runLocked(ctx, sessionID, e.hardPass)
	}
	if totals.Tokens() >= e.Tunables.TauSoft {
		go func() {
			// spec §9: "do not rely on the host's hook-async flag for
			// correctness -- treat every hook invocation as potentially
			// synchronous and offload internally." context.WithoutCancel
			// lets the pass outlive the triggering request.
			bg := context.WithoutCancel(ctx)
			if err := e.runLocked(bg, sessionID, e.softPass); err != nil {
				e.logf("compaction: soft pass for %s: %v", sessionID, err)
			}
		}()
	}
	return nil
}

// runLocked acquires the session's advisory lock before running pass, and
// is a silent no-op (not an error) if another process already holds it --
// the next trigger will try again (spec §5 "exactly one compaction pass per
// session at a time").
func (e *Engine) runLocked(ctx context.Context, sessionID string, pass func(context.Context, string) error) error {
	l, err := lock.TryAcquire(sessionID)
	if err != nil {
		if err == lock.ErrBusy {
			return nil
		}
		return err
	}
	defer l.Release()
	return pass(ctx, sessionID)
}

// softPass summarizes oldest-first blocks sized within [B_min, B_max] at
// T = B_max/4 until unsummarized tokens fall to tau_soft or below, or until
// the remaining unsummarized messages cannot fill a B_min block, then runs
// condensation (spec §4.D). The ladder falls back to its truncated level
// when the LLM is unavailable, so the pass does not abort in that case: it
// writes truncated leaf summaries instead.
func (e *Engine) softPass(ctx context.Context, sessionID string) error {
	for {
		totals, err := e.Store.SessionTotals(ctx, sessionID)
		if err != nil {
			return err
		}
		if totals.UnsummarizedTokens <= e.Tunables.TauSoft {
			break
		}
		block, msgIDs, ok, err := e.selectBlock(ctx, sessionID, e.Tunables.BMin, e.Tunables.BMax)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		sum := ladder.Produce(ctx, e.LLM, block, e.Tunables.BMax/4)
		sum.SessionID = sessionID
		sum.Level = 0
		if _, err := e.Store.InsertLeafSummary(ctx, sum, msgIDs); err != nil {
			return fmt.Errorf("inserting leaf summary: %w", err)
		}
	}
	return e.condenseAll(ctx, sessionID)
}

// hardPass blocks, draining oldest-first blocks and condensing after each
// leaf, until the session's tokens (unsummarized messages plus uncondensed
// summaries) fall to tau_soft or below, or no unsummarized message is left
// (spec §4.D). If no full-size block remains it
// summarizes down to a floor of one message rather than fail; if the LLM is
// unavailable the ladder is forced to its truncated level, which cannot
// fail, so a hard pass always terminates (spec §4.D failure semantics).
func (e *Engine) hardPass(ctx context.Context, sessionID string) error {
	for {
		totals, err := e.Store.SessionTotals(ctx, sessionID)
		if err != nil {
			return err
		}
		if totals.Tokens() <= e.Tunables.TauSoft {
			return e.condenseAll(ctx, sessionID)
		}

		block, msgIDs, ok, err := e.selectBlock(ctx, sessionID, e.Tunables.BMin, e.Tunables.BMax)
		if err != nil {
			return err
		}
		if !ok {
			// Too few unsummarized messages remain to form a B_min block;
			// summarize whatever is left, down to a floor of one message.
			block, msgIDs, ok, err = e.selectBlock(ctx, sessionID, 1, e.Tunables.BMax)
			if err != nil {
				return err
			}
			if !ok {
				return nil // nothing left to summarize
			}
		}

		sum := ladder.Produce(ctx, e.LLM, block, e.Tunables.BMax/4)
		sum.SessionID = sessionID
		sum.Level = 0
		if _, err := e.Store.InsertLeafSummary(ctx, sum, msgIDs); err != nil {
			return fmt.Errorf("inserting leaf summary: %w", err)
		}
		if err := e.condenseAll(ctx, sessionID); err != nil {
			return err
		}
	}
}

// selectBlock picks the oldest contiguous run of unsummarized messages whose
// cumulative token estimate falls in [min, max]. If the oldest single
// message alone exceeds max, it is returned alone (a block of one):
// the ladder always produces something within budget via truncation, so an
// oversized single message is never stuck.
func (e *Engine) selectBlock(ctx context.Context, sessionID string, min, max int) (ladder.Block, []int64, bool, error) {
	msgs, err := e.Store.UnsummarizedMessages(ctx, sessionID)
	if err != nil {
		return ladder.Block{}, nil, false, err
	}
	if len(msgs) == 0 {
		return ladder.Block{}, nil, false, nil
	}

	var texts []string
	var ids []int64
	sum := 0
	for _, m := range msgs {
		if sum >= min && sum+m.TokenEstimate > max {
			break
		}
		texts = append(texts, m.Content)
		ids = append(ids, m.ID)
		sum += m.TokenEstimate
		if sum >= max {
			break
		}
	}
	if len(ids) == 0 {
		// Oldest message alone already exceeds max; take it anyway.
		texts = []string{msgs[0].Content}
		ids = []int64{msgs[0].ID}
	}
	if sum < min {
		// All remaining unsummarized messages together fall short of min:
		// the caller decides whether a smaller floor is acceptable (hard
		// pass's fallback to floor=1; soft pass simply waits for the next
		// trigger once more messages accumulate).
		if min > 1 {
			return ladder.Block{}, nil, false, nil
		}
	}

	block := ladder.Block{
		Texts:       texts,
		FirstOffset: firstOffsetOf(msgs, ids[0]),
		LastOffset:  firstOffsetOf(msgs, ids[len(ids)-1]),
	}
	return block, ids, true, nil
}

func firstOffsetOf(msgs []domain.Message, id int64) int64 {
	for _, m := range msgs {
		if m.ID == id {
			return m.TranscriptOffset
		}
	}
	return 0
}

// condenseAll implements DAG condensation (spec §4.D): whenever the count of
// uncondensed summaries at level k reaches C, the oldest C are grouped into
// a level-(k+1) summary. Cascades until fewer than C remain at the highest
// extant level.
func (e *Engine) condenseAll(ctx context.Context, sessionID string) error {
	for level := 0; ; level++ {
		uncond, err := e.Store.UncondensedSummariesAtLevel(ctx, sessionID, level)
		if err != nil {
			return err
		}
		if len(uncond) < e.Tunables.C {
			maxLevel, err := e.Store.MaxSummaryLevel(ctx, sessionID)
			if err != nil {
				return err
			}
			if level >= maxLevel {
				return nil
			}
			continue
		}

		for len(uncond) >= e.Tunables.C {
			group := uncond[:e.Tunables.C]
			uncond = uncond[e.Tunables.C:]

			var texts []string
			var ids []int64
			for _, s := range group {
				texts = append(texts, s.Content)
				ids = append(ids, s.ID)
			}
			block := ladder.Block{Texts: texts, FirstOffset: group[0].FirstOffset, LastOffset: group[len(group)-1].LastOffset}
			sum := ladder.Produce(ctx, e.LLM, block, 2_000)
			sum.SessionID = sessionID
			sum.Level = level + 1
			if _, err := e.Store.InsertCondensedSummary(ctx, sum, ids); err != nil {
				return fmt.Errorf("condensing level %d: %w", level, err)
			}
		}
	}
}
