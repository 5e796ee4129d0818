// Package inject implements the Injection protocol (spec §4.F): after the
// host performs its own context compaction, emit a single reconstruction
// text block covering every top-level summary plus a short retrieval menu.
// Grounded in internal-lcm-prompt.go.go's LCMSystemPrompt vocabulary and the
// wire format spec.md §6 specifies verbatim.
package inject

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/batalabs/lcm/internal/lcmerr"
	"github.com/batalabs/lcm/internal/store"
)

const preamble = "Prior conversation summarized below. Use expand/S<id> to retrieve details."

const verbMenu = `Verbs: expand S<id>, grep "…", describe <id>`

// Build implements the inject hook (spec §4.F, §6 wire format). It is a
// no-op (returns "") if no summaries exist yet, and never reads or
// modifies messages beyond what the summaries already cover.
func Build(ctx context.Context, st *store.Store, sessionID string) (string, error) {
	tops, err := st.TopLevelSummaries(ctx, sessionID)
	if err != nil {
		return "", lcmerr.New(lcmerr.KindStoreUnavailable, "reading top-level summaries", err)
	}
	if len(tops) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("<lcm-context>\n")
	sb.WriteString(preamble)
	sb.WriteByte('\n')
	for _, s := range tops {
		fmt.Fprintf(&sb, "[S%s  msgs %d–%d]    %s\n",
			strconv.FormatInt(s.ID, 10), s.FirstOffset, s.LastOffset, s.Content)
	}
	sb.WriteString(verbMenu)
	sb.WriteByte('\n')
	sb.WriteString("</lcm-context>")
	return sb.String(), nil
}
