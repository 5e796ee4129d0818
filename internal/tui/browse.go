// Package tui implements a read-only summary-DAG inspector ("lcm browse"),
// trimmed from the teacher's interactive chat TUI down to a single
// navigation surface: a windowed list plus a preview pane, grounded in
// picker.go's SessionPicker (selection cursor, windowed View rendering,
// fixed-width line layout) and styles.go's palette. Unlike the picker, this
// model never mutates the Store: every key either moves the cursor or
// descends/ascends the DAG.
package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/chroma/v2/quick"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/batalabs/lcm/internal/retrieval"
)

// maxVisible bounds the windowed list the same way picker.go's View does.
const maxVisible = 16

// node is one entry in the currently displayed list: either a top-level
// summary (root of the crumb trail) or a child returned by Expand.
type node struct {
	id      string
	preview string
}

// crumb remembers one level of descent so '<-' can climb back out without
// re-querying the Store for data it already has.
type crumb struct {
	title string
	nodes []node
	idx   int
}

// Model is the lcm browse Bubble Tea program state.
type Model struct {
	ctx       context.Context
	tools     *retrieval.Tools
	sessionID string

	title string
	nodes []node
	idx   int

	trail []crumb

	detail string
	err    error

	width, height int

	jumpID string
}

// NewModel builds the browse model rooted at sessionID's top-level summaries.
func NewModel(ctx context.Context, tools *retrieval.Tools, sessionID string) Model {
	return Model{ctx: ctx, tools: tools, sessionID: sessionID, title: "top-level summaries"}
}

// Init loads the root level of the DAG, or descends straight into jumpID
// when JumpTo seeded one.
func (m Model) Init() tea.Cmd {
	if m.jumpID != "" {
		return m.loadChildren(m.jumpID)
	}
	return m.loadRoot
}

type rootLoadedMsg struct {
	nodes []node
	err   error
}

// loadRoot lists every top-level summary (no parent) for the session: the
// entry points a reader descends from via expand.
func (m Model) loadRoot() tea.Msg {
	tops, err := m.tools.Store.TopLevelSummaries(m.ctx, m.sessionID)
	if err != nil {
		return rootLoadedMsg{err: err}
	}
	nodes := make([]node, 0, len(tops))
	for _, s := range tops {
		nodes = append(nodes, node{id: "S" + strconv.FormatInt(s.ID, 10), preview: s.Content})
	}
	return rootLoadedMsg{nodes: nodes}
}

type childrenLoadedMsg struct {
	id    string
	nodes []node
	err   error
}

func (m Model) loadChildren(id string) tea.Cmd {
	return func() tea.Msg {
		children, err := m.tools.Expand(m.ctx, id)
		if err != nil {
			return childrenLoadedMsg{id: id, err: err}
		}
		nodes := make([]node, 0, len(children))
		for _, c := range children {
			nodes = append(nodes, node{id: c.ID, preview: c.Preview})
		}
		return childrenLoadedMsg{id: id, nodes: nodes}
	}
}

type detailLoadedMsg struct {
	text string
	err  error
}

func (m Model) loadDetail(id string) tea.Cmd {
	return func() tea.Msg {
		d, err := m.tools.Describe(m.ctx, id)
		if err != nil {
			return detailLoadedMsg{err: err}
		}
		text := fmt.Sprintf("%s  kind=%s  level=%d  tokens=%d  msgs %d-%d\n\n%s",
			d.ID, d.Kind, d.Level, d.TokenEstimate, d.FirstOffset, d.LastOffset, highlightIfCode(d.Preview))
		return detailLoadedMsg{text: text}
	}
}

// highlightIfCode syntax-highlights a preview when it looks like source
// code (contains both "{" and "}", or "func " or "package "), falling back to plain
// text otherwise. Best-effort: a highlight failure just returns the input.
func highlightIfCode(s string) string {
	if !looksLikeCode(s) {
		return s
	}
	var out strings.Builder
	if err := quick.Highlight(&out, s, "go", "terminal256", "dracula"); err != nil {
		return s
	}
	return out.String()
}

func looksLikeCode(s string) bool {
	return strings.Contains(s, "{") && strings.Contains(s, "}") ||
		strings.Contains(s, "func ") || strings.Contains(s, "package ")
}

// Update handles key input and the async load messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil
	case rootLoadedMsg:
		m.err = msg.err
		m.nodes = msg.nodes
		return m, nil
	case childrenLoadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.trail = append(m.trail, crumb{title: m.title, nodes: m.nodes, idx: m.idx})
		m.title = msg.id
		m.nodes = msg.nodes
		m.idx = 0
		m.err = nil
		return m, nil
	case detailLoadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.detail = msg.text
		return m, nil
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "up", "k":
		if m.idx > 0 {
			m.idx--
		}
		return m, nil
	case "down", "j":
		if m.idx < len(m.nodes)-1 {
			m.idx++
		}
		return m, nil
	case "enter", "right", "l":
		if m.idx < len(m.nodes) {
			id := m.nodes[m.idx].id
			if strings.HasPrefix(id, "S") {
				return m, m.loadChildren(id)
			}
			return m, m.loadDetail(id)
		}
		return m, nil
	case "d":
		if m.idx < len(m.nodes) {
			return m, m.loadDetail(m.nodes[m.idx].id)
		}
		return m, nil
	case "left", "h", "backspace":
		if len(m.trail) == 0 {
			return m, nil
		}
		last := m.trail[len(m.trail)-1]
		m.trail = m.trail[:len(m.trail)-1]
		m.title, m.nodes, m.idx = last.title, last.nodes, last.idx
		m.detail = ""
		return m, nil
	case "g":
		m.idx = 0
		return m, nil
	case "G":
		if len(m.nodes) > 0 {
			m.idx = len(m.nodes) - 1
		}
		return m, nil
	}
	return m, nil
}

// View renders the current level as a windowed list plus a detail pane,
// mirroring picker.go's fixed maxVisible window.
func (m Model) View() string {
	var b strings.Builder

	b.WriteString(FooterHead.Render("lcm browse  session=" + m.sessionID))
	b.WriteString("\n")
	b.WriteString(FooterMeta.Render("  " + m.title))
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(ErrorLineStyle.Render("  " + m.err.Error()))
		b.WriteString("\n")
	}

	if len(m.nodes) == 0 {
		b.WriteString(FooterMeta.Render("  (empty — start with \"lcm browse <session> S<id>\" to jump to a summary, or q to quit)"))
		b.WriteString("\n")
	} else {
		start := 0
		if m.idx >= maxVisible {
			start = m.idx - maxVisible + 1
		}
		end := start + maxVisible
		if end > len(m.nodes) {
			end = len(m.nodes)
		}
		for i := start; i < end; i++ {
			n := m.nodes[i]
			indicator := "  "
			if i == m.idx {
				indicator = "> "
			}
			line := fmt.Sprintf("%s%-8s  %s", indicator, n.id, truncateLine(n.preview, 70))
			if i == m.idx {
				b.WriteString(CompletionSelStyle.Render(line))
			} else {
				b.WriteString(FooterMeta.Render(line))
			}
			b.WriteString("\n")
		}
		if len(m.nodes) > maxVisible {
			b.WriteString(FooterMeta.Render(fmt.Sprintf("  ... %d total", len(m.nodes))))
			b.WriteString("\n")
		}
	}

	if m.detail != "" {
		b.WriteString("\n")
		b.WriteString(ToolResultStyle.Render(m.detail))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(FooterMeta.Render("  j/k move  enter/l descend  h/backspace up  d describe  q quit"))
	b.WriteString("\n")
	return b.String()
}

func truncateLine(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// JumpTo seeds the model to descend directly into a specific summary id on
// Init instead of starting at the top-level root, used by the CLI entry
// point when the user passes "lcm browse <session> S<id>" directly.
func (m Model) JumpTo(id string) Model {
	m.jumpID = id
	return m
}
