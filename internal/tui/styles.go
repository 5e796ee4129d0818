package tui

import "github.com/charmbracelet/lipgloss"

// Palette trimmed from the teacher's styles.go down to what this
// read-only inspector renders: a header line, metadata/list rows, an
// error line, the selected-row highlight, and the detail pane.
var (
	FooterHead     = lipgloss.NewStyle().Foreground(lipgloss.Color("213"))
	FooterMeta     = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	ErrorLineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))

	ToolResultStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("114"))

	CompletionSelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).Background(lipgloss.Color("62"))
)
