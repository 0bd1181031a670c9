// Package style provides consistent terminal styling for overstory output.
package style

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	// Success is used for passing checks and healthy sessions.
	Success = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))

	// Warning is used for warnings and stalled sessions.
	Warning = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))

	// Error is used for failures and zombie sessions.
	Error = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))

	// Info is used for informational text.
	Info = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))

	// Dim is used for secondary text.
	Dim = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	// Bold is used for headings.
	Bold = lipgloss.NewStyle().Bold(true)
)

var (
	SuccessPrefix = Success.Render("✓")
	WarningPrefix = Warning.Render("⚠")
	ErrorPrefix   = Error.Render("✗")
	ArrowPrefix   = Dim.Render("→")
)

func init() {
	if !IsTerminal(os.Stdout) {
		DisableColor()
	}
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// DisableColor switches every style to plain output. Called automatically
// when stdout is not a terminal, and by --no-color.
func DisableColor() {
	lipgloss.SetColorProfile(termenv.Ascii)
	SuccessPrefix = Success.Render("✓")
	WarningPrefix = Warning.Render("⚠")
	ErrorPrefix = Error.Render("✗")
	ArrowPrefix = Dim.Render("→")
}

var titler = cases.Title(language.English)

// Title converts a machine name like "merge-queue" into "Merge Queue".
func Title(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		if r == '-' || r == '_' {
			r = ' '
		}
		out = append(out, r)
	}
	return titler.String(string(out))
}

// State renders a session state with the color matching its health.
func State(state string) string {
	switch state {
	case "working":
		return Success.Render(state)
	case "booting":
		return Info.Render(state)
	case "stalled":
		return Warning.Render(state)
	case "zombie":
		return Error.Render(state)
	default:
		return Dim.Render(state)
	}
}
