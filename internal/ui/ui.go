// Package ui provides terminal styling helpers for the hearthd CLI.
// Output degrades to plain text when stdout is not an interactive
// terminal or the profile reports no color support.
package ui

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	faintStyle  = lipgloss.NewStyle().Faint(true)

	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

// Colorized reports whether styled output should be produced.
func Colorized() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return false
	}
	return termenv.ColorProfile() != termenv.Ascii
}

func render(style lipgloss.Style, s string) string {
	if !Colorized() {
		return s
	}
	return style.Render(s)
}

// Accent highlights identifiers and values.
func Accent(s string) string { return render(accentStyle, s) }

// Pass marks a successful outcome.
func Pass(s string) string { return render(passStyle, s) }

// Warn marks a degraded but non-fatal outcome.
func Warn(s string) string { return render(warnStyle, s) }

// Fail marks an error.
func Fail(s string) string { return render(failStyle, s) }

// Faint de-emphasizes supporting detail.
func Faint(s string) string { return render(faintStyle, s) }

// Header styles a section title.
func Header(s string) string { return render(headerStyle, s) }
