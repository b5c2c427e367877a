package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/linnemanlabs/steward/internal/triage"
)

var (
	bold     = lipgloss.NewStyle().Bold(true)
	dim      = lipgloss.NewStyle().Foreground(lipgloss.Color("#9ca3af"))
	success  = lipgloss.NewStyle().Foreground(lipgloss.Color("#16a34a"))
	warn     = lipgloss.NewStyle().Foreground(lipgloss.Color("#d97706"))
	errStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#dc2626"))
)

func header(w io.Writer, title string) {
	fmt.Fprintln(w, bold.Render(title))
	fmt.Fprintln(w, dim.Render(strings.Repeat("─", lipgloss.Width(title))))
}

func priorityDot(p triage.Priority) string {
	switch p {
	case triage.PriorityHigh:
		return errStyle.Render("●")
	case triage.PriorityMedium:
		return warn.Render("○")
	case triage.PriorityLow:
		return dim.Render("○")
	default:
		return dim.Render("·")
	}
}

func stateLabel(s triage.State) string {
	label := fmt.Sprintf("%-9s", s)
	switch s {
	case triage.StateLogged:
		return success.Render(label)
	case triage.StateFailed:
		return errStyle.Render(label)
	default:
		return warn.Render(label)
	}
}

func ago(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return humanize.Time(*t)
}

func percent(v float64) string {
	return fmt.Sprintf("%.1f%%", v*100)
}

func shorten(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
