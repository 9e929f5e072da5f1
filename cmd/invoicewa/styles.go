package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"invoicewa/internal/session"
)

// Brand palette
var (
	colorPrimary     = lipgloss.Color("#101F38") // Dark Blue
	colorAccent      = lipgloss.Color("#8BC34A") // Lime Green
	colorMuted       = lipgloss.Color("#6b7687")
	colorDestructive = lipgloss.Color("#e53935")
	colorWarning     = lipgloss.Color("#FFC107")
	colorInfo        = lipgloss.Color("#2196F3")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#f2f2f2")).
			Background(colorPrimary).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().Foreground(colorMuted).Width(12)
	mutedStyle = lipgloss.NewStyle().Foreground(colorMuted)
	errorStyle = lipgloss.NewStyle().Foreground(colorDestructive)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorMuted).
			Padding(0, 1)
)

// phaseStyle colours a phase name by how healthy it is.
func phaseStyle(phase string) lipgloss.Style {
	s := lipgloss.NewStyle().Bold(true)
	switch phase {
	case session.PhaseReady.String():
		return s.Foreground(colorAccent)
	case session.PhaseFailed.String(), session.PhaseDisconnected.String():
		return s.Foreground(colorDestructive)
	case session.PhaseQRPending.String():
		return s.Foreground(colorWarning)
	case session.PhaseIdle.String():
		return s.Foreground(colorMuted)
	default:
		return s.Foreground(colorInfo)
	}
}

func renderStatus(v session.StatusView) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("WhatsApp session"))
	b.WriteString("\n\n")

	row := func(label, value string) {
		b.WriteString(labelStyle.Render(label))
		b.WriteString(value)
		b.WriteString("\n")
	}
	row("Phase", phaseStyle(v.Phase).Render(v.Phase))
	row("Retries", fmt.Sprintf("%d/%d", v.RetryCount, v.MaxRetries))
	row("Generation", fmt.Sprintf("%d", v.Generation))
	if v.LastError != "" {
		row("Last error", errorStyle.Render(v.LastError))
	}
	if v.RetryAt != nil {
		row("Next retry", v.RetryAt.Local().Format("15:04:05"))
	}
	b.WriteString("\n")
	b.WriteString(mutedStyle.Render(v.Message))
	return boxStyle.Render(b.String())
}
