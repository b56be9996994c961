package dashboard

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/iambrandonn/zoya/internal/vault"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")).
			MarginBottom(1)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	countStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("208"))

	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)
)

// Render formats the snapshot for a terminal. Same information as the
// markdown document, styled for the status command.
func (s *Snapshot) Render() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("zoya") + "  " +
		dimStyle.Render(s.GeneratedAt.Format(time.RFC3339)) + "\n\n")

	b.WriteString(sectionStyle.Render("Queue") + "\n")
	for _, area := range vault.Areas() {
		if area == vault.AreaLogs {
			continue
		}
		line := fmt.Sprintf("  %-15s %d", area, s.Counts[area])
		b.WriteString(countStyle.Render(line) + "\n")
	}
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render(fmt.Sprintf("Awaiting approval (%d)", len(s.AwaitingHuman))) + "\n")
	if len(s.AwaitingHuman) == 0 {
		b.WriteString(dimStyle.Render("  nothing waiting on you") + "\n")
	}
	for _, it := range s.AwaitingHuman {
		b.WriteString(warnStyle.Render(fmt.Sprintf("  %s (%s/%s)", it.OriginalName, it.Category, it.Priority)) + "\n")
		if it.Summary != "" {
			b.WriteString(dimStyle.Render("    "+it.Summary) + "\n")
		}
	}
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render(fmt.Sprintf("Recently completed (%d)", len(s.RecentDone))) + "\n")
	if len(s.RecentDone) == 0 {
		b.WriteString(dimStyle.Render("  nothing completed yet") + "\n")
	}
	for _, it := range s.RecentDone {
		b.WriteString(fmt.Sprintf("  %s (%s)\n", it.OriginalName, it.Category))
	}
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render(fmt.Sprintf("Quarantined (%d)", len(s.Quarantined))) + "\n")
	if len(s.Quarantined) == 0 {
		b.WriteString(dimStyle.Render("  quarantine is empty") + "\n")
	}
	for _, it := range s.Quarantined {
		b.WriteString(errStyle.Render(fmt.Sprintf("  %s: %s", it.OriginalName, it.Reason)) + "\n")
	}

	return b.String()
}
