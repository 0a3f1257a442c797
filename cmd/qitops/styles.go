package main

import "github.com/charmbracelet/lipgloss"

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#2563EB"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B"))
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#EF4444"))
)

func title(s string) string {
	return titleStyle.Render(s)
}

func label(s string) string {
	return labelStyle.Render(s)
}

func success(s string) string {
	return okStyle.Render("✓ " + s)
}

func warn(s string) string {
	return warnStyle.Render("! " + s)
}
