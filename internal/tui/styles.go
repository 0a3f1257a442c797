package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Color palette
var (
	primaryColor   = lipgloss.Color("#2563EB")
	secondaryColor = lipgloss.Color("#7C3AED")
	userColor      = lipgloss.Color("#3B82F6")
	aiColor        = lipgloss.Color("#10B981")
	cachedColor    = lipgloss.Color("#F59E0B")
	dimColor       = lipgloss.Color("#6B7280")
	errorColor     = lipgloss.Color("#EF4444")
)

// Styles
var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor).
			Padding(0, 1)

	userPrefixStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(userColor)

	aiPrefixStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(aiColor)

	userTextStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#E5E7EB"))

	aiTextStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F3F4F6"))

	cachedBadgeStyle = lipgloss.NewStyle().
				Foreground(cachedColor).
				Bold(true)

	metaStyle = lipgloss.NewStyle().
			Foreground(dimColor)

	inputBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(secondaryColor).
				Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(dimColor).
			Italic(true)

	thinkingStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Italic(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	// Commands and status lines
	systemStyle = lipgloss.NewStyle().
			Foreground(dimColor).
			Italic(true)

	chatBorderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(dimColor)
)

func formatUserMessage(text string) string {
	return userPrefixStyle.Render("You:") + " " + userTextStyle.Render(text)
}

func formatAIMessage(text, provider string, cached bool, width int) string {
	prefix := aiPrefixStyle.Render(provider + ":")
	if provider == "" {
		prefix = aiPrefixStyle.Render("AI:")
	}
	if cached {
		prefix += " " + cachedBadgeStyle.Render("[cached]")
	}
	return prefix + " " + aiTextStyle.Render(renderIfMarkdown(text, width))
}

func formatSystemMessage(text string) string {
	return systemStyle.Render("• " + text)
}

func formatError(text string) string {
	return errorStyle.Render("✗ " + text)
}

func formatThinking(provider string) string {
	if provider == "" {
		return thinkingStyle.Render("Waiting for a provider...")
	}
	return thinkingStyle.Render(fmt.Sprintf("Waiting for %s...", provider))
}

func formatTimestamp(t time.Time) string {
	return metaStyle.Render(t.Format("15:04"))
}

// renderHeader draws the status bar: provider, model, task and last latency
func renderHeader(provider, model, task string, latency time.Duration, width int) string {
	text := fmt.Sprintf("qitops chat │ %s", provider)
	if model != "" {
		text += " / " + model
	}
	if task != "" {
		text += " │ task " + task
	}
	if latency > 0 {
		text += fmt.Sprintf(" │ %s", latency.Round(time.Millisecond))
	}
	if width > 0 {
		return headerStyle.Width(width).Render(text)
	}
	return headerStyle.Render(text)
}

func formatKeyboardShortcuts() string {
	return helpStyle.Render("Enter send • Ctrl+L clear • Ctrl+R retry • Tab complete • Ctrl+C quit")
}
