package tui

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/glamour"
)

// Patterns that suggest a model answered in markdown
var markdownIndicators = regexp.MustCompile("(?m)(^```|^#{1,6}\\s|^[*-]\\s|\\*\\*|__|`[^`]+`|^>\\s|^\\d+\\.\\s)")

func containsMarkdown(text string) bool {
	return markdownIndicators.MatchString(text)
}

// renderMarkdown renders content with glamour, returning it unchanged on failure
func renderMarkdown(content string, width int) string {
	if width < 40 {
		width = 80
	}

	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return content
	}

	out, err := r.Render(content)
	if err != nil {
		return content
	}
	return strings.Trim(out, "\n")
}

func renderIfMarkdown(content string, width int) string {
	if containsMarkdown(content) {
		return renderMarkdown(content, width)
	}
	return content
}
