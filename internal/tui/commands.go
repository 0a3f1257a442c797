package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// commandSpec describes one slash command. The table below drives parsing,
// help output and the completion popup.
type commandSpec struct {
	cmd     Command
	name    string
	aliases []string
	args    string
	summary string
}

var commands = []commandSpec{
	{cmd: CmdNew, name: "/new", summary: "Start a new conversation (clears history)"},
	{cmd: CmdModel, name: "/model", args: "[NAME]", summary: `Show or override the model ("/model default" clears it)`},
	{cmd: CmdTask, name: "/task", args: "[NAME]", summary: "Show or change the task used for provider routing"},
	{cmd: CmdSystem, name: "/system", args: "[TEXT]", summary: "Set or clear the system prompt"},
	{cmd: CmdNoCache, name: "/nocache", summary: "Toggle the response cache for this chat"},
	{cmd: CmdProviders, name: "/providers", summary: "List providers that are reachable now"},
	{cmd: CmdUsage, name: "/usage", summary: "Show token usage statistics"},
	{cmd: CmdCache, name: "/cache", summary: "Show response cache statistics"},
	{cmd: CmdHelp, name: "/help", summary: "Show this help message"},
	{cmd: CmdQuit, name: "/quit", aliases: []string{"/exit", "/q"}, summary: "Exit the chat"},
}

func lookupCommand(name string) (commandSpec, bool) {
	name = strings.ToLower(name)
	for _, c := range commands {
		if c.name == name {
			return c, true
		}
		for _, a := range c.aliases {
			if a == name {
				return c, true
			}
		}
	}
	return commandSpec{}, false
}

// completer tracks the completion popup shown while a command name is typed
type completer struct {
	matches  []commandSpec
	selected int
}

// update recomputes matches for the current input. The popup closes once
// the input stops being a bare command name.
func (c *completer) update(input string) {
	if !strings.HasPrefix(input, "/") || strings.ContainsAny(input, " \n") {
		c.reset()
		return
	}

	prefix := strings.ToLower(input)
	var matches []commandSpec
	for _, spec := range commands {
		if strings.HasPrefix(spec.name, prefix) {
			matches = append(matches, spec)
		}
	}
	c.matches = matches
	if c.selected >= len(c.matches) {
		c.selected = 0
	}
}

func (c *completer) active() bool {
	return len(c.matches) > 0
}

// move shifts the selection by delta, wrapping at both ends
func (c *completer) move(delta int) {
	n := len(c.matches)
	if n == 0 {
		return
	}
	c.selected = ((c.selected+delta)%n + n) % n
}

func (c *completer) current() string {
	if len(c.matches) == 0 {
		return ""
	}
	return c.matches[c.selected].name
}

func (c *completer) reset() {
	c.matches = nil
	c.selected = 0
}

func (c *completer) view() string {
	if !c.active() {
		return ""
	}

	var lines []string
	for i, spec := range c.matches {
		if i == c.selected {
			lines = append(lines, completionSelectedStyle.Render(fmt.Sprintf("%-11s %s", spec.name, spec.summary)))
			continue
		}
		lines = append(lines, completionStyle.Render(fmt.Sprintf("%-11s", spec.name))+" "+metaStyle.Render(spec.summary))
	}
	return completionPopupStyle.Render(strings.Join(lines, "\n"))
}

var (
	completionPopupStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(secondaryColor).
				Padding(0, 1)

	completionSelectedStyle = lipgloss.NewStyle().
				Background(secondaryColor).
				Foreground(lipgloss.Color("#FFFFFF"))

	completionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#E5E7EB"))
)

// parseCommand parses a slash command and its argument
func parseCommand(input string) (Command, string) {
	input = strings.TrimSpace(input)
	if !isCommand(input) {
		return CmdNone, ""
	}

	name, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)
	if spec, ok := lookupCommand(name); ok {
		return spec.cmd, arg
	}
	return CmdUnknown, arg
}

func isCommand(input string) bool {
	return strings.HasPrefix(input, "/")
}

func helpText() string {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, spec := range commands {
		usage := spec.name
		if spec.args != "" {
			usage += " " + spec.args
		}
		fmt.Fprintf(&b, "  %-15s %s\n", usage, spec.summary)
	}
	b.WriteString(`
Keyboard shortcuts:
  Enter        Send message
  Alt+Enter    New line
  Ctrl+L       Clear conversation
  Ctrl+R       Retry last message
  Ctrl+C       Quit
  Tab          Complete command`)
	return b.String()
}
