package tui

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/qitops/qitops-agent/internal/llm"
	"github.com/qitops/qitops-agent/internal/usage"
)

// Command represents a slash command
type Command int

const (
	CmdNone Command = iota
	CmdNew
	CmdModel
	CmdTask
	CmdSystem
	CmdNoCache
	CmdProviders
	CmdUsage
	CmdCache
	CmdHelp
	CmdQuit
	CmdUnknown
)

// DefaultTask is the task name chat requests are routed under
const DefaultTask = "chat"

// Router is the part of llm.Router the chat needs
type Router interface {
	Send(ctx context.Context, req *llm.Request, task string) (*llm.Response, error)
	DefaultProvider() string
	DefaultModel() string
	AvailableProviders(ctx context.Context) []string
	CacheStats() (llm.CacheStats, bool)
}

// Options configures a chat session
type Options struct {
	Task         string
	Model        string
	SystemPrompt string
	NoCache      bool
	Timeout      time.Duration
	Usage        *usage.Tracker
}

// chatEntry is one rendered line of the conversation
type chatEntry struct {
	role      llm.Role
	text      string
	provider  string
	cached    bool
	system    bool
	timestamp time.Time
}

// responseMsg is sent when the router answers
type responseMsg struct {
	resp *llm.Response
	err  error
}

// statusMsg carries the result of a background command
type statusMsg string

// Model is the bubbletea model for the chat
type Model struct {
	viewport     viewport.Model
	textarea     textarea.Model
	entries      []chatEntry
	history      []llm.Message
	router       Router
	usage        *usage.Tracker
	task         string
	model        string
	systemPrompt string
	useCache     bool
	timeout      time.Duration
	thinking     bool
	err          error
	width        int
	height       int
	ready        bool
	quitting     bool

	complete        completer
	lastProvider    string
	lastLatency     time.Duration
	responseStart   time.Time
	lastUserMessage string
	totalTokens     int
}

// New creates a chat model over router
func New(router Router, opts Options) Model {
	ta := textarea.New()
	ta.Placeholder = "Type your message... (Enter to send)"
	ta.Focus()
	ta.CharLimit = 0
	ta.SetWidth(80)
	ta.SetHeight(3)
	ta.ShowLineNumbers = false

	task := opts.Task
	if task == "" {
		task = DefaultTask
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	return Model{
		textarea:     ta,
		router:       router,
		usage:        opts.Usage,
		task:         task,
		model:        opts.Model,
		systemPrompt: opts.SystemPrompt,
		useCache:     !opts.NoCache,
		timeout:      timeout,
		lastProvider: router.DefaultProvider(),
	}
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return textarea.Blink
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case tea.KeyCtrlL:
			m.reset()
			m.refresh()
			return m, nil

		case tea.KeyCtrlR:
			if !m.thinking && m.lastUserMessage != "" {
				return m.handleInput(m.lastUserMessage)
			}
			return m, nil

		case tea.KeyTab:
			if m.complete.active() {
				m.textarea.SetValue(m.complete.current())
				m.textarea.CursorEnd()
				m.complete.reset()
				return m, nil
			}

		case tea.KeyUp:
			if m.complete.active() {
				m.complete.move(-1)
				return m, nil
			}

		case tea.KeyDown:
			if m.complete.active() {
				m.complete.move(1)
				return m, nil
			}

		case tea.KeyEsc:
			if m.complete.active() {
				m.complete.reset()
				return m, nil
			}

		case tea.KeyEnter:
			if m.complete.active() {
				m.textarea.SetValue(m.complete.current() + " ")
				m.textarea.CursorEnd()
				m.complete.reset()
				return m, nil
			}
			// Alt+Enter inserts a newline
			if msg.Alt {
				break
			}
			if !m.thinking {
				text := strings.TrimSpace(m.textarea.Value())
				if text != "" {
					m.textarea.Reset()
					m.complete.reset()
					return m.handleInput(text)
				}
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		headerHeight := 1
		inputHeight := 5
		chatHeight := max(m.height-headerHeight-inputHeight-3, 3)

		if !m.ready {
			m.viewport = viewport.New(m.width-2, chatHeight)
			m.ready = true
		} else {
			m.viewport.Width = m.width - 2
			m.viewport.Height = chatHeight
		}
		m.textarea.SetWidth(m.width - 4)
		m.refresh()
		return m, nil

	case responseMsg:
		m.thinking = false
		m.lastLatency = time.Since(m.responseStart)

		if msg.err != nil {
			m.err = msg.err
			// Drop the unanswered turn so a retry does not repeat it
			if n := len(m.history); n > 0 && m.history[n-1].Role == llm.RoleUser {
				m.history = m.history[:n-1]
			}
		} else {
			m.err = nil
			resp := msg.resp
			m.history = append(m.history, llm.Message{Role: llm.RoleAssistant, Content: resp.Text})
			m.entries = append(m.entries, chatEntry{
				role:      llm.RoleAssistant,
				text:      resp.Text,
				provider:  resp.Provider,
				cached:    resp.Cached,
				timestamp: time.Now(),
			})
			m.lastProvider = resp.Provider
			if resp.LatencyMS != nil {
				m.lastLatency = time.Duration(*resp.LatencyMS) * time.Millisecond
			}
			m.totalTokens += resp.Tokens()
		}
		m.refresh()
		return m, nil

	case statusMsg:
		m.addSystemMessage(string(msg))
		m.refresh()
		return m, nil
	}

	m.textarea, cmd = m.textarea.Update(msg)
	cmds = append(cmds, cmd)

	m.complete.update(m.textarea.Value())

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// handleInput processes user input (message or command)
func (m Model) handleInput(text string) (tea.Model, tea.Cmd) {
	if isCommand(text) {
		cmd, arg := parseCommand(text)
		return m.handleCommand(cmd, arg)
	}

	m.lastUserMessage = text
	m.history = append(m.history, llm.Message{Role: llm.RoleUser, Content: text})
	m.entries = append(m.entries, chatEntry{role: llm.RoleUser, text: text, timestamp: time.Now()})
	m.thinking = true
	m.err = nil
	m.responseStart = time.Now()
	m.refresh()

	return m, m.send(m.buildRequest())
}

// buildRequest turns the conversation so far into a router request
func (m Model) buildRequest() *llm.Request {
	req := llm.NewRequest("", m.model).WithCache(m.useCache)
	req.Messages = slices.Clone(m.history)
	if m.systemPrompt != "" {
		req.WithSystemMessage(m.systemPrompt)
	}
	return req
}

func (m Model) send(req *llm.Request) tea.Cmd {
	router, task, timeout := m.router, m.task, m.timeout
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		resp, err := router.Send(ctx, req, task)
		return responseMsg{resp: resp, err: err}
	}
}

// handleCommand processes slash commands
func (m Model) handleCommand(cmd Command, arg string) (tea.Model, tea.Cmd) {
	switch cmd {
	case CmdNew:
		m.reset()

	case CmdModel:
		if arg == "" {
			current := m.model
			if current == "" {
				current = "provider default (" + m.router.DefaultModel() + ")"
			}
			m.addSystemMessage("Model: " + current)
		} else if arg == "default" {
			m.model = ""
			m.addSystemMessage("Model override cleared")
		} else {
			m.model = arg
			m.addSystemMessage("Model set to: " + arg)
		}

	case CmdTask:
		if arg == "" {
			m.addSystemMessage("Task: " + m.task)
		} else {
			m.task = arg
			m.addSystemMessage("Requests now routed as task: " + arg)
		}

	case CmdSystem:
		m.systemPrompt = arg
		if arg == "" {
			m.addSystemMessage("System prompt cleared")
		} else {
			m.addSystemMessage("System prompt set")
		}

	case CmdNoCache:
		m.useCache = !m.useCache
		m.addSystemMessage(fmt.Sprintf("Response cache: %s", onOff(m.useCache)))

	case CmdProviders:
		router := m.router
		m.refresh()
		return m, func() tea.Msg {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			live := router.AvailableProviders(ctx)
			if len(live) == 0 {
				return statusMsg("No providers are available")
			}
			return statusMsg("Available providers: " + strings.Join(live, ", "))
		}

	case CmdUsage:
		if m.usage == nil {
			m.addSystemMessage("Usage tracking is disabled")
		} else {
			m.addSystemMessage(strings.TrimRight(m.usage.GetGlobal().String(), "\n"))
		}

	case CmdCache:
		m.addSystemMessage(cacheSummary(m.router))

	case CmdHelp:
		m.addSystemMessage(helpText())

	case CmdQuit:
		m.quitting = true
		return m, tea.Quit

	case CmdUnknown:
		m.addSystemMessage("Unknown command. Type /help for available commands.")
	}

	m.refresh()
	return m, nil
}

func cacheSummary(r Router) string {
	stats, ok := r.CacheStats()
	if !ok {
		return "Response cache is disabled"
	}
	return fmt.Sprintf("Cache: %d entries, %d hits, %d misses (%.1f%% hit rate)",
		stats.Entries, stats.Hits, stats.Misses, stats.HitRate()*100)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func (m *Model) reset() {
	m.entries = nil
	m.history = nil
	m.totalTokens = 0
	m.err = nil
	m.addSystemMessage("Started new conversation")
}

func (m *Model) addSystemMessage(text string) {
	m.entries = append(m.entries, chatEntry{text: text, system: true, timestamp: time.Now()})
}

// refresh re-renders the conversation into the viewport
func (m *Model) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.renderMessages())
	m.viewport.GotoBottom()
}

// View implements tea.Model
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if !m.ready {
		return "Initializing..."
	}

	var b strings.Builder

	model := m.model
	if model == "" {
		model = m.router.DefaultModel()
	}
	b.WriteString(renderHeader(m.lastProvider, model, m.task, m.lastLatency, m.width))
	b.WriteString("\n")

	b.WriteString(chatBorderStyle.Width(m.width - 2).Render(m.viewport.View()))
	b.WriteString("\n")

	if m.complete.active() {
		b.WriteString(m.complete.view())
		b.WriteString("\n")
	}

	b.WriteString(inputBorderStyle.Width(m.width - 2).Render(m.textarea.View()))
	b.WriteString("\n")

	status := formatKeyboardShortcuts()
	if m.totalTokens > 0 {
		status += metaStyle.Render(fmt.Sprintf("  │ %d tokens", m.totalTokens))
	}
	b.WriteString(status)

	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(formatError(m.err.Error()))
	}

	return b.String()
}

// renderMessages renders all entries for the viewport
func (m Model) renderMessages() string {
	if len(m.entries) == 0 && !m.thinking {
		return systemStyle.Render("Type a message to start chatting.\n\nCommands: /new, /model, /task, /usage, /cache, /help, /quit")
	}

	width := m.viewport.Width - 4
	var lines []string
	for _, e := range m.entries {
		lines = append(lines, wrapText(formatEntry(e, width), width), "")
	}
	if m.thinking {
		lines = append(lines, formatThinking(m.lastProvider))
	}
	return strings.Join(lines, "\n")
}

// formatEntry formats a single entry with its timestamp
func formatEntry(e chatEntry, width int) string {
	var content string
	switch {
	case e.system:
		return formatSystemMessage(e.text)
	case e.role == llm.RoleAssistant:
		content = formatAIMessage(e.text, e.provider, e.cached, width)
	default:
		content = formatUserMessage(e.text)
	}
	if !e.timestamp.IsZero() {
		content += "  " + formatTimestamp(e.timestamp)
	}
	return content
}

// wrapText wraps text to fit within the given width
func wrapText(text string, width int) string {
	if width <= 0 {
		width = 80
	}

	var result strings.Builder
	for i, line := range strings.Split(text, "\n") {
		if i > 0 {
			result.WriteString("\n")
		}

		words := strings.Fields(line)
		if len(words) == 0 {
			continue
		}

		currentLine := words[0]
		for _, word := range words[1:] {
			if lipgloss.Width(currentLine+" "+word) <= width {
				currentLine += " " + word
			} else {
				result.WriteString(currentLine)
				result.WriteString("\n")
				currentLine = word
			}
		}
		result.WriteString(currentLine)
	}

	return result.String()
}

// Run starts the chat in the alternate screen
func Run(router Router, opts Options) error {
	p := tea.NewProgram(New(router, opts), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
