package llm

import (
	"maps"
	"slices"
	"time"
)

// Role identifies the author of a chat message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single role-tagged turn of a conversation
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is a provider-independent completion request.
type Request struct {
	Messages         []Message      `json:"messages"`
	Model            string         `json:"model"`
	MaxTokens        int            `json:"max_tokens"`
	Temperature      float64        `json:"temperature"`
	TopP             float64        `json:"top_p"`
	FrequencyPenalty float64        `json:"frequency_penalty"`
	PresencePenalty  float64        `json:"presence_penalty"`
	Stop             []string       `json:"stop,omitempty"`
	UseCache         bool           `json:"use_cache"`
	Options          map[string]any `json:"options,omitempty"`
}

// NewRequest creates a request holding a single user message.
func NewRequest(content, model string) *Request {
	return &Request{
		Messages:    []Message{{Role: RoleUser, Content: content}},
		Model:       model,
		MaxTokens:   1024,
		Temperature: 0.7,
		TopP:        1.0,
		UseCache:    true,
	}
}

// WithSystemMessage inserts a system message at the start of the conversation.
func (r *Request) WithSystemMessage(content string) *Request {
	r.Messages = slices.Insert(r.Messages, 0, Message{Role: RoleSystem, Content: content})
	return r
}

// WithAdditionalContext appends context to the existing system message, or
// inserts a new system message if there is none.
func (r *Request) WithAdditionalContext(context string) *Request {
	for i := range r.Messages {
		if r.Messages[i].Role == RoleSystem {
			r.Messages[i].Content = r.Messages[i].Content + "\n\n" + context
			return r
		}
	}
	return r.WithSystemMessage(context)
}

func (r *Request) WithMaxTokens(n int) *Request {
	r.MaxTokens = n
	return r
}

func (r *Request) WithTemperature(t float64) *Request {
	r.Temperature = t
	return r
}

func (r *Request) WithTopP(p float64) *Request {
	r.TopP = p
	return r
}

func (r *Request) WithFrequencyPenalty(p float64) *Request {
	r.FrequencyPenalty = p
	return r
}

func (r *Request) WithPresencePenalty(p float64) *Request {
	r.PresencePenalty = p
	return r
}

// WithStop adds a stop sequence
func (r *Request) WithStop(stop string) *Request {
	r.Stop = append(r.Stop, stop)
	return r
}

func (r *Request) WithCache(use bool) *Request {
	r.UseCache = use
	return r
}

// WithOption sets a provider-specific passthrough value that is merged into
// the outgoing request body.
func (r *Request) WithOption(key string, value any) *Request {
	if r.Options == nil {
		r.Options = make(map[string]any)
	}
	r.Options[key] = value
	return r
}

// SystemPrompt returns the content of the first system message, if any.
func (r *Request) SystemPrompt() string {
	for _, m := range r.Messages {
		if m.Role == RoleSystem {
			return m.Content
		}
	}
	return ""
}

// Clone returns a deep copy so callers can rewrite messages without
// touching the original.
func (r *Request) Clone() *Request {
	c := *r
	c.Messages = slices.Clone(r.Messages)
	c.Stop = slices.Clone(r.Stop)
	c.Options = maps.Clone(r.Options)
	return &c
}

// Response is the provider-independent result of a completion.
type Response struct {
	Text       string         `json:"text"`
	TokensUsed *int           `json:"tokens_used"`
	Model      string         `json:"model"`
	Provider   string         `json:"provider"`
	Timestamp  int64          `json:"timestamp"`
	LatencyMS  *int64         `json:"latency_ms"`
	Cached     bool           `json:"cached"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// NewResponse creates a response stamped with the current time.
func NewResponse(text, model, provider string) *Response {
	return &Response{
		Text:      text,
		Model:     model,
		Provider:  provider,
		Timestamp: time.Now().Unix(),
	}
}

func (r *Response) WithTokens(tokens int) *Response {
	r.TokensUsed = &tokens
	return r
}

func (r *Response) WithLatency(ms int64) *Response {
	r.LatencyMS = &ms
	return r
}

func (r *Response) WithCached(cached bool) *Response {
	r.Cached = cached
	return r
}

func (r *Response) WithMetadata(key string, value any) *Response {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[key] = value
	return r
}

// Tokens returns the token count, or 0 when the provider did not report one.
func (r *Response) Tokens() int {
	if r.TokensUsed == nil {
		return 0
	}
	return *r.TokensUsed
}
