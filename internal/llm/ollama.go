package llm

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/qitops/qitops-agent/internal/config"
)

const (
	ollamaDefaultBase  = "http://localhost:11434"
	ollamaCheckTimeout = 5 * time.Second
)

// OllamaClient talks to a local Ollama server.
type OllamaClient struct {
	httpBackend
	apiBase   string
	keepAlive string
	options   map[string]string
}

// OllamaRequest is the body of POST /api/generate
type OllamaRequest struct {
	Model     string        `json:"model"`
	Prompt    string        `json:"prompt"`
	Stream    bool          `json:"stream"`
	KeepAlive string        `json:"keep_alive,omitempty"`
	Options   OllamaOptions `json:"options"`
}

// OllamaOptions are the sampling parameters nested under "options"
type OllamaOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	NumPredict  int     `json:"num_predict"`
}

// OllamaResponse is the non-streaming /api/generate response
type OllamaResponse struct {
	Model     string `json:"model"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
	EvalCount *int   `json:"eval_count,omitempty"`
}

// NewOllamaClient creates a client. No credentials are required.
func NewOllamaClient(p config.ProviderConfig) *OllamaClient {
	return &OllamaClient{
		httpBackend: httpBackend{
			provider: config.ProviderOllama,
			client:   &http.Client{Timeout: p.Timeout()},
		},
		apiBase:   baseURL(p.APIBase, ollamaDefaultBase),
		keepAlive: p.KeepAlive,
		options:   p.Options,
	}
}

// Name returns the provider name
func (c *OllamaClient) Name() string {
	return config.ProviderOllama
}

// IsAvailable checks GET {base}/api/version.
func (c *OllamaClient) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, ollamaCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/api/version", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

// buildPrompt flattens the conversation into a single prompt string.
func buildPrompt(messages []Message) string {
	var sb strings.Builder
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			sb.WriteString("System: ")
		case RoleAssistant:
			sb.WriteString("Assistant: ")
		default:
			sb.WriteString("User: ")
		}
		sb.WriteString(m.Content)
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func (c *OllamaClient) buildRequest(req *Request) ([]byte, error) {
	body := OllamaRequest{
		Model:     req.Model,
		Prompt:    buildPrompt(req.Messages),
		Stream:    false,
		KeepAlive: c.keepAlive,
		Options: OllamaOptions{
			Temperature: req.Temperature,
			TopP:        req.TopP,
			NumPredict:  req.MaxTokens,
		},
	}
	return encodeBody(body, "options", c.options, req.Options)
}

// Send calls POST {base}/api/generate with streaming disabled.
func (c *OllamaClient) Send(ctx context.Context, req *Request) (*Response, error) {
	body, err := c.buildRequest(req)
	if err != nil {
		return nil, err
	}

	var out OllamaResponse
	if err := c.postJSON(ctx, c.apiBase+"/api/generate", nil, body, &out); err != nil {
		return nil, err
	}

	resp := NewResponse(out.Response, req.Model, c.Name())
	if out.EvalCount != nil {
		resp.WithTokens(*out.EvalCount)
	}
	return resp, nil
}
