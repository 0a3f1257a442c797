package llm

import (
	"context"
	"net/http"

	"github.com/qitops/qitops-agent/internal/config"
)

const (
	anthropicDefaultBase = "https://api.anthropic.com"
	anthropicAPIVersion  = "2023-06-01"
)

// AnthropicClient talks to the Anthropic Messages API.
type AnthropicClient struct {
	httpBackend
	apiKey     string
	apiBase    string
	apiVersion string
	options    map[string]string
}

// AnthropicRequest represents the request body for Anthropic API
type AnthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []AnthropicMessage `json:"messages"`
	System        string             `json:"system,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   float64            `json:"temperature"`
	TopP          float64            `json:"top_p"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

// AnthropicMessage represents a message in Anthropic format
type AnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnthropicResponse represents the response from Anthropic API
type AnthropicResponse struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Content    []AnthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      *AnthropicUsage    `json:"usage,omitempty"`
}

// AnthropicContent is one content block of a response
type AnthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// AnthropicUsage represents token usage
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// NewAnthropicClient creates a new Anthropic client
func NewAnthropicClient(p config.ProviderConfig) (*AnthropicClient, error) {
	key, err := requireAPIKey(p)
	if err != nil {
		return nil, err
	}

	version := p.APIVersion
	if version == "" {
		version = anthropicAPIVersion
	}

	return &AnthropicClient{
		httpBackend: httpBackend{
			provider: config.ProviderAnthropic,
			client:   &http.Client{Timeout: p.Timeout()},
		},
		apiKey:     key,
		apiBase:    baseURL(p.APIBase, anthropicDefaultBase),
		apiVersion: version,
		options:    p.Options,
	}, nil
}

// Name returns the provider name
func (c *AnthropicClient) Name() string {
	return config.ProviderAnthropic
}

// IsAvailable reports whether an API key is configured.
func (c *AnthropicClient) IsAvailable(ctx context.Context) bool {
	return c.apiKey != ""
}

// buildRequest lifts the system message out of the conversation since the
// Messages API takes it as a separate field.
func (c *AnthropicClient) buildRequest(req *Request) ([]byte, error) {
	body := AnthropicRequest{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			body.System = m.Content
		case RoleAssistant:
			body.Messages = append(body.Messages, AnthropicMessage{Role: "assistant", Content: m.Content})
		default:
			body.Messages = append(body.Messages, AnthropicMessage{Role: "user", Content: m.Content})
		}
	}
	return encodeBody(body, "", c.options, req.Options)
}

// Send calls POST {base}/v1/messages.
func (c *AnthropicClient) Send(ctx context.Context, req *Request) (*Response, error) {
	body, err := c.buildRequest(req)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": c.apiVersion,
	}

	var out AnthropicResponse
	if err := c.postJSON(ctx, c.apiBase+"/v1/messages", headers, body, &out); err != nil {
		return nil, err
	}

	if len(out.Content) == 0 {
		return nil, &APIError{Provider: c.Name(), Kind: ErrAPI, Body: "no content in response"}
	}

	resp := NewResponse(out.Content[0].Text, responseModel(out.Model, req.Model), c.Name())
	if out.Usage != nil {
		resp.WithTokens(out.Usage.InputTokens + out.Usage.OutputTokens)
	}
	if out.StopReason != "" {
		resp.WithMetadata("stop_reason", out.StopReason)
	}
	return resp, nil
}
