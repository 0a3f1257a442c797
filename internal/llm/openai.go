package llm

import (
	"context"
	"net/http"

	"github.com/qitops/qitops-agent/internal/config"
)

const openaiDefaultBase = "https://api.openai.com/v1"

// OpenAIClient talks to the OpenAI chat completions API or any compatible server.
type OpenAIClient struct {
	httpBackend
	apiKey       string
	apiBase      string
	organization string
	options      map[string]string
}

// OpenAIRequest represents the request body for OpenAI Chat API
type OpenAIRequest struct {
	Model            string          `json:"model"`
	Messages         []OpenAIMessage `json:"messages"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	Temperature      float64         `json:"temperature"`
	TopP             float64         `json:"top_p"`
	FrequencyPenalty float64         `json:"frequency_penalty"`
	PresencePenalty  float64         `json:"presence_penalty"`
	Stop             []string        `json:"stop,omitempty"`
}

// OpenAIMessage represents a message in OpenAI format
type OpenAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenAIResponse represents the response from OpenAI Chat API
type OpenAIResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []OpenAIChoice `json:"choices"`
	Usage   *OpenAIUsage   `json:"usage,omitempty"`
}

// OpenAIChoice represents a choice in the response
type OpenAIChoice struct {
	Index        int           `json:"index"`
	Message      OpenAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

// OpenAIUsage represents token usage info
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewOpenAIClient creates a new OpenAI client
func NewOpenAIClient(p config.ProviderConfig) (*OpenAIClient, error) {
	key, err := requireAPIKey(p)
	if err != nil {
		return nil, err
	}

	return &OpenAIClient{
		httpBackend: httpBackend{
			provider: config.ProviderOpenAI,
			client:   &http.Client{Timeout: p.Timeout()},
		},
		apiKey:       key,
		apiBase:      baseURL(p.APIBase, openaiDefaultBase),
		organization: p.Organization,
		options:      p.Options,
	}, nil
}

// Name returns the provider name
func (c *OpenAIClient) Name() string {
	return config.ProviderOpenAI
}

// IsAvailable reports whether an API key is configured.
func (c *OpenAIClient) IsAvailable(ctx context.Context) bool {
	return c.apiKey != ""
}

func (c *OpenAIClient) buildRequest(req *Request) ([]byte, error) {
	msgs := make([]OpenAIMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, OpenAIMessage{Role: string(m.Role), Content: m.Content})
	}

	body := OpenAIRequest{
		Model:            req.Model,
		Messages:         msgs,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Stop:             req.Stop,
	}
	return encodeBody(body, "", c.options, req.Options)
}

// Send calls POST {base}/chat/completions.
func (c *OpenAIClient) Send(ctx context.Context, req *Request) (*Response, error) {
	body, err := c.buildRequest(req)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}
	if c.organization != "" {
		headers["OpenAI-Organization"] = c.organization
	}

	var out OpenAIResponse
	if err := c.postJSON(ctx, c.apiBase+"/chat/completions", headers, body, &out); err != nil {
		return nil, err
	}

	if len(out.Choices) == 0 {
		return nil, &APIError{Provider: c.Name(), Kind: ErrAPI, Body: "no choices in response"}
	}

	resp := NewResponse(out.Choices[0].Message.Content, responseModel(out.Model, req.Model), c.Name())
	if out.Usage != nil {
		resp.WithTokens(out.Usage.TotalTokens)
	}
	if out.Choices[0].FinishReason != "" {
		resp.WithMetadata("finish_reason", out.Choices[0].FinishReason)
	}
	return resp, nil
}
