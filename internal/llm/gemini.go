package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/qitops/qitops-agent/internal/config"
)

// GeminiClient talks to Google's Generative AI API through the official SDK.
type GeminiClient struct {
	client *genai.Client
	apiKey string
}

// NewGeminiClient creates a client. Requires api_key or GEMINI_API_KEY.
func NewGeminiClient(ctx context.Context, p config.ProviderConfig) (*GeminiClient, error) {
	key, err := requireAPIKey(p)
	if err != nil {
		return nil, err
	}

	opts := []option.ClientOption{option.WithAPIKey(key)}
	if p.APIBase != "" {
		opts = append(opts, option.WithEndpoint(p.APIBase))
	}

	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &GeminiClient{client: client, apiKey: key}, nil
}

// Name returns the provider name
func (c *GeminiClient) Name() string {
	return config.ProviderGemini
}

// IsAvailable reports whether an API key is configured.
func (c *GeminiClient) IsAvailable(ctx context.Context) bool {
	return c.apiKey != ""
}

// Close releases the underlying connection.
func (c *GeminiClient) Close() error {
	return c.client.Close()
}

// Send replays prior turns as chat history and sends the final user turn.
func (c *GeminiClient) Send(ctx context.Context, req *Request) (*Response, error) {
	model := c.client.GenerativeModel(req.Model)
	model.SetTemperature(float32(req.Temperature))
	model.SetTopP(float32(req.TopP))
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if len(req.Stop) > 0 {
		model.StopSequences = req.Stop
	}
	if sys := req.SystemPrompt(); sys != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(sys)}}
	}

	history, last := geminiHistory(req.Messages)
	if last == "" {
		return nil, ErrEmptyRequest
	}

	chat := model.StartChat()
	chat.History = history

	out, err := chat.SendMessage(ctx, genai.Text(last))
	if err != nil {
		return nil, geminiError(err)
	}

	text, err := geminiText(out)
	if err != nil {
		return nil, &APIError{Provider: c.Name(), Kind: ErrAPI, Cause: err}
	}

	resp := NewResponse(text, req.Model, c.Name())
	if out.UsageMetadata != nil {
		resp.WithTokens(int(out.UsageMetadata.TotalTokenCount))
	}
	if len(out.Candidates) > 0 {
		resp.WithMetadata("finish_reason", out.Candidates[0].FinishReason.String())
	}
	return resp, nil
}

// geminiHistory converts every non-system message but the last into chat
// history. The last message is returned as the prompt to send.
func geminiHistory(messages []Message) ([]*genai.Content, string) {
	var turns []Message
	for _, m := range messages {
		if m.Role != RoleSystem {
			turns = append(turns, m)
		}
	}
	if len(turns) == 0 {
		return nil, ""
	}

	history := make([]*genai.Content, 0, len(turns)-1)
	for _, m := range turns[:len(turns)-1] {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}
	return history, turns[len(turns)-1].Content
}

func geminiText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("no candidates returned from gemini")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("unexpected response format from gemini")
	}
	return sb.String(), nil
}

// geminiError maps gRPC status codes onto the provider error kinds.
func geminiError(err error) error {
	var kind error
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		kind = ErrAuth
	case codes.ResourceExhausted:
		kind = ErrRateLimit
	case codes.Unavailable, codes.Internal, codes.DeadlineExceeded:
		kind = ErrServer
	default:
		kind = ErrAPI
	}
	return &APIError{Provider: config.ProviderGemini, Kind: kind, Cause: err}
}
