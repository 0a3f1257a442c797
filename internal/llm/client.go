package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/qitops/qitops-agent/internal/config"
)

// Client is a single LLM backend.
type Client interface {
	// Send performs one completion call.
	Send(ctx context.Context, req *Request) (*Response, error)
	// IsAvailable reports whether the backend can serve requests right now.
	IsAvailable(ctx context.Context) bool
	// Name returns the provider type, e.g. "openai".
	Name() string
}

// NewClient validates p and builds the matching client.
func NewClient(ctx context.Context, p config.ProviderConfig) (Client, error) {
	if p.DefaultModel == "" {
		return nil, fmt.Errorf("%s: no default_model configured: %w", p.Type, ErrConfiguration)
	}

	switch p.Type {
	case config.ProviderOpenAI:
		return NewOpenAIClient(p)
	case config.ProviderAnthropic:
		return NewAnthropicClient(p)
	case config.ProviderOllama:
		return NewOllamaClient(p), nil
	case config.ProviderGemini:
		return NewGeminiClient(ctx, p)
	default:
		return nil, fmt.Errorf("unknown provider type %q: %w", p.Type, ErrConfiguration)
	}
}

func requireAPIKey(p config.ProviderConfig) (string, error) {
	key := p.ResolvedAPIKey()
	if key == "" {
		return "", fmt.Errorf("%s: API key not found in config or %s environment variable: %w",
			p.Type, config.APIKeyEnv(p.Type), ErrConfiguration)
	}
	return key, nil
}

func baseURL(configured, fallback string) string {
	if configured == "" {
		return fallback
	}
	return strings.TrimRight(configured, "/")
}

// httpBackend holds what every HTTP-based provider shares.
type httpBackend struct {
	provider string
	client   *http.Client
}

// postJSON sends body to url and decodes a 2xx response into out.
func (b *httpBackend) postJSON(ctx context.Context, url string, headers map[string]string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return networkError(b.provider, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return networkError(b.provider, fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(b.provider, resp.StatusCode, respBody)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return decodeError(b.provider, err)
	}
	return nil
}

// encodeBody marshals body and merges passthrough values into the top-level
// object, or into the named sub-object when nested is non-empty. Request
// options win over provider options.
func encodeBody(body any, nested string, providerOpts map[string]string, requestOpts map[string]any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	if len(providerOpts) == 0 && len(requestOpts) == 0 {
		return data, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	target := obj
	if nested != "" {
		sub, ok := obj[nested].(map[string]any)
		if !ok {
			sub = map[string]any{}
			obj[nested] = sub
		}
		target = sub
	}
	for k, v := range providerOpts {
		target[k] = optionValue(v)
	}
	for k, v := range requestOpts {
		target[k] = v
	}

	data, err = json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return data, nil
}

// optionValue decodes a configured option so numbers, booleans, arrays and
// objects keep their JSON type. Anything that is not valid JSON stays a string.
func optionValue(s string) any {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return s
	}
	if _, err := dec.Token(); err != io.EOF {
		return s
	}
	return v
}

// responseModel prefers the model echoed by the backend.
func responseModel(echoed, requested string) string {
	if echoed != "" {
		return echoed
	}
	return requested
}
