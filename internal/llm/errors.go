package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"
)

var (
	ErrConfiguration        = errors.New("llm configuration error")
	ErrProviderNotAvailable = errors.New("no LLM providers are available")
	ErrAPI                  = errors.New("provider API error")
	ErrAuth                 = errors.New("provider authentication failed")
	ErrRateLimit            = errors.New("provider rate limit exceeded")
	ErrServer               = errors.New("provider server error")
	ErrNetwork              = errors.New("provider network error")
	ErrEmptyRequest         = errors.New("request has no messages")
)

// APIError describes a failed provider call.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
	Kind       error
	Cause      error
}

func (e *APIError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Provider)
	sb.WriteString(": ")
	sb.WriteString(e.Kind.Error())
	if e.StatusCode != 0 {
		fmt.Fprintf(&sb, " (status %d)", e.StatusCode)
	}
	if e.Body != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Body)
	}
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

// Unwrap exposes both the sentinel kind and the underlying cause.
func (e *APIError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Kind, e.Cause}
	}
	return []error{e.Kind}
}

// statusError maps a non-2xx HTTP status to an APIError.
func statusError(provider string, status int, body []byte) *APIError {
	var kind error
	switch {
	case status == http.StatusUnauthorized:
		kind = ErrAuth
	case status == http.StatusTooManyRequests:
		kind = ErrRateLimit
	case status >= 500:
		kind = ErrServer
	default:
		kind = ErrAPI
	}
	return &APIError{Provider: provider, StatusCode: status, Body: truncateBody(string(body)), Kind: kind}
}

func networkError(provider string, err error) *APIError {
	return &APIError{Provider: provider, Kind: ErrNetwork, Cause: err}
}

func decodeError(provider string, err error) *APIError {
	return &APIError{Provider: provider, Kind: ErrAPI, Cause: fmt.Errorf("failed to parse response: %w", err)}
}

func truncateBody(s string) string {
	const max = 512
	s = strings.TrimSpace(s)
	if len(s) > max {
		cut := max
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		return s[:cut] + "..."
	}
	return s
}

// ConfigError aggregates every per-provider diagnostic from router construction.
type ConfigError struct {
	Reason      string
	Diagnostics []string
}

func (e *ConfigError) Error() string {
	var sb strings.Builder
	sb.WriteString(ErrConfiguration.Error())
	sb.WriteString(": ")
	sb.WriteString(e.Reason)
	for _, d := range e.Diagnostics {
		sb.WriteString("\n  - ")
		sb.WriteString(d)
	}
	return sb.String()
}

func (e *ConfigError) Unwrap() error {
	return ErrConfiguration
}

// ErrorKind returns a short label for err, used in metrics and usage records.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrRateLimit):
		return "rate_limit"
	case errors.Is(err, ErrServer):
		return "server"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrProviderNotAvailable):
		return "unavailable"
	case errors.Is(err, ErrEmptyRequest):
		return "empty_request"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrAPI):
		return "api"
	default:
		return "other"
	}
}
