package llm

import "github.com/qitops/qitops-agent/internal/config"

const (
	// MaxLocalPromptChars is the longest user message sent unmodified to a
	// local ollama model.
	MaxLocalPromptChars = 32000

	// TruncationMarker separates the kept prefix and suffix.
	TruncationMarker = "\n\n...CONTENT TRUNCATED...\n\n"

	truncatedPrefixChars = MaxLocalPromptChars / 5     // 6400
	truncatedSuffixChars = MaxLocalPromptChars * 4 / 5 // 25600
)

// needsTruncation reports whether requests to provider are length-limited.
func needsTruncation(provider string) bool {
	return provider == config.ProviderOllama
}

// truncateForLocal cuts every oversized user message in req down to its
// first 6,400 and last 25,600 characters. It returns how many messages were
// shortened. Callers pass a copy, never the caller's request.
func truncateForLocal(req *Request) int {
	n := 0
	for i, m := range req.Messages {
		if m.Role != RoleUser {
			continue
		}
		if text, ok := TruncateContent(m.Content); ok {
			req.Messages[i].Content = text
			n++
		}
	}
	return n
}

// TruncateContent shortens s when it exceeds MaxLocalPromptChars characters.
func TruncateContent(s string) (string, bool) {
	runes := []rune(s)
	if len(runes) <= MaxLocalPromptChars {
		return s, false
	}
	prefix := string(runes[:truncatedPrefixChars])
	suffix := string(runes[len(runes)-truncatedSuffixChars:])
	return prefix + TruncationMarker + suffix, true
}
