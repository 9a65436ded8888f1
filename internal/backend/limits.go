package backend

import "strings"

// ContextLimitForModel returns the token limit for a provider+model.
// Overrides are keyed "provider/model" or bare model name and win over
// the built-in catalog. Falls back to conservative defaults when the
// model is unknown.
func ContextLimitForModel(provider, model string, overrides map[string]int) int {
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.ToLower(strings.TrimSpace(model))

	if v, ok := overrides[provider+"/"+model]; ok {
		return v
	}
	if v, ok := overrides[model]; ok {
		return v
	}

	switch model {
	case "claude-sonnet-4-5", "claude-3-5-sonnet-20241022", "claude-3-5-haiku-20241022", "claude-3-opus-20240229":
		return 200_000
	case "gpt-4o", "gpt-4o-mini":
		return 128_000
	case "o1", "o3-mini":
		return 128_000 // Conservative
	case "mistral-large-latest":
		return 128_000
	}

	if strings.HasPrefix(model, "claude-") {
		return 200_000
	}
	if strings.HasPrefix(model, "gpt-4") {
		return 128_000
	}

	switch provider {
	case "anthropic":
		return 200_000
	case "openai":
		return 128_000
	}

	return 128_000
}
