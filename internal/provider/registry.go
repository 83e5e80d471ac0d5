package provider

import "fmt"

// New constructs the Provider variant named by kind, targeting baseURL.
func New(kind, baseURL string) (Provider, error) {
	switch kind {
	case "openai_like":
		return NewOpenAILike(baseURL), nil
	case "gemini":
		return NewGemini(baseURL), nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", kind)
	}
}
