package engine

import (
	"fmt"
	"net/url"
	"strings"
)

// DefaultOllamaURL is used when no base URL is configured.
const DefaultOllamaURL = "http://localhost:11434"

// DetectConfig holds parameters for backend detection.
type DetectConfig struct {
	OllamaBaseURL string
}

// Detect returns the embedding backend for cfg. Ollama is the only
// supported backend; its base URL must be an absolute http(s) URL.
func Detect(cfg DetectConfig) (Engine, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.OllamaBaseURL), "/")
	if base == "" {
		base = DefaultOllamaURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama base url %q: %w", cfg.OllamaBaseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid ollama base url %q: want http(s)://host[:port]", cfg.OllamaBaseURL)
	}
	return NewOllamaEngine(base), nil
}
