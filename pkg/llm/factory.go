package llm

import (
	"fmt"
	"strings"
	"time"
)

// ClientConfig describes one upstream endpoint.
type ClientConfig struct {
	// Vendor selects the wire dialect: "anthropic" or "openai". Anything
	// OpenAI-compatible (session gateways included) uses "openai".
	Vendor    string
	APIKey    string
	APIURL    string
	MaxTokens int
	Timeout   time.Duration
}

// NewClient builds a Client for the given vendor dialect.
func NewClient(cfg ClientConfig) (Client, error) {
	switch strings.ToLower(cfg.Vendor) {
	case "anthropic":
		return NewAnthropicClient(AnthropicConfig{
			APIKey:    cfg.APIKey,
			APIURL:    cfg.APIURL,
			MaxTokens: cfg.MaxTokens,
			Timeout:   cfg.Timeout,
		}), nil
	case "openai", "openai-compatible", "":
		return NewOpenAIClient(OpenAIConfig{
			APIKey:    cfg.APIKey,
			APIURL:    cfg.APIURL,
			MaxTokens: cfg.MaxTokens,
			Timeout:   cfg.Timeout,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported llm vendor %q", cfg.Vendor)
	}
}
