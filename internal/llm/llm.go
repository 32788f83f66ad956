// Package llm adapts an OpenAI-compatible API to the relay's reasoning,
// speech-to-text and text-to-speech needs.
package llm

import (
	"github.com/sashabaranov/go-openai"

	"github.com/comigor/voicecare/internal/config"
)

// NewClient creates a new OpenAI client
func NewClient(cfg config.LLMConfig) *openai.Client {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return openai.NewClientWithConfig(config)
}
