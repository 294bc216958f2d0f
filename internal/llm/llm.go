package llm

import (
	"errors"
	"fmt"

	"github.com/comigor/ollamachat/internal/chat"
	"github.com/comigor/ollamachat/internal/config"
)

// ErrUnknownProvider is returned for a provider other than ollama or openai.
var ErrUnknownProvider = errors.New("unknown llm provider")

// NewClient creates a client for the configured provider.
func NewClient(cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case config.ProviderOllama, "":
		return NewOllamaClient(cfg.BaseURL)
	case config.ProviderOpenAI:
		return NewOpenAIClient(cfg.BaseURL, cfg.APIKey), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}

// Factory builds clients per turn so a changed backend URL takes effect on the
// next message without a restart.
func Factory(cfg config.LLMConfig) func(chat.Settings) (Client, error) {
	return func(s chat.Settings) (Client, error) {
		c := cfg
		if s.BackendURL != "" {
			c.BaseURL = s.BackendURL
		}
		return NewClient(c)
	}
}

// RequestFromSettings builds the request for one prompt under a settings snapshot.
func RequestFromSettings(s chat.Settings, prompt string) Request {
	return Request{
		Model:  s.Model,
		Prompt: prompt,
		System: s.SystemPrompt,
		Options: Options{
			Temperature: s.Temperature,
			NumPredict:  s.MaxOutputTokens,
		},
	}
}
