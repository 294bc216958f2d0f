package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
)

// Settings is the per-turn generation configuration. The orchestrator copies it by
// value when a turn starts, so later edits never reach a running generation.
type Settings struct {
	BackendURL       string  `json:"backendUrl"`
	Model            string  `json:"model"`
	Temperature      float64 `json:"temperature"`
	MaxOutputTokens  int     `json:"maxTokens"`
	SystemPrompt     string  `json:"systemPrompt"`
	StreamingEnabled bool    `json:"streamResponse"`
}

const (
	MinTemperature = 0.0
	MaxTemperature = 2.0
	MinMaxTokens   = 1
	MaxMaxTokens   = 8192
)

// DefaultSettings mirrors a stock local Ollama install.
func DefaultSettings() Settings {
	return Settings{
		BackendURL:       "http://localhost:11434",
		Temperature:      0.7,
		MaxOutputTokens:  2048,
		SystemPrompt:     "You are a helpful AI assistant.",
		StreamingEnabled: true,
	}
}

// MergeSettings overlays a stored flat record on top of defaults. Fields missing from
// the record keep their default value.
func MergeSettings(defaults Settings, data []byte) (Settings, error) {
	out := defaults
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return defaults, fmt.Errorf("decode settings: %w", err)
	}
	return out, nil
}

// Validate checks ranges and the backend URL.
func (s Settings) Validate() error {
	var errs []error
	if s.BackendURL != "" {
		u, err := url.Parse(s.BackendURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("backend url %q is not an absolute http(s) URL", s.BackendURL))
		}
	}
	if s.Temperature < MinTemperature || s.Temperature > MaxTemperature {
		errs = append(errs, fmt.Errorf("temperature %.2f must be between %.0f and %.0f", s.Temperature, MinTemperature, MaxTemperature))
	}
	if s.MaxOutputTokens < MinMaxTokens || s.MaxOutputTokens > MaxMaxTokens {
		errs = append(errs, fmt.Errorf("max tokens %d must be between %d and %d", s.MaxOutputTokens, MinMaxTokens, MaxMaxTokens))
	}
	if len(errs) == 0 {
		return nil
	}
	return newError(ErrValidation, "validate settings", errors.Join(errs...))
}

// Configured reports whether a turn can be sent with these settings.
func (s Settings) Configured() bool {
	return s.BackendURL != "" && s.Model != ""
}
