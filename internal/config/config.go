package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/comigor/ollamachat/internal/chat"
)

// Config holds the application configuration
type Config struct {
	LLM     LLMConfig     `mapstructure:"llm"`
	Storage StorageConfig `mapstructure:"storage"`
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	Events  EventsConfig  `mapstructure:"events"`
}

// LLMConfig holds the generation backend configuration. Everything except
// Provider and APIKey is only a default: settings persisted by the user win.
type LLMConfig struct {
	Provider     string  `mapstructure:"provider"`
	BaseURL      string  `mapstructure:"base_url"`
	APIKey       string  `mapstructure:"api_key"`
	Model        string  `mapstructure:"model"`
	Temperature  float64 `mapstructure:"temperature"`
	MaxTokens    int     `mapstructure:"max_tokens"`
	SystemPrompt string  `mapstructure:"system_prompt"`
	Stream       bool    `mapstructure:"stream"`
}

// Storage drivers.
const (
	DriverSQLite = "sqlite"
	DriverFile   = "file"
	DriverMemory = "memory"
)

// Generation providers.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
)

// StorageConfig selects where conversations are persisted.
type StorageConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	MaxBytes int    `mapstructure:"max_bytes"`
	Watch    bool   `mapstructure:"watch"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

// Addr joins host and port.
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EventsConfig tunes the event stream.
type EventsConfig struct {
	PartialRateHz float64 `mapstructure:"partial_rate_hz"`
}

const envPrefix = "OLLAMACHAT"

func setDefaults(v *viper.Viper) {
	def := chat.DefaultSettings()
	v.SetDefault("llm.provider", ProviderOllama)
	v.SetDefault("llm.base_url", def.BackendURL)
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", def.Model)
	v.SetDefault("llm.temperature", def.Temperature)
	v.SetDefault("llm.max_tokens", def.MaxOutputTokens)
	v.SetDefault("llm.system_prompt", def.SystemPrompt)
	v.SetDefault("llm.stream", def.StreamingEnabled)

	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.path", "ollamachat.db")
	v.SetDefault("storage.max_bytes", 5<<20)
	v.SetDefault("storage.watch", true)

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", "8080")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("events.partial_rate_hz", 20.0)
}

// Load reads the configuration from $CONFIG_PATH, or config.yaml in the working
// directory when it is unset. A missing default file is not an error; every key
// can also be set through OLLAMACHAT_* environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects unknown drivers and providers.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case ProviderOllama, ProviderOpenAI:
	default:
		return fmt.Errorf("llm.provider %q: expected %q or %q", c.LLM.Provider, ProviderOllama, ProviderOpenAI)
	}
	switch c.Storage.Driver {
	case DriverSQLite, DriverFile, DriverMemory:
	default:
		return fmt.Errorf("storage.driver %q: expected sqlite, file or memory", c.Storage.Driver)
	}
	if c.Storage.MaxBytes < 0 {
		return fmt.Errorf("storage.max_bytes must not be negative")
	}
	if c.Events.PartialRateHz < 0 {
		return fmt.Errorf("events.partial_rate_hz must not be negative")
	}
	return nil
}

// Settings converts the llm section into the default generation settings.
func (c *Config) Settings() chat.Settings {
	return chat.Settings{
		BackendURL:       c.LLM.BaseURL,
		Model:            c.LLM.Model,
		Temperature:      c.LLM.Temperature,
		MaxOutputTokens:  c.LLM.MaxTokens,
		SystemPrompt:     c.LLM.SystemPrompt,
		StreamingEnabled: c.LLM.Stream,
	}
}
