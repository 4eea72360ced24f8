// Package config loads stargazer settings.
//
// Precedence, highest first: environment variables (a .env file in the
// working directory is loaded into the environment), the YAML file given
// by path, then built-in defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	CompatibilityStrict     = "strict"
	CompatibilityCompatible = "compatible"
)

type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
	// Compatibility is "strict" for the OpenAI API itself or
	// "compatible" for OpenAI-compatible servers reached through BaseURL.
	Compatibility string `yaml:"compatibility"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type ServerConfig struct {
	Addr         string          `yaml:"addr"`
	SystemPrompt string          `yaml:"system_prompt"`
	MaxDuration  time.Duration   `yaml:"max_duration"`
	StaticDir    string          `yaml:"static_dir"`
	CountTokens  bool            `yaml:"count_tokens"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

type WidgetConfig struct {
	Endpoint  string `yaml:"endpoint"`
	DBPath    string `yaml:"db_path"`
	ExportDir string `yaml:"export_dir"`
	LogPath   string `yaml:"log_path"`
}

type Config struct {
	Provider ProviderConfig `yaml:"provider"`
	Server   ServerConfig   `yaml:"server"`
	Widget   WidgetConfig   `yaml:"widget"`
}

func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			Model:         "gpt-4o-mini",
			Compatibility: CompatibilityStrict,
		},
		Server: ServerConfig{
			Addr:         ":8100",
			SystemPrompt: "You are an expert of astrology.",
			MaxDuration:  30 * time.Second,
			CountTokens:  true,
			RateLimit:    RateLimitConfig{RPS: 2, Burst: 5},
		},
		Widget: WidgetConfig{
			Endpoint:  "http://localhost:8100/api/chat",
			DBPath:    "stargazer.db",
			ExportDir: ".",
			LogPath:   "stargazer-widget.log",
		},
	}
}

// DefaultPath returns ~/.config/stargazer/config.yaml, or "" if the home
// directory is unknown.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "stargazer", "config.yaml")
}

// Load reads the config file at path (a missing file is not an error),
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path == "" {
		path = DefaultPath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("invalid config file %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("STARGAZER_MODEL"); v != "" {
		cfg.Provider.Model = v
	}
	if v := os.Getenv("STARGAZER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("STARGAZER_MAX_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.MaxDuration = d
		}
	}
	if v := os.Getenv("STARGAZER_COUNT_TOKENS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Server.CountTokens = b
		}
	}
	if v := os.Getenv("STARGAZER_ENDPOINT"); v != "" {
		cfg.Widget.Endpoint = v
	}
	if v := os.Getenv("STARGAZER_DB"); v != "" {
		cfg.Widget.DBPath = v
	}
}

// Validate checks settings that would otherwise fail late. A missing API
// key is not checked here; the server reports it per request.
func (c *Config) Validate() error {
	switch c.Provider.Compatibility {
	case CompatibilityStrict:
	case CompatibilityCompatible:
		if c.Provider.BaseURL == "" {
			return fmt.Errorf("provider.base_url is required in %q mode", CompatibilityCompatible)
		}
	default:
		return fmt.Errorf("provider.compatibility must be %q or %q, got %q",
			CompatibilityStrict, CompatibilityCompatible, c.Provider.Compatibility)
	}
	if c.Provider.Model == "" {
		return errors.New("provider.model is required")
	}
	if c.Server.MaxDuration <= 0 {
		return errors.New("server.max_duration must be positive")
	}
	return nil
}
