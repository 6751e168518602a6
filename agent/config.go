package agent

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/helmsman/llm"
)

// Config holds everything needed to construct an Agent. Values load from
// a YAML file, then environment variables override.
type Config struct {
	// Provider backend name (anthropic, openai, google...).
	Provider string `yaml:"provider" env:"HELMSMAN_PROVIDER"`
	// Model identifier or alias; empty selects the provider's default.
	Model string `yaml:"model" env:"HELMSMAN_MODEL"`
	// APIKey for the provider; empty defers to the provider's own
	// environment variable.
	APIKey string `yaml:"api_key" env:"HELMSMAN_API_KEY"`

	// WorkspaceDir is the root the tools operate in.
	WorkspaceDir string `yaml:"workspace_dir" env:"HELMSMAN_WORKSPACE" envDefault:"."`

	// MaxIterations is the hard ceiling before forced completion.
	MaxIterations int `yaml:"max_iterations" env:"HELMSMAN_MAX_ITERATIONS" envDefault:"40"`
	// SessionTimeout bounds one session's wall clock. Zero disables it.
	SessionTimeout time.Duration `yaml:"session_timeout" env:"HELMSMAN_SESSION_TIMEOUT"`
	// Aggressiveness tunes when context truncation triggers.
	Aggressiveness Aggressiveness `yaml:"aggressiveness" env:"HELMSMAN_AGGRESSIVENESS" envDefault:"moderate"`

	RateLimit llm.RateLimiterConfig `yaml:"rate_limit" envPrefix:"HELMSMAN_"`
	Detector  DetectorConfig        `yaml:"detector" envPrefix:"HELMSMAN_"`

	Retry RetryConfig `yaml:"retry" envPrefix:"HELMSMAN_RETRY_"`
}

// RetryConfig is the serializable form of the retry policy.
type RetryConfig struct {
	MaxRetries        int     `yaml:"max_retries" env:"MAX_RETRIES" envDefault:"3"`
	BaseDelaySeconds  float64 `yaml:"base_delay_seconds" env:"BASE_DELAY_SECONDS" envDefault:"1"`
	MaxDelaySeconds   float64 `yaml:"max_delay_seconds" env:"MAX_DELAY_SECONDS" envDefault:"60"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier" env:"BACKOFF_MULTIPLIER" envDefault:"2"`
	Jitter            bool    `yaml:"jitter" env:"JITTER" envDefault:"true"`
}

// Policy converts the serializable form into an llm.RetryPolicy.
func (c RetryConfig) Policy() llm.RetryPolicy {
	return llm.RetryPolicy{
		MaxRetries:        c.MaxRetries,
		BaseDelay:         c.BaseDelaySeconds,
		MaxDelay:          c.MaxDelaySeconds,
		BackoffMultiplier: c.BackoffMultiplier,
		Jitter:            c.Jitter,
	}
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Provider:       "anthropic",
		WorkspaceDir:   ".",
		MaxIterations:  40,
		Aggressiveness: Moderate,
		RateLimit:      llm.DefaultRateLimiterConfig(),
		Detector:       DefaultDetectorConfig(),
		Retry: RetryConfig{
			MaxRetries:        3,
			BaseDelaySeconds:  1,
			MaxDelaySeconds:   60,
			BackoffMultiplier: 2,
			Jitter:            true,
		},
	}
}

// LoadConfig reads a YAML config file and applies environment overrides.
// A missing file is not an error; defaults plus environment apply.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// fall through to env
		case err != nil:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, cfg.validate()
}

// ConfigFromEnv builds a config from defaults plus environment only.
func ConfigFromEnv() (Config, error) {
	return LoadConfig("")
}

func (c Config) validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("max_iterations must be at least 1, got %d", c.MaxIterations)
	}
	switch c.Aggressiveness {
	case Conservative, Moderate, Aggressive:
	default:
		return fmt.Errorf("unknown aggressiveness %q", c.Aggressiveness)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	return nil
}
