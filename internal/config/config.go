// Package config handles application configuration from defaults, an
// optional YAML file, a .env file and environment variables
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration
type Config struct {
	// Service settings
	Env          string `koanf:"env" validate:"oneof=development staging production"`
	LogLevel     string `koanf:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	LogFormat    string `koanf:"log_format" validate:"oneof=text json"`
	Port         string `koanf:"port" validate:"required,numeric"`
	OTLPEndpoint string `koanf:"otlp_endpoint"`

	Feed      FeedConfig      `koanf:"feed"`
	Alert     AlertConfig     `koanf:"alert"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
}

// FeedConfig locates the upstream risk analyzer and its credential.
type FeedConfig struct {
	BaseURL        string        `koanf:"base_url" validate:"required,url"`
	PushPath       string        `koanf:"push_path" validate:"required,startswith=/"`
	EventName      string        `koanf:"event_name" validate:"required"`
	User           string        `koanf:"user" validate:"required"`
	Pass           string        `koanf:"pass" validate:"required"`
	PollAlertsMs   int           `koanf:"poll_alerts_ms" validate:"gt=0"`
	PollAllMs      int           `koanf:"poll_all_ms" validate:"gt=0"`
	RequestTimeout time.Duration `koanf:"request_timeout" validate:"gt=0"`

	// BreakerThreshold consecutive poll failures open an endpoint's
	// circuit for BreakerCooldown.
	BreakerThreshold int           `koanf:"breaker_threshold" validate:"gt=0"`
	BreakerCooldown  time.Duration `koanf:"breaker_cooldown" validate:"gt=0"`
}

// AlertConfig selects how new alerts are announced.
type AlertConfig struct {
	Bell    bool   `koanf:"bell"`
	Command string `koanf:"command"`
	MinBand string `koanf:"min_band" validate:"omitempty,oneof=low medium high"`

	// WebhookURL, when set, receives a signed POST for every new alert.
	WebhookURL    string `koanf:"webhook_url" validate:"omitempty,url"`
	WebhookSecret string `koanf:"webhook_secret"`
}

// RateLimitConfig bounds view API requests per client IP.
type RateLimitConfig struct {
	RequestsPerMinute int `koanf:"requests_per_minute" validate:"gt=0"`
	Burst             int `koanf:"burst" validate:"gt=0"`
}

// Defaults
const (
	DefaultBaseURL      = "http://localhost:8081"
	DefaultPushPath     = "/socket.io/?EIO=4&transport=websocket"
	DefaultEventName    = "new_transaction"
	DefaultPort         = "8090"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "text"
	DefaultPollAlertsMs = 30_000
	DefaultPollAllMs    = 60_000
	DefaultConfigPath   = "configs/riskwatch.yaml"

	EnvPrefix = "RISKWATCH_"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Defaults returns the configuration used before any file or env override.
func Defaults() Config {
	return Config{
		Env:       DefaultEnv,
		LogLevel:  DefaultLogLevel,
		LogFormat: DefaultLogFormat,
		Port:      DefaultPort,
		Feed: FeedConfig{
			BaseURL:          DefaultBaseURL,
			PushPath:         DefaultPushPath,
			EventName:        DefaultEventName,
			PollAlertsMs:     DefaultPollAlertsMs,
			PollAllMs:        DefaultPollAllMs,
			RequestTimeout:   15 * time.Second,
			BreakerThreshold: 5,
			BreakerCooldown:  30 * time.Second,
		},
		Alert: AlertConfig{
			Bell: true,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 120,
			Burst:             20,
		},
	}
}

// Load reads configuration. It loads .env if present (for local
// development), then the YAML file named by RISKWATCH_CONFIG (default
// configs/riskwatch.yaml, optional), then RISKWATCH_* variables.
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	path := os.Getenv(EnvPrefix + "CONFIG")
	if path == "" {
		path = DefaultConfigPath
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit YAML path. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("loading %s: %w", path, err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps RISKWATCH_FEED__BASE_URL to feed.base_url.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	u, err := url.Parse(c.Feed.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid config: feed.base_url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("invalid config: feed.base_url must be http or https, got %q", u.Scheme)
	}
	return nil
}

// AlertsInterval is the polling interval for the notifications endpoint.
func (c *Config) AlertsInterval() time.Duration {
	return time.Duration(c.Feed.PollAlertsMs) * time.Millisecond
}

// AllInterval is the polling interval for the all-transactions endpoint.
func (c *Config) AllInterval() time.Duration {
	return time.Duration(c.Feed.PollAllMs) * time.Millisecond
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// String renders the config for logs with the password masked.
func (c *Config) String() string {
	masked := ""
	if c.Feed.Pass != "" {
		masked = "****"
	}
	return fmt.Sprintf("env=%s port=%s feed=%s push=%s user=%s pass=%s alerts=%s all=%s webhook=%t",
		c.Env, c.Port, c.Feed.BaseURL, c.Feed.PushPath, c.Feed.User, masked,
		c.AlertsInterval(), c.AllInterval(), c.Alert.WebhookURL != "")
}
