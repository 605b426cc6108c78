package server

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration settings including security controls.
type Config struct {
	Port           string `validate:"required"`
	AllowedOrigins []string
	MaxMessageSize int64
	SendBufferSize int
	RateLimit      RateLimitConfig

	TokenSecret   string `validate:"required,min=16"`
	DirectoryPath string
	CookieSecure  bool

	StatsInterval time.Duration
	LogLevel      string `validate:"oneof=DEBUG INFO WARN ERROR"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
// TokenSecret has no default.
func DefaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 4096,
		SendBufferSize: 256,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		StatsInterval: 60 * time.Second,
		LogLevel:      "INFO",
	}
}

// sanitize replaces unusable values with their defaults.
func (c Config) sanitize() Config {
	def := DefaultConfig()

	if strings.TrimSpace(c.Port) == "" {
		c.Port = def.Port
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = def.MaxMessageSize
	}
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = def.SendBufferSize
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = def.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = def.RateLimit.RefillInterval
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = def.StatsInterval
	}
	c.LogLevel = strings.ToUpper(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
	return c
}

var configValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate reports missing or malformed settings after sanitizing.
func (c Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// fileConfig is the layout of the optional TOML file. Durations are plain
// integers in the unit named by the key.
type fileConfig struct {
	Server fileServerSection `toml:"server"`
	Auth   fileAuthSection   `toml:"auth"`
	Limits fileLimitsSection `toml:"limits"`
	Stats  fileStatsSection  `toml:"stats"`
}

type fileServerSection struct {
	Port           string   `toml:"port"`
	AllowedOrigins []string `toml:"allowed_origins"`
	LogLevel       string   `toml:"log_level"`
}

type fileAuthSection struct {
	TokenSecret   string `toml:"token_secret"`
	DirectoryPath string `toml:"directory_path"`
	CookieSecure  bool   `toml:"cookie_secure"`
}

type fileLimitsSection struct {
	MaxMessageSize        int64 `toml:"max_message_size"`
	SendBufferSize        int   `toml:"send_buffer_size"`
	RateLimitBurst        int   `toml:"rate_limit_burst"`
	RateLimitRefillMillis int   `toml:"rate_limit_refill_ms"`
}

type fileStatsSection struct {
	IntervalSeconds int `toml:"interval_seconds"`
}

// apply copies every set field of the file onto cfg.
func (f fileConfig) apply(cfg Config) Config {
	if f.Server.Port != "" {
		cfg.Port = f.Server.Port
	}
	if len(f.Server.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = f.Server.AllowedOrigins
	}
	if f.Server.LogLevel != "" {
		cfg.LogLevel = f.Server.LogLevel
	}
	if f.Auth.TokenSecret != "" {
		cfg.TokenSecret = f.Auth.TokenSecret
	}
	if f.Auth.DirectoryPath != "" {
		cfg.DirectoryPath = f.Auth.DirectoryPath
	}
	if f.Auth.CookieSecure {
		cfg.CookieSecure = true
	}
	if f.Limits.MaxMessageSize > 0 {
		cfg.MaxMessageSize = f.Limits.MaxMessageSize
	}
	if f.Limits.SendBufferSize > 0 {
		cfg.SendBufferSize = f.Limits.SendBufferSize
	}
	if f.Limits.RateLimitBurst > 0 {
		cfg.RateLimit.Burst = f.Limits.RateLimitBurst
	}
	if f.Limits.RateLimitRefillMillis > 0 {
		cfg.RateLimit.RefillInterval = time.Duration(f.Limits.RateLimitRefillMillis) * time.Millisecond
	}
	if f.Stats.IntervalSeconds > 0 {
		cfg.StatsInterval = time.Duration(f.Stats.IntervalSeconds) * time.Second
	}
	return cfg
}

// envOverrides lists the environment variables that override the file. Unset
// variables leave the field nil.
type envOverrides struct {
	Port            *string        `env:"SERVER_PORT"`
	AllowedOrigins  *string        `env:"ALLOWED_ORIGINS"`
	MaxMessageSize  *int64         `env:"MAX_MESSAGE_SIZE"`
	SendBufferSize  *int           `env:"SEND_BUFFER_SIZE"`
	RateLimitBurst  *int           `env:"RATE_LIMIT_BURST"`
	RateLimitRefill *time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL"`
	TokenSecret     *string        `env:"TOKEN_SECRET"`
	DirectoryPath   *string        `env:"DIRECTORY_PATH"`
	CookieSecure    *bool          `env:"COOKIE_SECURE"`
	StatsInterval   *time.Duration `env:"STATS_INTERVAL"`
	LogLevel        *string        `env:"LOG_LEVEL"`
}

func (o envOverrides) apply(cfg Config) Config {
	if o.Port != nil {
		cfg.Port = *o.Port
	}
	if o.AllowedOrigins != nil {
		cfg.AllowedOrigins = parseOrigins(*o.AllowedOrigins)
	}
	if o.MaxMessageSize != nil {
		cfg.MaxMessageSize = *o.MaxMessageSize
	}
	if o.SendBufferSize != nil {
		cfg.SendBufferSize = *o.SendBufferSize
	}
	if o.RateLimitBurst != nil {
		cfg.RateLimit.Burst = *o.RateLimitBurst
	}
	if o.RateLimitRefill != nil {
		cfg.RateLimit.RefillInterval = *o.RateLimitRefill
	}
	if o.TokenSecret != nil {
		cfg.TokenSecret = *o.TokenSecret
	}
	if o.DirectoryPath != nil {
		cfg.DirectoryPath = *o.DirectoryPath
	}
	if o.CookieSecure != nil {
		cfg.CookieSecure = *o.CookieSecure
	}
	if o.StatsInterval != nil {
		cfg.StatsInterval = *o.StatsInterval
	}
	if o.LogLevel != nil {
		cfg.LogLevel = *o.LogLevel
	}
	return cfg
}

// LoadConfig builds the configuration from defaults, the optional TOML file at
// path, and the process environment, in that order of precedence (lowest
// first). The result is sanitized and validated.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		var file fileConfig
		if _, err := toml.DecodeFile(path, &file); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
		cfg = file.apply(cfg)
	}

	var overrides envOverrides
	if _, err := env.UnmarshalFromEnviron(&overrides); err != nil {
		return Config{}, fmt.Errorf("failed to read environment: %w", err)
	}
	cfg = overrides.apply(cfg).sanitize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
