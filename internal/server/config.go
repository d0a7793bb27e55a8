package server

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"RATE_LIMIT_BURST,default=5" validate:"gt=0"`
	RefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL,default=1s" validate:"gt=0"`
}

// AuthConfig configures bearer token issuance and validation.
type AuthConfig struct {
	Secret     string        `env:"JWT_SECRET" validate:"required"`
	Expiration time.Duration `env:"JWT_EXPIRATION,default=24h" validate:"gt=0"`
	Issuer     string        `env:"JWT_ISSUER,default=gochat-relay"`
}

// StoreConfig selects and locates the persistence backend.
type StoreConfig struct {
	Driver     string `env:"STORE_DRIVER,default=sqlite" validate:"oneof=memory badger sqlite"`
	BadgerPath string `env:"BADGER_PATH,default=data/badger" validate:"required_if=Driver badger"`
	SQLitePath string `env:"SQLITE_PATH,default=data/relay.db" validate:"required_if=Driver sqlite"`
}

// LogConfig selects the logger level and encoding.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`
	Format string `env:"LOG_FORMAT,default=json" validate:"oneof=json console"`
}

// Config holds the relay configuration.
type Config struct {
	Port string `env:"SERVER_PORT,default=:8080" validate:"required"`
	// Origins is the raw comma separated ALLOWED_ORIGINS value. Sanitize
	// derives AllowedOrigins from it.
	Origins          string `env:"ALLOWED_ORIGINS,default=http://localhost:8080"`
	AllowedOrigins   []string
	MaxMessageSize   int64         `env:"MAX_MESSAGE_SIZE,default=4096" validate:"gt=0"`
	MaxContentLength int           `env:"MAX_CONTENT_LENGTH,default=2000" validate:"gt=0"`
	QueueSize        int           `env:"QUEUE_SIZE,default=100" validate:"gt=0"`
	DisconnectGrace  time.Duration `env:"DISCONNECT_GRACE,default=0s" validate:"gte=0"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s" validate:"gt=0"`
	HistoryLimit     int           `env:"HISTORY_LIMIT,default=50" validate:"gt=0,lte=500"`

	RateLimit RateLimitConfig
	Auth      AuthConfig
	Store     StoreConfig
	Log       LogConfig
}

// NewConfig creates a Config instance populated with default values for all
// settings. The JWT secret has no default.
func NewConfig() *Config {
	cfg := Config{
		Port:             ":8080",
		Origins:          "http://localhost:8080",
		MaxMessageSize:   4096,
		MaxContentLength: DefaultMaxContentLength,
		QueueSize:        DefaultQueueSize,
		ShutdownTimeout:  10 * time.Second,
		HistoryLimit:     50,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		Auth: AuthConfig{
			Expiration: 24 * time.Hour,
			Issuer:     "gochat-relay",
		},
		Store: StoreConfig{
			Driver:     "sqlite",
			BadgerPath: "data/badger",
			SQLitePath: "data/relay.db",
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
	cfg.Sanitize()
	return &cfg
}

// LoadConfig reads the given dotenv files (missing files are ignored), then
// the process environment, and validates the result. Real environment
// variables take precedence over dotenv values.
func LoadConfig(envFiles ...string) (*Config, error) {
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", file, err)
		}
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.Sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Sanitize normalises free-form values and replaces unusable numbers with
// defaults.
func (c *Config) Sanitize() {
	c.Port = strings.TrimSpace(c.Port)
	if c.Port == "" {
		c.Port = ":8080"
	}
	if !strings.Contains(c.Port, ":") {
		c.Port = ":" + c.Port
	}

	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 4096
	}
	if c.MaxContentLength <= 0 {
		c.MaxContentLength = DefaultMaxContentLength
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.DisconnectGrace < 0 {
		c.DisconnectGrace = 0
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 5
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = time.Second
	}

	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))

	if c.Origins != "" {
		c.AllowedOrigins = parseOrigins(c.Origins)
	}
}

// Validate checks every field constraint.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) {
			fields := make([]string, 0, len(invalid))
			for _, fe := range invalid {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid configuration: %s", strings.Join(fields, ", "))
		}
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
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
