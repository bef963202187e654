package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	LogLevel          string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL          string        `mapstructure:"REDIS_URL"`
	KafkaBrokers      []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic        string        `mapstructure:"KAFKA_TOPIC"`
	AuthSecret        string        `mapstructure:"AUTH_SECRET"`
	AuthIssuer        string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience      string        `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	Timezone          string        `mapstructure:"TIMEZONE"`
	AIServiceURL      string        `mapstructure:"AI_SERVICE_URL"`
	AIServiceTimeout  time.Duration `mapstructure:"AI_SERVICE_TIMEOUT"`
	AssignLockTTL     time.Duration `mapstructure:"ASSIGN_LOCK_TTL"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit         string        `mapstructure:"BODY_LIMIT"`
	ProtocolBodyLimit string        `mapstructure:"PROTOCOL_BODY_LIMIT"`
	ChatRateLimitRPS  float64       `mapstructure:"CHAT_RATE_LIMIT_RPS"`
	ChatRateBurst     int           `mapstructure:"CHAT_RATE_LIMIT_BURST"`
}

var defaults = map[string]interface{}{
	"PORT":                  "8000",
	"ENV":                   "development",
	"LOG_LEVEL":             "info",
	"DB_MAX_CONNS":          20,
	"DB_MIN_CONNS":          2,
	"KAFKA_TOPIC":           "recovery.events",
	"CORS_ORIGINS":          "http://localhost:3000",
	"TIMEZONE":              "UTC",
	"AI_SERVICE_TIMEOUT":    "15s",
	"ASSIGN_LOCK_TTL":       "30s",
	"REQUEST_TIMEOUT":       "30s",
	"BODY_LIMIT":            "1M",
	"PROTOCOL_BODY_LIMIT":   "8M",
	"CHAT_RATE_LIMIT_RPS":   0.5,
	"CHAT_RATE_LIMIT_BURST": 5,
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "KAFKA_BROKERS", "KAFKA_TOPIC", "AUTH_SECRET", "AUTH_ISSUER",
	"AUTH_AUDIENCE", "CORS_ORIGINS", "TIMEZONE", "AI_SERVICE_URL", "AI_SERVICE_TIMEOUT",
	"ASSIGN_LOCK_TTL", "REQUEST_TIMEOUT", "BODY_LIMIT", "PROTOCOL_BODY_LIMIT",
	"CHAT_RATE_LIMIT_RPS", "CHAT_RATE_LIMIT_BURST",
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	// Unmarshal only sees env vars that are bound explicitly.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.KafkaBrokers = splitList(cfg.KafkaBrokers)
	return cfg, nil
}

// splitList trims entries and drops empty ones. Env values arrive as a
// single comma separated string.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Load reads .env in the working directory, if present, and the
// environment. Environment variables win.
func Load() (*Config, error) {
	return LoadFile(".env")
}

func LoadFile(path string) (*Config, error) {
	v := newViper(path)
	_ = v.ReadInConfig()

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves TIMEZONE. Every date in the service is a calendar day
// in this zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Level parses LOG_LEVEL, defaulting to info.
func (c *Config) Level() (zerolog.Level, error) {
	if c.LogLevel == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// Validate checks that the configuration is safe to run. Outside
// development a signing secret of at least 32 bytes is required so bearer
// tokens are always verified.
func (c *Config) Validate() error {
	var errs []error
	if !c.IsDev() {
		switch {
		case c.AuthSecret == "":
			errs = append(errs, fmt.Errorf("AUTH_SECRET is required when ENV=%q", c.Env))
		case len(c.AuthSecret) < 32:
			errs = append(errs, fmt.Errorf("AUTH_SECRET must be at least 32 bytes"))
		}
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.DBMinConns > c.DBMaxConns {
		errs = append(errs, fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns))
	}
	if c.AssignLockTTL <= 0 {
		errs = append(errs, fmt.Errorf("ASSIGN_LOCK_TTL must be positive"))
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		errs = append(errs, fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set"))
	}
	return errors.Join(errs...)
}

// Watch re-reads the file at path whenever it is written and passes the
// new configuration to fn. Invalid reloads are reported to onErr and
// skipped. The watch runs for the life of the process.
func Watch(path string, fn func(*Config), onErr func(error)) error {
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		fn(cfg)
	})
	v.WatchConfig()
	return nil
}
