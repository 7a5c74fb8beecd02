// Package config loads service configuration from defaults, an optional
// YAML file and UMS_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PlaceholderSecret is the development signing secret. Production refuses it.
const PlaceholderSecret = "change-me"

const minProductionSecretLength = 32

// Database adapters.
const (
	AdapterMemory   = "memory"
	AdapterSQLite   = "sqlite"
	AdapterPostgres = "postgres"
)

// Config is the root configuration. It is built once at startup and passed
// down explicitly; nothing reads it through globals.
type Config struct {
	Env             string          `yaml:"env"`
	HTTPAddr        string          `yaml:"http_addr"`
	GRPCAddr        string          `yaml:"grpc_addr"`
	MaxBodyBytes    int64           `yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"`
	Database        DatabaseConfig  `yaml:"database"`
	Auth            AuthConfig      `yaml:"auth"`
	Logging         LoggingConfig   `yaml:"logging"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// DatabaseConfig selects and tunes the persistence adapter.
type DatabaseConfig struct {
	Adapter         string        `yaml:"adapter"`
	DSN             string        `yaml:"dsn"`
	SQLitePath      string        `yaml:"sqlite_path"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// AuthConfig holds token and password settings.
type AuthConfig struct {
	Secret         string        `yaml:"secret"`
	Algorithm      string        `yaml:"algorithm"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
	PasswordScheme string        `yaml:"password_scheme"`
	BcryptCost     int           `yaml:"bcrypt_cost"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// RateLimitConfig throttles the public credential endpoints per client IP.
// X-Forwarded-For is only honoured from peers listed in TrustedProxies,
// given as addresses or CIDR prefixes.
type RateLimitConfig struct {
	PerSecond      float64  `yaml:"per_second"`
	Burst          int      `yaml:"burst"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// Proxies parses TrustedProxies.
func (c RateLimitConfig) Proxies() ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(c.TrustedProxies))
	for _, entry := range c.TrustedProxies {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
			}
			out = append(out, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", entry, err)
		}
		addr = addr.Unmap()
		out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return out, nil
}

// Production reports whether the service runs with production safeguards.
func (c *Config) Production() bool {
	env := strings.ToLower(strings.TrimSpace(c.Env))
	return env == "production" || env == "prod"
}

// Default returns a Config with development defaults.
func Default() *Config {
	return &Config{
		Env:             "development",
		HTTPAddr:        ":8080",
		GRPCAddr:        ":9090",
		MaxBodyBytes:    1 << 20,
		ShutdownTimeout: 10 * time.Second,
		Database: DatabaseConfig{
			Adapter:     AdapterSQLite,
			SQLitePath:  "./data/ums.db",
			AutoMigrate: true,
		},
		Auth: AuthConfig{
			Secret:         PlaceholderSecret,
			Algorithm:      "HS256",
			AccessTokenTTL: 30 * time.Minute,
			PasswordScheme: "bcrypt",
		},
		Logging: LoggingConfig{Level: "info"},
		RateLimit: RateLimitConfig{
			PerSecond: 1,
			Burst:     10,
		},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	if err := applyEnvOverrides(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// FromEnv loads the file named by UMS_CONFIG, if set, plus overrides.
func FromEnv() (*Config, error) {
	return Load(os.Getenv("UMS_CONFIG"))
}

type lookupFunc func(string) (string, bool)

// applyEnvOverrides applies UMS_* overrides.
func applyEnvOverrides(cfg *Config, lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("UMS_ENV", &cfg.Env)
	str("UMS_HTTP_ADDR", &cfg.HTTPAddr)
	str("UMS_GRPC_ADDR", &cfg.GRPCAddr)

	str("UMS_DB_ADAPTER", &cfg.Database.Adapter)
	str("UMS_DB_DSN", &cfg.Database.DSN)
	str("UMS_SQLITE_PATH", &cfg.Database.SQLitePath)
	integer("UMS_DB_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns)
	boolean("UMS_DB_AUTO_MIGRATE", &cfg.Database.AutoMigrate)

	// Always override the signing secret outside development.
	str("UMS_JWT_SECRET", &cfg.Auth.Secret)
	str("UMS_JWT_ALGORITHM", &cfg.Auth.Algorithm)
	duration("UMS_ACCESS_TOKEN_TTL", &cfg.Auth.AccessTokenTTL)
	str("UMS_PASSWORD_SCHEME", &cfg.Auth.PasswordScheme)
	integer("UMS_BCRYPT_COST", &cfg.Auth.BcryptCost)

	str("UMS_LOG_LEVEL", &cfg.Logging.Level)

	integer("UMS_RATE_LIMIT_BURST", &cfg.RateLimit.Burst)
	if v, ok := lookup("UMS_RATE_LIMIT_PER_SECOND"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("UMS_RATE_LIMIT_PER_SECOND: %w", err))
		} else {
			cfg.RateLimit.PerSecond = f
		}
	}
	if v, ok := lookup("UMS_RATE_LIMIT_TRUSTED_PROXIES"); ok && strings.TrimSpace(v) != "" {
		cfg.RateLimit.TrustedProxies = strings.Split(v, ",")
	}
	return errors.Join(errs...)
}

// Validate checks the configuration for errors and security issues.
func (c *Config) Validate() error {
	var errs []string

	if c.HTTPAddr == "" {
		errs = append(errs, "http_addr is required")
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, "max_body_bytes must be positive")
	}

	switch c.Database.Adapter {
	case AdapterMemory:
	case AdapterSQLite:
		if c.Database.SQLitePath == "" {
			errs = append(errs, "database.sqlite_path is required for the sqlite adapter")
		}
	case AdapterPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, "database.dsn is required for the postgres adapter (set UMS_DB_DSN)")
		}
	default:
		errs = append(errs, fmt.Sprintf("database.adapter %q is not one of memory, sqlite, postgres", c.Database.Adapter))
	}

	if c.Auth.Secret == "" {
		errs = append(errs, "auth.secret is required (set UMS_JWT_SECRET)")
	} else if c.Production() {
		if c.Auth.Secret == PlaceholderSecret {
			errs = append(errs, "auth.secret must be set in production")
		} else if len(c.Auth.Secret) < minProductionSecretLength {
			errs = append(errs, "auth.secret must be at least 32 characters in production")
		}
	}
	switch strings.ToUpper(c.Auth.Algorithm) {
	case "HS256", "HS384", "HS512":
	default:
		errs = append(errs, fmt.Sprintf("auth.algorithm %q is not an HMAC algorithm", c.Auth.Algorithm))
	}
	if c.Auth.AccessTokenTTL <= 0 {
		errs = append(errs, "auth.access_token_ttl must be positive")
	}
	switch strings.ToLower(c.Auth.PasswordScheme) {
	case "bcrypt", "argon2id":
	default:
		errs = append(errs, fmt.Sprintf("auth.password_scheme %q is not bcrypt or argon2id", c.Auth.PasswordScheme))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q is not debug, info, warn or error", c.Logging.Level))
	}

	if c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst <= 0 {
		errs = append(errs, "rate_limit.per_second and rate_limit.burst must be positive")
	}
	if _, err := c.RateLimit.Proxies(); err != nil {
		errs = append(errs, "rate_limit."+err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
