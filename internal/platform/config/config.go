// Package config loads process configuration from the environment. An
// optional .env file in the working directory is read first; variables
// already set in the environment win.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full process configuration.
type Config struct {
	Server   Server
	Log      Log
	Postgres PostgresConfig
	Redis    RedisConfig
	Ledger   Ledger
	SLA      SLA
	SeedDemo bool
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string
	JWTSigningKey   string
	JWTIssuer       string
	ShutdownTimeout time.Duration
}

type Log struct {
	Format string // json or text
	Level  string
}

// PostgresConfig enables the PostgreSQL registry and ledger when URL is set.
type PostgresConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig enables the Redis entity registry when URL is set.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Ledger configures the in-memory ledger. MaxEntries 0 keeps every entry.
type Ledger struct {
	MaxEntries int
}

type SLA struct {
	WarningAfter  time.Duration
	CriticalAfter time.Duration
	SweepInterval time.Duration
}

// DevJWTSigningKey is used when JWT_SIGNING_KEY is unset. Never use it in production.
const DevJWTSigningKey = "dev-secret-key-change-in-production"

// Load reads .env (if present) and the environment, then validates the result.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from environment variables only.
func FromEnv() (Config, error) {
	p := parser{}
	cfg := Config{
		Server: Server{
			Addr:            p.str("GIGVERIFY_ADDR", ":8080"),
			JWTSigningKey:   p.str("JWT_SIGNING_KEY", DevJWTSigningKey),
			JWTIssuer:       p.str("JWT_ISSUER", "gigverify"),
			ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Log: Log{
			Format: strings.ToLower(p.str("LOG_FORMAT", "json")),
			Level:  strings.ToLower(p.str("LOG_LEVEL", "info")),
		},
		Postgres: PostgresConfig{
			URL:             p.str("DATABASE_URL", ""),
			MaxOpenConns:    p.integer("DATABASE_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    p.integer("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: p.duration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			URL:          p.str("REDIS_URL", ""),
			PoolSize:     p.integer("REDIS_POOL_SIZE", 10),
			MinIdleConns: p.integer("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  p.duration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  p.duration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: p.duration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		Ledger: Ledger{
			MaxEntries: p.integer("LEDGER_MAX_ENTRIES", 0),
		},
		SLA: SLA{
			WarningAfter:  p.duration("SLA_WARNING_AFTER", 8*time.Hour),
			CriticalAfter: p.duration("SLA_CRITICAL_AFTER", 24*time.Hour),
			SweepInterval: p.duration("SLA_SWEEP_INTERVAL", time.Minute),
		},
		SeedDemo: p.boolean("SEED_DEMO_DATA", true),
	}
	if err := errors.Join(p.errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("GIGVERIFY_ADDR must not be empty"))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Log.Format))
	}
	if c.Ledger.MaxEntries < 0 {
		errs = append(errs, errors.New("LEDGER_MAX_ENTRIES must not be negative"))
	}
	if c.SLA.WarningAfter <= 0 || c.SLA.CriticalAfter <= 0 {
		errs = append(errs, errors.New("SLA thresholds must be positive"))
	}
	if c.SLA.CriticalAfter < c.SLA.WarningAfter {
		errs = append(errs, errors.New("SLA_CRITICAL_AFTER must not be below SLA_WARNING_AFTER"))
	}
	if c.SLA.SweepInterval <= 0 {
		errs = append(errs, errors.New("SLA_SWEEP_INTERVAL must be positive"))
	}
	return errors.Join(errs...)
}

// parser collects every malformed variable instead of stopping at the first.
type parser struct {
	errs []error
}

func (p *parser) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (p *parser) integer(key string, def int) int {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return def
	}
	return n
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}

func (p *parser) boolean(key string, def bool) bool {
	v := p.str(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return def
	}
	return b
}
