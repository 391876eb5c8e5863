package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/alexjbarnes/tokengate/internal/auth"
)

// Store backends accepted by STORE_BACKEND.
const (
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config holds all environment-based configuration for tokengate.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// ServerURL is the public base URL advertised in the metadata
	// documents. The /.well-known endpoints are not served without it.
	ServerURL string `env:"SERVER_URL"`

	// ScopesSupported is advertised in the authorization server metadata.
	ScopesSupported []string `env:"SCOPES_SUPPORTED" envDefault:"read,write" envSeparator:","`

	StoreBackend string `env:"STORE_BACKEND" envDefault:"bolt"`

	// StorePath is the bbolt or SQLite database file.
	StorePath string `env:"STORE_PATH" envDefault:"tokengate.db"`

	RedisAddr      string `env:"REDIS_ADDR"`
	RedisPassword  string `env:"REDIS_PASSWORD"`
	RedisDB        int    `env:"REDIS_DB" envDefault:"0"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"tokengate:"`

	// Token signing. The key is required to serve.
	SigningKey string `env:"TOKEN_SIGNING_KEY"`
	SigningAlg string `env:"TOKEN_SIGNING_ALG" envDefault:"HS256"`

	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"1h"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"720h"`
	RefreshMaxUses  int           `env:"REFRESH_MAX_USES" envDefault:"5"`

	// Rate limits per hour. Zero disables a limit.
	IssueIPRatePerHour     int `env:"ISSUE_IP_RATE_PER_HOUR" envDefault:"50"`
	IssueClientRatePerHour int `env:"ISSUE_CLIENT_RATE_PER_HOUR" envDefault:"4"`
	RefreshRatePerHour     int `env:"REFRESH_RATE_PER_HOUR" envDefault:"4"`

	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"10m"`

	// ClientsFile is an optional YAML file of clients imported at startup.
	ClientsFile  string `env:"CLIENTS_FILE"`
	WatchClients bool   `env:"WATCH_CLIENTS" envDefault:"false"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the signing key to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration for serving tokens. It first attempts to load a
// .env file if present, then parses env vars. A missing or weak signing
// key is an error.
func Load() (*Config, error) {
	return load(true)
}

// LoadStore reads configuration for commands that only touch the store,
// such as client administration. The signing key is not required.
func LoadStore() (*Config, error) {
	return load(false)
}

func load(requireSigning bool) (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(requireSigning); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StoreBackend != BackendRedis {
		absPath, err := filepath.Abs(cfg.StorePath)
		if err != nil {
			return nil, fmt.Errorf("resolving store path to absolute path: %w", err)
		}

		cfg.StorePath = absPath
	}

	return cfg, nil
}

func (c *Config) validate(requireSigning bool) error {
	switch c.StoreBackend {
	case BackendBolt, BackendSQLite:
		if c.StorePath == "" {
			return fmt.Errorf("STORE_PATH is required for the %s backend", c.StoreBackend)
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for the redis backend")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be one of bolt, sqlite, redis (got %q)", c.StoreBackend)
	}

	if requireSigning {
		if c.SigningKey == "" {
			return fmt.Errorf("TOKEN_SIGNING_KEY is required")
		}

		if len(c.SigningKey) < auth.MinSigningKeyLen {
			return fmt.Errorf("TOKEN_SIGNING_KEY must be at least %d bytes", auth.MinSigningKeyLen)
		}

		switch c.SigningAlg {
		case "HS256", "HS384", "HS512":
		default:
			return fmt.Errorf("TOKEN_SIGNING_ALG must be one of HS256, HS384, HS512 (got %q)", c.SigningAlg)
		}
	}

	if c.AccessTokenTTL <= 0 {
		return fmt.Errorf("ACCESS_TOKEN_TTL must be positive")
	}

	if c.RefreshTokenTTL < c.AccessTokenTTL {
		return fmt.Errorf("REFRESH_TOKEN_TTL must not be shorter than ACCESS_TOKEN_TTL")
	}

	if c.RefreshMaxUses < 1 {
		return fmt.Errorf("REFRESH_MAX_USES must be at least 1")
	}

	if c.IssueIPRatePerHour < 0 || c.IssueClientRatePerHour < 0 || c.RefreshRatePerHour < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}

	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}

	if c.WatchClients && c.ClientsFile == "" {
		return fmt.Errorf("CLIENTS_FILE is required when WATCH_CLIENTS is true")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// IssuerConfig returns the token lifetimes.
func (c *Config) IssuerConfig() auth.IssuerConfig {
	return auth.IssuerConfig{
		AccessTTL:  c.AccessTokenTTL,
		RefreshTTL: c.RefreshTokenTTL,
		MaxUses:    c.RefreshMaxUses,
	}
}

// RateLimits returns the limiter buckets. The refresh buckets burst to
// the chain length so a full chain can be redeemed back to back.
func (c *Config) RateLimits() map[string]auth.Limit {
	refresh := auth.Limit{PerHour: c.RefreshRatePerHour, Burst: c.RefreshMaxUses}

	return map[string]auth.Limit{
		auth.LimitIssueIP:     {PerHour: c.IssueIPRatePerHour},
		auth.LimitIssueClient: {PerHour: c.IssueClientRatePerHour},
		auth.LimitRefresh:     refresh,
		auth.LimitRefreshIP:   refresh,
	}
}

