// Package config loads settings for the server and client binaries from
// defaults, an optional YAML file, and the environment, in that order.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete configuration.
type Config struct {
	Server   ServerConfig `yaml:"server"`
	Store    StoreConfig  `yaml:"store"`
	Auth     AuthConfig   `yaml:"auth"`
	Client   ClientConfig `yaml:"client"`
	Mirror   MirrorConfig `yaml:"mirror"`
	LogLevel string       `yaml:"log_level"`
}

// ServerConfig configures the collaboration server.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	CompactEvery    int           `yaml:"compact_every"`  // snapshot after this many updates
	FlushInterval   time.Duration `yaml:"flush_interval"` // write-behind period of the cached store
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects the server's document store.
type StoreConfig struct {
	Backend          string `yaml:"backend"` // "memory", "firestore", "postgres"
	DatabaseURL      string `yaml:"database_url"`
	FirestoreProject string `yaml:"firestore_project"`
}

// AuthConfig configures token signing.
type AuthConfig struct {
	SigningKey  string        `yaml:"signing_key"` // empty disables authentication
	TokenTTL    time.Duration `yaml:"token_ttl"`
	IssueTokens bool          `yaml:"issue_tokens"` // expose POST /token
}

// ClientConfig configures a client session.
type ClientConfig struct {
	ServerURL        string        `yaml:"server_url"`
	TokenURL         string        `yaml:"token_url"`
	Subject          string        `yaml:"subject"`
	CacheDir         string        `yaml:"cache_dir"`
	IdleThreshold    time.Duration `yaml:"idle_threshold"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReadyWait        time.Duration `yaml:"ready_wait"`
	MinBackoff       time.Duration `yaml:"min_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	RetryCeiling     int           `yaml:"retry_ceiling"`
	AuthRetryDelay   time.Duration `yaml:"auth_retry_delay"`
	DisposeGrace     time.Duration `yaml:"dispose_grace"`
	CompactEvery     int           `yaml:"compact_every"`
}

// MirrorConfig configures the read cache.
type MirrorConfig struct {
	RedisURL string        `yaml:"redis_url"` // empty uses an in-process cache
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
	Debounce time.Duration `yaml:"debounce"`
	Ceiling  time.Duration `yaml:"ceiling"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			CompactEvery:    100,
			FlushInterval:   2 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{Backend: "memory"},
		Auth:  AuthConfig{TokenTTL: 15 * time.Minute},
		Client: ClientConfig{
			ServerURL:        "ws://localhost:8080/ws",
			CacheDir:         ".docsync",
			IdleThreshold:    5 * time.Minute,
			HandshakeTimeout: 5 * time.Second,
			ReadyWait:        3 * time.Second,
			MinBackoff:       250 * time.Millisecond,
			MaxBackoff:       30 * time.Second,
			RetryCeiling:     50,
			AuthRetryDelay:   time.Second,
			DisposeGrace:     2 * time.Second,
			CompactEvery:     100,
		},
		Mirror: MirrorConfig{
			Prefix:   "docsync:mirror:",
			Debounce: 3 * time.Second,
			Ceiling:  10 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. An empty path skips the file. ${VAR} references in
// the file are expanded.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		// #nosec G304 -- path comes from the command line
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		data = []byte(expandEnvVars(string(data)))
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []string
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = b
		}
	}

	str("DOCSYNC_ADDR", &cfg.Server.Address)
	str("DOCSYNC_STORE", &cfg.Store.Backend)
	str("DATABASE_URL", &cfg.Store.DatabaseURL)
	str("FIRESTORE_PROJECT", &cfg.Store.FirestoreProject)
	str("DOCSYNC_SIGNING_KEY", &cfg.Auth.SigningKey)
	dur("DOCSYNC_TOKEN_TTL", &cfg.Auth.TokenTTL)
	boolean("DOCSYNC_ISSUE_TOKENS", &cfg.Auth.IssueTokens)
	str("DOCSYNC_SERVER_URL", &cfg.Client.ServerURL)
	str("DOCSYNC_TOKEN_URL", &cfg.Client.TokenURL)
	str("DOCSYNC_SUBJECT", &cfg.Client.Subject)
	str("DOCSYNC_CACHE_DIR", &cfg.Client.CacheDir)
	dur("DOCSYNC_IDLE_THRESHOLD", &cfg.Client.IdleThreshold)
	dur("DOCSYNC_HANDSHAKE_TIMEOUT", &cfg.Client.HandshakeTimeout)
	dur("DOCSYNC_READY_WAIT", &cfg.Client.ReadyWait)
	str("REDIS_URL", &cfg.Mirror.RedisURL)
	dur("DOCSYNC_MIRROR_DEBOUNCE", &cfg.Mirror.Debounce)
	str("LOG_LEVEL", &cfg.LogLevel)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks values that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return fmt.Errorf("store backend postgres requires database_url")
		}
	case "firestore":
		if c.Store.FirestoreProject == "" {
			return fmt.Errorf("store backend firestore requires firestore_project")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Auth.IssueTokens && c.Auth.SigningKey == "" {
		return fmt.Errorf("issue_tokens requires signing_key")
	}
	if c.Client.MaxBackoff < c.Client.MinBackoff {
		return fmt.Errorf("client max_backoff %v is below min_backoff %v", c.Client.MaxBackoff, c.Client.MinBackoff)
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
