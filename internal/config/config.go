// Package config assembles runtime configuration from the environment,
// with an optional YAML overlay for deployments that prefer files.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/openfit/fitbridge-mcp/internal/crypto"
)

// Config holds everything the broker needs to run.
type Config struct {
	// BaseURL is the externally visible origin of this server, used to
	// build metadata URLs and the upstream redirect URI.
	BaseURL    string `yaml:"base_url"`
	ListenAddr string `yaml:"listen_addr"`

	// Upstream identity provider (the fitness platform's OAuth app).
	UpstreamClientID     string        `yaml:"upstream_client_id"`
	UpstreamClientSecret string        `yaml:"upstream_client_secret"`
	UpstreamAuthURL      string        `yaml:"upstream_auth_url"`
	UpstreamTokenURL     string        `yaml:"upstream_token_url"`
	UpstreamAPIBaseURL   string        `yaml:"upstream_api_base_url"`
	UpstreamScopes       []string      `yaml:"upstream_scopes"`
	UpstreamTimeout      time.Duration `yaml:"upstream_timeout"`

	// Token lifetimes.
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
	AuthCodeTTL     time.Duration `yaml:"auth_code_ttl"`
	PKCEStateTTL    time.Duration `yaml:"pkce_state_ttl"`
	RefreshBuffer   time.Duration `yaml:"refresh_buffer"`

	// Key material, decoded from hex or base64.
	EncryptionKey []byte `yaml:"-"`
	HashSecret    []byte `yaml:"-"`

	// Backing services. DatabaseURL empty means the in-memory store
	// (development only). RedisURL empty means transient rows live in
	// Postgres alongside everything else.
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	// Audit event publishing; disabled when AMQPURL is empty.
	AMQPURL    string `yaml:"amqp_url"`
	AuditQueue string `yaml:"audit_queue"`

	SweepInterval time.Duration `yaml:"sweep_interval"`

	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
}

// Load builds a Config from environment variables, then applies the
// YAML file named by FITBRIDGE_CONFIG_FILE on top if set.
func Load() (*Config, error) {
	cfg := &Config{
		BaseURL:              strings.TrimRight(getEnv("BASE_URL", "http://localhost:8080"), "/"),
		ListenAddr:           getEnv("LISTEN_ADDR", ":8080"),
		UpstreamClientID:     os.Getenv("UPSTREAM_CLIENT_ID"),
		UpstreamClientSecret: os.Getenv("UPSTREAM_CLIENT_SECRET"),
		UpstreamAuthURL:      os.Getenv("UPSTREAM_AUTH_URL"),
		UpstreamTokenURL:     os.Getenv("UPSTREAM_TOKEN_URL"),
		UpstreamAPIBaseURL:   os.Getenv("UPSTREAM_API_BASE_URL"),
		UpstreamScopes:       splitScopes(getEnv("UPSTREAM_SCOPES", "profile workouts goals")),
		UpstreamTimeout:      getDuration("UPSTREAM_TIMEOUT", 30*time.Second),
		AccessTokenTTL:       getDuration("ACCESS_TOKEN_TTL", time.Hour),
		RefreshTokenTTL:      getDuration("REFRESH_TOKEN_TTL", 30*24*time.Hour),
		AuthCodeTTL:          getDuration("AUTH_CODE_TTL", 10*time.Minute),
		PKCEStateTTL:         getDuration("PKCE_STATE_TTL", 10*time.Minute),
		RefreshBuffer:        getDuration("REFRESH_BUFFER", 5*time.Minute),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		AMQPURL:              os.Getenv("AMQP_URL"),
		AuditQueue:           getEnv("AUDIT_QUEUE", "fitbridge.audit"),
		SweepInterval:        getDuration("SWEEP_INTERVAL", 10*time.Minute),
		ServiceName:          getEnv("SERVICE_NAME", "fitbridge-mcp"),
		ServiceVersion:       getEnv("SERVICE_VERSION", "dev"),
	}

	if path := os.Getenv("FITBRIDGE_CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	var err error
	if cfg.EncryptionKey, err = crypto.DecodeKey(os.Getenv("TOKEN_ENCRYPTION_KEY")); err != nil {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY: %w", err)
	}
	if len(cfg.EncryptionKey) != 32 {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(cfg.EncryptionKey))
	}
	if cfg.HashSecret, err = crypto.DecodeKey(os.Getenv("TOKEN_HASH_SECRET")); err != nil {
		return nil, fmt.Errorf("TOKEN_HASH_SECRET: %w", err)
	}
	if len(cfg.HashSecret) == 0 {
		return nil, fmt.Errorf("TOKEN_HASH_SECRET is required")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return nil
}

func (c *Config) validate() error {
	var missing []string
	if c.UpstreamClientID == "" {
		missing = append(missing, "UPSTREAM_CLIENT_ID")
	}
	if c.UpstreamClientSecret == "" {
		missing = append(missing, "UPSTREAM_CLIENT_SECRET")
	}
	if c.UpstreamAuthURL == "" {
		missing = append(missing, "UPSTREAM_AUTH_URL")
	}
	if c.UpstreamTokenURL == "" {
		missing = append(missing, "UPSTREAM_TOKEN_URL")
	}
	if c.UpstreamAPIBaseURL == "" {
		missing = append(missing, "UPSTREAM_API_BASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// UpstreamRedirectURL is where the identity provider sends the user
// back after consenting.
func (c *Config) UpstreamRedirectURL() string {
	return c.BaseURL + "/upstream/callback"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		fmt.Printf("Note: invalid duration for %s (%q), using default %s\n", key, v, fallback)
		return fallback
	}
	return d
}

func splitScopes(s string) []string {
	fields := strings.Fields(strings.ReplaceAll(s, ",", " "))
	if len(fields) == 0 {
		return nil
	}
	return fields
}
