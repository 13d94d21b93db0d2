// Package config handles fleetd configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in
// production.
var knownWeakSecrets = map[string]bool{
	"local-dev-secret-for-testing-only-32chars!": true,
	"changeme": true,
	"secret":   true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex
// string suitable for use as a signing secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level fleetd configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Storage   StorageConfig   `json:"storage"`
	Heartbeat HeartbeatConfig `json:"heartbeat,omitempty"`
	Terminal  TerminalConfig  `json:"terminal,omitempty"`
	Jobs      JobsConfig      `json:"jobs,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"` // e.g. ":8443"
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS + WS origin check; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max REST request body; default 1MB
}

// AuthConfig defines operator authentication settings.
type AuthConfig struct {
	Provider     string        `json:"provider,omitempty"` // "builtin" (default) or "oidc"
	OIDCIssuer   string        `json:"oidc_issuer,omitempty"`
	OIDCJWKSURL  string        `json:"oidc_jwks_url,omitempty"`
	TokenSecret  string        `json:"token_secret"` // SESSION_TOKEN_SECRET; HMAC key for bearer + terminal tokens
	TokenExpiry  Duration      `json:"token_expiry,omitempty"`
	MasterSecret string        `json:"master_secret"` // server master secret; derives the agent-secret encryption key
	InitialAdmin *InitialAdmin `json:"initial_admin,omitempty"`
}

// InitialAdmin is used to bootstrap the first admin user.
type InitialAdmin struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver          string   `json:"driver"` // "sqlite" (default) or "postgres"
	DSN             string   `json:"dsn"`    // e.g. "fleetd.db" or ":memory:"
	MetricRetention Duration `json:"metric_retention,omitempty"`
	AuditRetention  Duration `json:"audit_retention,omitempty"`
}

// HeartbeatConfig holds the per-machine throttle gates. Each field bounds how
// often its slice of heartbeat work may run.
type HeartbeatConfig struct {
	StatusInterval    Duration `json:"status_interval,omitempty"`    // default 10s
	MetricsInterval   Duration `json:"metrics_interval,omitempty"`   // default 15s
	PortsInterval     Duration `json:"ports_interval,omitempty"`     // default 60s
	BroadcastInterval Duration `json:"broadcast_interval,omitempty"` // default 5s
	OfflineAfter      Duration `json:"offline_after,omitempty"`      // silent-agent sweep threshold; default 90s
	PortStaleAfter    Duration `json:"port_stale_after,omitempty"`   // prune ports unseen this long; default 120s
}

// TerminalConfig defines secure terminal session settings.
type TerminalConfig struct {
	TokenTTL        Duration `json:"token_ttl,omitempty"`        // default 300s
	RefreshWindow   Duration `json:"refresh_window,omitempty"`   // default 60s
	TimestampWindow Duration `json:"timestamp_window,omitempty"` // envelope clock-skew window; default 60s
}

// JobsConfig defines job orchestrator settings.
type JobsConfig struct {
	MaxConcurrency  int      `json:"max_concurrency,omitempty"`  // global parallel cap; default 50
	DisconnectGrace Duration `json:"disconnect_grace,omitempty"` // default 15s
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines REST API rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration. A bare number is seconds.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads a config file, applies environment overrides, validates, and
// fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// FromEnv builds a config purely from environment variables and defaults,
// for deployments without a config file.
func FromEnv() (*Config, error) {
	var cfg Config
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// applyEnv overlays recognized environment variables onto the config.
// Environment always wins over file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("FLEETD_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("FLEETD_DB_DRIVER"); v != "" {
		c.Storage.Driver = v
	}
	if v := os.Getenv("FLEETD_DB_DSN"); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv("SESSION_TOKEN_SECRET"); v != "" {
		c.Auth.TokenSecret = v
	}
	if v := os.Getenv("FLEET_MASTER_SECRET"); v != "" {
		c.Auth.MasterSecret = v
	}
	envMillis("HEARTBEAT_STATUS_INTERVAL_MS", &c.Heartbeat.StatusInterval)
	envMillis("HEARTBEAT_METRICS_INTERVAL_MS", &c.Heartbeat.MetricsInterval)
	envMillis("HEARTBEAT_PORTS_INTERVAL_MS", &c.Heartbeat.PortsInterval)
	envMillis("HEARTBEAT_BROADCAST_INTERVAL_MS", &c.Heartbeat.BroadcastInterval)
	envMillis("JOB_DISPATCH_GRACE_MS", &c.Jobs.DisconnectGrace)
	if v := os.Getenv("JOB_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Jobs.MaxConcurrency = n
		}
	}
}

func envMillis(name string, dst *Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return
	}
	dst.Duration = time.Duration(ms) * time.Millisecond
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8443"
	}
	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("auth.token_secret (SESSION_TOKEN_SECRET) is required")
	}
	if len(c.Auth.TokenSecret) < 32 {
		return fmt.Errorf("auth.token_secret must be at least 32 characters")
	}
	if knownWeakSecrets[c.Auth.TokenSecret] {
		return fmt.Errorf("auth.token_secret is a well-known weak secret — generate a new one")
	}
	if c.Auth.MasterSecret == "" {
		return fmt.Errorf("auth.master_secret (FLEET_MASTER_SECRET) is required")
	}
	if len(c.Auth.MasterSecret) < 32 {
		return fmt.Errorf("auth.master_secret must be at least 32 characters")
	}
	if c.Auth.Provider == "oidc" && c.Auth.OIDCJWKSURL == "" && c.Auth.OIDCIssuer == "" {
		return fmt.Errorf("auth.oidc_issuer or auth.oidc_jwks_url is required when provider is oidc")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Auth.TokenExpiry.Duration == 0 {
		c.Auth.TokenExpiry.Duration = 24 * time.Hour
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "fleetd.db"
	}
	if c.Storage.MetricRetention.Duration == 0 {
		c.Storage.MetricRetention.Duration = 7 * 24 * time.Hour
	}
	if c.Storage.AuditRetention.Duration == 0 {
		c.Storage.AuditRetention.Duration = 30 * 24 * time.Hour
	}
	if c.Heartbeat.StatusInterval.Duration == 0 {
		c.Heartbeat.StatusInterval.Duration = 10 * time.Second
	}
	if c.Heartbeat.MetricsInterval.Duration == 0 {
		c.Heartbeat.MetricsInterval.Duration = 15 * time.Second
	}
	if c.Heartbeat.PortsInterval.Duration == 0 {
		c.Heartbeat.PortsInterval.Duration = 60 * time.Second
	}
	if c.Heartbeat.BroadcastInterval.Duration == 0 {
		c.Heartbeat.BroadcastInterval.Duration = 5 * time.Second
	}
	if c.Heartbeat.OfflineAfter.Duration == 0 {
		c.Heartbeat.OfflineAfter.Duration = 90 * time.Second
	}
	if c.Heartbeat.PortStaleAfter.Duration == 0 {
		c.Heartbeat.PortStaleAfter.Duration = 120 * time.Second
	}
	if c.Terminal.TokenTTL.Duration == 0 {
		c.Terminal.TokenTTL.Duration = 300 * time.Second
	}
	if c.Terminal.RefreshWindow.Duration == 0 {
		c.Terminal.RefreshWindow.Duration = 60 * time.Second
	}
	if c.Terminal.TimestampWindow.Duration == 0 {
		c.Terminal.TimestampWindow.Duration = 60 * time.Second
	}
	if c.Jobs.MaxConcurrency == 0 {
		c.Jobs.MaxConcurrency = 50
	}
	if c.Jobs.DisconnectGrace.Duration == 0 {
		c.Jobs.DisconnectGrace.Duration = 15 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024
	}
}
