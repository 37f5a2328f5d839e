// Package config provides unified configuration for the chatrelay server.
//
// The upstream credential is not configuration: it is resolved at request
// time by the configured credential source (OPENAI_API_KEY by default).
//
// Configuration is loaded with a layered approach:
//  1. Built-in defaults
//  2. .env file merged into the process environment (existing variables win)
//  3. YAML config file (discovered or explicitly specified)
//  4. Environment variable overrides (CHATRELAY_ prefix)
//  5. File reference resolution (_file suffix fields)
//  6. Validation
package config

import (
	"log/slog"
	"time"

	"github.com/rhuss/chatrelay/pkg/api"
)

// Config holds all configuration for the chatrelay server.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Upstream      UpstreamConfig      `yaml:"upstream"`
	Credential    CredentialConfig    `yaml:"credential"`
	Relay         RelayConfig         `yaml:"relay"`
	CORS          CORSConfig          `yaml:"cors"`
	Auth          AuthConfig          `yaml:"auth"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`             // default: 8000
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // default: 30s
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // default: 0 (streams are unbounded)
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // default: 15s
	MaxBodySize     int64         `yaml:"max_body_size"`    // default: 10 MiB
}

// UpstreamConfig selects and configures the generation source.
type UpstreamConfig struct {
	Provider   string         `yaml:"provider"` // "openai", "openaicompat" or "scripted"; default: "openai"
	BaseURL    string         `yaml:"base_url"`
	Model      string         `yaml:"model"`       // default: "gpt-4o-mini"
	Timeout    time.Duration  `yaml:"timeout"`     // connect and header timeout, default: 30s
	MaxRetries int            `yaml:"max_retries"` // default: 2
	Scripted   ScriptedConfig `yaml:"scripted"`
}

// ScriptedConfig configures the local development source.
type ScriptedConfig struct {
	Tokens    []string      `yaml:"tokens"`
	Delay     time.Duration `yaml:"delay"`
	FailAfter int           `yaml:"fail_after"`
}

// CredentialConfig describes where the upstream credential comes from.
// The credential value itself is never part of Config.
type CredentialConfig struct {
	Source     string           `yaml:"source"`  // "env", "file" or "kubernetes"; default: "env"
	EnvVar     string           `yaml:"env_var"` // default: "OPENAI_API_KEY"
	File       string           `yaml:"file"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
}

// KubernetesConfig locates a key inside a Secret.
type KubernetesConfig struct {
	Namespace  string `yaml:"namespace"`
	Secret     string `yaml:"secret"`
	Key        string `yaml:"key"` // default: "api-key"
	Kubeconfig string `yaml:"kubeconfig"`
}

// RelayConfig holds stream relay settings.
type RelayConfig struct {
	Framing         string        `yaml:"framing"`          // "event-stream" or "raw"; default: "event-stream"
	MessageTemplate string        `yaml:"message_template"` // must contain "{message}"
	QueueSize       int           `yaml:"queue_size"`       // scripted bridge capacity, default: 1
	LedgerTimeout   time.Duration `yaml:"ledger_timeout"`   // default: 5s
}

// CORSConfig holds cross-origin settings for browser clients.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"` // default: ["*"]; empty list disables CORS
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	Type      string          `yaml:"type"`     // "none", "apikey" or "jwt"; default: "none"
	APIKeys   []APIKeyConfig  `yaml:"api_keys"` // API key entries for type=apikey
	JWT       JWTConfig       `yaml:"jwt"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// APIKeyConfig describes a single API key entry.
type APIKeyConfig struct {
	Key         string `yaml:"key"`
	KeyFile     string `yaml:"key_file"` // _file variant for key
	Subject     string `yaml:"subject"`
	TenantID    string `yaml:"tenant_id"`
	ServiceTier string `yaml:"service_tier"`
}

// JWTConfig holds HMAC token validation settings.
type JWTConfig struct {
	Secret     string        `yaml:"secret"`
	SecretFile string        `yaml:"secret_file"` // _file variant for secret
	Issuer     string        `yaml:"issuer"`
	Audience   string        `yaml:"audience"`
	UserClaim  string        `yaml:"user_claim"`
	TierClaim  string        `yaml:"tier_claim"`
	Leeway     time.Duration `yaml:"leeway"`
}

// RateLimitConfig holds per-tier request limits.
type RateLimitConfig struct {
	DefaultRPM int            `yaml:"default_rpm"` // 0 disables limiting
	Tiers      map[string]int `yaml:"tiers"`       // tier name -> requests per minute
}

// StorageConfig holds stream ledger settings.
type StorageConfig struct {
	Type     string         `yaml:"type"`     // "none", "memory" or "postgres"; default: "memory"
	MaxSize  int            `yaml:"max_size"` // for memory ledger, default: 10000
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	DSNFile        string `yaml:"dsn_file"`         // _file variant for dsn
	MaxConns       int32  `yaml:"max_conns"`        // default: 10
	MigrateOnStart bool   `yaml:"migrate_on_start"` // default: false
}

// ObservabilityConfig holds monitoring and instrumentation settings.
type ObservabilityConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig holds Prometheus metrics endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Path    string `yaml:"path"`    // default: "/metrics"
}

// LoggingConfig controls the default slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // ERROR, WARN, INFO, DEBUG, TRACE; default: INFO
	Format string `yaml:"format"` // "text" or "json"; default: "text"
	Debug  string `yaml:"debug"`  // comma-separated debug categories
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8000,
			ReadTimeout:     30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodySize:     10 << 20,
		},
		Upstream: UpstreamConfig{
			Provider:   "openai",
			Model:      "gpt-4o-mini",
			Timeout:    30 * time.Second,
			MaxRetries: 2,
		},
		Credential: CredentialConfig{
			Source: "env",
			EnvVar: "OPENAI_API_KEY",
			Kubernetes: KubernetesConfig{
				Key: "api-key",
			},
		},
		Relay: RelayConfig{
			Framing:         "event-stream",
			MessageTemplate: api.DefaultMessageTemplate,
			QueueSize:       1,
			LedgerTimeout:   5 * time.Second,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
			MaxAge:         300,
		},
		Auth: AuthConfig{
			Type: "none",
		},
		Storage: StorageConfig{
			Type:    "memory",
			MaxSize: 10000,
			Postgres: PostgresConfig{
				MaxConns: 10,
			},
		},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}

// LogValue renders the configuration for startup logs. Secrets and DSNs are
// left out.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("port", c.Server.Port),
		slog.String("provider", c.Upstream.Provider),
		slog.String("model", c.Upstream.Model),
		slog.String("credential_source", c.Credential.Source),
		slog.String("framing", c.Relay.Framing),
		slog.String("auth", c.Auth.Type),
		slog.Int("api_keys", len(c.Auth.APIKeys)),
		slog.String("storage", c.Storage.Type),
		slog.Bool("metrics", c.Observability.Metrics.Enabled),
	)
}
