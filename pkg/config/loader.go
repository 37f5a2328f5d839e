package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CHATRELAY_"

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. .env in the working directory (or CHATRELAY_ENV_FILE)
//  3. YAML config file (explicit path, CHATRELAY_CONFIG env, ./config.yaml, /etc/chatrelay/config.yaml)
//  4. Environment variable overrides
//  5. File reference resolution (_file suffix)
//  6. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	filePath := discoverConfigFile(configPath)
	if filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
		slog.Debug("loaded config file", "path", filePath)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// loadDotEnv merges a .env file into the process environment. Variables
// that are already set keep their value. A missing file is not an error.
func loadDotEnv() error {
	path := os.Getenv(EnvPrefix + "ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. CHATRELAY_CONFIG environment variable
// 3. ./config.yaml in the current directory
// 4. /etc/chatrelay/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}

	if envPath := os.Getenv(EnvPrefix + "CONFIG"); envPath != "" {
		return envPath
	}

	candidates := []string{
		"config.yaml",
		"/etc/chatrelay/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// loadYAMLFile reads and parses a YAML file into the Config struct.
// Fields not present in the YAML retain their current (default) values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// envReader collects parse errors while reading overrides so that a single
// bad variable does not hide the others.
type envReader struct {
	errs []error
}

func (e *envReader) str(name string, dst *string) {
	if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
		*dst = v
	}
}

func (e *envReader) integer(name string, dst *int) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = n
}

func (e *envReader) duration(name string, dst *time.Duration) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = d
}

func (e *envReader) boolean(name string, dst *bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok || v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = b
}

func (e *envReader) list(name string, dst *[]string) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	if !ok {
		return
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*dst = out
}

// applyEnvOverrides maps CHATRELAY_* environment variables to config fields.
func applyEnvOverrides(cfg *Config) error {
	e := &envReader{}

	e.integer("PORT", &cfg.Server.Port)
	e.duration("READ_TIMEOUT", &cfg.Server.ReadTimeout)
	e.duration("WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	e.duration("SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	e.str("PROVIDER", &cfg.Upstream.Provider)
	e.str("BASE_URL", &cfg.Upstream.BaseURL)
	e.str("MODEL", &cfg.Upstream.Model)
	e.duration("UPSTREAM_TIMEOUT", &cfg.Upstream.Timeout)
	e.integer("MAX_RETRIES", &cfg.Upstream.MaxRetries)
	e.list("SCRIPTED_TOKENS", &cfg.Upstream.Scripted.Tokens)
	e.duration("SCRIPTED_DELAY", &cfg.Upstream.Scripted.Delay)

	e.str("CREDENTIAL_SOURCE", &cfg.Credential.Source)
	e.str("CREDENTIAL_ENV_VAR", &cfg.Credential.EnvVar)
	e.str("CREDENTIAL_FILE", &cfg.Credential.File)
	e.str("CREDENTIAL_NAMESPACE", &cfg.Credential.Kubernetes.Namespace)
	e.str("CREDENTIAL_SECRET", &cfg.Credential.Kubernetes.Secret)
	e.str("CREDENTIAL_KEY", &cfg.Credential.Kubernetes.Key)
	e.str("KUBECONFIG", &cfg.Credential.Kubernetes.Kubeconfig)

	e.str("FRAMING", &cfg.Relay.Framing)
	e.str("MESSAGE_TEMPLATE", &cfg.Relay.MessageTemplate)
	e.integer("QUEUE_SIZE", &cfg.Relay.QueueSize)

	e.list("CORS_ORIGINS", &cfg.CORS.AllowedOrigins)

	e.str("AUTH_TYPE", &cfg.Auth.Type)
	e.str("JWT_SECRET", &cfg.Auth.JWT.Secret)
	e.str("JWT_ISSUER", &cfg.Auth.JWT.Issuer)
	e.str("JWT_AUDIENCE", &cfg.Auth.JWT.Audience)
	e.integer("RATE_LIMIT_RPM", &cfg.Auth.RateLimit.DefaultRPM)

	// CHATRELAY_API_KEYS: JSON array of API key configs.
	if v := os.Getenv(EnvPrefix + "API_KEYS"); v != "" {
		keys, err := parseAPIKeysJSON(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%sAPI_KEYS: %w", EnvPrefix, err))
		} else if len(keys) > 0 {
			cfg.Auth.APIKeys = keys
		}
	}

	e.str("STORAGE", &cfg.Storage.Type)
	e.integer("STORAGE_SIZE", &cfg.Storage.MaxSize)
	e.str("POSTGRES_DSN", &cfg.Storage.Postgres.DSN)
	e.boolean("POSTGRES_MIGRATE", &cfg.Storage.Postgres.MigrateOnStart)

	e.boolean("METRICS_ENABLED", &cfg.Observability.Metrics.Enabled)
	e.str("METRICS_PATH", &cfg.Observability.Metrics.Path)

	e.str("LOG_LEVEL", &cfg.Logging.Level)
	e.str("LOG_FORMAT", &cfg.Logging.Format)
	e.str("DEBUG", &cfg.Logging.Debug)

	return errors.Join(e.errs...)
}

// parseAPIKeysJSON parses a JSON array of API key configurations.
func parseAPIKeysJSON(jsonStr string) ([]APIKeyConfig, error) {
	var raw []struct {
		Key         string `json:"key"`
		KeyFile     string `json:"key_file"`
		Subject     string `json:"subject"`
		TenantID    string `json:"tenant_id"`
		ServiceTier string `json:"service_tier"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return nil, fmt.Errorf("parsing API keys JSON: %w", err)
	}
	keys := make([]APIKeyConfig, len(raw))
	for i, k := range raw {
		keys[i] = APIKeyConfig(k)
	}
	return keys, nil
}

// resolveFileReferences reads _file fields and populates the corresponding value fields.
// For each field ending in _file, if the value field is empty and the file field is set,
// the file is read, whitespace is trimmed, and the value field is populated.
func resolveFileReferences(cfg *Config) error {
	// storage.postgres.dsn_file -> storage.postgres.dsn
	if cfg.Storage.Postgres.DSNFile != "" && cfg.Storage.Postgres.DSN == "" {
		val, err := readSecretFile(cfg.Storage.Postgres.DSNFile)
		if err != nil {
			return fmt.Errorf("storage.postgres.dsn_file: %w", err)
		}
		cfg.Storage.Postgres.DSN = val
	}

	// auth.jwt.secret_file -> auth.jwt.secret
	if cfg.Auth.JWT.SecretFile != "" && cfg.Auth.JWT.Secret == "" {
		val, err := readSecretFile(cfg.Auth.JWT.SecretFile)
		if err != nil {
			return fmt.Errorf("auth.jwt.secret_file: %w", err)
		}
		cfg.Auth.JWT.Secret = val
	}

	// auth.api_keys[*].key_file -> auth.api_keys[*].key
	for i := range cfg.Auth.APIKeys {
		if cfg.Auth.APIKeys[i].KeyFile != "" && cfg.Auth.APIKeys[i].Key == "" {
			val, err := readSecretFile(cfg.Auth.APIKeys[i].KeyFile)
			if err != nil {
				return fmt.Errorf("auth.api_keys[%d].key_file: %w", i, err)
			}
			cfg.Auth.APIKeys[i].Key = val
		}
	}

	return nil
}

// readSecretFile reads a file and returns its content with surrounding whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
