package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rhuss/chatrelay/pkg/api"
)

// Validate checks the configuration for required fields and valid values.
// All problems are reported at once, each with its field path.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.MaxBodySize <= 0 {
		errs = append(errs, fmt.Errorf("server.max_body_size must be > 0, got %d", c.Server.MaxBodySize))
	}

	switch c.Upstream.Provider {
	case "openai", "scripted":
	case "openaicompat":
		if c.Upstream.BaseURL == "" {
			errs = append(errs, fmt.Errorf("upstream.base_url is required when upstream.provider is \"openaicompat\""))
		}
	default:
		errs = append(errs, fmt.Errorf("upstream.provider must be \"openai\", \"openaicompat\" or \"scripted\", got %q", c.Upstream.Provider))
	}
	if c.Upstream.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("upstream.max_retries must be >= 0, got %d", c.Upstream.MaxRetries))
	}

	switch c.Credential.Source {
	case "env":
	case "file":
		if c.Credential.File == "" {
			errs = append(errs, fmt.Errorf("credential.file is required when credential.source is \"file\""))
		}
	case "kubernetes":
		if c.Credential.Kubernetes.Namespace == "" || c.Credential.Kubernetes.Secret == "" {
			errs = append(errs, fmt.Errorf("credential.kubernetes.namespace and credential.kubernetes.secret are required when credential.source is \"kubernetes\""))
		}
	default:
		errs = append(errs, fmt.Errorf("credential.source must be \"env\", \"file\" or \"kubernetes\", got %q", c.Credential.Source))
	}

	if _, err := api.ParseFramingMode(c.Relay.Framing); err != nil {
		errs = append(errs, fmt.Errorf("relay.framing: %w", err))
	}
	if !strings.Contains(c.Relay.MessageTemplate, api.MessagePlaceholder) {
		errs = append(errs, fmt.Errorf("relay.message_template must contain %q", api.MessagePlaceholder))
	}
	if c.Relay.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("relay.queue_size must be >= 1, got %d", c.Relay.QueueSize))
	}

	switch c.Auth.Type {
	case "none":
	case "apikey":
		if len(c.Auth.APIKeys) == 0 {
			errs = append(errs, fmt.Errorf("auth.api_keys must not be empty when auth.type is \"apikey\""))
		}
		for i, k := range c.Auth.APIKeys {
			if k.Key == "" && k.KeyFile == "" {
				errs = append(errs, fmt.Errorf("auth.api_keys[%d]: key or key_file is required", i))
			}
			if k.Subject == "" {
				errs = append(errs, fmt.Errorf("auth.api_keys[%d].subject is required", i))
			}
		}
	case "jwt":
		if c.Auth.JWT.Secret == "" && c.Auth.JWT.SecretFile == "" {
			errs = append(errs, fmt.Errorf("auth.jwt.secret or auth.jwt.secret_file is required when auth.type is \"jwt\""))
		}
	default:
		errs = append(errs, fmt.Errorf("auth.type must be \"none\", \"apikey\" or \"jwt\", got %q", c.Auth.Type))
	}
	if c.Auth.RateLimit.DefaultRPM < 0 {
		errs = append(errs, fmt.Errorf("auth.rate_limit.default_rpm must be >= 0, got %d", c.Auth.RateLimit.DefaultRPM))
	}

	switch c.Storage.Type {
	case "none", "memory":
	case "postgres":
		if c.Storage.Postgres.DSN == "" && c.Storage.Postgres.DSNFile == "" {
			errs = append(errs, fmt.Errorf("storage.postgres.dsn or storage.postgres.dsn_file is required when storage.type is \"postgres\""))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type must be \"none\", \"memory\" or \"postgres\", got %q", c.Storage.Type))
	}

	if c.Observability.Metrics.Enabled && !strings.HasPrefix(c.Observability.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("observability.metrics.path must start with \"/\", got %q", c.Observability.Metrics.Path))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json", "":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}
