// Command server runs the chatrelay streaming chat relay.
//
// Configuration is read from a YAML file, a .env file and CHATRELAY_*
// environment variables (see pkg/config). The upstream credential is read
// from OPENAI_API_KEY unless credential.source says otherwise.
//
//	server -config /etc/chatrelay/config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/auth"
	"github.com/rhuss/chatrelay/pkg/auth/apikey"
	"github.com/rhuss/chatrelay/pkg/auth/jwt"
	"github.com/rhuss/chatrelay/pkg/auth/noop"
	"github.com/rhuss/chatrelay/pkg/config"
	"github.com/rhuss/chatrelay/pkg/credential"
	"github.com/rhuss/chatrelay/pkg/debug"
	"github.com/rhuss/chatrelay/pkg/provider"
	"github.com/rhuss/chatrelay/pkg/provider/openai"
	"github.com/rhuss/chatrelay/pkg/provider/openaicompat"
	"github.com/rhuss/chatrelay/pkg/provider/scripted"
	"github.com/rhuss/chatrelay/pkg/relay"
	"github.com/rhuss/chatrelay/pkg/storage/memory"
	"github.com/rhuss/chatrelay/pkg/storage/postgres"
	"github.com/rhuss/chatrelay/pkg/transport"
	transporthttp "github.com/rhuss/chatrelay/pkg/transport/http"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	debug.Init(cfg.Logging.Debug, cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("configuration loaded", "config", cfg)

	ctx := context.Background()

	credSource, err := newCredentialSource(cfg.Credential)
	if err != nil {
		return fmt.Errorf("creating credential source: %w", err)
	}
	resolver := credential.NewResolver(credSource)
	if err := resolver.Check(ctx); err != nil {
		// Not fatal: the credential may appear later and is retried per request.
		slog.Warn("upstream credential not available yet", "source", credSource.Name(), "error", err)
	}

	src := newSource(cfg.Upstream, cfg.Relay)
	defer src.Close()

	framing, err := api.ParseFramingMode(cfg.Relay.Framing)
	if err != nil {
		return err
	}

	var relayOpts []relay.Option
	adapterOpts := []transporthttp.AdapterOption{
		transporthttp.WithHealthChecker(resolver),
	}

	ledger, err := newLedger(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("creating stream ledger: %w", err)
	}
	if ledger != nil {
		defer ledger.Close()
		relayOpts = append(relayOpts, relay.WithLedger(ledger))
		adapterOpts = append(adapterOpts, transporthttp.WithLedger(ledger))
	}

	relayCfg := relay.DefaultConfig()
	relayCfg.MessageTemplate = cfg.Relay.MessageTemplate
	relayCfg.LedgerTimeout = cfg.Relay.LedgerTimeout
	r := relay.New(src, resolver, relayCfg, relayOpts...)

	authMW, err := newAuthMiddleware(cfg.Auth)
	if err != nil {
		return fmt.Errorf("creating authentication: %w", err)
	}
	adapterOpts = append(adapterOpts, transporthttp.WithHTTPMiddleware(authMW))

	adapterCfg := transporthttp.Config{
		MaxBodySize:   cfg.Server.MaxBodySize,
		StreamFraming: framing,
		CORS: transporthttp.CORSConfig{
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			AllowedHeaders: cfg.CORS.AllowedHeaders,
			MaxAge:         cfg.CORS.MaxAge,
		},
	}
	if cfg.Observability.Metrics.Enabled {
		adapterCfg.MetricsPath = cfg.Observability.Metrics.Path
	}

	srv := transporthttp.NewServer(r,
		transporthttp.WithAddr(":"+strconv.Itoa(cfg.Server.Port)),
		transporthttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		transporthttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		transporthttp.WithAdapterConfig(adapterCfg),
		transporthttp.WithAdapterOptions(adapterOpts...),
	)

	slog.Info("relay ready",
		"provider", src.Name(),
		"model", src.Model(),
		"credential_source", credSource.Name(),
		"framing", string(framing),
	)
	return srv.ListenAndServe()
}

func newCredentialSource(cfg config.CredentialConfig) (credential.Source, error) {
	switch cfg.Source {
	case "file":
		return credential.FileSource{Path: cfg.File}, nil
	case "kubernetes":
		c, err := credential.NewKubernetesClient(cfg.Kubernetes.Kubeconfig)
		if err != nil {
			return nil, err
		}
		return &credential.KubernetesSource{
			Client:    c,
			Namespace: cfg.Kubernetes.Namespace,
			Secret:    cfg.Kubernetes.Secret,
			Key:       cfg.Kubernetes.Key,
		}, nil
	default:
		return credential.EnvSource{Var: cfg.EnvVar}, nil
	}
}

func newSource(up config.UpstreamConfig, rc config.RelayConfig) provider.Source {
	switch up.Provider {
	case "openaicompat":
		return openaicompat.New(openaicompat.Config{
			BaseURL:        up.BaseURL,
			Model:          up.Model,
			ConnectTimeout: up.Timeout,
			MaxRetries:     up.MaxRetries,
		})
	case "scripted":
		return scripted.New(scripted.Config{
			Tokens:    up.Scripted.Tokens,
			Delay:     up.Scripted.Delay,
			FailAfter: up.Scripted.FailAfter,
			QueueSize: rc.QueueSize,
		})
	default:
		return openai.New(openai.Config{
			BaseURL:        up.BaseURL,
			Model:          up.Model,
			ConnectTimeout: up.Timeout,
			MaxRetries:     up.MaxRetries,
		})
	}
}

func newLedger(ctx context.Context, cfg config.StorageConfig) (transport.StreamLedger, error) {
	switch cfg.Type {
	case "memory":
		slog.Info("stream ledger enabled", "type", "memory", "max_size", cfg.MaxSize)
		return memory.New(cfg.MaxSize), nil
	case "postgres":
		l, err := postgres.New(ctx, postgres.Config{
			DSN:            cfg.Postgres.DSN,
			MaxConns:       cfg.Postgres.MaxConns,
			MigrateOnStart: cfg.Postgres.MigrateOnStart,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("stream ledger enabled", "type", "postgres")
		return l, nil
	default:
		slog.Info("stream ledger disabled")
		return nil, nil
	}
}

func newAuthMiddleware(cfg config.AuthConfig) (func(http.Handler) http.Handler, error) {
	chain := &auth.AuthChain{DefaultDecision: auth.No}

	switch cfg.Type {
	case "jwt":
		a, err := jwt.New(jwt.Config{
			Secret:    []byte(cfg.JWT.Secret),
			Issuer:    cfg.JWT.Issuer,
			Audience:  cfg.JWT.Audience,
			UserClaim: cfg.JWT.UserClaim,
			TierClaim: cfg.JWT.TierClaim,
			Leeway:    cfg.JWT.Leeway,
		})
		if err != nil {
			return nil, err
		}
		chain.Authenticators = append(chain.Authenticators, a)
		// API keys may be configured alongside tokens for service clients.
		if len(cfg.APIKeys) > 0 {
			chain.Authenticators = append(chain.Authenticators, apikey.New(rawKeys(cfg.APIKeys)))
		}
	case "apikey":
		chain.Authenticators = append(chain.Authenticators, apikey.New(rawKeys(cfg.APIKeys)))
	default:
		chain.Authenticators = append(chain.Authenticators, &noop.Authenticator{})
	}

	var limiter auth.RateLimiter
	if cfg.RateLimit.DefaultRPM > 0 || len(cfg.RateLimit.Tiers) > 0 {
		tiers := make(map[string]auth.TierConfig, len(cfg.RateLimit.Tiers))
		for name, rpm := range cfg.RateLimit.Tiers {
			tiers[name] = auth.TierConfig{RequestsPerMinute: rpm}
		}
		limiter = auth.NewInProcessLimiter(tiers, cfg.RateLimit.DefaultRPM)
	}

	slog.Info("authentication configured", "type", cfg.Type, "rate_limited", limiter != nil)
	return auth.Middleware(chain, limiter, auth.DefaultBypassEndpoints), nil
}

func rawKeys(keys []config.APIKeyConfig) []apikey.RawKeyEntry {
	out := make([]apikey.RawKeyEntry, 0, len(keys))
	for _, k := range keys {
		id := auth.Identity{
			Subject:     k.Subject,
			ServiceTier: k.ServiceTier,
		}
		if k.TenantID != "" {
			id.Metadata = map[string]string{"tenant_id": k.TenantID}
		}
		out = append(out, apikey.RawKeyEntry{Key: k.Key, Identity: id})
	}
	return out
}
