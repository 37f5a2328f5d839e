package http

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORSConfig controls cross-origin access for browser clients.
type CORSConfig struct {
	// AllowedOrigins lists exact origins, "*", or wildcard subdomain
	// patterns such as "https://*.example.com". Empty disables CORS.
	AllowedOrigins []string

	AllowedHeaders []string

	// MaxAge is the preflight cache lifetime in seconds.
	MaxAge int
}

// DefaultCORSConfig allows every origin, matching the browser frontend's
// development setup.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		MaxAge:         300,
	}
}

func corsMiddleware(cfg CORSConfig) func(http.Handler) http.Handler {
	if len(cfg.AllowedOrigins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: cfg.AllowedHeaders,
		ExposedHeaders: []string{"X-Request-ID", "X-Stream-ID"},
		MaxAge:         cfg.MaxAge,
	})
}
