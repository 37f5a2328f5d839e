package credential

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rhuss/chatrelay/pkg/api"
)

// DefaultLookupTimeout bounds one lookup against the credential source.
const DefaultLookupTimeout = 10 * time.Second

// Resolver resolves a Credential from a Source once and caches it for the
// lifetime of the process. It is safe for concurrent use; concurrent
// resolutions are coalesced into a single lookup.
type Resolver struct {
	source  Source
	timeout time.Duration

	group singleflight.Group

	mu       sync.RWMutex
	resolved Credential
}

// NewResolver creates a Resolver for the given source.
func NewResolver(source Source) *Resolver {
	return &Resolver{source: source, timeout: DefaultLookupTimeout}
}

// Source returns the underlying source.
func (r *Resolver) Source() Source {
	return r.source
}

// Credential returns the cached credential, resolving it on first use.
// A failed resolution returns an *api.APIError of type configuration_error
// and is retried on the next call.
func (r *Resolver) Credential(ctx context.Context) (Credential, error) {
	r.mu.RLock()
	cred := r.resolved
	r.mu.RUnlock()
	if !cred.IsZero() {
		return cred, nil
	}

	v, err, _ := r.group.Do("resolve", func() (any, error) {
		// The lookup is shared by every waiting caller, so it must not end
		// with the request that happened to start it.
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()

		value, err := r.source.Resolve(lookupCtx)
		if err != nil {
			return Credential{}, err
		}
		c := New(value)
		r.mu.Lock()
		r.resolved = c
		r.mu.Unlock()
		slog.Info("upstream credential resolved", "source", r.source.Name())
		return c, nil
	})
	if err != nil {
		if errors.Is(err, ErrMissing) {
			return Credential{}, api.NewConfigurationError("upstream credential is not configured (" + r.source.Name() + ")")
		}
		slog.Warn("upstream credential lookup failed", "source", r.source.Name(), "error", err)
		return Credential{}, api.NewConfigurationError("upstream credential could not be resolved (" + r.source.Name() + ")")
	}
	return v.(Credential), nil
}

// Check reports whether a credential is available, resolving it if needed.
func (r *Resolver) Check(ctx context.Context) error {
	_, err := r.Credential(ctx)
	return err
}
