package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
)

// AuthDecision is an authenticator's vote on a chat client's credentials.
type AuthDecision int

const (
	// Yes accepts the request under the returned identity.
	Yes AuthDecision = iota

	// No rejects the request: the credentials were recognised but are not
	// valid (unknown key, bad signature, expired token).
	No

	// Abstain passes the request on. An authenticator abstains when the
	// credentials are not of its kind, so API keys and JWTs can share the
	// Authorization header.
	Abstain
)

func (d AuthDecision) String() string {
	switch d {
	case Yes:
		return "yes"
	case No:
		return "no"
	case Abstain:
		return "abstain"
	}
	return "unknown"
}

// AuthResult carries one vote.
type AuthResult struct {
	Decision AuthDecision
	Identity *Identity // set when Decision == Yes
	Err      error     // set when Decision == No
}

// DefaultTier is the rate limit tier of identities without one.
const DefaultTier = "default"

// Identity is the authenticated caller of the relay. Its subject owns the
// streams it starts and its tenant scopes ledger lookups.
type Identity struct {
	// Subject identifies the caller; never empty.
	Subject string

	// ServiceTier selects the rate limit.
	ServiceTier string

	// Scopes granted by the token, if any.
	Scopes []string

	// Metadata from the authenticator. "tenant_id" scopes the stream ledger.
	Metadata map[string]string
}

// TenantID returns the ledger tenant of the caller, or "".
func (id *Identity) TenantID() string {
	if id == nil || id.Metadata == nil {
		return ""
	}
	return id.Metadata["tenant_id"]
}

// Tier returns the service tier, DefaultTier when unset.
func (id *Identity) Tier() string {
	if id == nil || id.ServiceTier == "" {
		return DefaultTier
	}
	return id.ServiceTier
}

// HasScope reports whether the identity was granted scope.
func (id *Identity) HasScope(scope string) bool {
	return id != nil && slices.Contains(id.Scopes, scope)
}

// LogValue logs who the caller is and nothing the authenticator attached.
func (id *Identity) LogValue() slog.Value {
	if id == nil {
		return slog.StringValue("none")
	}
	attrs := []slog.Attr{slog.String("subject", id.Subject), slog.String("tier", id.Tier())}
	if t := id.TenantID(); t != "" {
		attrs = append(attrs, slog.String("tenant", t))
	}
	return slog.GroupValue(attrs...)
}

// Anonymous is the identity of requests admitted without credentials.
func Anonymous() *Identity {
	return &Identity{Subject: "anonymous", ServiceTier: DefaultTier}
}

// Authenticator votes on the credentials of one request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) AuthResult
}

var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("access denied")
	ErrTooManyRequests = errors.New("rate limit exceeded")
)

// AuthChain asks its authenticators in order. The first Yes or No decides;
// when every authenticator abstains, DefaultDecision does.
type AuthChain struct {
	Authenticators []Authenticator

	// DefaultDecision Yes admits callers as Anonymous (open relay for local
	// development); No requires credentials.
	DefaultDecision AuthDecision
}

// Authenticate runs the chain for r.
func (c *AuthChain) Authenticate(ctx context.Context, r *http.Request) AuthResult {
	for _, authn := range c.Authenticators {
		if result := authn.Authenticate(ctx, r); result.Decision != Abstain {
			return result
		}
	}

	if c.DefaultDecision == Yes {
		return AuthResult{Decision: Yes, Identity: Anonymous()}
	}
	return AuthResult{Decision: No, Err: ErrUnauthenticated}
}
