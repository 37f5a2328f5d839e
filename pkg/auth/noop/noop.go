// Package noop provides an authenticator that admits every request as the
// anonymous identity. It backs auth type "none".
package noop

import (
	"context"
	"net/http"

	"github.com/rhuss/chatrelay/pkg/auth"
)

// Authenticator always returns Yes with the anonymous identity.
type Authenticator struct{}

func (a *Authenticator) Authenticate(_ context.Context, _ *http.Request) auth.AuthResult {
	return auth.AuthResult{Decision: auth.Yes, Identity: auth.Anonymous()}
}
