package transport

import (
	"context"

	"github.com/google/uuid"

	"github.com/rhuss/chatrelay/pkg/api"
)

// RequestID returns middleware that assigns a unique request ID to each
// request. If the incoming request context already carries a request ID
// (set by the HTTP adapter from the X-Request-ID header), that value is
// used. Otherwise, a new UUID is generated.
func RequestID() Middleware {
	return func(next ChatHandler) ChatHandler {
		return ChatHandlerFunc(func(ctx context.Context, req *api.ChatRequest, w StreamWriter) error {
			if RequestIDFromContext(ctx) == "" {
				ctx = ContextWithRequestID(ctx, NewRequestID())
			}
			return next.HandleChat(ctx, req, w)
		})
	}
}

// NewRequestID returns a random request ID.
func NewRequestID() string {
	return uuid.NewString()
}
