// Package transport defines the handler interfaces and middleware chain for
// the chatrelay HTTP streaming layer.
//
// # Handler Interfaces
//
//   - ChatHandler handles one chat turn and streams the generated increments
//     into a StreamWriter.
//   - StreamLedger records per-stream outcomes (no conversation content) and
//     is only available when a storage backend is configured.
//
// The StreamWriter interface abstracts the response sink. It commits the
// response headers, frames increments for the negotiated FramingMode and
// refuses writes after the terminal frame, so a handler cannot emit two
// terminators.
//
// # Middleware
//
// The middleware chain wraps ChatHandler with cross-cutting concerns.
// Built-in middleware provides panic recovery, request ID assignment
// (X-Request-ID) and structured logging via log/slog.
package transport
