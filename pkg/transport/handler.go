package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/rhuss/chatrelay/pkg/api"
)

// ChatHandler handles one chat request. Errors returned before the writer
// was opened are reported to the client as JSON errors; once the writer is
// open, failures must be reported through StreamWriter.Fail.
type ChatHandler interface {
	HandleChat(ctx context.Context, req *api.ChatRequest, w StreamWriter) error
}

// ChatHandlerFunc is an adapter that allows using an ordinary function
// as a ChatHandler.
type ChatHandlerFunc func(ctx context.Context, req *api.ChatRequest, w StreamWriter) error

// HandleChat calls f(ctx, req, w).
func (f ChatHandlerFunc) HandleChat(ctx context.Context, req *api.ChatRequest, w StreamWriter) error {
	return f(ctx, req, w)
}

// ErrWriterClosed is returned by StreamWriter methods called after the
// terminal frame was written.
var ErrWriterClosed = errors.New("stream writer is closed")

// ErrWriterNotOpen is returned when writing before Open.
var ErrWriterNotOpen = errors.New("stream writer is not open")

// ErrStreamCancelled is the cancellation cause of a stream stopped by the
// server while the client is still reading: an explicit DELETE or a
// shutdown. Handlers seeing it as context.Cause must still end the stream
// with a failure frame. A plain context.Canceled means the client left.
var ErrStreamCancelled = errors.New("stream cancelled")

// ErrServerShutdown is the cause used for streams cut off by shutdown.
var ErrServerShutdown = fmt.Errorf("%w: server shutting down", ErrStreamCancelled)

// StreamWriter is the sink for one streamed response.
//
// Open must be called exactly once before any other write; it commits the
// status line and headers. WriteIncrement may be called any number of
// times. Finish and Fail write the terminal frame; after either, every
// write returns ErrWriterClosed. Each write is flushed before it returns, so
// an error means the client is gone.
type StreamWriter interface {
	Open(ctx context.Context, mode api.FramingMode) error
	WriteIncrement(ctx context.Context, text api.Increment) error
	Finish(ctx context.Context) error
	Fail(ctx context.Context, message string) error
	Flush() error
}

// ListOptions controls pagination and filtering for ledger listings.
type ListOptions struct {
	After string          // Cursor: return records after this ID.
	Limit int             // Maximum number of records to return (default 20, max 100).
	State api.StreamState // Filter by terminal state.
	Order string          // Sort order: "asc" or "desc" (default "desc").
}

// StreamLedger persists stream outcome records. Implementations scope
// reads by tenant when one is present in the context.
type StreamLedger interface {
	// SaveStream persists a finished stream record.
	SaveStream(ctx context.Context, rec *api.StreamRecord) error

	// GetStream retrieves a record by ID. Returns storage.ErrNotFound if
	// the record does not exist.
	GetStream(ctx context.Context, id string) (*api.StreamRecord, error)

	// ListStreams returns a page of records, newest first by default.
	ListStreams(ctx context.Context, opts ListOptions) (*api.StreamList, error)

	// HealthCheck verifies the backend connection is functional.
	HealthCheck(ctx context.Context) error

	// Close releases connections and resources.
	Close() error
}
