package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rhuss/chatrelay/pkg/api"
)

// Logging returns middleware that emits one structured log entry per chat
// request with the request ID, stream ID, framing, turn count, duration,
// increments written and outcome.
//
// The outcome is observed on the StreamWriter, because failures after the
// stream opened are reported in-band and the handler returns nil for them.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next ChatHandler) ChatHandler {
		return ChatHandlerFunc(func(ctx context.Context, req *api.ChatRequest, w StreamWriter) error {
			start := time.Now()
			ow := &outcomeWriter{StreamWriter: w}

			err := next.HandleChat(ctx, req, ow)

			outcome, increments := ow.snapshot()
			attrs := []slog.Attr{
				slog.String("request_id", RequestIDFromContext(ctx)),
				slog.String("stream_id", StreamIDFromContext(ctx)),
				slog.String("framing", string(req.Framing)),
				slog.Duration("duration", time.Since(start)),
				slog.Int("increments", increments),
			}

			switch {
			case err != nil:
				attrs = append(attrs, slog.String("outcome", "rejected"), slog.String("error", err.Error()))
				logger.LogAttrs(ctx, slog.LevelWarn, "chat request rejected", attrs...)
			case outcome == "failed":
				attrs = append(attrs, slog.String("outcome", outcome))
				logger.LogAttrs(ctx, slog.LevelWarn, "chat stream failed", attrs...)
			default:
				attrs = append(attrs, slog.String("outcome", outcome))
				logger.LogAttrs(ctx, slog.LevelInfo, "chat stream completed", attrs...)
			}
			return err
		})
	}
}

// outcomeWriter records what the handler wrote without altering it.
type outcomeWriter struct {
	StreamWriter

	mu         sync.Mutex
	outcome    string
	increments int
}

func (w *outcomeWriter) WriteIncrement(ctx context.Context, text api.Increment) error {
	err := w.StreamWriter.WriteIncrement(ctx, text)
	w.mu.Lock()
	if err == nil {
		w.increments++
	} else if w.outcome == "" {
		w.outcome = "disconnected"
	}
	w.mu.Unlock()
	return err
}

func (w *outcomeWriter) Finish(ctx context.Context) error {
	err := w.StreamWriter.Finish(ctx)
	w.set("done", err)
	return err
}

func (w *outcomeWriter) Fail(ctx context.Context, message string) error {
	err := w.StreamWriter.Fail(ctx, message)
	w.set("failed", err)
	return err
}

func (w *outcomeWriter) set(outcome string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.outcome != "" {
		return
	}
	if err != nil {
		outcome = "disconnected"
	}
	w.outcome = outcome
}

func (w *outcomeWriter) snapshot() (string, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	outcome := w.outcome
	if outcome == "" {
		outcome = "cancelled"
	}
	return outcome, w.increments
}
