package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/auth"
	"github.com/rhuss/chatrelay/pkg/observability"
	"github.com/rhuss/chatrelay/pkg/storage"
	"github.com/rhuss/chatrelay/pkg/transport"
)

// HealthChecker reports whether the relay can serve chats. The credential
// resolver implements it.
type HealthChecker interface {
	Check(ctx context.Context) error
}

// Adapter serves the chat relay API over HTTP.
type Adapter struct {
	handler  transport.ChatHandler
	ledger   transport.StreamLedger // nil when no ledger is configured
	health   HealthChecker
	inflight *transport.InFlightRegistry
	active   sync.WaitGroup
	router   chi.Router
	config   Config

	httpMiddleware []func(http.Handler) http.Handler
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	MaxBodySize int64

	// StreamFraming is the default framing of POST /api/chat/stream.
	StreamFraming api.FramingMode

	// MetricsPath exposes Prometheus metrics when non-empty.
	MetricsPath string

	CORS CORSConfig
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		MaxBodySize:   10 << 20, // 10 MB
		StreamFraming: api.FramingEventStream,
		MetricsPath:   "/metrics",
		CORS:          DefaultCORSConfig(),
	}
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithLedger enables the /api/streams endpoints.
func WithLedger(l transport.StreamLedger) AdapterOption {
	return func(a *Adapter) { a.ledger = l }
}

// WithHealthChecker sets the check behind GET /api/health.
func WithHealthChecker(h HealthChecker) AdapterOption {
	return func(a *Adapter) { a.health = h }
}

// WithHTTPMiddleware adds HTTP middleware (authentication, rate limiting)
// in front of every route. Middleware runs after CORS and request ID
// handling, in the given order.
func WithHTTPMiddleware(mw ...func(http.Handler) http.Handler) AdapterOption {
	return func(a *Adapter) { a.httpMiddleware = append(a.httpMiddleware, mw...) }
}

// NewAdapter creates an HTTP adapter for the given ChatHandler. Middleware is
// applied to the handler in the given order.
func NewAdapter(handler transport.ChatHandler, cfg Config, middlewares []transport.Middleware, opts ...AdapterOption) *Adapter {
	if len(middlewares) > 0 {
		handler = transport.Chain(middlewares...)(handler)
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultConfig().MaxBodySize
	}
	if cfg.StreamFraming == "" {
		cfg.StreamFraming = api.FramingEventStream
	}

	a := &Adapter{
		handler:  handler,
		inflight: transport.NewInFlightRegistry(),
		config:   cfg,
	}
	for _, opt := range opts {
		opt(a)
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(httpRequestIDMiddleware)
	r.Use(corsMiddleware(cfg.CORS))
	if cfg.MetricsPath != "" {
		r.Use(observability.MetricsMiddleware)
	}
	for _, mw := range a.httpMiddleware {
		r.Use(mw)
	}

	r.Post("/api/chat", a.handleChat(api.FramingEventStream))
	r.Post("/api/chat/stream", a.handleChat(cfg.StreamFraming))
	r.Delete("/api/chat/{id}", a.handleCancel)
	r.Get("/api/health", a.handleHealth)
	r.Get("/api/streams/{id}", a.handleGetStream)
	r.Get("/api/streams", a.handleListStreams)
	if cfg.MetricsPath != "" {
		r.Method(http.MethodGet, cfg.MetricsPath, observability.Handler())
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		transport.WriteAPIError(w, api.NewNotFoundError("no route for "+r.Method+" "+r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("", "method "+r.Method+" not allowed"),
			http.StatusMethodNotAllowed,
		)
	})

	a.router = r
	return a
}

// Handler returns the http.Handler for this adapter. Use this to integrate
// with an http.Server or test with httptest.
func (a *Adapter) Handler() http.Handler {
	return a.router
}

// InFlight returns the registry of streams currently being relayed.
func (a *Adapter) InFlight() *transport.InFlightRegistry {
	return a.inflight
}

// httpRequestIDMiddleware honors an incoming X-Request-ID or generates one,
// stores it in the context and echoes it in the response headers.
func httpRequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = transport.NewRequestID()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(transport.ContextWithRequestID(r.Context(), id)))
	})
}

// handleChat returns the handler for the chat routes. def is the framing
// used when the Accept header does not ask for one.
func (a *Adapter) handleChat(def api.FramingMode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "" {
			if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "application/json" {
				transport.WriteErrorResponse(w,
					api.NewInvalidRequestError("content_type", "Content-Type must be application/json"),
					http.StatusUnsupportedMediaType,
				)
				return
			}
		}

		r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)

		var req api.ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.writeDecodeError(w, err)
			return
		}
		req.Framing = negotiateFraming(r.Header.Get("Accept"), def)

		id := api.NewStreamID()
		w.Header().Set("X-Stream-ID", id)

		a.active.Add(1)
		defer a.active.Done()

		// Server-side cancellation carries transport.ErrStreamCancelled as
		// its cause; a client disconnect surfaces as plain context.Canceled.
		ctx, cancel := context.WithCancelCause(transport.ContextWithStreamID(r.Context(), id))
		defer cancel(nil)
		a.inflight.Register(id, owner(r.Context()), cancel)
		defer a.inflight.Remove(id)

		sw := newStreamWriter(w)
		if err := a.handler.HandleChat(ctx, &req, sw); err != nil {
			writeHandlerError(w, sw, err)
		}
	}
}

func (a *Adapter) writeDecodeError(w http.ResponseWriter, err error) {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("body", fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize)),
			http.StatusRequestEntityTooLarge,
		)
		return
	}
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		transport.WriteAPIError(w, apiErr)
		return
	}
	transport.WriteErrorResponse(w,
		api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()),
		http.StatusBadRequest,
	)
}

// negotiateFraming picks the framing from the Accept header. The first
// listed media type the relay can produce wins; anything else keeps def.
func negotiateFraming(accept string, def api.FramingMode) api.FramingMode {
	for _, part := range strings.Split(accept, ",") {
		mt, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		switch mt {
		case "text/event-stream":
			return api.FramingEventStream
		case "text/plain":
			return api.FramingRaw
		}
	}
	return def
}

// writeHandlerError reports an error returned by the chat handler. Before
// the stream is open it is a plain JSON error with a mapped status; after
// that it can only be an in-band failure frame.
func writeHandlerError(w http.ResponseWriter, sw *streamWriter, err error) {
	apiErr := transport.AsAPIError(err)

	if sw.opened() {
		if !sw.completed() {
			if ferr := sw.Fail(context.Background(), apiErr.Message); ferr != nil {
				slog.Debug("failed to write failure frame", "error", ferr)
			}
		}
		return
	}

	transport.WriteAPIError(w, apiErr)
}

// owner returns the subject a stream belongs to. Without authentication
// every stream shares the empty owner.
func owner(ctx context.Context) string {
	if id := auth.IdentityFromContext(ctx); id != nil {
		return id.Subject
	}
	return ""
}

// waitIdle blocks until every chat handler has returned or ctx is done.
func (a *Adapter) waitIdle(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		a.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// handleCancel handles DELETE /api/chat/{id}. Only the subject that started
// a stream may cancel it; anyone else gets the same 404 as for an unknown ID.
func (a *Adapter) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !api.ValidateStreamID(id) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("id", "malformed stream ID"),
			http.StatusBadRequest,
		)
		return
	}

	if !a.inflight.Cancel(id, owner(r.Context())) {
		transport.WriteAPIError(w, api.NewNotFoundError("stream "+id+" is not in flight"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type healthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// handleHealth handles GET /api/health. It always answers 200 and reports
// configuration problems in the body.
func (a *Adapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if a.health != nil {
		if err := a.health.Check(r.Context()); err != nil {
			resp = healthResponse{Status: "warning", Message: transport.AsAPIError(err).Message}
		}
	}
	if resp.Status == "ok" && a.ledger != nil {
		if err := a.ledger.HealthCheck(r.Context()); err != nil {
			resp = healthResponse{Status: "warning", Message: "stream ledger unavailable: " + err.Error()}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleGetStream handles GET /api/streams/{id}.
func (a *Adapter) handleGetStream(w http.ResponseWriter, r *http.Request) {
	if a.ledger == nil {
		writeNoLedger(w, "stream lookup")
		return
	}

	id := chi.URLParam(r, "id")
	if !api.ValidateStreamID(id) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("id", "malformed stream ID"),
			http.StatusBadRequest,
		)
		return
	}

	rec, err := a.ledger.GetStream(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			transport.WriteAPIError(w, api.NewNotFoundError("stream "+id+" not found"))
		} else {
			transport.WriteAPIError(w, transport.AsAPIError(err))
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

// handleListStreams handles GET /api/streams.
func (a *Adapter) handleListStreams(w http.ResponseWriter, r *http.Request) {
	if a.ledger == nil {
		writeNoLedger(w, "stream listing")
		return
	}

	opts, apiErr := parseListOptions(r)
	if apiErr != nil {
		transport.WriteAPIError(w, apiErr)
		return
	}

	result, err := a.ledger.ListStreams(r.Context(), opts)
	if err != nil {
		transport.WriteAPIError(w, transport.AsAPIError(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func writeNoLedger(w http.ResponseWriter, what string) {
	transport.WriteErrorResponse(w,
		api.NewInvalidRequestError("", what+" is not available (no stream ledger configured)"),
		http.StatusNotImplemented,
	)
}

// parseListOptions extracts pagination parameters from the query string.
func parseListOptions(r *http.Request) (transport.ListOptions, *api.APIError) {
	q := r.URL.Query()
	opts := transport.ListOptions{
		After: q.Get("after"),
		State: api.StreamState(q.Get("state")),
		Order: q.Get("order"),
	}

	if opts.Order != "" && opts.Order != "asc" && opts.Order != "desc" {
		return opts, api.NewInvalidRequestError("order", "order must be 'asc' or 'desc'")
	}
	if opts.Order == "" {
		opts.Order = "desc"
	}

	if opts.State != "" && !opts.State.Terminal() {
		return opts, api.NewInvalidRequestError("state", "state must be one of done, failed, cancelled")
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 || limit > 100 {
			return opts, api.NewInvalidRequestError("limit", "limit must be an integer between 1 and 100")
		}
		opts.Limit = limit
	}

	return opts, nil
}
