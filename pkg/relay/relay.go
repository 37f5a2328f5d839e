package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/auth"
	"github.com/rhuss/chatrelay/pkg/credential"
	"github.com/rhuss/chatrelay/pkg/debug"
	"github.com/rhuss/chatrelay/pkg/observability"
	"github.com/rhuss/chatrelay/pkg/provider"
	"github.com/rhuss/chatrelay/pkg/transport"
)

// CredentialSource yields the upstream credential. *credential.Resolver
// implements it.
type CredentialSource interface {
	Credential(ctx context.Context) (credential.Credential, error)
}

// Config holds relay settings.
type Config struct {
	// MessageTemplate wraps single-message requests into a user turn.
	MessageTemplate string

	// Validation bounds the accepted conversation.
	Validation api.ValidationConfig

	// LedgerTimeout bounds the ledger write after a stream ends.
	LedgerTimeout time.Duration
}

// DefaultConfig returns the default relay configuration.
func DefaultConfig() Config {
	return Config{
		MessageTemplate: api.DefaultMessageTemplate,
		Validation:      api.DefaultValidationConfig(),
		LedgerTimeout:   5 * time.Second,
	}
}

// Relay streams generated increments to clients. It is safe for concurrent
// use; each HandleChat call owns its own stream state.
type Relay struct {
	source provider.Source
	creds  CredentialSource
	ledger transport.StreamLedger
	cfg    Config
	now    func() time.Time
}

var _ transport.ChatHandler = (*Relay)(nil)

// Option configures a Relay.
type Option func(*Relay)

// WithLedger records every finished stream in l.
func WithLedger(l transport.StreamLedger) Option {
	return func(r *Relay) { r.ledger = l }
}

// New creates a Relay for the given source and credential source.
func New(source provider.Source, creds CredentialSource, cfg Config, opts ...Option) *Relay {
	if cfg.LedgerTimeout == 0 {
		cfg.LedgerTimeout = DefaultConfig().LedgerTimeout
	}
	r := &Relay{
		source: source,
		creds:  creds,
		cfg:    cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleChat validates the request, resolves the credential, and relays one
// generation into w. It returns an error only before w was opened; all later
// failures are written in-band and HandleChat returns nil.
func (r *Relay) HandleChat(ctx context.Context, req *api.ChatRequest, w transport.StreamWriter) error {
	if req == nil {
		return api.NewInvalidRequestError("", "request body is required")
	}
	if apiErr := api.ValidateChatRequest(req, r.cfg.Validation); apiErr != nil {
		return apiErr
	}
	turns := req.Turns(r.cfg.MessageTemplate)

	cred, err := r.creds.Credential(ctx)
	if err != nil {
		return err
	}

	framing := req.Framing
	if framing == "" {
		framing = api.FramingEventStream
	}

	s := &session{
		relay:   r,
		cred:    cred,
		framing: framing,
		state:   api.StatePending,
		rec: &api.StreamRecord{
			ID:        streamID(ctx),
			Subject:   subject(ctx),
			Provider:  r.source.Name(),
			Model:     r.source.Model(),
			Framing:   framing,
			State:     api.StatePending,
			Turns:     len(turns),
			StartedAt: r.now(),
		},
	}
	s.run(ctx, turns, w)
	r.finish(ctx, s.rec)
	return nil
}

// finish publishes the record to metrics and the ledger. The ledger write
// uses a context detached from the request so a disconnect does not drop it.
func (r *Relay) finish(ctx context.Context, rec *api.StreamRecord) {
	rec.Duration = r.now().Sub(rec.StartedAt)
	observability.RecordStream(rec)

	if r.ledger == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.LedgerTimeout)
	defer cancel()
	if err := r.ledger.SaveStream(saveCtx, rec); err != nil {
		slog.Warn("failed to record stream", "stream_id", rec.ID, "error", err)
	}
}

// session is the state of one relayed stream.
type session struct {
	relay   *Relay
	cred    credential.Credential
	framing api.FramingMode
	state   api.StreamState
	rec     *api.StreamRecord
}

func (s *session) transition(to api.StreamState) {
	if err := api.ValidateStreamTransition(s.state, to); err != nil {
		// A bug in the loop below, not a client condition.
		panic(err.Error())
	}
	s.state = to
	s.rec.State = to
}

func (s *session) run(ctx context.Context, turns []api.ConversationTurn, w transport.StreamWriter) {
	if err := w.Open(ctx, s.framing); err != nil {
		debug.Log("relay", "client gone before commit", "stream_id", s.rec.ID, "error", err)
		s.transition(api.StateCancelled)
		return
	}
	s.transition(api.StateStreaming)

	observability.StreamsActive.Inc()
	defer observability.StreamsActive.Dec()

	upstreamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := s.relay.source.Generate(upstreamCtx, turns, s.cred)
	if err != nil {
		if ctx.Err() != nil {
			s.interrupt(ctx, w, cancel, func() {})
			return
		}
		s.fail(ctx, w, err)
		return
	}
	closeStream := sync.OnceFunc(func() {
		if err := stream.Close(); err != nil {
			debug.Log("relay", "closing upstream stream", "stream_id", s.rec.ID, "error", err)
		}
	})
	defer closeStream()

	for {
		// Do not pull another increment once the stream was stopped.
		if ctx.Err() != nil {
			s.interrupt(ctx, w, cancel, closeStream)
			return
		}

		inc, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if err := w.Finish(ctx); err != nil {
				s.cancel(cancel, closeStream, err)
				return
			}
			s.transition(api.StateDone)
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				s.interrupt(ctx, w, cancel, closeStream)
				return
			}
			s.fail(ctx, w, err)
			return
		}

		if s.rec.FirstIncrementAt == nil {
			t := s.relay.now()
			s.rec.FirstIncrementAt = &t
		}
		if err := w.WriteIncrement(ctx, inc); err != nil {
			s.cancel(cancel, closeStream, err)
			return
		}
		s.rec.Increments++
		s.rec.Bytes += int64(len(inc))
	}
}

// fail writes the in-band failure frame. The credential is scrubbed from the
// message before it leaves the process.
func (s *session) fail(ctx context.Context, w transport.StreamWriter, err error) {
	msg := s.cred.Redact(failureMessage(err))

	slog.Warn("generation failed",
		"stream_id", s.rec.ID,
		"provider", s.rec.Provider,
		"increments", s.rec.Increments,
		"error", msg,
	)
	s.terminate(ctx, w, msg)
}

// terminate writes the failure frame and terminator. A client that is gone
// by then turns the stream into a cancelled one.
func (s *session) terminate(ctx context.Context, w transport.StreamWriter, msg string) {
	s.rec.Error = msg
	if werr := w.Fail(ctx, msg); werr != nil {
		s.transition(api.StateCancelled)
		return
	}
	s.transition(api.StateFailed)
}

// interrupt handles a done request context. When the server stopped the
// stream (DELETE or shutdown) the client is still reading and gets a
// failure frame; a disconnected client gets nothing.
func (s *session) interrupt(ctx context.Context, w transport.StreamWriter, cancelUpstream context.CancelFunc, closeStream func()) {
	cause := context.Cause(ctx)
	if !errors.Is(cause, transport.ErrStreamCancelled) {
		s.cancel(cancelUpstream, closeStream, cause)
		return
	}

	cancelUpstream()
	closeStream()
	slog.Info("stream cancelled", "stream_id", s.rec.ID, "increments", s.rec.Increments, "cause", cause)
	s.terminate(context.WithoutCancel(ctx), w, cause.Error())
}

// cancel handles a client disconnect: abort the upstream call, release it,
// and record the stream as cancelled without writing anything.
func (s *session) cancel(cancelUpstream context.CancelFunc, closeStream func(), cause error) {
	cancelUpstream()
	closeStream()
	debug.Log("relay", "client disconnected", "stream_id", s.rec.ID, "increments", s.rec.Increments, "cause", cause)
	s.transition(api.StateCancelled)
}

func failureMessage(err error) string {
	var apiErr *api.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}

func streamID(ctx context.Context) string {
	if id := transport.StreamIDFromContext(ctx); id != "" {
		return id
	}
	return api.NewStreamID()
}

func subject(ctx context.Context) string {
	if id := auth.IdentityFromContext(ctx); id != nil {
		return id.Subject
	}
	return ""
}
