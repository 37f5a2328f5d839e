// Package scripted provides a generation source that replays a fixed token
// list. It needs no upstream service and is used for local development,
// demos and relay tests.
package scripted

import (
	"context"
	"errors"
	"time"
	"unicode"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/credential"
	"github.com/rhuss/chatrelay/pkg/debug"
	"github.com/rhuss/chatrelay/pkg/provider"
)

// ErrInjected is the failure produced when FailAfter is reached.
var ErrInjected = errors.New("scripted failure")

// Config configures a scripted Source.
type Config struct {
	// Tokens are replayed in order. When empty, the last user turn is
	// echoed back word by word.
	Tokens []string

	// Delay is the pause before each token.
	Delay time.Duration

	// FailAfter, when positive, fails the stream after that many tokens.
	FailAfter int

	// QueueSize bounds how far the producer may run ahead of the relay.
	QueueSize int

	// RequireCredential rejects generations without a credential, the way
	// a hosted upstream would.
	RequireCredential bool
}

// Source replays tokens through a provider.Bridge.
type Source struct {
	cfg Config
}

var _ provider.Source = (*Source)(nil)

// New creates a scripted Source.
func New(cfg Config) *Source {
	return &Source{cfg: cfg}
}

func (s *Source) Name() string  { return "scripted" }
func (s *Source) Model() string { return "scripted" }
func (s *Source) Close() error  { return nil }

// Generate starts replaying tokens for the given turns.
func (s *Source) Generate(ctx context.Context, turns []api.ConversationTurn, cred credential.Credential) (provider.Stream, error) {
	if len(turns) == 0 {
		return nil, provider.Failf(s.Name(), "no conversation turns")
	}
	if s.cfg.RequireCredential && cred.IsZero() {
		return nil, provider.Failf(s.Name(), "missing credential")
	}

	tokens := s.cfg.Tokens
	if len(tokens) == 0 {
		tokens = SplitWords(lastUserContent(turns))
	}
	debug.Log("providers", "scripted generation", "turns", len(turns), "tokens", len(tokens))

	return provider.NewBridge(ctx, s.Name(), s.cfg.QueueSize, func(ctx context.Context, emit provider.Emit) error {
		for i, tok := range tokens {
			if s.cfg.FailAfter > 0 && i == s.cfg.FailAfter {
				return ErrInjected
			}
			if s.cfg.Delay > 0 {
				t := time.NewTimer(s.cfg.Delay)
				select {
				case <-ctx.Done():
					t.Stop()
					return ctx.Err()
				case <-t.C:
				}
			}
			if err := emit(tok); err != nil {
				return err
			}
		}
		return nil
	}), nil
}

func lastUserContent(turns []api.ConversationTurn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == api.RoleUser {
			return turns[i].Content
		}
	}
	return turns[len(turns)-1].Content
}

// SplitWords splits s into words that keep their trailing whitespace, so
// joining the result reproduces s exactly.
func SplitWords(s string) []string {
	var words []string
	start := 0
	inSpace := false
	for i, r := range s {
		space := unicode.IsSpace(r)
		if inSpace && !space {
			words = append(words, s[start:i])
			start = i
		}
		inSpace = space
	}
	if start < len(s) {
		words = append(words, s[start:])
	}
	return words
}
