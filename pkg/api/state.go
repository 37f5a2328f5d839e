package api

import "fmt"

// StreamState is the lifecycle state of one relayed stream.
type StreamState string

const (
	StatePending   StreamState = "pending"
	StateStreaming StreamState = "streaming"
	StateDone      StreamState = "done"
	StateFailed    StreamState = "failed"

	// StateCancelled marks a stream abandoned by the client, either before
	// the headers were committed or mid-stream. No terminal frame is
	// written for it.
	StateCancelled StreamState = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s StreamState) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateCancelled
}

var streamTransitions = map[StreamState][]StreamState{
	StatePending:   {StateStreaming, StateCancelled},
	StateStreaming: {StateDone, StateFailed, StateCancelled},
	StateDone:      {},
	StateFailed:    {},
	StateCancelled: {},
}

// ValidateStreamTransition checks whether a stream state transition is valid.
// Terminal states (done, failed, cancelled) do not allow outgoing transitions.
func ValidateStreamTransition(from, to StreamState) *APIError {
	allowed, exists := streamTransitions[from]
	if !exists {
		return NewServerError(fmt.Sprintf("invalid stream transition from %q to %q", from, to))
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return NewServerError(fmt.Sprintf("invalid stream transition from %q to %q", from, to))
}
