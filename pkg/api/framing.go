package api

import (
	"fmt"
	"strings"
)

// FramingMode names a wire format for relayed increments.
type FramingMode string

const (
	// FramingEventStream wraps every increment as a server-sent event and ends
	// the stream with a [DONE] event, on success and on failure alike.
	FramingEventStream FramingMode = "event-stream"

	// FramingRaw writes increment text verbatim. Completion is signalled by
	// the connection closing.
	FramingRaw FramingMode = "raw"
)

const (
	// DoneMarker is the payload of the terminal event-stream frame.
	DoneMarker = "[DONE]"

	// FailurePrefix precedes the error message in a failure frame.
	FailurePrefix = "Error generating response: "
)

// Framing encodes increments and terminal frames for one FramingMode.
type Framing interface {
	Mode() FramingMode
	ContentType() string
	Increment(text Increment) []byte

	// Done returns the success terminator. It may be empty.
	Done() []byte

	// Failure returns the error frame followed by the terminator.
	Failure(message string) []byte
}

// ParseFramingMode converts a config or header value into a FramingMode.
func ParseFramingMode(s string) (FramingMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "event-stream", "sse", "text/event-stream", "":
		return FramingEventStream, nil
	case "raw", "text", "plain", "text/plain":
		return FramingRaw, nil
	default:
		return "", fmt.Errorf("unknown framing %q (want \"event-stream\" or \"raw\")", s)
	}
}

// FramingFor returns the Framing implementation for mode. Unknown modes fall
// back to event-stream.
func FramingFor(mode FramingMode) Framing {
	if mode == FramingRaw {
		return RawFraming{}
	}
	return EventStreamFraming{}
}

// EventStreamFraming implements the text/event-stream format:
//
//	data: <text>\n\n
//	data: [DONE]\n\n
//
// Text containing line breaks becomes one data line per text line inside a
// single event, which SSE clients join back with "\n". Event streams treat
// CR, LF and CRLF alike as line terminators and cannot carry a bare CR, so
// all three are sent as line breaks.
type EventStreamFraming struct{}

func (EventStreamFraming) Mode() FramingMode { return FramingEventStream }
func (EventStreamFraming) ContentType() string { return "text/event-stream" }

func (EventStreamFraming) Increment(text Increment) []byte {
	return []byte(eventData(string(text)))
}

func (EventStreamFraming) Done() []byte {
	return []byte(eventData(DoneMarker))
}

func (EventStreamFraming) Failure(message string) []byte {
	msg := strings.Join(strings.Fields(message), " ")
	return []byte(eventData(FailurePrefix+msg) + eventData(DoneMarker))
}

var lineBreaks = strings.NewReplacer("\r\n", "\n", "\r", "\n")

func eventData(payload string) string {
	if strings.ContainsRune(payload, '\r') {
		payload = lineBreaks.Replace(payload)
	}
	if !strings.Contains(payload, "\n") {
		return "data: " + payload + "\n\n"
	}
	var b strings.Builder
	for _, line := range strings.Split(payload, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return b.String()
}

// RawFraming writes increments verbatim with no delimiter. A failure is
// appended as a plain text line after a blank line.
type RawFraming struct{}

func (RawFraming) Mode() FramingMode { return FramingRaw }
func (RawFraming) ContentType() string { return "text/plain; charset=utf-8" }
func (RawFraming) Increment(text Increment) []byte { return []byte(text) }
func (RawFraming) Done() []byte { return nil }
func (RawFraming) Failure(message string) []byte {
	return []byte("\n\n" + FailurePrefix + message + "\n")
}
