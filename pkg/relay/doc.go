// Package relay implements the token-streaming relay: it takes the
// incrementally produced output of a provider.Source and re-exposes it as a
// live stream through a transport.StreamWriter.
//
// A stream moves through pending, streaming and exactly one of done, failed
// or cancelled. Validation and credential errors are returned before the
// writer is opened, so the client gets a plain JSON error and no stream
// bytes. Once the writer is open, every upstream failure is reported
// in-band as one error frame followed by the terminator.
//
// The relay pulls the next increment only after the previous one was
// written and flushed, so a slow client slows the upstream read instead of
// growing a buffer.
package relay
