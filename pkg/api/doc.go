// Package api defines the protocol types shared by the chatrelay packages.
//
// It covers the chat request body accepted over HTTP, conversation turns,
// increments of generated text, the per-stream state machine, the two
// framing formats used on the wire, structured API errors, and the stream
// record kept by the ledger.
//
// The package performs no I/O.
//
// Core types:
//   - [ConversationTurn]: one prior message of the conversation (user or assistant)
//   - [ChatRequest]: client request, either a turn list or a single message
//   - [Increment]: one fragment of generated text
//   - [StreamState]: PENDING, STREAMING, DONE, FAILED, CANCELLED
//   - [Framing]: event-stream or raw encoding of increments and terminal frames
//   - [APIError]: structured error with type, code, param, and message
package api
