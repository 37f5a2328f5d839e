// Package provider defines the generation source abstraction used by the
// relay. A Source turns a list of conversation turns into a Stream of text
// increments; each adapter (openai, openaicompat, scripted) hides its own
// upstream protocol behind that pull interface.
package provider
