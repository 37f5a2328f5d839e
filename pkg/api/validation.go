package api

import (
	"fmt"
	"strings"
)

// MessagePlaceholder is replaced by the client message when a single-message
// request is wrapped into a user turn.
const MessagePlaceholder = "{message}"

// DefaultMessageTemplate is the fixed template used for single-message requests.
const DefaultMessageTemplate = "As a chatbot, reply to the following message: " + MessagePlaceholder

// ValidationConfig holds configurable limits for request validation.
type ValidationConfig struct {
	MaxTurns       int
	MaxContentSize int
}

// DefaultValidationConfig returns a ValidationConfig with sensible defaults.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxTurns:       500,
		MaxContentSize: 1 << 20, // 1MB per turn
	}
}

// ValidateChatRequest checks a ChatRequest for validity. It returns an
// *APIError describing the first validation failure, or nil if the request
// is valid.
func ValidateChatRequest(req *ChatRequest, cfg ValidationConfig) *APIError {
	if req.Message != nil {
		if strings.TrimSpace(*req.Message) == "" {
			return NewInvalidRequestError("message", "message must not be empty")
		}
		if cfg.MaxContentSize > 0 && len(*req.Message) > cfg.MaxContentSize {
			return NewInvalidRequestError("message",
				fmt.Sprintf("message exceeds maximum size of %d bytes", cfg.MaxContentSize))
		}
		return nil
	}

	return ValidateTurns(req.Messages, cfg)
}

// ValidateTurns checks an ordered turn list. The list must be non-empty and
// every turn must carry a known role and non-empty content.
func ValidateTurns(turns []ConversationTurn, cfg ValidationConfig) *APIError {
	if len(turns) == 0 {
		return NewInvalidRequestError("messages", "messages must contain at least one turn")
	}

	if cfg.MaxTurns > 0 && len(turns) > cfg.MaxTurns {
		return NewInvalidRequestError("messages",
			fmt.Sprintf("messages exceeds maximum of %d turns", cfg.MaxTurns))
	}

	for i, turn := range turns {
		if !turn.Role.Valid() {
			return NewInvalidRequestError(fmt.Sprintf("messages[%d].role", i),
				fmt.Sprintf("role must be %q or %q, got %q", RoleUser, RoleAssistant, turn.Role))
		}
		if strings.TrimSpace(turn.Content) == "" {
			return NewInvalidRequestError(fmt.Sprintf("messages[%d].content", i), "content must not be empty")
		}
		if cfg.MaxContentSize > 0 && len(turn.Content) > cfg.MaxContentSize {
			return NewInvalidRequestError(fmt.Sprintf("messages[%d].content", i),
				fmt.Sprintf("content exceeds maximum size of %d bytes", cfg.MaxContentSize))
		}
	}

	return nil
}

// Turns returns the conversation the request describes. A single message is
// wrapped into one user turn using template; an empty template leaves the
// message unchanged.
func (r *ChatRequest) Turns(template string) []ConversationTurn {
	if r.Message == nil {
		return r.Messages
	}
	content := *r.Message
	if template != "" {
		content = strings.ReplaceAll(template, MessagePlaceholder, content)
	}
	return []ConversationTurn{UserTurn(content)}
}
