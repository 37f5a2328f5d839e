package openaicompat

import (
	"github.com/rhuss/chatrelay/pkg/api"
)

// TranslateTurns builds a streaming ChatCompletionRequest from conversation
// turns, preserving their order.
func TranslateTurns(model string, turns []api.ConversationTurn) ChatCompletionRequest {
	cr := ChatCompletionRequest{
		Model:    model,
		Stream:   true,
		Messages: make([]ChatMessage, 0, len(turns)),
	}
	for _, t := range turns {
		cr.Messages = append(cr.Messages, ChatMessage{
			Role:    string(t.Role),
			Content: t.Content,
		})
	}
	return cr
}
