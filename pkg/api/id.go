package api

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const streamIDPrefix = "chat_"

var streamIDPattern = regexp.MustCompile(`^chat_[a-f0-9]{32}$`)

// NewStreamID generates a stream ID with the "chat_" prefix followed by a
// random UUID in compact hex form.
func NewStreamID() string {
	return streamIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidateStreamID checks whether id has the shape produced by NewStreamID.
func ValidateStreamID(id string) bool {
	return streamIDPattern.MatchString(id)
}
