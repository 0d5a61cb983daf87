package middleware

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxOperatorTextLength is the channel's limit for one text message.
const MaxOperatorTextLength = 4096

// ValidateOperatorText validates text written by an operator.
func ValidateOperatorText(text string) error {
	if strings.TrimSpace(text) == "" {
		return errors.New("text cannot be empty")
	}
	if !utf8.ValidString(text) {
		return errors.New("text must be valid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxOperatorTextLength {
		return errors.New("text exceeds maximum length")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateThreadID validates a remote thread ID.
func ValidateThreadID(id string) error {
	if id == "" {
		return errors.New("thread ID cannot be empty")
	}
	if len(id) > 128 {
		return errors.New("thread ID exceeds maximum length")
	}
	for _, r := range id {
		if !(r == '_' || r == '-' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return errors.New("invalid thread ID format")
		}
	}
	return nil
}

// ValidateWorkspaceID validates a workspace ID.
func ValidateWorkspaceID(id string) error {
	if len(id) == 0 {
		return errors.New("workspace ID cannot be empty")
	}
	if len(id) > 64 {
		return errors.New("workspace ID exceeds maximum length")
	}
	if strings.ContainsAny(id, "/.*> ") {
		return errors.New("workspace ID contains reserved characters")
	}
	return nil
}
