package model

import (
	"time"
)

// EventType represents the type of conversation event.
type EventType string

const (
	EventTypeError              EventType = "error"
	EventTypeRunConflict        EventType = "run_conflict"
	EventTypeRateLimit          EventType = "rate_limit"
	EventTypeTimeout            EventType = "timeout"
	EventTypeUnsupportedMedia   EventType = "unsupported_media"
	EventTypeTranscriptionError EventType = "transcription_failed"
	EventTypeThreadReset        EventType = "thread_reset"
	EventTypeInjection          EventType = "operator_injection"
)

// ConversationEvent represents a pipeline event in a conversation.
type ConversationEvent struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	WorkspaceID    string         `json:"workspace_id"`
	Type           EventType      `json:"type"`
	Reason         string         `json:"reason"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	Sequence       uint64         `json:"sequence,omitempty"`
}

// HeartbeatEvent keeps an activity stream alive.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent is sent on an activity stream when replay fails.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
