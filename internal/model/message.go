package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser          Role = "user"
	RoleAssistant     Role = "assistant"
	RoleHumanOperator Role = "human_operator"
)

// MessageType is the kind of content a message carries.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeAudio MessageType = "audio"
)

// Message is an immutable record of one inbound or outbound unit of content.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	WorkspaceID    string `json:"workspace_id"`

	// Content
	Role    Role        `json:"role"`
	Type    MessageType `json:"type"`
	Content string      `json:"content"`

	// Media (image and audio only)
	MediaID       string  `json:"media_id,omitempty"`
	MediaURL      string  `json:"media_url,omitempty"`
	MediaMimeType string  `json:"media_mime_type,omitempty"`
	MediaDuration float64 `json:"media_duration,omitempty"`

	// ExternalID is the channel-provided message id, empty when unknown.
	ExternalID string `json:"external_id,omitempty"`

	// Timestamps, always UTC when persisted
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// JetStream sequence (populated on publish)
	Sequence uint64 `json:"sequence,omitempty"`
}

// In returns a copy of the message with its timestamps converted to loc for display.
func (m Message) In(loc *time.Location) Message {
	if loc == nil {
		return m
	}
	m.CreatedAt = m.CreatedAt.In(loc)
	m.UpdatedAt = m.UpdatedAt.In(loc)
	return m
}

// OperatorMessageRequest is the body of an operator-originated message.
type OperatorMessageRequest struct {
	Text string `json:"text"`
	Send bool   `json:"send"`
}

// InjectRequest is the body of a raw thread injection.
type InjectRequest struct {
	Text        string `json:"text"`
	AssistantID string `json:"assistant_id,omitempty"`
}

// InjectResult reports the outcome of a human-message injection.
type InjectResult struct {
	Success bool   `json:"success"`
	Detail  string `json:"detail"`
	RunID   string `json:"run_id,omitempty"`
	// RunError is set when the message was injected but the follow-up run could not start.
	RunError string `json:"run_error,omitempty"`
}

// OperatorMessageResult reports what happened to an operator-originated message.
type OperatorMessageResult struct {
	Message *Message `json:"message"`
	Sent    bool     `json:"sent"`
	// Injection is nil when the conversation had no thread yet; the message is
	// then injected before the next user turn.
	Injection *InjectResult `json:"injection,omitempty"`
}
