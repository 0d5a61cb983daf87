// Package model defines data structures for the WhatsApp assistant pipeline.
package model

import (
	"time"
)

// Contact is an external WhatsApp user known to a workspace.
type Contact struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspace_id"`
	Phone       string     `json:"phone"`
	Name        string     `json:"name,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// Deleted reports whether the contact has been soft deleted.
func (c *Contact) Deleted() bool {
	return c.DeletedAt != nil
}

// ChannelConnection binds a WhatsApp business number to a workspace and an assistant.
type ChannelConnection struct {
	ID            string    `json:"id"`
	WorkspaceID   string    `json:"workspace_id"`
	PhoneNumberID string    `json:"phone_number_id"`
	AccessToken   string    `json:"-"`
	AssistantID   string    `json:"assistant_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// Conversation is an ongoing exchange with one contact, bound to at most one LLM thread.
type Conversation struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	ContactID   string    `json:"contact_id"`
	ThreadID    string    `json:"thread_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HasThread reports whether a remote thread is attached.
func (c *Conversation) HasThread() bool {
	return c.ThreadID != ""
}

// ListMessagesResponse is the response for listing a conversation's messages.
type ListMessagesResponse struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
	Timezone       string    `json:"timezone"`
}
