package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
)

const conversationColumns = `id, workspace_id, contact_id, thread_id, created_at, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (*model.Conversation, error) {
	var (
		c                model.Conversation
		thread           sql.NullString
		created, updated string
	)
	if err := row.Scan(&c.ID, &c.WorkspaceID, &c.ContactID, &thread, &created, &updated); err != nil {
		return nil, err
	}
	c.ThreadID = thread.String
	var err error
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

// CreateConversation stores a new conversation.
func (db *DB) CreateConversation(ctx context.Context, c *model.Conversation) error {
	if c.ID == "" {
		c.ID = uuid.Must(uuid.NewV7()).String()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now

	_, err := db.exec(ctx, `INSERT INTO conversations (`+conversationColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.WorkspaceID, c.ContactID, nullString(c.ThreadID), formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

// GetConversation returns a conversation by id.
func (db *DB) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	c, err := scanConversation(db.queryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, model.ErrNotFound)
	}
	return c, nil
}

// GetConversationByThread returns the conversation a thread is attached to.
func (db *DB) GetConversationByThread(ctx context.Context, threadID string) (*model.Conversation, error) {
	c, err := scanConversation(db.queryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE thread_id = ? ORDER BY created_at DESC LIMIT 1`, threadID))
	if err != nil {
		return nil, notFound(err, model.ErrNotFound)
	}
	return c, nil
}

// LatestConversationForContact returns the most recent conversation of a contact.
func (db *DB) LatestConversationForContact(ctx context.Context, contactID string) (*model.Conversation, error) {
	c, err := scanConversation(db.queryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE contact_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, contactID))
	if err != nil {
		return nil, notFound(err, model.ErrNotFound)
	}
	return c, nil
}

// SetConversationThread attaches (or replaces) the conversation's remote thread.
func (db *DB) SetConversationThread(ctx context.Context, conversationID, threadID string) error {
	res, err := db.exec(ctx, `UPDATE conversations SET thread_id = ?, updated_at = ? WHERE id = ?`,
		threadID, formatTime(time.Now()), conversationID)
	if err != nil {
		return fmt.Errorf("updating conversation thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}
