package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
)

const messageColumns = `id, conversation_id, workspace_id, role, type, content, media_id, media_url, media_mime_type, media_duration, external_id, created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*model.Message, error) {
	var (
		m                                   model.Message
		role, typ                           string
		mediaID, mediaURL, mime, externalID sql.NullString
		duration                            sql.NullFloat64
		created, updated                    string
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.WorkspaceID, &role, &typ, &m.Content,
		&mediaID, &mediaURL, &mime, &duration, &externalID, &created, &updated); err != nil {
		return nil, err
	}
	m.Role = model.Role(role)
	m.Type = model.MessageType(typ)
	m.MediaID = mediaID.String
	m.MediaURL = mediaURL.String
	m.MediaMimeType = mime.String
	m.MediaDuration = duration.Float64
	m.ExternalID = externalID.String

	var err error
	if m.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if m.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]model.Message, error) {
	defer rows.Close()
	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// InsertMessage appends a message. A second row with the same external id
// fails with model.ErrDuplicateMessage.
func (db *DB) InsertMessage(ctx context.Context, m *model.Message) error {
	if m.ID == "" {
		m.ID = uuid.Must(uuid.NewV7()).String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.CreatedAt

	var duration sql.NullFloat64
	if m.MediaDuration > 0 {
		duration = sql.NullFloat64{Float64: m.MediaDuration, Valid: true}
	}

	_, err := db.exec(ctx, `INSERT INTO messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.WorkspaceID, string(m.Role), string(m.Type), m.Content,
		nullString(m.MediaID), nullString(m.MediaURL), nullString(m.MediaMimeType), duration, nullString(m.ExternalID),
		formatTime(m.CreatedAt), formatTime(m.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("external id %q: %w", m.ExternalID, model.ErrDuplicateMessage)
		}
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// ExternalIDExists reports whether any message carries the given channel id,
// either as its message id or as its media id.
func (db *DB) ExternalIDExists(ctx context.Context, externalID string) (bool, error) {
	var n int
	if err := db.queryRow(ctx, `SELECT COUNT(*) FROM messages WHERE external_id = ? OR media_id = ?`, externalID, externalID).Scan(&n); err != nil {
		return false, fmt.Errorf("checking external id: %w", err)
	}
	return n > 0, nil
}

// ListMessages returns up to limit of the most recent messages of a conversation, oldest first.
func (db *DB) ListMessages(ctx context.Context, conversationID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.query(ctx, `SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		) recent ORDER BY created_at ASC, id ASC`, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	return scanMessages(rows)
}

// PendingOperatorMessages returns human-operator messages written after the
// last assistant message that have not yet been injected into threadID.
func (db *DB) PendingOperatorMessages(ctx context.Context, conversationID, threadID string) ([]model.Message, error) {
	rows, err := db.query(ctx, `SELECT `+messageColumns+` FROM messages m
		WHERE m.conversation_id = ? AND m.role = ?
		AND m.created_at > COALESCE(
			(SELECT MAX(a.created_at) FROM messages a WHERE a.conversation_id = ? AND a.role = ?), '')
		AND NOT EXISTS (
			SELECT 1 FROM thread_injections ti WHERE ti.message_id = m.id AND ti.thread_id = ?)
		ORDER BY m.created_at ASC, m.id ASC`,
		conversationID, string(model.RoleHumanOperator), conversationID, string(model.RoleAssistant), threadID)
	if err != nil {
		return nil, fmt.Errorf("listing pending operator messages: %w", err)
	}
	return scanMessages(rows)
}

// RecordInjection notes that a message reached a thread. Recording twice is a no-op.
func (db *DB) RecordInjection(ctx context.Context, messageID, threadID string) error {
	_, err := db.exec(ctx, `INSERT INTO thread_injections (message_id, thread_id, injected_at) VALUES (?, ?, ?)
		ON CONFLICT (message_id, thread_id) DO NOTHING`, messageID, threadID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("recording injection: %w", err)
	}
	return nil
}
