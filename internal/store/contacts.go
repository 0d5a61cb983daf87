package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
)

const contactColumns = `id, workspace_id, phone, name, created_at, updated_at, deleted_at`

func scanContact(row interface{ Scan(...any) error }) (*model.Contact, error) {
	var (
		c                model.Contact
		created, updated string
		deleted          sql.NullString
	)
	if err := row.Scan(&c.ID, &c.WorkspaceID, &c.Phone, &c.Name, &created, &updated, &deleted); err != nil {
		return nil, err
	}
	var err error
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if deleted.Valid {
		t, err := parseTime(deleted.String)
		if err != nil {
			return nil, fmt.Errorf("parsing deleted_at: %w", err)
		}
		c.DeletedAt = &t
	}
	return &c, nil
}

// UpsertContact returns the contact for (workspace, phone), creating it if
// needed. A non-empty name refreshes the stored profile name. Soft-deleted
// contacts are returned as they are and never revived.
func (db *DB) UpsertContact(ctx context.Context, workspaceID, phone, name string) (*model.Contact, error) {
	existing, err := db.findContactByPhone(ctx, workspaceID, phone)
	if err == nil {
		if name != "" && name != existing.Name && !existing.Deleted() {
			now := time.Now().UTC()
			if _, err := db.exec(ctx, `UPDATE contacts SET name = ?, updated_at = ? WHERE id = ?`,
				name, formatTime(now), existing.ID); err != nil {
				return nil, fmt.Errorf("updating contact name: %w", err)
			}
			existing.Name = name
			existing.UpdatedAt = now
		}
		return existing, nil
	}
	if err != model.ErrContactNotFound {
		return nil, err
	}

	now := time.Now().UTC()
	c := &model.Contact{
		ID:          uuid.Must(uuid.NewV7()).String(),
		WorkspaceID: workspaceID,
		Phone:       phone,
		Name:        name,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = db.exec(ctx, `INSERT INTO contacts (id, workspace_id, phone, name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.WorkspaceID, c.Phone, c.Name, formatTime(now), formatTime(now))
	if err != nil {
		if isUniqueViolation(err) {
			// Created concurrently by another delivery.
			return db.findContactByPhone(ctx, workspaceID, phone)
		}
		return nil, fmt.Errorf("inserting contact: %w", err)
	}
	return c, nil
}

func (db *DB) findContactByPhone(ctx context.Context, workspaceID, phone string) (*model.Contact, error) {
	row := db.queryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE workspace_id = ? AND phone = ?`, workspaceID, phone)
	c, err := scanContact(row)
	if err != nil {
		return nil, notFound(err, model.ErrContactNotFound)
	}
	return c, nil
}

// GetContactByPhone returns the live contact for a phone number.
func (db *DB) GetContactByPhone(ctx context.Context, workspaceID, phone string) (*model.Contact, error) {
	c, err := db.findContactByPhone(ctx, workspaceID, phone)
	if err != nil {
		return nil, err
	}
	if c.Deleted() {
		return nil, model.ErrContactNotFound
	}
	return c, nil
}

// GetContact returns a live contact by id.
func (db *DB) GetContact(ctx context.Context, id string) (*model.Contact, error) {
	row := db.queryRow(ctx, `SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id)
	c, err := scanContact(row)
	if err != nil {
		return nil, notFound(err, model.ErrContactNotFound)
	}
	if c.Deleted() {
		return nil, model.ErrContactNotFound
	}
	return c, nil
}

// DeleteContact soft deletes a contact.
func (db *DB) DeleteContact(ctx context.Context, id string) error {
	now := formatTime(time.Now())
	res, err := db.exec(ctx, `UPDATE contacts SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`, now, now, id)
	if err != nil {
		return fmt.Errorf("deleting contact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrContactNotFound
	}
	return nil
}

const connectionColumns = `id, workspace_id, phone_number_id, access_token, assistant_id, created_at`

func scanConnection(row interface{ Scan(...any) error }) (*model.ChannelConnection, error) {
	var (
		c       model.ChannelConnection
		created string
	)
	if err := row.Scan(&c.ID, &c.WorkspaceID, &c.PhoneNumberID, &c.AccessToken, &c.AssistantID, &created); err != nil {
		return nil, err
	}
	t, err := parseTime(created)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	c.CreatedAt = t
	return &c, nil
}

// CreateChannelConnection stores a new channel connection.
func (db *DB) CreateChannelConnection(ctx context.Context, c *model.ChannelConnection) error {
	if c.ID == "" {
		c.ID = uuid.Must(uuid.NewV7()).String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := db.exec(ctx, `INSERT INTO channel_connections (`+connectionColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.WorkspaceID, c.PhoneNumberID, c.AccessToken, c.AssistantID, formatTime(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting channel connection: %w", err)
	}
	return nil
}

// GetChannelConnection returns a connection by id.
func (db *DB) GetChannelConnection(ctx context.Context, id string) (*model.ChannelConnection, error) {
	c, err := scanConnection(db.queryRow(ctx, `SELECT `+connectionColumns+` FROM channel_connections WHERE id = ?`, id))
	if err != nil {
		return nil, notFound(err, model.ErrNotFound)
	}
	return c, nil
}

// GetChannelConnectionByPhoneNumberID resolves the connection a webhook was addressed to.
func (db *DB) GetChannelConnectionByPhoneNumberID(ctx context.Context, phoneNumberID string) (*model.ChannelConnection, error) {
	c, err := scanConnection(db.queryRow(ctx, `SELECT `+connectionColumns+` FROM channel_connections WHERE phone_number_id = ?`, phoneNumberID))
	if err != nil {
		return nil, notFound(err, model.ErrNotFound)
	}
	return c, nil
}

// ChannelConnectionForWorkspace returns the workspace's oldest connection.
func (db *DB) ChannelConnectionForWorkspace(ctx context.Context, workspaceID string) (*model.ChannelConnection, error) {
	c, err := scanConnection(db.queryRow(ctx, `SELECT `+connectionColumns+` FROM channel_connections WHERE workspace_id = ? ORDER BY created_at ASC LIMIT 1`, workspaceID))
	if err != nil {
		return nil, notFound(err, model.ErrNotFound)
	}
	return c, nil
}
