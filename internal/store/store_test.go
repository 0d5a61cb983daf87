package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/logger"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(DriverSQLite, ":memory:", logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedConversation(t *testing.T, db *DB) (*model.Contact, *model.Conversation) {
	t.Helper()
	ctx := context.Background()
	contact, err := db.UpsertContact(ctx, "ws1", "5511999990000", "Ana")
	require.NoError(t, err)
	conv := &model.Conversation{WorkspaceID: "ws1", ContactID: contact.ID, ThreadID: "thread_1"}
	require.NoError(t, db.CreateConversation(ctx, conv))
	return contact, conv
}

// --- DB/Migration tests ---

func TestMigrations_Applied(t *testing.T) {
	db := testDB(t)

	var count int
	err := db.sql.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), count)
}

func TestMigrations_Idempotent(t *testing.T) {
	db := testDB(t)

	require.NoError(t, db.migrate())

	var count int
	err := db.sql.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), count)
}

func TestSchema_TablesExist(t *testing.T) {
	db := testDB(t)

	for _, table := range []string{"contacts", "channel_connections", "conversations", "messages", "thread_injections"} {
		var name string
		err := db.sql.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestRebind(t *testing.T) {
	pg := &DB{driver: DriverPostgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", pg.rebind("SELECT * FROM t WHERE a = ? AND b = ?"))

	lite := &DB{driver: DriverSQLite}
	assert.Equal(t, "a = ?", lite.rebind("a = ?"))
}

func TestTimeLayoutSortsLexicographically(t *testing.T) {
	a := formatTime(time.Date(2024, 1, 1, 10, 0, 0, 5, time.UTC))
	b := formatTime(time.Date(2024, 1, 1, 10, 0, 0, 40, time.UTC))
	assert.Less(t, a, b)

	parsed, err := parseTime(a)
	require.NoError(t, err)
	assert.Equal(t, 5, parsed.Nanosecond())
}

// --- Contacts ---

func TestUpsertContact(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	c1, err := db.UpsertContact(ctx, "ws1", "5511", "")
	require.NoError(t, err)

	c2, err := db.UpsertContact(ctx, "ws1", "5511", "Bruno")
	require.NoError(t, err)
	assert.Equal(t, c1.ID, c2.ID)
	assert.Equal(t, "Bruno", c2.Name)

	other, err := db.UpsertContact(ctx, "ws2", "5511", "")
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID, other.ID)
}

func TestDeletedContactIsNotFound(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	c, err := db.UpsertContact(ctx, "ws1", "5511", "Ana")
	require.NoError(t, err)
	require.NoError(t, db.DeleteContact(ctx, c.ID))

	_, err = db.GetContact(ctx, c.ID)
	assert.ErrorIs(t, err, model.ErrContactNotFound)
	_, err = db.GetContactByPhone(ctx, "ws1", "5511")
	assert.ErrorIs(t, err, model.ErrContactNotFound)

	// upsert returns the deleted record without reviving it
	again, err := db.UpsertContact(ctx, "ws1", "5511", "Ana 2")
	require.NoError(t, err)
	assert.True(t, again.Deleted())
	assert.Equal(t, "Ana", again.Name)

	assert.ErrorIs(t, db.DeleteContact(ctx, c.ID), model.ErrContactNotFound)
}

func TestChannelConnections(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	conn := &model.ChannelConnection{WorkspaceID: "ws1", PhoneNumberID: "pn-1", AccessToken: "tok", AssistantID: "asst_1"}
	require.NoError(t, db.CreateChannelConnection(ctx, conn))

	got, err := db.GetChannelConnectionByPhoneNumberID(ctx, "pn-1")
	require.NoError(t, err)
	assert.Equal(t, conn.ID, got.ID)
	assert.Equal(t, "tok", got.AccessToken)

	byID, err := db.GetChannelConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "asst_1", byID.AssistantID)

	_, err = db.GetChannelConnectionByPhoneNumberID(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	second := &model.ChannelConnection{WorkspaceID: "ws1", PhoneNumberID: "pn-2", AccessToken: "tok2", CreatedAt: conn.CreatedAt.Add(time.Minute)}
	require.NoError(t, db.CreateChannelConnection(ctx, second))
	first, err := db.ChannelConnectionForWorkspace(ctx, "ws1")
	require.NoError(t, err)
	assert.Equal(t, conn.ID, first.ID)

	_, err = db.ChannelConnectionForWorkspace(ctx, "ws2")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

// --- Conversations ---

func TestConversations(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	contact, err := db.UpsertContact(ctx, "ws1", "5511", "")
	require.NoError(t, err)

	_, err = db.LatestConversationForContact(ctx, contact.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	first := &model.Conversation{WorkspaceID: "ws1", ContactID: contact.ID}
	require.NoError(t, db.CreateConversation(ctx, first))
	time.Sleep(2 * time.Millisecond)
	second := &model.Conversation{WorkspaceID: "ws1", ContactID: contact.ID}
	require.NoError(t, db.CreateConversation(ctx, second))

	latest, err := db.LatestConversationForContact(ctx, contact.ID)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)
	assert.False(t, latest.HasThread())

	require.NoError(t, db.SetConversationThread(ctx, second.ID, "thread_9"))
	byThread, err := db.GetConversationByThread(ctx, "thread_9")
	require.NoError(t, err)
	assert.Equal(t, second.ID, byThread.ID)

	assert.ErrorIs(t, db.SetConversationThread(ctx, "nope", "t"), model.ErrNotFound)
}

// --- Messages ---

func TestInsertMessageRejectsDuplicateExternalID(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	_, conv := seedConversation(t, db)

	msg := func() *model.Message {
		return &model.Message{ConversationID: conv.ID, WorkspaceID: "ws1", Role: model.RoleUser, Type: model.MessageTypeText, Content: "hi", ExternalID: "wamid.1"}
	}
	require.NoError(t, db.InsertMessage(ctx, msg()))

	err := db.InsertMessage(ctx, msg())
	assert.True(t, errors.Is(err, model.ErrDuplicateMessage))

	// rows without external id never collide
	for i := 0; i < 2; i++ {
		require.NoError(t, db.InsertMessage(ctx, &model.Message{ConversationID: conv.ID, WorkspaceID: "ws1", Role: model.RoleAssistant, Type: model.MessageTypeText, Content: "ok"}))
	}

	msgs, err := db.ListMessages(ctx, conv.ID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func TestExternalIDExists(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	_, conv := seedConversation(t, db)

	require.NoError(t, db.InsertMessage(ctx, &model.Message{
		ConversationID: conv.ID, WorkspaceID: "ws1", Role: model.RoleUser, Type: model.MessageTypeAudio,
		ExternalID: "wamid.A", MediaID: "media-9", MediaURL: "http://m/a.ogg", MediaMimeType: "audio/ogg", MediaDuration: 3.5,
	}))

	for id, want := range map[string]bool{"wamid.A": true, "media-9": true, "wamid.B": false} {
		got, err := db.ExternalIDExists(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got, id)
	}

	msgs, err := db.ListMessages(ctx, conv.ID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 3.5, msgs[0].MediaDuration)
	assert.Equal(t, "audio/ogg", msgs[0].MediaMimeType)
	assert.Equal(t, time.UTC, msgs[0].CreatedAt.Location())
}

func TestListMessagesReturnsMostRecentOldestFirst(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	_, conv := seedConversation(t, db)

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, text := range []string{"one", "two", "three"} {
		require.NoError(t, db.InsertMessage(ctx, &model.Message{
			ConversationID: conv.ID, WorkspaceID: "ws1", Role: model.RoleUser, Type: model.MessageTypeText,
			Content: text, CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	msgs, err := db.ListMessages(ctx, conv.ID, 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Content)
	assert.Equal(t, "three", msgs[1].Content)
}

func TestPendingOperatorMessages(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	_, conv := seedConversation(t, db)

	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	insert := func(role model.Role, text string, offset int) *model.Message {
		m := &model.Message{ConversationID: conv.ID, WorkspaceID: "ws1", Role: role, Type: model.MessageTypeText, Content: text, CreatedAt: base.Add(time.Duration(offset) * time.Second)}
		require.NoError(t, db.InsertMessage(ctx, m))
		return m
	}

	insert(model.RoleHumanOperator, "before assistant", 0)
	insert(model.RoleAssistant, "assistant reply", 1)
	injected := insert(model.RoleHumanOperator, "already injected", 2)
	pending := insert(model.RoleHumanOperator, "pending", 3)

	require.NoError(t, db.RecordInjection(ctx, injected.ID, "thread_1"))
	require.NoError(t, db.RecordInjection(ctx, injected.ID, "thread_1"))

	msgs, err := db.PendingOperatorMessages(ctx, conv.ID, "thread_1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, pending.ID, msgs[0].ID)

	// a fresh thread has seen nothing yet
	msgs, err = db.PendingOperatorMessages(ctx, conv.ID, "thread_2")
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}
