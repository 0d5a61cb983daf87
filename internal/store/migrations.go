package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations. Statements must run
// unchanged on sqlite and postgres; timestamps are fixed-width UTC text.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create contacts, channel connections and conversations",
		SQL: `
			CREATE TABLE contacts (
				id           TEXT PRIMARY KEY,
				workspace_id TEXT NOT NULL,
				phone        TEXT NOT NULL,
				name         TEXT NOT NULL DEFAULT '',
				created_at   TEXT NOT NULL,
				updated_at   TEXT NOT NULL,
				deleted_at   TEXT
			);

			CREATE UNIQUE INDEX idx_contacts_phone ON contacts (workspace_id, phone);

			CREATE TABLE channel_connections (
				id              TEXT PRIMARY KEY,
				workspace_id    TEXT NOT NULL,
				phone_number_id TEXT NOT NULL,
				access_token    TEXT NOT NULL DEFAULT '',
				assistant_id    TEXT NOT NULL DEFAULT '',
				created_at      TEXT NOT NULL
			);

			CREATE UNIQUE INDEX idx_channel_connections_number ON channel_connections (phone_number_id);

			CREATE TABLE conversations (
				id           TEXT PRIMARY KEY,
				workspace_id TEXT NOT NULL,
				contact_id   TEXT NOT NULL REFERENCES contacts(id),
				thread_id    TEXT,
				created_at   TEXT NOT NULL,
				updated_at   TEXT NOT NULL
			);

			CREATE INDEX idx_conversations_contact ON conversations (contact_id, created_at);
			CREATE INDEX idx_conversations_thread ON conversations (thread_id);
		`,
	},
	{
		Version: 2,
		Name:    "create messages",
		SQL: `
			CREATE TABLE messages (
				id              TEXT PRIMARY KEY,
				conversation_id TEXT NOT NULL REFERENCES conversations(id),
				workspace_id    TEXT NOT NULL,
				role            TEXT NOT NULL,
				type            TEXT NOT NULL,
				content         TEXT NOT NULL DEFAULT '',
				media_id        TEXT,
				media_url       TEXT,
				media_mime_type TEXT,
				media_duration  REAL,
				external_id     TEXT,
				created_at      TEXT NOT NULL,
				updated_at      TEXT NOT NULL
			);

			CREATE INDEX idx_messages_conversation ON messages (conversation_id, created_at);
			CREATE UNIQUE INDEX idx_messages_external_id ON messages (external_id) WHERE external_id IS NOT NULL;
			CREATE INDEX idx_messages_media_id ON messages (media_id);
		`,
	},
	{
		Version: 3,
		Name:    "create thread injections",
		SQL: `
			CREATE TABLE thread_injections (
				message_id  TEXT NOT NULL REFERENCES messages(id),
				thread_id   TEXT NOT NULL,
				injected_at TEXT NOT NULL,
				PRIMARY KEY (message_id, thread_id)
			);
		`,
	},
}
