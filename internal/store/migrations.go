package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations. The SQL must run
// unchanged on both SQLite and PostgreSQL.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create users and daily request counters",
		SQL: `
			CREATE TABLE users (
				id          TEXT PRIMARY KEY,
				email       TEXT NOT NULL DEFAULT '',
				name        TEXT NOT NULL DEFAULT '',
				is_admin    BOOLEAN NOT NULL DEFAULT FALSE,
				created_at  TEXT NOT NULL
			);

			CREATE TABLE user_requests (
				user_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				day         TEXT NOT NULL,
				count       INTEGER NOT NULL DEFAULT 0,
				updated_at  TEXT NOT NULL,
				PRIMARY KEY (user_id, day)
			);
		`,
	},
	{
		Version: 2,
		Name:    "create chats and messages",
		SQL: `
			CREATE TABLE chats (
				id          TEXT PRIMARY KEY,
				user_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				title       TEXT NOT NULL,
				created_at  TEXT NOT NULL,
				updated_at  TEXT NOT NULL
			);

			CREATE INDEX idx_chats_user ON chats (user_id, updated_at);

			CREATE TABLE messages (
				chat_id     TEXT NOT NULL REFERENCES chats(id) ON DELETE CASCADE,
				position    INTEGER NOT NULL,
				id          TEXT NOT NULL,
				role        TEXT NOT NULL,
				content     TEXT NOT NULL,
				parts       TEXT NOT NULL,
				created_at  TEXT NOT NULL,
				PRIMARY KEY (chat_id, position)
			);
		`,
	},
}
