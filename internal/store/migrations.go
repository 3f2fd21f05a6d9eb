package store

type migration struct {
	version int
	stmts   []string
}

var sqliteMigrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS notifications (
				id         TEXT PRIMARY KEY,
				user_id    TEXT NOT NULL,
				message    TEXT NOT NULL,
				link       TEXT,
				is_read    INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_notifications_user_created
				ON notifications (user_id, created_at DESC)`,
		},
	},
}

var postgresMigrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS notifications (
				id         TEXT PRIMARY KEY,
				user_id    TEXT NOT NULL,
				message    TEXT NOT NULL,
				link       TEXT,
				is_read    BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_notifications_user_created
				ON notifications (user_id, created_at DESC)`,
		},
	},
}
