package database

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the sqlite connection used by the server.
type DB struct {
	*sql.DB
}

// Open opens the SQLite database and runs migrations.
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Serialize writers; sqlite allows a single writer at a time anyway.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &DB{db}, nil
}

// runMigrations applies the SQL schema.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", "001_initial").Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check migration status: %w", err)
	}
	if count > 0 {
		return nil
	}

	if _, err := db.Exec(schemaInitial); err != nil {
		return fmt.Errorf("failed to apply initial schema: %w", err)
	}

	if _, err := db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", "001_initial"); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return nil
}

const schemaInitial = `
CREATE TABLE accounts (
	id TEXT PRIMARY KEY,
	public_key TEXT NOT NULL UNIQUE,
	seq INTEGER NOT NULL DEFAULT 0,
	settings TEXT NOT NULL DEFAULT '',
	settings_version INTEGER NOT NULL DEFAULT 0,
	profile TEXT NOT NULL DEFAULT '',
	profile_version INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE sessions (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	tag TEXT NOT NULL,
	seq INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 0,
	last_active_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	metadata TEXT NOT NULL,
	metadata_version INTEGER NOT NULL DEFAULT 1,
	agent_state TEXT,
	agent_state_version INTEGER NOT NULL DEFAULT 0,
	data_encryption_key TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(account_id, tag)
);
CREATE INDEX idx_sessions_account ON sessions(account_id, last_active_at);

CREATE TABLE session_messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	local_id TEXT,
	seq INTEGER NOT NULL,
	content TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(session_id, seq),
	UNIQUE(session_id, local_id)
);
CREATE INDEX idx_session_messages_seq ON session_messages(session_id, seq);

CREATE TABLE machines (
	id TEXT NOT NULL,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	seq INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 0,
	last_active_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	metadata TEXT NOT NULL,
	metadata_version INTEGER NOT NULL DEFAULT 1,
	daemon_state TEXT,
	daemon_state_version INTEGER NOT NULL DEFAULT 0,
	data_encryption_key TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY(account_id, id)
);

CREATE TABLE auth_challenges (
	id TEXT PRIMARY KEY,
	public_key TEXT NOT NULL,
	challenge BLOB NOT NULL,
	expires_at DATETIME NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX idx_auth_challenges_expiry ON auth_challenges(expires_at);

CREATE TABLE artifacts (
	id TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id),
	seq INTEGER NOT NULL DEFAULT 0,
	header TEXT NOT NULL,
	header_version INTEGER NOT NULL DEFAULT 1,
	body TEXT,
	body_version INTEGER NOT NULL DEFAULT 0,
	data_encryption_key TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX idx_artifacts_account ON artifacts(account_id, updated_at);
`
