package store

import (
	"context"
	"database/sql"
	"time"
)

const sessionColumns = `id, account_id, tag, seq, active, last_active_at, metadata, metadata_version,
agent_state, agent_state_version, data_encryption_key, created_at, updated_at`

func scanSession(row interface{ Scan(dest ...any) error }) (Session, error) {
	var s Session
	err := row.Scan(
		&s.ID, &s.AccountID, &s.Tag, &s.Seq, &s.Active, &s.LastActiveAt,
		&s.Metadata, &s.MetadataVersion, &s.AgentState, &s.AgentStateVersion,
		&s.DataEncryptionKey, &s.CreatedAt, &s.UpdatedAt,
	)
	return s, err
}

// CreateSessionParams creates a new session row.
type CreateSessionParams struct {
	ID                string
	AccountID         string
	Tag               string
	Metadata          string
	AgentState        sql.NullString
	DataEncryptionKey sql.NullString
}

const createSession = `
INSERT INTO sessions (id, account_id, tag, metadata, agent_state, data_encryption_key)
VALUES (?, ?, ?, ?, ?, ?)
RETURNING ` + sessionColumns

func (q *Queries) CreateSession(ctx context.Context, arg CreateSessionParams) (Session, error) {
	return scanSession(q.db.QueryRowContext(ctx, createSession,
		arg.ID, arg.AccountID, arg.Tag, arg.Metadata, arg.AgentState, arg.DataEncryptionKey))
}

const getSessionByID = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

func (q *Queries) GetSessionByID(ctx context.Context, id string) (Session, error) {
	return scanSession(q.db.QueryRowContext(ctx, getSessionByID, id))
}

const getSessionByTag = `SELECT ` + sessionColumns + ` FROM sessions WHERE account_id = ? AND tag = ?`

// GetSessionByTag supports idempotent session create by (account, tag).
func (q *Queries) GetSessionByTag(ctx context.Context, accountID, tag string) (Session, error) {
	return scanSession(q.db.QueryRowContext(ctx, getSessionByTag, accountID, tag))
}

// ListSessionsParams lists sessions for an account, most recently active
// first.
type ListSessionsParams struct {
	AccountID string
	Limit     int64
}

const listSessions = `
SELECT ` + sessionColumns + ` FROM sessions
WHERE account_id = ? ORDER BY last_active_at DESC LIMIT ?`

func (q *Queries) ListSessions(ctx context.Context, arg ListSessionsParams) ([]Session, error) {
	rows, err := q.db.QueryContext(ctx, listSessions, arg.AccountID, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

const listActiveSessions = `
SELECT ` + sessionColumns + ` FROM sessions
WHERE account_id = ? AND active = 1 AND last_active_at > ?
ORDER BY last_active_at DESC LIMIT ?`

// ListActiveSessions returns sessions marked active within the cutoff window.
func (q *Queries) ListActiveSessions(ctx context.Context, arg ListSessionsParams, activeSince time.Time) ([]Session, error) {
	rows, err := q.db.QueryContext(ctx, listActiveSessions, arg.AccountID, activeSince, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// UpdateSessionMetadataParams updates session metadata with optimistic
// concurrency.
type UpdateSessionMetadataParams struct {
	Metadata        string
	MetadataVersion int64
	ID              string
	ExpectedVersion int64
}

const updateSessionMetadata = `
UPDATE sessions
SET metadata = ?, metadata_version = ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND metadata_version = ?`

// UpdateSessionMetadata returns rows affected; zero means version mismatch.
func (q *Queries) UpdateSessionMetadata(ctx context.Context, arg UpdateSessionMetadataParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, updateSessionMetadata,
		arg.Metadata, arg.MetadataVersion, arg.ID, arg.ExpectedVersion)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateSessionAgentStateParams updates agent state with optimistic
// concurrency.
type UpdateSessionAgentStateParams struct {
	AgentState        sql.NullString
	AgentStateVersion int64
	ID                string
	ExpectedVersion   int64
}

const updateSessionAgentState = `
UPDATE sessions
SET agent_state = ?, agent_state_version = ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND agent_state_version = ?`

func (q *Queries) UpdateSessionAgentState(ctx context.Context, arg UpdateSessionAgentStateParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, updateSessionAgentState,
		arg.AgentState, arg.AgentStateVersion, arg.ID, arg.ExpectedVersion)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateSessionActivityParams marks a session active/inactive.
type UpdateSessionActivityParams struct {
	Active       int64
	LastActiveAt time.Time
	ID           string
}

const updateSessionActivity = `
UPDATE sessions SET active = ?, last_active_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`

func (q *Queries) UpdateSessionActivity(ctx context.Context, arg UpdateSessionActivityParams) error {
	_, err := q.db.ExecContext(ctx, updateSessionActivity, arg.Active, arg.LastActiveAt, arg.ID)
	return err
}
