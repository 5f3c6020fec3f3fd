package store

import (
	"context"
	"database/sql"
)

const messageColumns = `id, session_id, local_id, seq, content, created_at, updated_at`

func scanMessage(row interface{ Scan(dest ...any) error }) (Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.SessionID, &m.LocalID, &m.Seq, &m.Content, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

// CreateMessageParams inserts one message at the given per-session seq.
type CreateMessageParams struct {
	ID        string
	SessionID string
	LocalID   sql.NullString
	Seq       int64
	Content   string
}

const createMessage = `
INSERT INTO session_messages (id, session_id, local_id, seq, content)
VALUES (?, ?, ?, ?, ?)
RETURNING ` + messageColumns

func (q *Queries) CreateMessage(ctx context.Context, arg CreateMessageParams) (Message, error) {
	return scanMessage(q.db.QueryRowContext(ctx, createMessage,
		arg.ID, arg.SessionID, arg.LocalID, arg.Seq, arg.Content))
}

const getLatestMessageSeq = `
SELECT COALESCE(MAX(seq), 0) FROM session_messages WHERE session_id = ?`

// GetLatestMessageSeq returns the highest message seq for a session, or zero
// when the session has no messages.
func (q *Queries) GetLatestMessageSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := q.db.QueryRowContext(ctx, getLatestMessageSeq, sessionID).Scan(&seq)
	return seq, err
}

// GetMessageByLocalIDParams looks up a message by its client idempotency key.
type GetMessageByLocalIDParams struct {
	SessionID string
	LocalID   sql.NullString
}

const getMessageByLocalID = `
SELECT ` + messageColumns + ` FROM session_messages WHERE session_id = ? AND local_id = ?`

func (q *Queries) GetMessageByLocalID(ctx context.Context, arg GetMessageByLocalIDParams) (Message, error) {
	return scanMessage(q.db.QueryRowContext(ctx, getMessageByLocalID, arg.SessionID, arg.LocalID))
}

// ListMessagesAfterSeqParams fetches one page of messages after a seq cursor.
type ListMessagesAfterSeqParams struct {
	SessionID string
	AfterSeq  int64
	Limit     int64
}

const listMessagesAfterSeq = `
SELECT ` + messageColumns + ` FROM session_messages
WHERE session_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?`

func (q *Queries) ListMessagesAfterSeq(ctx context.Context, arg ListMessagesAfterSeqParams) ([]Message, error) {
	rows, err := q.db.QueryContext(ctx, listMessagesAfterSeq, arg.SessionID, arg.AfterSeq, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

const countMessagesAfterSeq = `
SELECT COUNT(*) FROM session_messages WHERE session_id = ? AND seq > ?`

// CountMessagesAfterSeq reports how many messages exist beyond a seq cursor,
// used to compute the hasMore flag for paginated fetches.
func (q *Queries) CountMessagesAfterSeq(ctx context.Context, sessionID string, afterSeq int64) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, countMessagesAfterSeq, sessionID, afterSeq).Scan(&n)
	return n, err
}
