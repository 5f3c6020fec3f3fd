package store

import (
	"context"
	"time"
)

// AuthChallenge is a server-issued one-time login challenge.
type AuthChallenge struct {
	ID        string
	PublicKey string
	Challenge []byte
	ExpiresAt time.Time
	CreatedAt time.Time
}

// CreateAuthChallengeParams stores a freshly issued challenge.
type CreateAuthChallengeParams struct {
	ID        string
	PublicKey string
	Challenge []byte
	ExpiresAt time.Time
}

const createAuthChallenge = `
INSERT INTO auth_challenges (id, public_key, challenge, expires_at)
VALUES (?, ?, ?, ?)`

func (q *Queries) CreateAuthChallenge(ctx context.Context, arg CreateAuthChallengeParams) error {
	_, err := q.db.ExecContext(ctx, createAuthChallenge,
		arg.ID, arg.PublicKey, arg.Challenge, arg.ExpiresAt)
	return err
}

// GetAuthChallengeParams identifies a challenge by id and the public key it
// was issued for.
type GetAuthChallengeParams struct {
	ID        string
	PublicKey string
}

const getAuthChallenge = `
SELECT id, public_key, challenge, expires_at, created_at
FROM auth_challenges WHERE id = ? AND public_key = ?`

func (q *Queries) GetAuthChallenge(ctx context.Context, arg GetAuthChallengeParams) (AuthChallenge, error) {
	var c AuthChallenge
	err := q.db.QueryRowContext(ctx, getAuthChallenge, arg.ID, arg.PublicKey).Scan(
		&c.ID, &c.PublicKey, &c.Challenge, &c.ExpiresAt, &c.CreatedAt,
	)
	return c, err
}

const deleteAuthChallenge = `DELETE FROM auth_challenges WHERE id = ?`

// DeleteAuthChallenge enforces one-time use.
func (q *Queries) DeleteAuthChallenge(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, deleteAuthChallenge, id)
	return err
}

const deleteExpiredAuthChallenges = `DELETE FROM auth_challenges WHERE expires_at < CURRENT_TIMESTAMP`

// DeleteExpiredAuthChallenges prunes stale challenges, best effort.
func (q *Queries) DeleteExpiredAuthChallenges(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, deleteExpiredAuthChallenges)
	return err
}
