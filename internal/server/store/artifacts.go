package store

import (
	"context"
	"database/sql"
)

const artifactColumns = `id, account_id, seq, header, header_version, body, body_version,
data_encryption_key, created_at, updated_at`

func scanArtifact(row interface{ Scan(dest ...any) error }) (Artifact, error) {
	var a Artifact
	err := row.Scan(
		&a.ID, &a.AccountID, &a.Seq, &a.Header, &a.HeaderVersion,
		&a.Body, &a.BodyVersion, &a.DataEncryptionKey, &a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

// CreateArtifactParams inserts a new artifact.
type CreateArtifactParams struct {
	ID                string
	AccountID         string
	Header            string
	Body              sql.NullString
	DataEncryptionKey sql.NullString
}

const createArtifact = `
INSERT INTO artifacts (id, account_id, header, body, data_encryption_key)
VALUES (?, ?, ?, ?, ?)
RETURNING ` + artifactColumns

func (q *Queries) CreateArtifact(ctx context.Context, arg CreateArtifactParams) (Artifact, error) {
	return scanArtifact(q.db.QueryRowContext(ctx, createArtifact,
		arg.ID, arg.AccountID, arg.Header, arg.Body, arg.DataEncryptionKey))
}

// GetArtifactParams identifies an artifact within an account.
type GetArtifactParams struct {
	AccountID string
	ID        string
}

const getArtifact = `SELECT ` + artifactColumns + ` FROM artifacts WHERE account_id = ? AND id = ?`

func (q *Queries) GetArtifact(ctx context.Context, arg GetArtifactParams) (Artifact, error) {
	return scanArtifact(q.db.QueryRowContext(ctx, getArtifact, arg.AccountID, arg.ID))
}

const listArtifacts = `
SELECT ` + artifactColumns + ` FROM artifacts WHERE account_id = ? ORDER BY updated_at DESC`

func (q *Queries) ListArtifacts(ctx context.Context, accountID string) ([]Artifact, error) {
	rows, err := q.db.QueryContext(ctx, listArtifacts, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// UpdateArtifactHeaderParams updates the artifact header with optimistic
// concurrency.
type UpdateArtifactHeaderParams struct {
	Header          string
	HeaderVersion   int64
	AccountID       string
	ID              string
	ExpectedVersion int64
}

const updateArtifactHeader = `
UPDATE artifacts
SET header = ?, header_version = ?, updated_at = CURRENT_TIMESTAMP
WHERE account_id = ? AND id = ? AND header_version = ?`

func (q *Queries) UpdateArtifactHeader(ctx context.Context, arg UpdateArtifactHeaderParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, updateArtifactHeader,
		arg.Header, arg.HeaderVersion, arg.AccountID, arg.ID, arg.ExpectedVersion)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateArtifactBodyParams updates the artifact body with optimistic
// concurrency.
type UpdateArtifactBodyParams struct {
	Body            sql.NullString
	BodyVersion     int64
	AccountID       string
	ID              string
	ExpectedVersion int64
}

const updateArtifactBody = `
UPDATE artifacts
SET body = ?, body_version = ?, updated_at = CURRENT_TIMESTAMP
WHERE account_id = ? AND id = ? AND body_version = ?`

func (q *Queries) UpdateArtifactBody(ctx context.Context, arg UpdateArtifactBodyParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, updateArtifactBody,
		arg.Body, arg.BodyVersion, arg.AccountID, arg.ID, arg.ExpectedVersion)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteArtifactParams deletes an artifact within an account.
type DeleteArtifactParams struct {
	AccountID string
	ID        string
}

const deleteArtifact = `DELETE FROM artifacts WHERE account_id = ? AND id = ?`

func (q *Queries) DeleteArtifact(ctx context.Context, arg DeleteArtifactParams) error {
	_, err := q.db.ExecContext(ctx, deleteArtifact, arg.AccountID, arg.ID)
	return err
}
