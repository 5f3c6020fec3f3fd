package store

import (
	"context"
)

const createAccount = `
INSERT INTO accounts (id, public_key)
VALUES (?, ?)
RETURNING id, public_key, seq, settings, settings_version, profile, profile_version, created_at, updated_at
`

// CreateAccount inserts a new account for the given public key.
func (q *Queries) CreateAccount(ctx context.Context, id, publicKey string) (Account, error) {
	var a Account
	err := q.db.QueryRowContext(ctx, createAccount, id, publicKey).Scan(
		&a.ID, &a.PublicKey, &a.Seq, &a.Settings, &a.SettingsVersion,
		&a.Profile, &a.ProfileVersion, &a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

const getAccountByID = `
SELECT id, public_key, seq, settings, settings_version, profile, profile_version, created_at, updated_at
FROM accounts WHERE id = ?
`

func (q *Queries) GetAccountByID(ctx context.Context, id string) (Account, error) {
	var a Account
	err := q.db.QueryRowContext(ctx, getAccountByID, id).Scan(
		&a.ID, &a.PublicKey, &a.Seq, &a.Settings, &a.SettingsVersion,
		&a.Profile, &a.ProfileVersion, &a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

const getAccountByPublicKey = `
SELECT id, public_key, seq, settings, settings_version, profile, profile_version, created_at, updated_at
FROM accounts WHERE public_key = ?
`

func (q *Queries) GetAccountByPublicKey(ctx context.Context, publicKey string) (Account, error) {
	var a Account
	err := q.db.QueryRowContext(ctx, getAccountByPublicKey, publicKey).Scan(
		&a.ID, &a.PublicKey, &a.Seq, &a.Settings, &a.SettingsVersion,
		&a.Profile, &a.ProfileVersion, &a.CreatedAt, &a.UpdatedAt,
	)
	return a, err
}

const updateAccountSeq = `
UPDATE accounts SET seq = seq + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ? RETURNING seq
`

// UpdateAccountSeq allocates the next per-account update sequence number.
func (q *Queries) UpdateAccountSeq(ctx context.Context, id string) (int64, error) {
	var seq int64
	err := q.db.QueryRowContext(ctx, updateAccountSeq, id).Scan(&seq)
	return seq, err
}

// UpdateAccountSettingsParams updates the settings blob with optimistic
// concurrency.
type UpdateAccountSettingsParams struct {
	Settings        string
	SettingsVersion int64
	ID              string
	ExpectedVersion int64
}

const updateAccountSettings = `
UPDATE accounts
SET settings = ?, settings_version = ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND settings_version = ?
`

// UpdateAccountSettings returns the number of rows affected; zero means a
// version mismatch.
func (q *Queries) UpdateAccountSettings(ctx context.Context, arg UpdateAccountSettingsParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, updateAccountSettings,
		arg.Settings, arg.SettingsVersion, arg.ID, arg.ExpectedVersion)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateAccountProfileParams updates the profile blob with optimistic
// concurrency.
type UpdateAccountProfileParams struct {
	Profile         string
	ProfileVersion  int64
	ID              string
	ExpectedVersion int64
}

const updateAccountProfile = `
UPDATE accounts
SET profile = ?, profile_version = ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND profile_version = ?
`

func (q *Queries) UpdateAccountProfile(ctx context.Context, arg UpdateAccountProfileParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, updateAccountProfile,
		arg.Profile, arg.ProfileVersion, arg.ID, arg.ExpectedVersion)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
