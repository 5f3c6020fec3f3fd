package store

import (
	"context"
	"database/sql"
	"time"
)

const machineColumns = `id, account_id, seq, active, last_active_at, metadata, metadata_version,
daemon_state, daemon_state_version, data_encryption_key, created_at, updated_at`

func scanMachine(row interface{ Scan(dest ...any) error }) (Machine, error) {
	var m Machine
	err := row.Scan(
		&m.ID, &m.AccountID, &m.Seq, &m.Active, &m.LastActiveAt,
		&m.Metadata, &m.MetadataVersion, &m.DaemonState, &m.DaemonStateVersion,
		&m.DataEncryptionKey, &m.CreatedAt, &m.UpdatedAt,
	)
	return m, err
}

// UpsertMachineParams creates a machine row or returns the existing one.
type UpsertMachineParams struct {
	ID                string
	AccountID         string
	Metadata          string
	DaemonState       sql.NullString
	DataEncryptionKey sql.NullString
}

const upsertMachine = `
INSERT INTO machines (id, account_id, metadata, daemon_state, data_encryption_key)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(account_id, id) DO UPDATE SET updated_at = CURRENT_TIMESTAMP
RETURNING ` + machineColumns

func (q *Queries) UpsertMachine(ctx context.Context, arg UpsertMachineParams) (Machine, error) {
	return scanMachine(q.db.QueryRowContext(ctx, upsertMachine,
		arg.ID, arg.AccountID, arg.Metadata, arg.DaemonState, arg.DataEncryptionKey))
}

// GetMachineParams identifies a machine within an account.
type GetMachineParams struct {
	AccountID string
	ID        string
}

const getMachine = `SELECT ` + machineColumns + ` FROM machines WHERE account_id = ? AND id = ?`

func (q *Queries) GetMachine(ctx context.Context, arg GetMachineParams) (Machine, error) {
	return scanMachine(q.db.QueryRowContext(ctx, getMachine, arg.AccountID, arg.ID))
}

const listMachines = `
SELECT ` + machineColumns + ` FROM machines WHERE account_id = ? ORDER BY last_active_at DESC`

func (q *Queries) ListMachines(ctx context.Context, accountID string) ([]Machine, error) {
	rows, err := q.db.QueryContext(ctx, listMachines, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var machines []Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, err
		}
		machines = append(machines, m)
	}
	return machines, rows.Err()
}

// UpdateMachineMetadataParams updates machine metadata with optimistic
// concurrency.
type UpdateMachineMetadataParams struct {
	Metadata        string
	MetadataVersion int64
	AccountID       string
	ID              string
	ExpectedVersion int64
}

const updateMachineMetadata = `
UPDATE machines
SET metadata = ?, metadata_version = ?, updated_at = CURRENT_TIMESTAMP
WHERE account_id = ? AND id = ? AND metadata_version = ?`

func (q *Queries) UpdateMachineMetadata(ctx context.Context, arg UpdateMachineMetadataParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, updateMachineMetadata,
		arg.Metadata, arg.MetadataVersion, arg.AccountID, arg.ID, arg.ExpectedVersion)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateMachineDaemonStateParams updates daemon state with optimistic
// concurrency.
type UpdateMachineDaemonStateParams struct {
	DaemonState        sql.NullString
	DaemonStateVersion int64
	AccountID          string
	ID                 string
	ExpectedVersion    int64
}

const updateMachineDaemonState = `
UPDATE machines
SET daemon_state = ?, daemon_state_version = ?, updated_at = CURRENT_TIMESTAMP
WHERE account_id = ? AND id = ? AND daemon_state_version = ?`

func (q *Queries) UpdateMachineDaemonState(ctx context.Context, arg UpdateMachineDaemonStateParams) (int64, error) {
	res, err := q.db.ExecContext(ctx, updateMachineDaemonState,
		arg.DaemonState, arg.DaemonStateVersion, arg.AccountID, arg.ID, arg.ExpectedVersion)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UpdateMachineActivityParams marks a machine active/inactive.
type UpdateMachineActivityParams struct {
	Active       int64
	LastActiveAt time.Time
	AccountID    string
	ID           string
}

const updateMachineActivity = `
UPDATE machines SET active = ?, last_active_at = ?, updated_at = CURRENT_TIMESTAMP
WHERE account_id = ? AND id = ?`

func (q *Queries) UpdateMachineActivity(ctx context.Context, arg UpdateMachineActivityParams) error {
	_, err := q.db.ExecContext(ctx, updateMachineActivity,
		arg.Active, arg.LastActiveAt, arg.AccountID, arg.ID)
	return err
}
