package store

import (
	"errors"

	"github.com/mattn/go-sqlite3"
)

// IsUniqueConstraint reports whether err is a sqlite unique or primary key
// constraint violation. Callers racing on a read-then-insert allocation use
// this to tell a lost race apart from a genuine database failure.
func IsUniqueConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrConstraint &&
		(sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey)
}
