package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func TestIsUniqueConstraint(t *testing.T) {
	unique := sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}
	require.True(t, IsUniqueConstraint(unique))
	require.True(t, IsUniqueConstraint(fmt.Errorf("insert message: %w", unique)))

	primary := sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}
	require.True(t, IsUniqueConstraint(primary))

	notNull := sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintNotNull}
	require.False(t, IsUniqueConstraint(notNull))
	require.False(t, IsUniqueConstraint(errors.New("disk I/O error")))
	require.False(t, IsUniqueConstraint(nil))
}
