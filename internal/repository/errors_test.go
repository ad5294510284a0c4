package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapErr(t *testing.T) {
	assert.NoError(t, mapErr(nil))
	assert.ErrorIs(t, mapErr(sql.ErrNoRows), ErrNotFound)
	assert.ErrorIs(t, mapErr(fmt.Errorf("scan: %w", sql.ErrNoRows)), ErrNotFound)

	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'a@x.io' for key 'users.uq_users_email'"}
	err := mapErr(dup)
	require.ErrorIs(t, err, ErrDuplicate)
	var de *DuplicateError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "uq_users_email", de.Key)

	pk := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'abc' for key 'PRIMARY'"}
	require.True(t, errors.As(mapErr(pk), &de))
	assert.Equal(t, "PRIMARY", de.Key)

	other := &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}
	assert.Equal(t, error(other), mapErr(other))
}

func TestNullStringHelpers(t *testing.T) {
	assert.False(t, nullString(nil).Valid)
	empty := ""
	assert.False(t, nullString(&empty).Valid)
	v := "cus_1"
	ns := nullString(&v)
	assert.True(t, ns.Valid)
	assert.Equal(t, &v, strPtr(ns))
	assert.Nil(t, strPtr(sql.NullString{}))
}
