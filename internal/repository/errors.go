// Package repository defines error types that are reused across multiple
// repositories.  These sentinel values allow higher layers such as
// services to distinguish "no such row" and "unique key violated" from
// infrastructure failures without importing the SQL driver.
package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"github.com/go-sql-driver/mysql"
)

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert or update violates a unique key.
// Use errors.As with *DuplicateError to learn which key.
var ErrDuplicate = errors.New("duplicate")

// ErrConflict is returned when a guarded write finds the row in a state
// that forbids it, such as a purchase while another subscription blocks.
var ErrConflict = errors.New("conflict")

// mysqlDupEntry is the server error number for a unique key violation.
const mysqlDupEntry = 1062

// DuplicateError names the unique key that was violated (for example
// "uq_users_email" or "PRIMARY").
type DuplicateError struct {
	Key string
}

func (e *DuplicateError) Error() string { return fmt.Sprintf("duplicate entry for key %s", e.Key) }

// Is makes errors.Is(err, ErrDuplicate) hold.
func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }

var dupKeyRe = regexp.MustCompile(`for key '(?:[^.']+\.)?([^']+)'`)

// mapErr translates driver errors into repository sentinels.  Anything it
// does not recognise is returned unchanged.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) && me.Number == mysqlDupEntry {
		key := ""
		if m := dupKeyRe.FindStringSubmatch(me.Message); len(m) == 2 {
			key = m[1]
		}
		return &DuplicateError{Key: key}
	}
	return err
}

// nullString converts an optional string to its SQL form.
func nullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// strPtr converts a scanned NullString back to an optional string.
func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
