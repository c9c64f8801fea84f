package gorm

import (
	"database/sql"
	"errors"

	"gorm.io/gorm"
)

// sqlNullString creates a sql.NullString from a string.
func sqlNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

// sqlNullInt converts an optional int.
func sqlNullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

// isNotFound reports whether err is a gorm record-not-found error.
func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

// ErrNotFound is returned by mutations that target a missing row.
var ErrNotFound = errors.New("record not found")
