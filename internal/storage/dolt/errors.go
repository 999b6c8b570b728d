package dolt

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/cognimem/membank/internal/storage"
)

// wrapDBError wraps a database error with operation context, converting
// sql.ErrNoRows to storage.ErrNotFound for consistent handling upstream.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isDuplicateKey detects MySQL error 1062 without depending on the driver's
// error types (the embedded driver surfaces plain strings).
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate entry") || strings.Contains(msg, "1062") ||
		strings.Contains(msg, "duplicate primary key")
}
