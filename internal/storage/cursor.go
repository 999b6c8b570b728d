package storage

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Pagination cursors encode the (created_at, id) sort key of the last row
// returned. They are opaque to callers; both backends share this format so
// the bank layer never needs to care which store it is talking to.

const cursorPrefix = "mb1:"

// EncodeCursor builds an opaque pagination token from a sort key.
func EncodeCursor(createdAt, id string) string {
	raw := createdAt + "|" + id
	return cursorPrefix + base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a token produced by EncodeCursor.
func DecodeCursor(cursor string) (createdAt, id string, err error) {
	if !strings.HasPrefix(cursor, cursorPrefix) {
		return "", "", fmt.Errorf("malformed cursor")
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(cursor, cursorPrefix))
	if err != nil {
		return "", "", fmt.Errorf("malformed cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", "", fmt.Errorf("malformed cursor")
	}
	return parts[0], parts[1], nil
}
