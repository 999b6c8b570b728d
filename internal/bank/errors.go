package bank

import (
	"errors"
	"fmt"

	"github.com/cognimem/membank/internal/schema"
	"github.com/cognimem/membank/internal/semantic"
	"github.com/cognimem/membank/internal/storage"
)

// Kind classifies bank errors so callers can branch without string
// matching. Every error crossing the bank's public boundary carries one.
type Kind string

// Error kinds
const (
	KindSchemaValidation   Kind = "schema_validation"
	KindUnknownType        Kind = "unknown_type"
	KindDuplicateID        Kind = "duplicate_id"
	KindNotFound           Kind = "not_found"
	KindVersionConflict    Kind = "version_conflict"
	KindHasChildren        Kind = "has_children"
	KindEmbeddingFailure   Kind = "embedding_failure"
	KindCycleDetected      Kind = "cycle_detected"
	KindAtomicityViolation Kind = "atomicity_violation"
	KindInternal           Kind = "internal"
)

// Error is the structured error type returned by all bank operations.
type Error struct {
	Kind    Kind
	Op      string
	BlockID string
	Err     error
}

func (e *Error) Error() string {
	if e.BlockID != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.BlockID, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind from an error chain, or KindInternal when the
// chain holds no *Error.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// classify wraps err in an *Error, deriving the kind from the sentinel
// errors of the storage, schema and semantic layers.
func classify(op, blockID string, err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}

	kind := KindInternal
	var ve *schema.ValidationError
	switch {
	case errors.As(err, &ve):
		kind = KindSchemaValidation
	case errors.Is(err, schema.ErrUnknownType):
		kind = KindUnknownType
	case errors.Is(err, storage.ErrDuplicateID):
		kind = KindDuplicateID
	case errors.Is(err, storage.ErrNotFound):
		kind = KindNotFound
	case errors.Is(err, storage.ErrVersionConflict):
		kind = KindVersionConflict
	case errors.Is(err, storage.ErrHasChildren):
		kind = KindHasChildren
	case errors.Is(err, storage.ErrCycle):
		kind = KindCycleDetected
	case errors.Is(err, storage.ErrUnknownRelation):
		kind = KindSchemaValidation
	case errors.Is(err, semantic.ErrEmbeddingFailure):
		kind = KindEmbeddingFailure
	}
	return &Error{Kind: kind, Op: op, BlockID: blockID, Err: err}
}
