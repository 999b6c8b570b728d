// Package storage provides shared types for memory block storage.
//
// The concrete implementations live in the dolt and memory sub-packages.
// This package holds the interface and sentinel errors referenced by both
// the backends and their consumers (the bank orchestrator, tests).
package storage

import (
	"context"
	"errors"

	"github.com/cognimem/membank/internal/types"
)

// Sentinel errors for common store conditions
var (
	// ErrNotFound is returned when a requested block or link does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateID is returned when inserting a block whose id already exists.
	ErrDuplicateID = errors.New("duplicate id")

	// ErrVersionConflict is returned when an update's expected block_version
	// does not match the stored one. Callers retry with a refreshed version.
	ErrVersionConflict = errors.New("version conflict")

	// ErrHasChildren is returned when deleting a block that still has
	// hierarchical children and force was not set.
	ErrHasChildren = errors.New("block has children")

	// ErrCycle is returned when a link would close a cycle for an acyclic
	// relation, including self-links.
	ErrCycle = errors.New("link cycle detected")

	// ErrUnknownRelation is returned when a link names a relation that is
	// not in the relation registry.
	ErrUnknownRelation = errors.New("unknown relation")

	// ErrNotInitialized is returned when the backing database has not been
	// bootstrapped.
	ErrNotInitialized = errors.New("database not initialized")
)

// Store is the interface satisfied by the dolt and memory backends.
// All mutating methods are internally transactional: either every row
// touched by the call is applied or none are. Mutations return the commit
// reference recorded by the backend (a Dolt commit hash, or a synthetic
// reference for non-versioned backends).
type Store interface {
	// Block CRUD
	InsertBlock(ctx context.Context, block *types.MemoryBlock) (commitRef string, err error)
	// UpdateBlock applies the new row if the stored block_version equals
	// expectedVersion, then stores block with BlockVersion=expectedVersion+1.
	UpdateBlock(ctx context.Context, block *types.MemoryBlock, expectedVersion int64) (commitRef string, err error)
	// DeleteBlock refuses to delete blocks with children unless force is
	// set; force cascades deletion of the block's links (never of child
	// blocks) and clears the children's parent pointers.
	DeleteBlock(ctx context.Context, id string, force bool) (commitRef string, err error)
	GetBlock(ctx context.Context, id string) (*types.MemoryBlock, error)
	// ListBlocks returns matching blocks plus an opaque cursor for the next
	// page; the cursor is empty when the result set is exhausted.
	ListBlocks(ctx context.Context, filter types.BlockFilter) ([]*types.MemoryBlock, string, error)

	// Links. Only forward edges are persisted; inbound queries are rewritten
	// through the relation registry by the backend.
	UpsertLink(ctx context.Context, link *types.BlockLink) error
	DeleteLink(ctx context.Context, fromID, toID string, rel types.Relation) error
	// LinksFrom returns edges touching id. rel filters by relation name
	// (empty = all); dir selects outbound, inbound, or both.
	LinksFrom(ctx context.Context, id string, rel types.Relation, dir types.LinkDirection) ([]*types.BlockLink, error)
	// LinksTo is shorthand for LinksFrom(id, rel, DirectionInbound).
	LinksTo(ctx context.Context, id string, rel types.Relation) ([]*types.BlockLink, error)

	// Proof log (append-only)
	AppendProof(ctx context.Context, proof *types.BlockProof) error
	ListProofs(ctx context.Context, blockID string, limit int) ([]*types.BlockProof, error)

	// Schema version markers (node_schemas table)
	RegisterSchemaVersion(ctx context.Context, t types.BlockType, version int) error
	SchemaVersions(ctx context.Context) (map[types.BlockType]int, error)

	// Consistency flags
	MarkInconsistent(ctx context.Context, blockID, reason string) error
	ClearInconsistent(ctx context.Context, blockID string) error
	InconsistentBlocks(ctx context.Context) ([]string, error)

	// Transactions
	RunInTransaction(ctx context.Context, fn func(tx Tx) error) error

	// Lifecycle
	Close() error
}

// Tx exposes the subset of store methods that execute within a single
// transaction. If the callback returns an error or panics the transaction
// is rolled back; on nil return it is committed.
type Tx interface {
	InsertBlock(ctx context.Context, block *types.MemoryBlock) error
	UpdateBlock(ctx context.Context, block *types.MemoryBlock, expectedVersion int64) error
	DeleteBlock(ctx context.Context, id string, force bool) error
	GetBlock(ctx context.Context, id string) (*types.MemoryBlock, error) // read-your-writes
	UpsertLink(ctx context.Context, link *types.BlockLink) error
	DeleteLink(ctx context.Context, fromID, toID string, rel types.Relation) error
	AppendProof(ctx context.Context, proof *types.BlockProof) error
}

// Versioned extends Store with history access for backends that keep
// commit-level history (Dolt). Use AsVersioned to check support.
type Versioned interface {
	Store

	// History returns prior states of a block, most recent first.
	History(ctx context.Context, blockID string, limit int) ([]*HistoryEntry, error)

	// CurrentCommit returns the backend's HEAD commit reference.
	CurrentCommit(ctx context.Context) (string, error)
}

// HistoryEntry is one historical state of a block.
type HistoryEntry struct {
	CommitRef  string
	Committer  string
	CommitTime string
	Block      *types.MemoryBlock
}

// AsVersioned attempts to cast a Store to Versioned, unwrapping any
// decorators on the way down.
func AsVersioned(s Store) (Versioned, bool) {
	for s != nil {
		if v, ok := s.(Versioned); ok {
			return v, true
		}
		u, ok := s.(interface{ Unwrap() Store })
		if !ok {
			break
		}
		s = u.Unwrap()
	}
	return nil, false
}
