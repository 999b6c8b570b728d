package dolt

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/cognimem/membank/internal/storage"
	"github.com/cognimem/membank/internal/types"
)

// RunInTransaction executes fn inside one SQL transaction followed by one
// Dolt commit. A panic inside fn rolls back and re-panics.
func (s *DoltStore) RunInTransaction(ctx context.Context, fn func(tx storage.Tx) error) error {
	_, err := s.withCommit(ctx, "transaction", func(sqlTx *sql.Tx) error {
		return fn(&doltTx{store: s, tx: sqlTx})
	})
	return err
}

// doltTx adapts an open *sql.Tx to the storage.Tx interface by routing
// every call through the same row helpers the store methods use.
type doltTx struct {
	store *DoltStore
	tx    *sql.Tx
}

func (t *doltTx) InsertBlock(ctx context.Context, block *types.MemoryBlock) error {
	if err := t.store.validateStamped(block); err != nil {
		return err
	}
	return insertBlockOn(ctx, t.tx, block)
}

func (t *doltTx) UpdateBlock(ctx context.Context, block *types.MemoryBlock, expectedVersion int64) error {
	if err := block.Validate(); err != nil {
		return fmt.Errorf("update block: %w", err)
	}
	return updateBlockOn(ctx, t.tx, block, expectedVersion)
}

func (t *doltTx) DeleteBlock(ctx context.Context, id string, force bool) error {
	return deleteBlockOn(ctx, t.tx, id, force)
}

func (t *doltTx) GetBlock(ctx context.Context, id string) (*types.MemoryBlock, error) {
	return getBlockOn(ctx, t.tx, id)
}

func (t *doltTx) UpsertLink(ctx context.Context, link *types.BlockLink) error {
	return t.store.upsertLinkOn(ctx, t.tx, link)
}

func (t *doltTx) DeleteLink(ctx context.Context, fromID, toID string, rel types.Relation) error {
	return t.store.deleteLinkOn(ctx, t.tx, fromID, toID, rel)
}

func (t *doltTx) AppendProof(ctx context.Context, proof *types.BlockProof) error {
	return appendProofOn(ctx, t.tx, proof)
}
