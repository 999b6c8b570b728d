package memory

import (
	"context"

	"github.com/cognimem/membank/internal/storage"
	"github.com/cognimem/membank/internal/types"
)

// RunInTransaction executes fn atomically against the store. The in-memory
// backend takes a snapshot of all mutable state up front and restores it if
// the callback returns an error or panics, mirroring the rollback semantics
// of the dolt backend.
func (s *MemoryStore) RunInTransaction(ctx context.Context, fn func(tx storage.Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshotLocked()
	defer func() {
		if r := recover(); r != nil {
			s.restoreLocked(snap)
			panic(r)
		}
		if err != nil {
			s.restoreLocked(snap)
		}
	}()

	return fn(&memTx{store: s})
}

type snapshot struct {
	blocks       map[string]*types.MemoryBlock
	links        map[string]*types.BlockLink
	proofs       []*types.BlockProof
	inconsistent map[string]string
	proofSeq     int64
}

func (s *MemoryStore) snapshotLocked() *snapshot {
	snap := &snapshot{
		blocks:       make(map[string]*types.MemoryBlock, len(s.blocks)),
		links:        make(map[string]*types.BlockLink, len(s.links)),
		proofs:       append([]*types.BlockProof(nil), s.proofs...),
		inconsistent: make(map[string]string, len(s.inconsistent)),
		proofSeq:     s.proofSeq,
	}
	for id, b := range s.blocks {
		snap.blocks[id] = b.Clone()
	}
	for key, l := range s.links {
		snap.links[key] = l.Clone()
	}
	for id, reason := range s.inconsistent {
		snap.inconsistent[id] = reason
	}
	return snap
}

func (s *MemoryStore) restoreLocked(snap *snapshot) {
	s.blocks = snap.blocks
	s.links = snap.links
	s.proofs = snap.proofs
	s.inconsistent = snap.inconsistent
	s.proofSeq = snap.proofSeq
}

// memTx adapts the locked store methods to the storage.Tx interface.
// The store mutex is held for the whole transaction.
type memTx struct {
	store *MemoryStore
}

func (t *memTx) InsertBlock(ctx context.Context, block *types.MemoryBlock) error {
	return t.store.insertBlockLocked(block)
}

func (t *memTx) UpdateBlock(ctx context.Context, block *types.MemoryBlock, expectedVersion int64) error {
	return t.store.updateBlockLocked(block, expectedVersion)
}

func (t *memTx) DeleteBlock(ctx context.Context, id string, force bool) error {
	return t.store.deleteBlockLocked(id, force)
}

func (t *memTx) GetBlock(ctx context.Context, id string) (*types.MemoryBlock, error) {
	return t.store.getBlockLocked(id)
}

func (t *memTx) UpsertLink(ctx context.Context, link *types.BlockLink) error {
	return t.store.upsertLinkLocked(link)
}

func (t *memTx) DeleteLink(ctx context.Context, fromID, toID string, rel types.Relation) error {
	return t.store.deleteLinkLocked(fromID, toID, rel)
}

func (t *memTx) AppendProof(ctx context.Context, proof *types.BlockProof) error {
	return t.store.appendProofLocked(proof)
}
