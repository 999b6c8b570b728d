// Package memory implements the storage interface with in-process maps.
//
// It mirrors the dolt backend's semantics (optimistic concurrency, parent
// bookkeeping, cycle rejection, synthetic commit references) and is used by
// tests and ephemeral deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cognimem/membank/internal/relation"
	"github.com/cognimem/membank/internal/storage"
	"github.com/cognimem/membank/internal/types"
)

// MemoryStore implements storage.Store with in-process state.
type MemoryStore struct {
	mu        sync.RWMutex
	relations *relation.Registry

	blocks       map[string]*types.MemoryBlock
	links        map[string]*types.BlockLink // keyed by from|relation|to
	proofs       []*types.BlockProof
	schemas      map[types.BlockType]int
	inconsistent map[string]string // block id -> reason

	commitSeq int64
	proofSeq  int64
	closed    bool
}

// New creates an empty in-memory store.
func New(relations *relation.Registry) *MemoryStore {
	return &MemoryStore{
		relations:    relations,
		blocks:       make(map[string]*types.MemoryBlock),
		links:        make(map[string]*types.BlockLink),
		schemas:      make(map[types.BlockType]int),
		inconsistent: make(map[string]string),
	}
}

func linkKey(fromID string, rel types.Relation, toID string) string {
	return fromID + "|" + string(rel) + "|" + toID
}

// nextCommitRef returns a synthetic commit reference. The caller must hold mu.
func (s *MemoryStore) nextCommitRef() string {
	s.commitSeq++
	return fmt.Sprintf("mem-%08d", s.commitSeq)
}

// InsertBlock adds a new block.
func (s *MemoryStore) InsertBlock(ctx context.Context, block *types.MemoryBlock) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.insertBlockLocked(block); err != nil {
		return "", err
	}
	return s.nextCommitRef(), nil
}

func (s *MemoryStore) insertBlockLocked(block *types.MemoryBlock) error {
	if err := block.Validate(); err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	if _, exists := s.blocks[block.ID]; exists {
		return fmt.Errorf("insert block %s: %w", block.ID, storage.ErrDuplicateID)
	}
	s.blocks[block.ID] = block.Clone()
	return nil
}

// UpdateBlock replaces a block if expectedVersion matches the stored one.
func (s *MemoryStore) UpdateBlock(ctx context.Context, block *types.MemoryBlock, expectedVersion int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.updateBlockLocked(block, expectedVersion); err != nil {
		return "", err
	}
	return s.nextCommitRef(), nil
}

func (s *MemoryStore) updateBlockLocked(block *types.MemoryBlock, expectedVersion int64) error {
	stored, exists := s.blocks[block.ID]
	if !exists {
		return fmt.Errorf("update block %s: %w", block.ID, storage.ErrNotFound)
	}
	if stored.BlockVersion != expectedVersion {
		return fmt.Errorf("update block %s: stored version %d, expected %d: %w",
			block.ID, stored.BlockVersion, expectedVersion, storage.ErrVersionConflict)
	}
	next := block.Clone()
	next.BlockVersion = expectedVersion + 1
	// Bookkeeping fields are owned by the store, not the caller.
	next.ParentID = stored.ParentID
	next.HasChildren = stored.HasChildren
	next.CreatedAt = stored.CreatedAt
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("update block: %w", err)
	}
	s.blocks[block.ID] = next
	return nil
}

// DeleteBlock removes a block. With force, its links are cascaded and any
// children are orphaned; without force, deletion fails while children exist.
func (s *MemoryStore) DeleteBlock(ctx context.Context, id string, force bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.deleteBlockLocked(id, force); err != nil {
		return "", err
	}
	return s.nextCommitRef(), nil
}

func (s *MemoryStore) deleteBlockLocked(id string, force bool) error {
	stored, exists := s.blocks[id]
	if !exists {
		return fmt.Errorf("delete block %s: %w", id, storage.ErrNotFound)
	}
	if stored.HasChildren && !force {
		return fmt.Errorf("delete block %s: %w", id, storage.ErrHasChildren)
	}
	for key, link := range s.links {
		if link.FromID != id && link.ToID != id {
			continue
		}
		delete(s.links, key)
		if link.Relation == relation.ParentOf {
			if link.FromID == id {
				// Deleted block was the parent; orphan the child.
				if child, ok := s.blocks[link.ToID]; ok {
					child.ParentID = nil
				}
			} else {
				// Deleted block was a child; recompute the parent's flag.
				s.recomputeHasChildrenLocked(link.FromID)
			}
		}
	}
	delete(s.blocks, id)
	delete(s.inconsistent, id)
	return nil
}

// GetBlock returns a copy of the block, with its consistency flag set.
func (s *MemoryStore) GetBlock(ctx context.Context, id string) (*types.MemoryBlock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getBlockLocked(id)
}

func (s *MemoryStore) getBlockLocked(id string) (*types.MemoryBlock, error) {
	stored, exists := s.blocks[id]
	if !exists {
		return nil, fmt.Errorf("get block %s: %w", id, storage.ErrNotFound)
	}
	out := stored.Clone()
	_, out.Inconsistent = s.inconsistent[id]
	return out, nil
}

// ListBlocks returns blocks matching the filter, ordered by (created_at, id),
// with cursor pagination.
func (s *MemoryStore) ListBlocks(ctx context.Context, filter types.BlockFilter) ([]*types.MemoryBlock, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var cursorCreated time.Time
	var cursorID string
	if filter.Cursor != "" {
		createdStr, id, err := storage.DecodeCursor(filter.Cursor)
		if err != nil {
			return nil, "", err
		}
		cursorCreated, err = time.Parse(time.RFC3339Nano, createdStr)
		if err != nil {
			return nil, "", fmt.Errorf("malformed cursor: %w", err)
		}
		cursorID = id
	}

	var matched []*types.MemoryBlock
	for _, b := range s.blocks {
		if blockMatches(b, filter) {
			matched = append(matched, b)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.Before(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	var out []*types.MemoryBlock
	for _, b := range matched {
		if cursorID != "" {
			if b.CreatedAt.Before(cursorCreated) || (b.CreatedAt.Equal(cursorCreated) && b.ID <= cursorID) {
				continue
			}
		}
		cp := b.Clone()
		_, cp.Inconsistent = s.inconsistent[b.ID]
		out = append(out, cp)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}

	next := ""
	if filter.Limit > 0 && len(out) == filter.Limit {
		last := out[len(out)-1]
		// Only hand back a cursor if more rows remain.
		if len(out) < countRemaining(matched, cursorCreated, cursorID) {
			next = storage.EncodeCursor(last.CreatedAt.Format(time.RFC3339Nano), last.ID)
		}
	}
	return out, next, nil
}

func countRemaining(matched []*types.MemoryBlock, cursorCreated time.Time, cursorID string) int {
	if cursorID == "" {
		return len(matched)
	}
	n := 0
	for _, b := range matched {
		if b.CreatedAt.After(cursorCreated) || (b.CreatedAt.Equal(cursorCreated) && b.ID > cursorID) {
			n++
		}
	}
	return n
}

func blockMatches(b *types.MemoryBlock, f types.BlockFilter) bool {
	if f.Type != nil && b.Type != *f.Type {
		return false
	}
	if f.State != nil && b.State != *f.State {
		return false
	}
	if f.Visibility != nil && b.Visibility != *f.Visibility {
		return false
	}
	if len(f.IDs) > 0 {
		found := false
		for _, id := range f.IDs {
			if b.ID == id {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	tagSet := make(map[string]bool, len(b.Tags))
	for _, tag := range b.Tags {
		tagSet[tag] = true
	}
	for _, tag := range f.Tags {
		if !tagSet[tag] {
			return false
		}
	}
	if len(f.TagsAny) > 0 {
		any := false
		for _, tag := range f.TagsAny {
			if tagSet[tag] {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	for key, want := range f.MetadataEquals {
		got, ok := b.Metadata[key]
		if !ok || fmt.Sprintf("%v", got) != want {
			return false
		}
	}
	return true
}

// UpsertLink adds or replaces a forward edge, maintaining parent bookkeeping
// and rejecting cycles for acyclic relations.
func (s *MemoryStore) UpsertLink(ctx context.Context, link *types.BlockLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLinkLocked(link)
}

func (s *MemoryStore) upsertLinkLocked(link *types.BlockLink) error {
	if err := link.Validate(); err != nil {
		if strings.Contains(err.Error(), "self-referential") {
			return fmt.Errorf("upsert link: %w", storage.ErrCycle)
		}
		return fmt.Errorf("upsert link: %w", err)
	}
	if !s.relations.Known(link.Relation) {
		return fmt.Errorf("upsert link: %s: %w", link.Relation, storage.ErrUnknownRelation)
	}
	link = s.relations.Canonicalize(link)

	if _, ok := s.blocks[link.FromID]; !ok {
		return fmt.Errorf("upsert link: from %s: %w", link.FromID, storage.ErrNotFound)
	}
	if _, ok := s.blocks[link.ToID]; !ok {
		return fmt.Errorf("upsert link: to %s: %w", link.ToID, storage.ErrNotFound)
	}

	if s.relations.IsAcyclic(link.Relation) && s.wouldCycleLocked(link.FromID, link.ToID, link.Relation) {
		return fmt.Errorf("upsert link %s -%s-> %s: %w", link.FromID, link.Relation, link.ToID, storage.ErrCycle)
	}

	stored := link.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	s.links[linkKey(stored.FromID, stored.Relation, stored.ToID)] = stored

	if relation.IsParentFamily(stored.Relation) {
		parent := s.blocks[stored.FromID]
		child := s.blocks[stored.ToID]
		pid := stored.FromID
		child.ParentID = &pid
		parent.HasChildren = true
	}
	return nil
}

// wouldCycleLocked reports whether adding from->to closes a cycle in the
// forward graph of the given relation: true when "from" is reachable from
// "to" along existing edges.
func (s *MemoryStore) wouldCycleLocked(fromID, toID string, rel types.Relation) bool {
	seen := map[string]bool{}
	stack := []string{toID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == fromID {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		for _, link := range s.links {
			if link.FromID == cur && link.Relation == rel {
				stack = append(stack, link.ToID)
			}
		}
	}
	return false
}

// DeleteLink removes a forward edge. The relation may be given in either
// orientation; it is canonicalized first.
func (s *MemoryStore) DeleteLink(ctx context.Context, fromID, toID string, rel types.Relation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLinkLocked(fromID, toID, rel)
}

func (s *MemoryStore) deleteLinkLocked(fromID, toID string, rel types.Relation) error {
	canon := s.relations.Canonicalize(&types.BlockLink{FromID: fromID, ToID: toID, Relation: rel})
	key := linkKey(canon.FromID, canon.Relation, canon.ToID)
	link, exists := s.links[key]
	if !exists {
		return fmt.Errorf("delete link: %w", storage.ErrNotFound)
	}
	delete(s.links, key)

	if relation.IsParentFamily(link.Relation) {
		if child, ok := s.blocks[link.ToID]; ok {
			child.ParentID = nil
		}
		s.recomputeHasChildrenLocked(link.FromID)
	}
	return nil
}

// recomputeHasChildrenLocked recounts a parent's remaining children.
func (s *MemoryStore) recomputeHasChildrenLocked(parentID string) {
	parent, ok := s.blocks[parentID]
	if !ok {
		return
	}
	for _, link := range s.links {
		if link.FromID == parentID && link.Relation == relation.ParentOf {
			parent.HasChildren = true
			return
		}
	}
	parent.HasChildren = false
}

// LinksFrom returns edges touching id. Inbound edges are synthesized from
// stored forward rows with the inverse relation name.
func (s *MemoryStore) LinksFrom(ctx context.Context, id string, rel types.Relation, dir types.LinkDirection) ([]*types.BlockLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !dir.IsValid() {
		return nil, fmt.Errorf("links from %s: invalid direction %q", id, dir)
	}
	if dir == "" {
		dir = types.DirectionOutbound
	}

	var out []*types.BlockLink
	for _, link := range s.links {
		if (dir == types.DirectionOutbound || dir == types.DirectionBoth) && link.FromID == id {
			if rel == "" || link.Relation == rel {
				out = append(out, link.Clone())
			}
		}
		if (dir == types.DirectionInbound || dir == types.DirectionBoth) && link.ToID == id {
			inverse, err := s.relations.Inverse(link.Relation)
			if err != nil {
				continue
			}
			if rel != "" && inverse != rel {
				continue
			}
			flipped := link.Clone()
			flipped.FromID, flipped.ToID = link.ToID, link.FromID
			flipped.Relation = inverse
			out = append(out, flipped)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		if out[i].ToID != out[j].ToID {
			return out[i].ToID < out[j].ToID
		}
		return out[i].Relation < out[j].Relation
	})
	return out, nil
}

// LinksTo returns inbound edges for id.
func (s *MemoryStore) LinksTo(ctx context.Context, id string, rel types.Relation) ([]*types.BlockLink, error) {
	return s.LinksFrom(ctx, id, rel, types.DirectionInbound)
}

// AppendProof appends an audit record.
func (s *MemoryStore) AppendProof(ctx context.Context, proof *types.BlockProof) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendProofLocked(proof)
}

func (s *MemoryStore) appendProofLocked(proof *types.BlockProof) error {
	if proof.BlockID == "" || proof.Operation == "" {
		return fmt.Errorf("append proof: block_id and operation are required")
	}
	s.proofSeq++
	cp := *proof
	cp.ID = s.proofSeq
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.proofs = append(s.proofs, &cp)
	return nil
}

// ListProofs returns proof records for a block (all blocks when blockID is
// empty), oldest first.
func (s *MemoryStore) ListProofs(ctx context.Context, blockID string, limit int) ([]*types.BlockProof, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.BlockProof
	for _, p := range s.proofs {
		if blockID != "" && p.BlockID != blockID {
			continue
		}
		cp := *p
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// RegisterSchemaVersion records a (type, version) marker.
func (s *MemoryStore) RegisterSchemaVersion(ctx context.Context, t types.BlockType, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[t] = version
	return nil
}

// SchemaVersions returns the persisted type -> version map.
func (s *MemoryStore) SchemaVersions(ctx context.Context) (map[types.BlockType]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[types.BlockType]int, len(s.schemas))
	for t, v := range s.schemas {
		out[t] = v
	}
	return out, nil
}

// MarkInconsistent flags a block whose dual-store state could not be
// reconciled.
func (s *MemoryStore) MarkInconsistent(ctx context.Context, blockID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inconsistent[blockID] = reason
	return nil
}

// ClearInconsistent removes the flag after repair.
func (s *MemoryStore) ClearInconsistent(ctx context.Context, blockID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inconsistent, blockID)
	return nil
}

// InconsistentBlocks lists flagged block ids, sorted.
func (s *MemoryStore) InconsistentBlocks(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.inconsistent))
	for id := range s.inconsistent {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Close marks the store closed. Idempotent.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
