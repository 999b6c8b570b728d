package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognimem/membank/internal/relation"
	"github.com/cognimem/membank/internal/storage"
	"github.com/cognimem/membank/internal/types"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	s := New(relation.NewRegistry())
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return s
}

func newBlock(id string, bt types.BlockType, created time.Time) *types.MemoryBlock {
	b := &types.MemoryBlock{
		ID:        id,
		Type:      bt,
		Text:      "text for " + id,
		CreatedAt: created,
		UpdatedAt: created,
	}
	b.SetDefaults()
	return b
}

func mustInsert(t *testing.T, s *MemoryStore, b *types.MemoryBlock) {
	t.Helper()
	_, err := s.InsertBlock(context.Background(), b)
	require.NoError(t, err)
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	b := newBlock("blk-1", types.TypeTask, time.Now().UTC().Truncate(time.Microsecond))
	b.Tags = []string{"alpha", "beta"}
	b.Metadata = map[string]any{"title": "round trip"}

	ref, err := s.InsertBlock(ctx, b)
	require.NoError(t, err)
	assert.NotEmpty(t, ref)

	got, err := s.GetBlock(ctx, "blk-1")
	require.NoError(t, err)
	assert.Equal(t, b.Text, got.Text)
	assert.Equal(t, b.Tags, got.Tags)
	assert.Equal(t, b.Metadata, got.Metadata)
	assert.Equal(t, int64(1), got.BlockVersion)
	assert.False(t, got.Inconsistent)
}

func TestInsertDuplicateID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustInsert(t, s, newBlock("blk-1", types.TypeTask, time.Now()))

	_, err := s.InsertBlock(ctx, newBlock("blk-1", types.TypeLog, time.Now()))
	assert.ErrorIs(t, err, storage.ErrDuplicateID)
}

func TestUpdateOptimisticConcurrency(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustInsert(t, s, newBlock("blk-1", types.TypeTask, time.Now()))

	b, err := s.GetBlock(ctx, "blk-1")
	require.NoError(t, err)
	b.Text = "updated once"

	_, err = s.UpdateBlock(ctx, b, 1)
	require.NoError(t, err)

	got, err := s.GetBlock(ctx, "blk-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.BlockVersion)
	assert.Equal(t, "updated once", got.Text)

	// Stale expected version loses.
	b.Text = "updated again"
	_, err = s.UpdateBlock(ctx, b, 1)
	assert.ErrorIs(t, err, storage.ErrVersionConflict)

	// State unchanged after the conflict.
	got, err = s.GetBlock(ctx, "blk-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.BlockVersion)
	assert.Equal(t, "updated once", got.Text)
}

func TestUpdateMissingBlock(t *testing.T) {
	s := newTestStore(t)
	b := newBlock("nope", types.TypeTask, time.Now())
	_, err := s.UpdateBlock(context.Background(), b, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestParentLinkBookkeeping(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustInsert(t, s, newBlock("parent", types.TypeEpic, time.Now()))
	mustInsert(t, s, newBlock("child", types.TypeTask, time.Now()))

	err := s.UpsertLink(ctx, &types.BlockLink{FromID: "parent", ToID: "child", Relation: relation.ParentOf})
	require.NoError(t, err)

	parent, err := s.GetBlock(ctx, "parent")
	require.NoError(t, err)
	assert.True(t, parent.HasChildren)

	child, err := s.GetBlock(ctx, "child")
	require.NoError(t, err)
	require.NotNil(t, child.ParentID)
	assert.Equal(t, "parent", *child.ParentID)

	// Removing the only child clears both sides.
	require.NoError(t, s.DeleteLink(ctx, "parent", "child", relation.ParentOf))

	parent, err = s.GetBlock(ctx, "parent")
	require.NoError(t, err)
	assert.False(t, parent.HasChildren)

	child, err = s.GetBlock(ctx, "child")
	require.NoError(t, err)
	assert.Nil(t, child.ParentID)
}

func TestChildOfIsCanonicalized(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustInsert(t, s, newBlock("parent", types.TypeEpic, time.Now()))
	mustInsert(t, s, newBlock("child", types.TypeTask, time.Now()))

	// Submitting the inverse orientation persists the canonical edge.
	err := s.UpsertLink(ctx, &types.BlockLink{FromID: "child", ToID: "parent", Relation: relation.ChildOf})
	require.NoError(t, err)

	links, err := s.LinksFrom(ctx, "parent", relation.ParentOf, types.DirectionOutbound)
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, "child", links[0].ToID)

	child, err := s.GetBlock(ctx, "child")
	require.NoError(t, err)
	require.NotNil(t, child.ParentID)
	assert.Equal(t, "parent", *child.ParentID)
}

func TestSelfLinkRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustInsert(t, s, newBlock("a", types.TypeTask, time.Now()))

	err := s.UpsertLink(ctx, &types.BlockLink{FromID: "a", ToID: "a", Relation: relation.Blocks})
	assert.ErrorIs(t, err, storage.ErrCycle)
}

func TestCycleRejectedForAcyclicRelations(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, id := range []string{"a", "b", "c"} {
		mustInsert(t, s, newBlock(id, types.TypeTask, time.Now()))
	}

	require.NoError(t, s.UpsertLink(ctx, &types.BlockLink{FromID: "a", ToID: "b", Relation: relation.Blocks}))
	require.NoError(t, s.UpsertLink(ctx, &types.BlockLink{FromID: "b", ToID: "c", Relation: relation.Blocks}))

	err := s.UpsertLink(ctx, &types.BlockLink{FromID: "c", ToID: "a", Relation: relation.Blocks})
	assert.ErrorIs(t, err, storage.ErrCycle)

	// Cyclic relations in other relation types are fine.
	require.NoError(t, s.UpsertLink(ctx, &types.BlockLink{FromID: "c", ToID: "a", Relation: relation.RelatedTo}))
	require.NoError(t, s.UpsertLink(ctx, &types.BlockLink{FromID: "a", ToID: "c", Relation: relation.RelatedTo}))
}

func TestUnknownRelationRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustInsert(t, s, newBlock("a", types.TypeTask, time.Now()))
	mustInsert(t, s, newBlock("b", types.TypeTask, time.Now()))

	err := s.UpsertLink(ctx, &types.BlockLink{FromID: "a", ToID: "b", Relation: "made_up"})
	assert.ErrorIs(t, err, storage.ErrUnknownRelation)
}

func TestInboundLinksUseInverseRelation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustInsert(t, s, newBlock("a", types.TypeTask, time.Now()))
	mustInsert(t, s, newBlock("b", types.TypeTask, time.Now()))

	require.NoError(t, s.UpsertLink(ctx, &types.BlockLink{FromID: "a", ToID: "b", Relation: relation.Blocks}))

	// Only the forward row exists, but the inbound view resolves the inverse.
	inbound, err := s.LinksTo(ctx, "b", relation.IsBlockedBy)
	require.NoError(t, err)
	require.Len(t, inbound, 1)
	assert.Equal(t, "b", inbound[0].FromID)
	assert.Equal(t, "a", inbound[0].ToID)
	assert.Equal(t, relation.IsBlockedBy, inbound[0].Relation)

	both, err := s.LinksFrom(ctx, "a", "", types.DirectionBoth)
	require.NoError(t, err)
	assert.Len(t, both, 1)
}

func TestDeleteBlockWithChildren(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustInsert(t, s, newBlock("parent", types.TypeEpic, time.Now()))
	mustInsert(t, s, newBlock("child", types.TypeTask, time.Now()))
	require.NoError(t, s.UpsertLink(ctx, &types.BlockLink{FromID: "parent", ToID: "child", Relation: relation.ParentOf}))

	_, err := s.DeleteBlock(ctx, "parent", false)
	assert.ErrorIs(t, err, storage.ErrHasChildren)

	// Force cascades links (not blocks) and orphans the child.
	_, err = s.DeleteBlock(ctx, "parent", true)
	require.NoError(t, err)

	_, err = s.GetBlock(ctx, "parent")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	child, err := s.GetBlock(ctx, "child")
	require.NoError(t, err)
	assert.Nil(t, child.ParentID)

	links, err := s.LinksFrom(ctx, "child", "", types.DirectionBoth)
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestListBlocksFiltersAndPagination(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		b := newBlock(fmt.Sprintf("task-%d", i), types.TypeTask, base.Add(time.Duration(i)*time.Minute))
		b.Tags = []string{"common", fmt.Sprintf("n%d", i)}
		mustInsert(t, s, b)
	}
	doc := newBlock("doc-1", types.TypeDoc, base.Add(time.Hour))
	doc.Tags = []string{"common"}
	mustInsert(t, s, doc)

	taskType := types.TypeTask
	page1, cursor, err := s.ListBlocks(ctx, types.BlockFilter{Type: &taskType, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	require.NotEmpty(t, cursor)
	assert.Equal(t, "task-0", page1[0].ID)
	assert.Equal(t, "task-1", page1[1].ID)

	page2, cursor, err := s.ListBlocks(ctx, types.BlockFilter{Type: &taskType, Limit: 2, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "task-2", page2[0].ID)

	page3, cursor, err := s.ListBlocks(ctx, types.BlockFilter{Type: &taskType, Limit: 2, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Empty(t, cursor, "exhausted result set returns no cursor")

	// Tag AND vs OR semantics.
	all, _, err := s.ListBlocks(ctx, types.BlockFilter{Tags: []string{"common", "n3"}})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "task-3", all[0].ID)

	any, _, err := s.ListBlocks(ctx, types.BlockFilter{TagsAny: []string{"n3", "n4"}})
	require.NoError(t, err)
	assert.Len(t, any, 2)
}

func TestListBlocksSubSecondOrdering(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Timestamps inside one second whose RFC3339Nano strings sort in the
	// wrong order ("…00.1Z" > "…00.15Z" as text); ids disagree with time
	// order so id tiebreaks cannot mask a bad sort.
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mustInsert(t, s, newBlock("z-first", types.TypeTask, base.Add(100*time.Millisecond)))
	mustInsert(t, s, newBlock("a-second", types.TypeTask, base.Add(150*time.Millisecond)))
	mustInsert(t, s, newBlock("m-third", types.TypeTask, base.Add(150*time.Millisecond+120*time.Microsecond)))

	page1, cursor, err := s.ListBlocks(ctx, types.BlockFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "z-first", page1[0].ID)
	assert.Equal(t, "a-second", page1[1].ID)
	require.NotEmpty(t, cursor)

	page2, cursor, err := s.ListBlocks(ctx, types.BlockFilter{Limit: 2, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, "m-third", page2[0].ID)
	assert.Empty(t, cursor)
}

func TestListBlocksMetadataFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	b := newBlock("blk-1", types.TypeTask, time.Now())
	b.Metadata = map[string]any{"title": "alpha", "priority": 2}
	mustInsert(t, s, b)
	mustInsert(t, s, newBlock("blk-2", types.TypeTask, time.Now()))

	got, _, err := s.ListBlocks(ctx, types.BlockFilter{MetadataEquals: map[string]string{"priority": "2"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "blk-1", got[0].ID)
}

func TestProofLogAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 0; i < 3; i++ {
		err := s.AppendProof(ctx, &types.BlockProof{
			BlockID:   "blk-1",
			Operation: types.ProofUpdate,
			CommitRef: fmt.Sprintf("ref-%d", i),
		})
		require.NoError(t, err)
	}

	proofs, err := s.ListProofs(ctx, "blk-1", 0)
	require.NoError(t, err)
	require.Len(t, proofs, 3)
	// IDs are assigned in append order.
	assert.Less(t, proofs[0].ID, proofs[1].ID)
	assert.Less(t, proofs[1].ID, proofs[2].ID)
	assert.Equal(t, "ref-0", proofs[0].CommitRef)
}

func TestConsistencyFlags(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustInsert(t, s, newBlock("blk-1", types.TypeTask, time.Now()))

	require.NoError(t, s.MarkInconsistent(ctx, "blk-1", "index write failed"))

	got, err := s.GetBlock(ctx, "blk-1")
	require.NoError(t, err)
	assert.True(t, got.Inconsistent)

	ids, err := s.InconsistentBlocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"blk-1"}, ids)

	require.NoError(t, s.ClearInconsistent(ctx, "blk-1"))
	got, err = s.GetBlock(ctx, "blk-1")
	require.NoError(t, err)
	assert.False(t, got.Inconsistent)
}

func TestRunInTransactionCommit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.RunInTransaction(ctx, func(tx storage.Tx) error {
		if err := tx.InsertBlock(ctx, newBlock("a", types.TypeTask, time.Now())); err != nil {
			return err
		}
		if err := tx.InsertBlock(ctx, newBlock("b", types.TypeTask, time.Now())); err != nil {
			return err
		}
		return tx.UpsertLink(ctx, &types.BlockLink{FromID: "a", ToID: "b", Relation: relation.Blocks})
	})
	require.NoError(t, err)

	_, err = s.GetBlock(ctx, "a")
	assert.NoError(t, err)
	links, err := s.LinksFrom(ctx, "a", relation.Blocks, types.DirectionOutbound)
	require.NoError(t, err)
	assert.Len(t, links, 1)
}

func TestRunInTransactionRollback(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustInsert(t, s, newBlock("keep", types.TypeTask, time.Now()))

	sentinel := fmt.Errorf("boom")
	err := s.RunInTransaction(ctx, func(tx storage.Tx) error {
		if err := tx.InsertBlock(ctx, newBlock("doomed", types.TypeTask, time.Now())); err != nil {
			return err
		}
		// Read-your-writes inside the transaction.
		if _, err := tx.GetBlock(ctx, "doomed"); err != nil {
			return err
		}
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	_, err = s.GetBlock(ctx, "doomed")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetBlock(ctx, "keep")
	assert.NoError(t, err)
}

func TestRunInTransactionPanicRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	func() {
		defer func() {
			r := recover()
			require.NotNil(t, r, "panic should propagate")
		}()
		_ = s.RunInTransaction(ctx, func(tx storage.Tx) error {
			_ = tx.InsertBlock(ctx, newBlock("doomed", types.TypeTask, time.Now()))
			panic("test panic")
		})
	}()

	_, err := s.GetBlock(ctx, "doomed")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdatePreservesBookkeepingFields(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustInsert(t, s, newBlock("parent", types.TypeEpic, time.Now()))
	mustInsert(t, s, newBlock("child", types.TypeTask, time.Now()))
	require.NoError(t, s.UpsertLink(ctx, &types.BlockLink{FromID: "parent", ToID: "child", Relation: relation.ParentOf}))

	child, err := s.GetBlock(ctx, "child")
	require.NoError(t, err)
	child.Text = "edited"
	// Callers cannot clear parent bookkeeping through updates.
	child.ParentID = nil

	_, err = s.UpdateBlock(ctx, child, 1)
	require.NoError(t, err)

	got, err := s.GetBlock(ctx, "child")
	require.NoError(t, err)
	require.NotNil(t, got.ParentID)
	assert.Equal(t, "parent", *got.ParentID)
}
