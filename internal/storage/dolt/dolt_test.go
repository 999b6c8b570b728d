package dolt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcdolt "github.com/testcontainers/testcontainers-go/modules/dolt"

	"github.com/cognimem/membank/internal/relation"
	"github.com/cognimem/membank/internal/storage"
	"github.com/cognimem/membank/internal/types"
)

const doltImage = "dolthub/dolt-sql-server:1.43.0"

// newTestStore starts a throwaway dolt sql-server in a container and opens
// a store against it. Tests are skipped when no container runtime is
// available so the suite stays runnable on minimal CI hosts.
func newTestStore(t *testing.T) *DoltStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping dolt integration test in short mode")
	}

	ctx := context.Background()
	ctr, err := tcdolt.Run(ctx, doltImage, tcdolt.WithDatabase("membank"))
	if err != nil {
		t.Skipf("could not start dolt container: %v", err)
	}
	t.Cleanup(func() {
		if err := ctr.Terminate(context.Background()); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	port, err := ctr.MappedPort(ctx, "3306/tcp")
	require.NoError(t, err)

	store, err := New(ctx, &Config{
		ServerMode: true,
		ServerHost: host,
		ServerPort: port.Int(),
		ServerUser: "root",
		Database:   "membank",
	}, relation.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func newBlock(id string, bt types.BlockType) *types.MemoryBlock {
	now := time.Now().UTC().Truncate(time.Microsecond)
	b := &types.MemoryBlock{
		ID:        id,
		Type:      bt,
		Text:      "text for " + id,
		CreatedAt: now,
		UpdatedAt: now,
	}
	b.SetDefaults()
	return b
}

func TestDoltBlockLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	b := newBlock("blk-1", types.TypeTask)
	b.Tags = []string{"alpha", "beta"}
	b.Metadata = map[string]any{"title": "lifecycle", "status": "todo"}

	ref, err := s.InsertBlock(ctx, b)
	require.NoError(t, err)
	assert.NotEmpty(t, ref)

	// Duplicate id rejected
	_, err = s.InsertBlock(ctx, newBlock("blk-1", types.TypeTask))
	assert.ErrorIs(t, err, storage.ErrDuplicateID)

	got, err := s.GetBlock(ctx, "blk-1")
	require.NoError(t, err)
	assert.Equal(t, b.Text, got.Text)
	assert.Equal(t, []string{"alpha", "beta"}, got.Tags)
	assert.Equal(t, "lifecycle", got.Metadata["title"])
	assert.Equal(t, int64(1), got.BlockVersion)
	assert.False(t, got.Inconsistent)

	// Optimistic update
	got.Text = "updated"
	_, err = s.UpdateBlock(ctx, got, 1)
	require.NoError(t, err)

	again, err := s.GetBlock(ctx, "blk-1")
	require.NoError(t, err)
	assert.Equal(t, "updated", again.Text)
	assert.Equal(t, int64(2), again.BlockVersion)

	// Stale version rejected, row unchanged
	again.Text = "should not persist"
	_, err = s.UpdateBlock(ctx, again, 1)
	assert.ErrorIs(t, err, storage.ErrVersionConflict)

	check, err := s.GetBlock(ctx, "blk-1")
	require.NoError(t, err)
	assert.Equal(t, "updated", check.Text)

	// Delete and verify
	_, err = s.DeleteBlock(ctx, "blk-1", false)
	require.NoError(t, err)
	_, err = s.GetBlock(ctx, "blk-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDoltLinksAndHierarchy(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, id := range []string{"epic-1", "task-1", "task-2"} {
		bt := types.TypeTask
		if id == "epic-1" {
			bt = types.TypeEpic
		}
		_, err := s.InsertBlock(ctx, newBlock(id, bt))
		require.NoError(t, err)
	}

	require.NoError(t, s.UpsertLink(ctx, &types.BlockLink{
		FromID: "epic-1", ToID: "task-1", Relation: relation.ParentOf,
	}))

	// Parent bookkeeping on both ends
	parent, err := s.GetBlock(ctx, "epic-1")
	require.NoError(t, err)
	assert.True(t, parent.HasChildren)

	child, err := s.GetBlock(ctx, "task-1")
	require.NoError(t, err)
	require.NotNil(t, child.ParentID)
	assert.Equal(t, "epic-1", *child.ParentID)

	// child_of arrives inverted and is stored canonically
	require.NoError(t, s.UpsertLink(ctx, &types.BlockLink{
		FromID: "task-2", ToID: "epic-1", Relation: relation.ChildOf,
	}))
	outbound, err := s.LinksFrom(ctx, "epic-1", relation.ParentOf, types.DirectionOutbound)
	require.NoError(t, err)
	assert.Len(t, outbound, 2)

	// Inbound queries resolve through the inverse
	inbound, err := s.LinksTo(ctx, "epic-1", "")
	require.NoError(t, err)
	assert.Empty(t, inbound)
	fromChild, err := s.LinksFrom(ctx, "task-1", relation.ChildOf, types.DirectionInbound)
	require.NoError(t, err)
	require.Len(t, fromChild, 1)
	assert.Equal(t, "epic-1", fromChild[0].ToID)

	// Cycles in acyclic relations are rejected
	err = s.UpsertLink(ctx, &types.BlockLink{
		FromID: "task-1", ToID: "epic-1", Relation: relation.ParentOf,
	})
	assert.ErrorIs(t, err, storage.ErrCycle)

	// Unknown relations are rejected
	err = s.UpsertLink(ctx, &types.BlockLink{
		FromID: "task-1", ToID: "task-2", Relation: "mystery_rel",
	})
	assert.ErrorIs(t, err, storage.ErrUnknownRelation)

	// Deleting a parent without force is refused
	_, err = s.DeleteBlock(ctx, "epic-1", false)
	assert.ErrorIs(t, err, storage.ErrHasChildren)

	// Force delete orphans the children
	_, err = s.DeleteBlock(ctx, "epic-1", true)
	require.NoError(t, err)
	orphan, err := s.GetBlock(ctx, "task-1")
	require.NoError(t, err)
	assert.Nil(t, orphan.ParentID)
}

func TestDoltListBlocksPagination(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		b := newBlock(string(rune('a'+i))+"-block", types.TypeLog)
		b.CreatedAt = time.Date(2026, 1, 1, 0, i, 0, 0, time.UTC)
		b.UpdatedAt = b.CreatedAt
		_, err := s.InsertBlock(ctx, b)
		require.NoError(t, err)
	}

	logType := types.TypeLog
	var all []string
	cursor := ""
	for page := 0; page < 4; page++ {
		blocks, next, err := s.ListBlocks(ctx, types.BlockFilter{
			Type: &logType, Limit: 2, Cursor: cursor,
		})
		require.NoError(t, err)
		for _, b := range blocks {
			all = append(all, b.ID)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	assert.Equal(t, []string{"a-block", "b-block", "c-block", "d-block", "e-block"}, all)
}

func TestDoltProofsAndConsistency(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.InsertBlock(ctx, newBlock("blk-p", types.TypeDoc))
	require.NoError(t, err)

	require.NoError(t, s.AppendProof(ctx, &types.BlockProof{
		BlockID: "blk-p", Operation: types.ProofCreate, CommitRef: "abc", Actor: "tester",
	}))
	require.NoError(t, s.AppendProof(ctx, &types.BlockProof{
		BlockID: "blk-p", Operation: types.ProofUpdate, CommitRef: "def", Actor: "tester",
	}))

	proofs, err := s.ListProofs(ctx, "blk-p", 0)
	require.NoError(t, err)
	require.Len(t, proofs, 2)
	assert.Equal(t, types.ProofCreate, proofs[0].Operation)
	assert.Equal(t, types.ProofUpdate, proofs[1].Operation)

	require.NoError(t, s.MarkInconsistent(ctx, "blk-p", "index write failed"))
	flagged, err := s.InconsistentBlocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"blk-p"}, flagged)

	b, err := s.GetBlock(ctx, "blk-p")
	require.NoError(t, err)
	assert.True(t, b.Inconsistent)

	require.NoError(t, s.ClearInconsistent(ctx, "blk-p"))
	flagged, err = s.InconsistentBlocks(ctx)
	require.NoError(t, err)
	assert.Empty(t, flagged)
}

func TestDoltTransactionRollback(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	err := s.RunInTransaction(ctx, func(tx storage.Tx) error {
		if err := tx.InsertBlock(ctx, newBlock("tx-1", types.TypeTask)); err != nil {
			return err
		}
		// Duplicate insert inside the tx forces a rollback of both rows.
		return tx.InsertBlock(ctx, newBlock("tx-1", types.TypeTask))
	})
	assert.ErrorIs(t, err, storage.ErrDuplicateID)

	_, err = s.GetBlock(ctx, "tx-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDoltHistoryAndCommits(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	b := newBlock("blk-h", types.TypeKnowledge)
	ref1, err := s.InsertBlock(ctx, b)
	require.NoError(t, err)
	require.NotEmpty(t, ref1)

	b.Text = "revised"
	ref2, err := s.UpdateBlock(ctx, b, 1)
	require.NoError(t, err)
	assert.NotEqual(t, ref1, ref2)

	head, err := s.CurrentCommit(ctx)
	require.NoError(t, err)
	assert.Equal(t, ref2, head)

	entries, err := s.History(ctx, "blk-h", 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(entries), 2)
	assert.Equal(t, "revised", entries[0].Block.Text)
}
