package membank_test

import (
	"context"
	"testing"

	"github.com/cognimem/membank"
	"github.com/cognimem/membank/internal/config"
)

func memoryConfig(t *testing.T) *membank.Config {
	t.Helper()
	cfg := config.Default(t.TempDir())
	cfg.Storage.Backend = config.BackendMemory
	cfg.Actor = "root-test"
	return cfg
}

func TestOpenWithMemoryBackend(t *testing.T) {
	ctx := context.Background()
	bank, err := membank.OpenWith(ctx, memoryConfig(t))
	if err != nil {
		t.Fatalf("OpenWith failed: %v", err)
	}
	defer bank.Close()

	block, err := bank.CreateMemoryBlock(ctx, &membank.MemoryBlock{
		Type:     membank.TypeTask,
		Text:     "wire up the public API",
		Metadata: map[string]any{"title": "public API"},
	})
	if err != nil {
		t.Fatalf("CreateMemoryBlock failed: %v", err)
	}
	if block.ID == "" || block.BlockVersion != 1 {
		t.Errorf("unexpected block identity: id=%q version=%d", block.ID, block.BlockVersion)
	}
	if block.State != membank.StateDraft {
		t.Errorf("State = %q, want draft", block.State)
	}

	got, err := bank.GetBlock(ctx, block.ID)
	if err != nil {
		t.Fatalf("GetBlock failed: %v", err)
	}
	if got.Text != block.Text {
		t.Errorf("Text = %q, want %q", got.Text, block.Text)
	}

	proofs, err := bank.Proofs(ctx, block.ID, 0)
	if err != nil {
		t.Fatalf("Proofs failed: %v", err)
	}
	if len(proofs) != 1 || proofs[0].Actor != "root-test" {
		t.Errorf("proofs = %+v, want one row by root-test", proofs)
	}
}

func TestOpenWithLinkRoundTrip(t *testing.T) {
	ctx := context.Background()
	bank, err := membank.OpenWith(ctx, memoryConfig(t))
	if err != nil {
		t.Fatalf("OpenWith failed: %v", err)
	}
	defer bank.Close()

	parent, err := bank.CreateMemoryBlock(ctx, &membank.MemoryBlock{
		Type:     membank.TypeEpic,
		Text:     "release train",
		Metadata: map[string]any{},
	})
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	child, err := bank.CreateMemoryBlock(ctx, &membank.MemoryBlock{
		Type:     membank.TypeTask,
		Text:     "cut the branch",
		Metadata: map[string]any{"title": "cut branch"},
	})
	if err != nil {
		t.Fatalf("create child: %v", err)
	}

	if err := bank.CreateLink(ctx, &membank.BlockLink{
		FromID:   parent.ID,
		ToID:     child.ID,
		Relation: membank.RelParentOf,
	}); err != nil {
		t.Fatalf("CreateLink failed: %v", err)
	}

	child, err = bank.GetBlock(ctx, child.ID)
	if err != nil {
		t.Fatalf("GetBlock failed: %v", err)
	}
	if child.ParentID == nil || *child.ParentID != parent.ID {
		t.Errorf("child parent bookkeeping missing: %+v", child.ParentID)
	}

	back, err := bank.GetBacklinks(ctx, child.ID, "")
	if err != nil {
		t.Fatalf("GetBacklinks failed: %v", err)
	}
	if len(back) != 1 || back[0].Relation != membank.RelChildOf {
		t.Errorf("backlinks = %+v, want a single child_of edge", back)
	}
}

func TestOpenWithUnknownBackend(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Storage.Backend = "bogus"
	if _, err := membank.OpenWith(context.Background(), cfg); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestKindOfRoundTrip(t *testing.T) {
	ctx := context.Background()
	bank, err := membank.OpenWith(ctx, memoryConfig(t))
	if err != nil {
		t.Fatalf("OpenWith failed: %v", err)
	}
	defer bank.Close()

	_, err = bank.GetBlock(ctx, "missing-block")
	if err == nil {
		t.Fatal("expected not found error")
	}
	if kind := membank.KindOf(err); kind != membank.KindNotFound {
		t.Errorf("KindOf = %q, want %q", kind, membank.KindNotFound)
	}
}
