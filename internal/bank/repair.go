package bank

import (
	"context"
	"errors"
	"fmt"

	"github.com/cognimem/membank/internal/semantic"
	"github.com/cognimem/membank/internal/storage"
	"github.com/cognimem/membank/internal/types"
)

// RepairReport summarizes a Repair pass.
type RepairReport struct {
	Reindexed []string
	Removed   []string
	Failed    map[string]error
}

// Repair reconciles blocks flagged inconsistent after failed compensations:
// blocks still present are re-embedded and re-indexed, flags for blocks
// that no longer exist are cleared along with any stale vector. Blocks that
// fail again stay flagged and are reported.
func (b *Bank) Repair(ctx context.Context) (*RepairReport, error) {
	ctx, span := b.tracer.Start(ctx, "bank.Repair")
	defer span.End()

	flagged, err := b.store.InconsistentBlocks(ctx)
	if err != nil {
		return nil, b.fail(span, classify("repair", "", err))
	}

	report := &RepairReport{Failed: make(map[string]error)}
	for _, id := range flagged {
		block, err := b.store.GetBlock(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			if rerr := b.index.Remove(ctx, id); rerr != nil {
				report.Failed[id] = rerr
				continue
			}
			if cerr := b.store.ClearInconsistent(ctx, id); cerr != nil {
				report.Failed[id] = cerr
				continue
			}
			report.Removed = append(report.Removed, id)
			continue
		}
		if err != nil {
			report.Failed[id] = err
			continue
		}

		if err := b.indexBlock(ctx, block); err != nil {
			report.Failed[id] = err
			continue
		}
		if err := b.store.ClearInconsistent(ctx, id); err != nil {
			report.Failed[id] = err
			continue
		}
		report.Reindexed = append(report.Reindexed, id)
	}

	if len(report.Failed) > 0 {
		return report, &Error{Kind: KindEmbeddingFailure, Op: "repair",
			Err: fmt.Errorf("%d block(s) still inconsistent", len(report.Failed))}
	}
	return report, nil
}

// RebuildIndex re-embeds every block in the relational store and replaces
// the index contents. Useful after switching embedding models.
func (b *Bank) RebuildIndex(ctx context.Context, workers int) (int, error) {
	ctx, span := b.tracer.Start(ctx, "bank.RebuildIndex")
	defer span.End()

	if workers <= 0 {
		workers = b.rebuildN
	}
	total := 0
	cursor := ""
	for {
		blocks, next, err := b.store.ListBlocks(ctx, types.BlockFilter{Limit: 200, Cursor: cursor})
		if err != nil {
			return total, classify("rebuild index", "", err)
		}
		if err := semantic.Rebuild(ctx, b.embedder, b.index, blocks, workers); err != nil {
			return total, classify("rebuild index", "", err)
		}
		total += len(blocks)
		if next == "" {
			return total, nil
		}
		cursor = next
	}
}
