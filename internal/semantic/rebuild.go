package semantic

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/cognimem/membank/internal/types"
)

const defaultRebuildWorkers = 4

// Rebuild re-embeds every given block and upserts the vectors, fanning the
// embedding calls out across a bounded worker pool. The first failure
// cancels the remaining work.
func Rebuild(ctx context.Context, embedder Embedder, index Index, blocks []*types.MemoryBlock, workers int) error {
	if workers < 1 {
		workers = defaultRebuildWorkers
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, block := range blocks {
		block := block
		g.Go(func() error {
			vec, err := embedder.Embed(ctx, block.Text)
			if err != nil {
				return fmt.Errorf("rebuild %s: %w", block.ID, err)
			}
			return index.Upsert(ctx, block.ID, vec)
		})
	}
	return g.Wait()
}
