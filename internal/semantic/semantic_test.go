package semantic

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognimem/membank/internal/types"
)

// stubEmbedder maps each distinct text to a fixed orthogonal-ish vector so
// similarity ordering in tests is deterministic.
type stubEmbedder struct {
	vectors map[string]Vector
	calls   atomic.Int64
}

func (s *stubEmbedder) Embed(_ context.Context, text string) (Vector, error) {
	s.calls.Add(1)
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return Vector{1, 0, 0}, nil
}

func (s *stubEmbedder) Dims() int { return 3 }

// flakyEmbedder fails a set number of times before succeeding.
type flakyEmbedder struct {
	failures int
	calls    int
}

func (f *flakyEmbedder) Embed(_ context.Context, _ string) (Vector, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, fmt.Errorf("transient failure %d", f.calls)
	}
	return Vector{1, 2, 3}, nil
}

func (f *flakyEmbedder) Dims() int { return 3 }

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b Vector
		want float64
	}{
		{"identical", Vector{1, 0}, Vector{1, 0}, 1},
		{"orthogonal", Vector{1, 0}, Vector{0, 1}, 0},
		{"opposite", Vector{1, 0}, Vector{-1, 0}, -1},
		{"mismatched dims", Vector{1, 0}, Vector{1}, 0},
		{"zero vector", Vector{0, 0}, Vector{1, 1}, 0},
		{"empty", Vector{}, Vector{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-9)
		})
	}
}

func TestMemoryIndexQueryRanking(t *testing.T) {
	ctx := context.Background()
	ix := NewMemoryIndex()

	require.NoError(t, ix.Upsert(ctx, "exact", Vector{1, 0, 0}))
	require.NoError(t, ix.Upsert(ctx, "close", Vector{0.9, 0.1, 0}))
	require.NoError(t, ix.Upsert(ctx, "far", Vector{0, 0, 1}))

	matches, err := ix.Query(ctx, Vector{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "exact", matches[0].BlockID)
	assert.Equal(t, "close", matches[1].BlockID)
	assert.Greater(t, matches[0].Score, matches[1].Score)

	// k larger than the collection returns everything
	all, err := ix.Query(ctx, Vector{1, 0, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	// k <= 0 also returns everything
	all, err = ix.Query(ctx, Vector{1, 0, 0}, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMemoryIndexUpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	ix := NewMemoryIndex()

	require.NoError(t, ix.Upsert(ctx, "a", Vector{1, 0}))
	require.NoError(t, ix.Upsert(ctx, "a", Vector{0, 1}))
	assert.Equal(t, 1, ix.Len())

	matches, err := ix.Query(ctx, Vector{0, 1}, 1)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-9)
}

func TestMemoryIndexRemove(t *testing.T) {
	ctx := context.Background()
	ix := NewMemoryIndex()

	require.NoError(t, ix.Upsert(ctx, "a", Vector{1, 0}))
	require.NoError(t, ix.Remove(ctx, "a"))
	assert.Equal(t, 0, ix.Len())

	// Removing an absent id is a no-op
	require.NoError(t, ix.Remove(ctx, "missing"))
}

func TestRetryingEmbedderRecovers(t *testing.T) {
	inner := &flakyEmbedder{failures: 2}
	e := NewRetryingEmbedder(inner, 3)

	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, Vector{1, 2, 3}, vec)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryingEmbedderExhaustsBudget(t *testing.T) {
	inner := &flakyEmbedder{failures: 10}
	e := NewRetryingEmbedder(inner, 3)

	_, err := e.Embed(context.Background(), "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmbeddingFailure)
	assert.Equal(t, 3, inner.calls)
}

func TestRetryingEmbedderHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	inner := &flakyEmbedder{failures: 10}
	e := NewRetryingEmbedder(inner, 5)

	_, err := e.Embed(ctx, "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRebuild(t *testing.T) {
	ctx := context.Background()
	ix := NewMemoryIndex()
	emb := &stubEmbedder{vectors: map[string]Vector{
		"alpha": {1, 0, 0},
		"beta":  {0, 1, 0},
	}}

	blocks := []*types.MemoryBlock{
		{ID: "b1", Text: "alpha"},
		{ID: "b2", Text: "beta"},
		{ID: "b3", Text: "gamma"},
	}
	require.NoError(t, Rebuild(ctx, emb, ix, blocks, 2))
	assert.Equal(t, 3, ix.Len())
	assert.Equal(t, int64(3), emb.calls.Load())

	matches, err := ix.Query(ctx, Vector{0, 1, 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, "b2", matches[0].BlockID)
}

func TestRebuildPropagatesFailure(t *testing.T) {
	ix := NewMemoryIndex()
	inner := &flakyEmbedder{failures: 1000}

	blocks := []*types.MemoryBlock{{ID: "b1", Text: "alpha"}}
	err := Rebuild(context.Background(), inner, ix, blocks, 1)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrEmbeddingFailure)) // raw embedder, no retry wrapper
}
