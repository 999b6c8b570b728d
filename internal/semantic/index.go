package semantic

import (
	"context"
	"sort"
	"sync"
)

// Match is one index hit, best first.
type Match struct {
	BlockID string
	Score   float64
}

// Index stores block vectors and ranks them against a query vector.
type Index interface {
	// Upsert stores or replaces a block's vector. Idempotent.
	Upsert(ctx context.Context, blockID string, vec Vector) error

	// Remove drops a block's vector. Removing an absent id is a no-op.
	Remove(ctx context.Context, blockID string) error

	// Query returns up to k matches ranked by cosine similarity. k <= 0
	// returns every indexed block.
	Query(ctx context.Context, vec Vector, k int) ([]Match, error)

	// Len reports the number of indexed blocks.
	Len() int
}

// MemoryIndex is a brute-force in-memory vector index. Fine for the
// collection sizes a single bank holds; swap in a vector database behind
// the Index interface when that stops being true.
type MemoryIndex struct {
	mu      sync.RWMutex
	vectors map[string]Vector
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{vectors: make(map[string]Vector)}
}

func (ix *MemoryIndex) Upsert(_ context.Context, blockID string, vec Vector) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.vectors[blockID] = append(Vector(nil), vec...)
	return nil
}

func (ix *MemoryIndex) Remove(_ context.Context, blockID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.vectors, blockID)
	return nil
}

func (ix *MemoryIndex) Query(_ context.Context, vec Vector, k int) ([]Match, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	matches := make([]Match, 0, len(ix.vectors))
	for id, v := range ix.vectors {
		matches = append(matches, Match{BlockID: id, Score: CosineSimilarity(vec, v)})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].BlockID < matches[j].BlockID
	})
	if k > 0 && len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (ix *MemoryIndex) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.vectors)
}
