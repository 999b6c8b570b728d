// Package bank implements the structured memory bank: the single mutation
// surface coordinating the relational system of record and the semantic
// index. Writes go to the relational store first; the semantic projection
// follows, and failures there are compensated by rolling the relational
// write back. No lock is held across the two stores.
package bank

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cognimem/membank/internal/relation"
	"github.com/cognimem/membank/internal/schema"
	"github.com/cognimem/membank/internal/semantic"
	"github.com/cognimem/membank/internal/storage"
	"github.com/cognimem/membank/internal/telemetry"
	"github.com/cognimem/membank/internal/types"
)

// Mutation states, recorded as span events so a trace shows how far a
// write progressed before committing or rolling back.
const (
	stateValidating  = "VALIDATING"
	statePersisting  = "PERSISTING_RELATIONAL"
	stateIndexing    = "INDEXING_SEMANTIC"
	stateCommitted   = "COMMITTED"
	stateRollingBack = "ROLLING_BACK"
)

const bankScopeName = "github.com/cognimem/membank/bank"

// DefaultTopK bounds semantic query results when the caller passes k <= 0.
const DefaultTopK = 10

// Options configures a Bank.
type Options struct {
	Store     storage.Store
	Schemas   *schema.Registry
	Relations *relation.Registry
	Embedder  semantic.Embedder
	Index     semantic.Index

	// Actor is recorded on proof rows. Defaults to "membank".
	Actor string

	// TopK caps semantic query results when the caller passes k <= 0.
	// Defaults to DefaultTopK.
	TopK int

	// RebuildWorkers bounds concurrency when RebuildIndex is called with
	// workers <= 0.
	RebuildWorkers int
}

// Bank is the structured memory bank. All cross-store invariants are
// enforced here; the stores below it only know their own half.
type Bank struct {
	store     storage.Store
	schemas   *schema.Registry
	relations *relation.Registry
	embedder  semantic.Embedder
	index     semantic.Index
	actor     string
	topK      int
	rebuildN  int

	tracer    trace.Tracer
	mutations metric.Int64Counter
	rollbacks metric.Int64Counter
}

// New wires a Bank, verifies the compiled schema registry against the
// persisted version markers, and records the current versions.
func New(ctx context.Context, opts Options) (*Bank, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("bank: store is required")
	}
	if opts.Schemas == nil {
		return nil, fmt.Errorf("bank: schema registry is required")
	}
	if opts.Relations == nil {
		return nil, fmt.Errorf("bank: relation registry is required")
	}
	if opts.Embedder == nil {
		return nil, fmt.Errorf("bank: embedder is required")
	}
	if opts.Index == nil {
		return nil, fmt.Errorf("bank: index is required")
	}
	if opts.Actor == "" {
		opts.Actor = "membank"
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultTopK
	}

	persisted, err := opts.Store.SchemaVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("bank: read schema versions: %w", err)
	}
	if err := opts.Schemas.CheckDrift(persisted); err != nil {
		return nil, fmt.Errorf("bank: %w", err)
	}
	for t, v := range opts.Schemas.Versions() {
		if persisted[t] == v {
			continue
		}
		if err := opts.Store.RegisterSchemaVersion(ctx, t, v); err != nil {
			return nil, fmt.Errorf("bank: register schema version %s: %w", t, err)
		}
	}

	m := telemetry.Meter(bankScopeName)
	mutations, _ := m.Int64Counter("membank.bank.mutations",
		metric.WithDescription("Committed bank mutations by operation"),
	)
	rollbacks, _ := m.Int64Counter("membank.bank.rollbacks",
		metric.WithDescription("Compensating rollbacks after semantic index failures"),
	)

	return &Bank{
		store:     opts.Store,
		schemas:   opts.Schemas,
		relations: opts.Relations,
		embedder:  opts.Embedder,
		index:     opts.Index,
		actor:     opts.Actor,
		topK:      opts.TopK,
		rebuildN:  opts.RebuildWorkers,
		tracer:    telemetry.Tracer(bankScopeName),
		mutations: mutations,
		rollbacks: rollbacks,
	}, nil
}

func (b *Bank) now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// CreateMemoryBlock validates, persists and indexes a new block. A missing
// id gets a generated UUID. On semantic index failure the relational insert
// is compensated away and the system looks as if the call never happened.
func (b *Bank) CreateMemoryBlock(ctx context.Context, block *types.MemoryBlock) (*types.MemoryBlock, error) {
	const op = "create block"
	ctx, span := b.tracer.Start(ctx, "bank.CreateMemoryBlock")
	defer span.End()

	span.AddEvent(stateValidating)
	if block == nil {
		return nil, b.fail(span, &Error{Kind: KindSchemaValidation, Op: op, Err: errors.New("block is nil")})
	}
	fresh := block.Clone()
	if fresh.ID == "" {
		fresh.ID = uuid.NewString()
	}
	span.SetAttributes(
		attribute.String("membank.block.id", fresh.ID),
		attribute.String("membank.block.type", string(fresh.Type)),
	)
	fresh.SetDefaults()
	now := b.now()
	fresh.CreatedAt, fresh.UpdatedAt = now, now

	if err := fresh.Validate(); err != nil {
		return nil, b.fail(span, &Error{Kind: KindSchemaValidation, Op: op, BlockID: fresh.ID, Err: err})
	}
	if err := b.schemas.Validate(fresh.Type, fresh.Metadata); err != nil {
		return nil, b.fail(span, classify(op, fresh.ID, err))
	}
	version, err := b.schemas.Version(fresh.Type)
	if err != nil {
		return nil, b.fail(span, classify(op, fresh.ID, err))
	}
	fresh.SchemaVersion = version

	span.AddEvent(statePersisting)
	commitRef, err := b.store.InsertBlock(ctx, fresh)
	if err != nil {
		return nil, b.fail(span, classify(op, fresh.ID, err))
	}

	span.AddEvent(stateIndexing)
	if err := b.indexBlock(ctx, fresh); err != nil {
		span.AddEvent(stateRollingBack)
		b.rollbacks.Add(ctx, 1)
		if _, derr := b.store.DeleteBlock(ctx, fresh.ID, true); derr != nil {
			const reason = "create compensation failed: relational row survived a semantic index failure"
			if merr := b.store.MarkInconsistent(ctx, fresh.ID, reason); merr != nil {
				derr = errors.Join(derr, merr)
			}
			return nil, b.fail(span, &Error{
				Kind: KindAtomicityViolation, Op: op, BlockID: fresh.ID,
				Err: errors.Join(err, derr),
			})
		}
		return nil, b.fail(span, classify(op, fresh.ID, err))
	}

	if err := b.appendProof(ctx, fresh.ID, types.ProofCreate, commitRef); err != nil {
		return nil, b.fail(span, classify(op, fresh.ID, err))
	}

	span.AddEvent(stateCommitted)
	b.mutations.Add(ctx, 1, metric.WithAttributes(attribute.String("membank.op", "create")))
	stored, err := b.store.GetBlock(ctx, fresh.ID)
	if err != nil {
		return nil, b.fail(span, classify(op, fresh.ID, err))
	}
	return stored, nil
}

// UpdateMemoryBlock applies a partial update under optimistic concurrency.
// Metadata written at an older schema version is upgraded before
// validation. If re-indexing the new text fails, the prior content is
// restored (at a fresh version) and the embedding error is returned.
func (b *Bank) UpdateMemoryBlock(ctx context.Context, id string, patch types.BlockPatch, expectedVersion int64) (*types.MemoryBlock, error) {
	const op = "update block"
	ctx, span := b.tracer.Start(ctx, "bank.UpdateMemoryBlock",
		trace.WithAttributes(attribute.String("membank.block.id", id)))
	defer span.End()

	span.AddEvent(stateValidating)
	current, err := b.store.GetBlock(ctx, id)
	if err != nil {
		return nil, b.fail(span, classify(op, id, err))
	}
	if patch.IsEmpty() {
		return current, nil
	}

	next := current.Clone()
	changed := patch.Apply(next)

	upgraded, version, err := b.schemas.Upgrade(next.Type, next.SchemaVersion, next.Metadata)
	if err != nil {
		return nil, b.fail(span, classify(op, id, err))
	}
	next.Metadata = upgraded
	next.SchemaVersion = version

	if err := b.schemas.Validate(next.Type, next.Metadata); err != nil {
		return nil, b.fail(span, classify(op, id, err))
	}
	if err := next.Validate(); err != nil {
		return nil, b.fail(span, &Error{Kind: KindSchemaValidation, Op: op, BlockID: id, Err: err})
	}
	next.UpdatedAt = b.now()

	span.AddEvent(statePersisting)
	commitRef, err := b.store.UpdateBlock(ctx, next, expectedVersion)
	if err != nil {
		return nil, b.fail(span, classify(op, id, err))
	}

	if contains(changed, "text") {
		span.AddEvent(stateIndexing)
		if err := b.indexBlock(ctx, next); err != nil {
			span.AddEvent(stateRollingBack)
			b.rollbacks.Add(ctx, 1)
			restore := current.Clone()
			restore.UpdatedAt = b.now()
			if _, rerr := b.store.UpdateBlock(ctx, restore, expectedVersion+1); rerr != nil {
				const reason = "update compensation failed: relational row holds text the semantic index never saw"
				if merr := b.store.MarkInconsistent(ctx, id, reason); merr != nil {
					rerr = errors.Join(rerr, merr)
				}
				return nil, b.fail(span, &Error{
					Kind: KindAtomicityViolation, Op: op, BlockID: id,
					Err: errors.Join(err, rerr),
				})
			}
			return nil, b.fail(span, classify(op, id, err))
		}
	}

	if err := b.appendProof(ctx, id, types.ProofUpdate, commitRef); err != nil {
		return nil, b.fail(span, classify(op, id, err))
	}

	span.AddEvent(stateCommitted)
	b.mutations.Add(ctx, 1, metric.WithAttributes(attribute.String("membank.op", "update")))
	stored, err := b.store.GetBlock(ctx, id)
	if err != nil {
		return nil, b.fail(span, classify(op, id, err))
	}
	return stored, nil
}

// DeleteMemoryBlock removes a block. The relational delete is
// authoritative; a failed semantic removal only leaks a stale vector,
// which queries filter out at hydration time.
func (b *Bank) DeleteMemoryBlock(ctx context.Context, id string, force bool) error {
	const op = "delete block"
	ctx, span := b.tracer.Start(ctx, "bank.DeleteMemoryBlock",
		trace.WithAttributes(attribute.String("membank.block.id", id)))
	defer span.End()

	span.AddEvent(statePersisting)
	commitRef, err := b.store.DeleteBlock(ctx, id, force)
	if err != nil {
		return b.fail(span, classify(op, id, err))
	}

	span.AddEvent(stateIndexing)
	if err := b.index.Remove(ctx, id); err != nil {
		// Stale vector leak, not a consistency violation.
		span.RecordError(err)
	}

	if err := b.appendProof(ctx, id, types.ProofDelete, commitRef); err != nil {
		return b.fail(span, classify(op, id, err))
	}

	span.AddEvent(stateCommitted)
	b.mutations.Add(ctx, 1, metric.WithAttributes(attribute.String("membank.op", "delete")))
	return nil
}

// GetBlock fetches one block by id.
func (b *Bank) GetBlock(ctx context.Context, id string) (*types.MemoryBlock, error) {
	block, err := b.store.GetBlock(ctx, id)
	if err != nil {
		return nil, classify("get block", id, err)
	}
	return block, nil
}

// ListBlocks pages through blocks matching the filter.
func (b *Bank) ListBlocks(ctx context.Context, filter types.BlockFilter) ([]*types.MemoryBlock, string, error) {
	blocks, cursor, err := b.store.ListBlocks(ctx, filter)
	if err != nil {
		return nil, "", classify("list blocks", "", err)
	}
	return blocks, cursor, nil
}

// GetBlocksByTags returns blocks carrying the given tags. matchAll demands
// every tag; otherwise one is enough.
func (b *Bank) GetBlocksByTags(ctx context.Context, tags []string, matchAll bool, limit int, cursor string) ([]*types.MemoryBlock, string, error) {
	filter := types.BlockFilter{Limit: limit, Cursor: cursor}
	if matchAll {
		filter.Tags = tags
	} else {
		filter.TagsAny = tags
	}
	blocks, next, err := b.store.ListBlocks(ctx, filter)
	if err != nil {
		return nil, "", classify("get blocks by tags", "", err)
	}
	return blocks, next, nil
}

// SemanticFilter narrows semantic query results during relational
// hydration. The zero value matches everything.
type SemanticFilter struct {
	// Type keeps only blocks of the given type when non-empty.
	Type types.BlockType

	// Tags keeps only blocks carrying every listed tag.
	Tags []string
}

func (f SemanticFilter) isZero() bool {
	return f.Type == "" && len(f.Tags) == 0
}

func (f SemanticFilter) matches(block *types.MemoryBlock) bool {
	if f.Type != "" && block.Type != f.Type {
		return false
	}
	for _, want := range f.Tags {
		if !contains(block.Tags, want) {
			return false
		}
	}
	return true
}

// QuerySemantic embeds the query text and returns the top-k most similar
// blocks, hydrated from the relational store. Ids the index still holds
// for deleted blocks are silently dropped; filter is applied during
// hydration so filtered-out matches never count against topK.
func (b *Bank) QuerySemantic(ctx context.Context, query string, topK int, filter SemanticFilter) ([]*types.MemoryBlock, error) {
	const op = "semantic query"
	ctx, span := b.tracer.Start(ctx, "bank.QuerySemantic")
	defer span.End()

	if topK <= 0 {
		topK = b.topK
	}
	vec, err := b.embedder.Embed(ctx, query)
	if err != nil {
		return nil, b.fail(span, classify(op, "", err))
	}
	// With a filter in play some matches will be discarded, so take the
	// full ranking and cut to topK after hydration.
	fetchK := topK
	if !filter.isZero() {
		fetchK = 0
	}
	matches, err := b.index.Query(ctx, vec, fetchK)
	if err != nil {
		return nil, b.fail(span, classify(op, "", err))
	}

	blocks := make([]*types.MemoryBlock, 0, topK)
	for _, m := range matches {
		block, err := b.store.GetBlock(ctx, m.BlockID)
		if errors.Is(err, storage.ErrNotFound) {
			continue // stale index entry
		}
		if err != nil {
			return nil, b.fail(span, classify(op, m.BlockID, err))
		}
		if !filter.matches(block) {
			continue
		}
		blocks = append(blocks, block)
		if len(blocks) == topK {
			break
		}
	}
	span.SetAttributes(attribute.Int("membank.result.count", len(blocks)))
	return blocks, nil
}

// CreateLink adds an edge between two existing blocks. The store enforces
// relation validity, endpoint existence and acyclicity.
func (b *Bank) CreateLink(ctx context.Context, link *types.BlockLink) error {
	if link == nil {
		return &Error{Kind: KindSchemaValidation, Op: "create link", Err: errors.New("link is nil")}
	}
	if link.CreatedBy == "" {
		link = link.Clone()
		link.CreatedBy = b.actor
	}
	if err := b.store.UpsertLink(ctx, link); err != nil {
		return classify("create link", "", err)
	}
	return nil
}

// DeleteLink removes an edge, accepting either orientation of the relation.
func (b *Bank) DeleteLink(ctx context.Context, fromID, toID string, rel types.Relation) error {
	if err := b.store.DeleteLink(ctx, fromID, toID, rel); err != nil {
		return classify("delete link", "", err)
	}
	return nil
}

// GetForwardLinks returns outbound edges for a block, optionally filtered
// by relation.
func (b *Bank) GetForwardLinks(ctx context.Context, id string, rel types.Relation) ([]*types.BlockLink, error) {
	links, err := b.store.LinksFrom(ctx, id, rel, types.DirectionOutbound)
	if err != nil {
		return nil, classify("forward links", id, err)
	}
	return links, nil
}

// GetBacklinks returns inbound edges for a block, expressed under the
// inverse relation names.
func (b *Bank) GetBacklinks(ctx context.Context, id string, rel types.Relation) ([]*types.BlockLink, error) {
	links, err := b.store.LinksTo(ctx, id, rel)
	if err != nil {
		return nil, classify("backlinks", id, err)
	}
	return links, nil
}

// Proofs returns the audit log for a block (or all blocks when id is
// empty), oldest first.
func (b *Bank) Proofs(ctx context.Context, blockID string, limit int) ([]*types.BlockProof, error) {
	proofs, err := b.store.ListProofs(ctx, blockID, limit)
	if err != nil {
		return nil, classify("list proofs", blockID, err)
	}
	return proofs, nil
}

// History returns prior committed states of a block. Only available on
// versioned backends (Dolt).
func (b *Bank) History(ctx context.Context, blockID string, limit int) ([]*storage.HistoryEntry, error) {
	v, ok := storage.AsVersioned(b.store)
	if !ok {
		return nil, &Error{Kind: KindInternal, Op: "history", BlockID: blockID,
			Err: errors.New("backend does not keep history")}
	}
	entries, err := v.History(ctx, blockID, limit)
	if err != nil {
		return nil, classify("history", blockID, err)
	}
	return entries, nil
}

func (b *Bank) indexBlock(ctx context.Context, block *types.MemoryBlock) error {
	vec, err := b.embedder.Embed(ctx, block.Text)
	if err != nil {
		return err
	}
	return b.index.Upsert(ctx, block.ID, vec)
}

func (b *Bank) appendProof(ctx context.Context, blockID string, op types.ProofOperation, commitRef string) error {
	return b.store.AppendProof(ctx, &types.BlockProof{
		BlockID:   blockID,
		Operation: op,
		CommitRef: commitRef,
		Actor:     b.actor,
		CreatedAt: b.now(),
	})
}

// fail records err on the span and passes it through.
func (b *Bank) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
