// Package membank provides the public API of the structured memory bank:
// typed memory blocks with a link graph, stored in a versioned relational
// system of record and mirrored into a semantic index.
//
// Most programs only need Open, which wires configuration, storage,
// embedding and the bank orchestrator together:
//
//	bank, err := membank.Open(ctx, ".membank")
//	if err != nil { ... }
//	defer bank.Close()
//
//	block, err := bank.CreateMemoryBlock(ctx, &membank.MemoryBlock{
//		Type: membank.TypeTask,
//		Text: "migrate the billing tables",
//		Metadata: map[string]any{"title": "billing migration"},
//	})
package membank

import (
	"context"
	"fmt"

	"github.com/cognimem/membank/internal/bank"
	"github.com/cognimem/membank/internal/config"
	"github.com/cognimem/membank/internal/relation"
	"github.com/cognimem/membank/internal/schema"
	"github.com/cognimem/membank/internal/semantic"
	"github.com/cognimem/membank/internal/storage"
	"github.com/cognimem/membank/internal/storage/dolt"
	"github.com/cognimem/membank/internal/storage/memory"
	"github.com/cognimem/membank/internal/telemetry"
	"github.com/cognimem/membank/internal/types"
)

// Version is the library version (overridden by ldflags at build time).
var Version = "0.1.0"

// Core types for working with memory blocks
type (
	MemoryBlock = types.MemoryBlock
	BlockLink   = types.BlockLink
	BlockProof  = types.BlockProof
	BlockFilter = types.BlockFilter
	BlockPatch  = types.BlockPatch
	BlockType   = types.BlockType
	BlockState  = types.BlockState
	Visibility  = types.Visibility
	Relation    = types.Relation

	// SemanticFilter narrows QuerySemantic results by type and tags.
	SemanticFilter = bank.SemanticFilter
)

// Block type constants
const (
	TypeTask        = types.TypeTask
	TypeProject     = types.TypeProject
	TypeEpic        = types.TypeEpic
	TypeBug         = types.TypeBug
	TypeLog         = types.TypeLog
	TypeInteraction = types.TypeInteraction
	TypeDoc         = types.TypeDoc
	TypeKnowledge   = types.TypeKnowledge
)

// Block state constants
const (
	StateDraft     = types.StateDraft
	StatePublished = types.StatePublished
	StateArchived  = types.StateArchived
)

// Built-in relations
const (
	RelParentOf      = relation.ParentOf
	RelChildOf       = relation.ChildOf
	RelBelongsToEpic = relation.BelongsToEpic
	RelBlocks        = relation.Blocks
	RelBugAffects    = relation.BugAffects
	RelRelatedTo     = relation.RelatedTo
	RelDerivedFrom   = relation.DerivedFrom
	RelDuplicateOf   = relation.DuplicateOf
)

// Bank is the memory bank handle. All mutations go through it.
type Bank = bank.Bank

// Config re-exports the configuration root for callers building their own
// wiring instead of using Open.
type Config = config.Config

// Error kinds surfaced by bank operations, usable with bank.KindOf.
const (
	KindSchemaValidation   = bank.KindSchemaValidation
	KindUnknownType        = bank.KindUnknownType
	KindDuplicateID        = bank.KindDuplicateID
	KindNotFound           = bank.KindNotFound
	KindVersionConflict    = bank.KindVersionConflict
	KindHasChildren        = bank.KindHasChildren
	KindEmbeddingFailure   = bank.KindEmbeddingFailure
	KindCycleDetected      = bank.KindCycleDetected
	KindAtomicityViolation = bank.KindAtomicityViolation
)

// KindOf extracts the error kind from a bank error chain.
func KindOf(err error) bank.Kind { return bank.KindOf(err) }

// Handle owns the wired components and closes them together.
type Handle struct {
	*Bank
	store storage.Store
}

// Close releases the underlying store.
func (h *Handle) Close() error {
	return h.store.Close()
}

// Open loads configuration from dir (membank.yaml plus MEMBANK_* env
// overrides) and wires a ready-to-use bank.
func Open(ctx context.Context, dir string) (*Handle, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	return OpenWith(ctx, cfg)
}

// OpenWith wires a bank from an explicit configuration.
func OpenWith(ctx context.Context, cfg *config.Config) (*Handle, error) {
	if err := telemetry.Init(ctx, "membank", Version); err != nil {
		return nil, err
	}

	relations := relation.NewRegistry()
	store, err := openStore(ctx, cfg, relations)
	if err != nil {
		return nil, err
	}
	store = telemetry.WrapStore(store)

	embedder, err := openEmbedder(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	b, err := bank.New(ctx, bank.Options{
		Store:          store,
		Schemas:        schema.Builtin(),
		Relations:      relations,
		Embedder:       embedder,
		Index:          semantic.NewMemoryIndex(),
		Actor:          cfg.Actor,
		TopK:           cfg.Query.TopK,
		RebuildWorkers: cfg.Query.RebuildWorkers,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &Handle{Bank: b, store: store}, nil
}

func openStore(ctx context.Context, cfg *config.Config, relations *relation.Registry) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return memory.New(relations), nil
	case config.BackendDoltEmbedded:
		return dolt.New(ctx, &dolt.Config{
			Path:           cfg.Storage.Path,
			Database:       cfg.Storage.Database,
			Branch:         cfg.Storage.Branch,
			CommitterName:  cfg.Storage.CommitterName,
			CommitterEmail: cfg.Storage.CommitterEmail,
		}, relations)
	case config.BackendDoltServer:
		return dolt.New(ctx, &dolt.Config{
			Database:       cfg.Storage.Database,
			Branch:         cfg.Storage.Branch,
			CommitterName:  cfg.Storage.CommitterName,
			CommitterEmail: cfg.Storage.CommitterEmail,
			ServerMode:     true,
			ServerHost:     cfg.Storage.ServerHost,
			ServerPort:     cfg.Storage.ServerPort,
			ServerUser:     cfg.Storage.ServerUser,
			ServerPassword: cfg.Storage.ServerPassword,
			ServerTLS:      cfg.Storage.ServerTLS,
		}, relations)
	default:
		return nil, fmt.Errorf("membank: unknown storage backend %q", cfg.Storage.Backend)
	}
}

func openEmbedder(cfg *config.Config) (semantic.Embedder, error) {
	var inner semantic.Embedder
	switch cfg.Embedding.Provider {
	case config.ProviderOpenAI:
		inner = semantic.NewOpenAIEmbedder(
			cfg.Embedding.Endpoint, cfg.Embedding.APIKey,
			cfg.Embedding.Model, cfg.Embedding.Dims)
	case config.ProviderOllama:
		inner = semantic.NewOllamaEmbedder(cfg.Embedding.Endpoint, cfg.Embedding.Model)
	case config.ProviderNone:
		inner = noopEmbedder{}
	default:
		return nil, fmt.Errorf("membank: unknown embedding provider %q", cfg.Embedding.Provider)
	}
	if _, ok := inner.(noopEmbedder); ok {
		return inner, nil
	}
	return semantic.NewRetryingEmbedder(inner, cfg.Embedding.MaxAttempts), nil
}

// noopEmbedder keeps the bank functional with embeddings disabled: every
// block maps to the same unit vector, so semantic queries degrade to
// recency-free uniform results rather than failing.
type noopEmbedder struct{}

func (noopEmbedder) Embed(context.Context, string) (semantic.Vector, error) {
	return semantic.Vector{1}, nil
}

func (noopEmbedder) Dims() int { return 1 }
