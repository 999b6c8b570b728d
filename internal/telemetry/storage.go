package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cognimem/membank/internal/storage"
	"github.com/cognimem/membank/internal/types"
)

const storageScopeName = "github.com/cognimem/membank/storage"

// InstrumentedStore wraps storage.Store with OTel tracing and metrics.
// Every method gets a span and is counted in membank.storage.* metrics.
// Use WrapStore to create one; it returns the original store unchanged when
// telemetry is disabled.
type InstrumentedStore struct {
	inner  storage.Store
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// WrapStore returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStore(s storage.Store) storage.Store {
	if !Enabled() {
		return s
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("membank.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("membank.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("membank.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	return &InstrumentedStore{
		inner:  s,
		tracer: Tracer(storageScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
	}
}

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStore) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStore) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

func (s *InstrumentedStore) InsertBlock(ctx context.Context, block *types.MemoryBlock) (string, error) {
	attrs := []attribute.KeyValue{attribute.String("membank.block.type", string(block.Type))}
	ctx, span, t := s.op(ctx, "InsertBlock", attrs...)
	ref, err := s.inner.InsertBlock(ctx, block)
	s.done(ctx, span, t, err, attrs...)
	return ref, err
}

func (s *InstrumentedStore) UpdateBlock(ctx context.Context, block *types.MemoryBlock, expectedVersion int64) (string, error) {
	attrs := []attribute.KeyValue{attribute.String("membank.block.id", block.ID)}
	ctx, span, t := s.op(ctx, "UpdateBlock", attrs...)
	ref, err := s.inner.UpdateBlock(ctx, block, expectedVersion)
	s.done(ctx, span, t, err, attrs...)
	return ref, err
}

func (s *InstrumentedStore) DeleteBlock(ctx context.Context, id string, force bool) (string, error) {
	attrs := []attribute.KeyValue{
		attribute.String("membank.block.id", id),
		attribute.Bool("membank.force", force),
	}
	ctx, span, t := s.op(ctx, "DeleteBlock", attrs...)
	ref, err := s.inner.DeleteBlock(ctx, id, force)
	s.done(ctx, span, t, err, attrs...)
	return ref, err
}

func (s *InstrumentedStore) GetBlock(ctx context.Context, id string) (*types.MemoryBlock, error) {
	attrs := []attribute.KeyValue{attribute.String("membank.block.id", id)}
	ctx, span, t := s.op(ctx, "GetBlock", attrs...)
	v, err := s.inner.GetBlock(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStore) ListBlocks(ctx context.Context, filter types.BlockFilter) ([]*types.MemoryBlock, string, error) {
	ctx, span, t := s.op(ctx, "ListBlocks")
	v, cursor, err := s.inner.ListBlocks(ctx, filter)
	span.SetAttributes(attribute.Int("membank.result.count", len(v)))
	s.done(ctx, span, t, err)
	return v, cursor, err
}

func (s *InstrumentedStore) UpsertLink(ctx context.Context, link *types.BlockLink) error {
	attrs := []attribute.KeyValue{attribute.String("membank.relation", string(link.Relation))}
	ctx, span, t := s.op(ctx, "UpsertLink", attrs...)
	err := s.inner.UpsertLink(ctx, link)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) DeleteLink(ctx context.Context, fromID, toID string, rel types.Relation) error {
	attrs := []attribute.KeyValue{attribute.String("membank.relation", string(rel))}
	ctx, span, t := s.op(ctx, "DeleteLink", attrs...)
	err := s.inner.DeleteLink(ctx, fromID, toID, rel)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) LinksFrom(ctx context.Context, id string, rel types.Relation, dir types.LinkDirection) ([]*types.BlockLink, error) {
	ctx, span, t := s.op(ctx, "LinksFrom")
	v, err := s.inner.LinksFrom(ctx, id, rel, dir)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) LinksTo(ctx context.Context, id string, rel types.Relation) ([]*types.BlockLink, error) {
	ctx, span, t := s.op(ctx, "LinksTo")
	v, err := s.inner.LinksTo(ctx, id, rel)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) AppendProof(ctx context.Context, proof *types.BlockProof) error {
	attrs := []attribute.KeyValue{attribute.String("membank.proof.op", string(proof.Operation))}
	ctx, span, t := s.op(ctx, "AppendProof", attrs...)
	err := s.inner.AppendProof(ctx, proof)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) ListProofs(ctx context.Context, blockID string, limit int) ([]*types.BlockProof, error) {
	ctx, span, t := s.op(ctx, "ListProofs")
	v, err := s.inner.ListProofs(ctx, blockID, limit)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) RegisterSchemaVersion(ctx context.Context, t types.BlockType, version int) error {
	ctx, span, start := s.op(ctx, "RegisterSchemaVersion")
	err := s.inner.RegisterSchemaVersion(ctx, t, version)
	s.done(ctx, span, start, err)
	return err
}

func (s *InstrumentedStore) SchemaVersions(ctx context.Context) (map[types.BlockType]int, error) {
	ctx, span, t := s.op(ctx, "SchemaVersions")
	v, err := s.inner.SchemaVersions(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) MarkInconsistent(ctx context.Context, blockID, reason string) error {
	attrs := []attribute.KeyValue{attribute.String("membank.block.id", blockID)}
	ctx, span, t := s.op(ctx, "MarkInconsistent", attrs...)
	err := s.inner.MarkInconsistent(ctx, blockID, reason)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStore) ClearInconsistent(ctx context.Context, blockID string) error {
	ctx, span, t := s.op(ctx, "ClearInconsistent")
	err := s.inner.ClearInconsistent(ctx, blockID)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStore) InconsistentBlocks(ctx context.Context) ([]string, error) {
	ctx, span, t := s.op(ctx, "InconsistentBlocks")
	v, err := s.inner.InconsistentBlocks(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStore) RunInTransaction(ctx context.Context, fn func(tx storage.Tx) error) error {
	ctx, span, t := s.op(ctx, "RunInTransaction")
	err := s.inner.RunInTransaction(ctx, fn)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}

// Unwrap exposes the wrapped store so capability checks like
// storage.AsVersioned can reach the backend.
func (s *InstrumentedStore) Unwrap() storage.Store {
	return s.inner
}
