// Package schema provides the versioned metadata schema registry.
//
// Each block type maps to exactly one current schema version and a
// validator. The registry is populated at process start and treated as
// immutable afterwards; it is passed explicitly to components that need
// validation rather than living in package-global state.
package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cognimem/membank/internal/types"
)

// Sentinel errors for registry conditions
var (
	// ErrUnknownType indicates the block type has no registered schema
	ErrUnknownType = errors.New("unknown block type")

	// ErrDuplicateRegistration indicates Register was called twice for the
	// same (type, version) pair
	ErrDuplicateRegistration = errors.New("duplicate schema registration")

	// ErrSchemaDrift indicates the persisted version markers disagree with
	// the schemas compiled into this binary
	ErrSchemaDrift = errors.New("schema version drift")
)

// ValidationError reports field-level metadata violations.
type ValidationError struct {
	Type       types.BlockType
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("metadata for type %s is invalid: %s", e.Type, strings.Join(e.Violations, "; "))
}

// Validator checks type-specific metadata and returns field-level
// violation messages. An empty slice means the metadata is valid.
type Validator func(metadata map[string]any) []string

// Upgrader migrates metadata written at version-1 of a schema to the
// current version. Upgraders are chained when a record is several
// versions behind.
type Upgrader func(metadata map[string]any) (map[string]any, error)

type entry struct {
	version   int
	validate  Validator
	upgraders map[int]Upgrader // keyed by the version they upgrade FROM
}

// Registry is the single source of truth mapping block type to
// (current version, validator).
type Registry struct {
	entries map[types.BlockType]*entry
}

// NewRegistry returns an empty registry. Most callers want Builtin.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[types.BlockType]*entry)}
}

// Register installs the validator for a block type at the given version.
// Re-registering the same (type, version) fails with
// ErrDuplicateRegistration; versions must be positive and increase
// monotonically across registrations for the same type.
func (r *Registry) Register(t types.BlockType, version int, v Validator) error {
	if !t.IsValid() {
		return fmt.Errorf("register %s: %w", t, ErrUnknownType)
	}
	if version < 1 {
		return fmt.Errorf("register %s: version must be positive (got %d)", t, version)
	}
	if v == nil {
		return fmt.Errorf("register %s: validator is required", t)
	}
	if existing, ok := r.entries[t]; ok {
		if existing.version == version {
			return fmt.Errorf("register %s v%d: %w", t, version, ErrDuplicateRegistration)
		}
		if version < existing.version {
			return fmt.Errorf("register %s: version %d is below current %d", t, version, existing.version)
		}
		existing.version = version
		existing.validate = v
		return nil
	}
	r.entries[t] = &entry{version: version, validate: v, upgraders: make(map[int]Upgrader)}
	return nil
}

// RegisterUpgrader installs a migration from fromVersion to fromVersion+1
// for the given type.
func (r *Registry) RegisterUpgrader(t types.BlockType, fromVersion int, u Upgrader) error {
	e, ok := r.entries[t]
	if !ok {
		return fmt.Errorf("upgrader for %s: %w", t, ErrUnknownType)
	}
	if _, dup := e.upgraders[fromVersion]; dup {
		return fmt.Errorf("upgrader for %s v%d: %w", t, fromVersion, ErrDuplicateRegistration)
	}
	e.upgraders[fromVersion] = u
	return nil
}

// Version returns the current schema version for a block type.
func (r *Registry) Version(t types.BlockType) (int, error) {
	e, ok := r.entries[t]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	return e.version, nil
}

// Validate checks metadata against the registered schema for the type.
func (r *Registry) Validate(t types.BlockType, metadata map[string]any) error {
	e, ok := r.entries[t]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	if violations := e.validate(metadata); len(violations) > 0 {
		return &ValidationError{Type: t, Violations: violations}
	}
	return nil
}

// Upgrade migrates metadata recorded at fromVersion to the current
// version by chaining registered upgraders. Metadata already at the
// current version passes through unchanged.
func (r *Registry) Upgrade(t types.BlockType, fromVersion int, metadata map[string]any) (map[string]any, int, error) {
	e, ok := r.entries[t]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	if fromVersion >= e.version {
		return metadata, e.version, nil
	}
	for v := fromVersion; v < e.version; v++ {
		up, ok := e.upgraders[v]
		if !ok {
			return nil, 0, fmt.Errorf("no upgrader for %s v%d -> v%d", t, v, v+1)
		}
		var err error
		metadata, err = up(metadata)
		if err != nil {
			return nil, 0, fmt.Errorf("upgrading %s v%d: %w", t, v, err)
		}
	}
	return metadata, e.version, nil
}

// Types returns the registered block types, sorted.
func (r *Registry) Types() []types.BlockType {
	out := make([]types.BlockType, 0, len(r.entries))
	for t := range r.entries {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Versions returns the full type -> current version map, for persisting
// into the node_schemas table.
func (r *Registry) Versions() map[types.BlockType]int {
	out := make(map[types.BlockType]int, len(r.entries))
	for t, e := range r.entries {
		out[t] = e.version
	}
	return out
}

// CheckDrift compares persisted version markers against the registry.
// A persisted version newer than the compiled-in one means this binary is
// stale; older markers are fine (they are bumped on the next write).
func (r *Registry) CheckDrift(persisted map[types.BlockType]int) error {
	for t, stored := range persisted {
		e, ok := r.entries[t]
		if !ok {
			return fmt.Errorf("%w: persisted type %s has no registered schema", ErrSchemaDrift, t)
		}
		if stored > e.version {
			return fmt.Errorf("%w: type %s persisted at v%d but binary knows v%d", ErrSchemaDrift, t, stored, e.version)
		}
	}
	return nil
}

// --- field-spec validators ---

// FieldKind enumerates the value kinds a metadata field may hold.
type FieldKind int

// Field kinds
const (
	KindString FieldKind = iota
	KindInt
	KindFloat
	KindBool
	KindTime // RFC3339 string
)

// Field describes one metadata field constraint.
type Field struct {
	Name      string
	Kind      FieldKind
	Required  bool
	MaxLength int      // strings only, 0 = unlimited
	OneOf     []string // strings only
	Min, Max  *float64 // numeric kinds
}

// Fields builds a Validator from a field table. Unknown metadata keys are
// rejected so typos surface at write time instead of lingering silently.
func Fields(fields ...Field) Validator {
	byName := make(map[string]Field, len(fields))
	for _, f := range fields {
		byName[f.Name] = f
	}
	return func(metadata map[string]any) []string {
		var violations []string
		for _, f := range fields {
			val, present := metadata[f.Name]
			if !present {
				if f.Required {
					violations = append(violations, fmt.Sprintf("%s: required field missing", f.Name))
				}
				continue
			}
			if msg := checkField(f, val); msg != "" {
				violations = append(violations, msg)
			}
		}
		for key := range metadata {
			if _, known := byName[key]; !known {
				violations = append(violations, fmt.Sprintf("%s: unknown field", key))
			}
		}
		sort.Strings(violations)
		return violations
	}
}

func checkField(f Field, val any) string {
	switch f.Kind {
	case KindString, KindTime:
		s, ok := val.(string)
		if !ok {
			return fmt.Sprintf("%s: expected string, got %T", f.Name, val)
		}
		if f.Kind == KindTime {
			if _, err := time.Parse(time.RFC3339, s); err != nil {
				return fmt.Sprintf("%s: not an RFC3339 timestamp: %q", f.Name, s)
			}
			return ""
		}
		if f.MaxLength > 0 && len(s) > f.MaxLength {
			return fmt.Sprintf("%s: exceeds %d characters", f.Name, f.MaxLength)
		}
		if len(f.OneOf) > 0 {
			for _, allowed := range f.OneOf {
				if s == allowed {
					return ""
				}
			}
			return fmt.Sprintf("%s: %q is not one of %s", f.Name, s, strings.Join(f.OneOf, ", "))
		}
	case KindInt:
		n, ok := asFloat(val)
		if !ok || n != float64(int64(n)) {
			return fmt.Sprintf("%s: expected integer, got %v", f.Name, val)
		}
		return checkRange(f, n)
	case KindFloat:
		n, ok := asFloat(val)
		if !ok {
			return fmt.Sprintf("%s: expected number, got %T", f.Name, val)
		}
		return checkRange(f, n)
	case KindBool:
		if _, ok := val.(bool); !ok {
			return fmt.Sprintf("%s: expected bool, got %T", f.Name, val)
		}
	}
	return ""
}

func checkRange(f Field, n float64) string {
	if f.Min != nil && n < *f.Min {
		return fmt.Sprintf("%s: %v is below minimum %v", f.Name, n, *f.Min)
	}
	if f.Max != nil && n > *f.Max {
		return fmt.Sprintf("%s: %v is above maximum %v", f.Name, n, *f.Max)
	}
	return ""
}

// asFloat accepts the numeric types that JSON decoding and callers
// typically hand us.
func asFloat(val any) (float64, bool) {
	switch n := val.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func ptr(f float64) *float64 { return &f }

// Builtin returns a registry with schemas for every built-in block type.
func Builtin() *Registry {
	r := NewRegistry()
	register := func(t types.BlockType, version int, v Validator) {
		if err := r.Register(t, version, v); err != nil {
			// Static table; failure is a programming error.
			panic(fmt.Sprintf("schema: builtin %s: %v", t, err))
		}
	}

	register(types.TypeTask, 2, Fields(
		Field{Name: "title", Kind: KindString, MaxLength: 200},
		Field{Name: "status", Kind: KindString, OneOf: []string{"todo", "in_progress", "blocked", "done"}},
		Field{Name: "priority", Kind: KindInt, Min: ptr(0), Max: ptr(4)},
		Field{Name: "assignee", Kind: KindString, MaxLength: 100},
		Field{Name: "due_date", Kind: KindTime},
	))
	// v1 task metadata used a free-form "state" field; fold it into "status".
	if err := r.RegisterUpgrader(types.TypeTask, 1, func(m map[string]any) (map[string]any, error) {
		out := make(map[string]any, len(m))
		for k, v := range m {
			if k == "state" {
				out["status"] = v
				continue
			}
			out[k] = v
		}
		return out, nil
	}); err != nil {
		panic(fmt.Sprintf("schema: task upgrader: %v", err))
	}

	register(types.TypeProject, 1, Fields(
		Field{Name: "name", Kind: KindString, MaxLength: 200},
		Field{Name: "phase", Kind: KindString, OneOf: []string{"planning", "active", "paused", "done"}},
		Field{Name: "deadline", Kind: KindTime},
	))
	register(types.TypeEpic, 1, Fields(
		Field{Name: "owner", Kind: KindString, MaxLength: 100},
		Field{Name: "target_date", Kind: KindTime},
	))
	register(types.TypeBug, 1, Fields(
		Field{Name: "severity", Kind: KindString, OneOf: []string{"low", "medium", "high", "critical"}},
		Field{Name: "repro", Kind: KindString, MaxLength: 2000},
		Field{Name: "fixed", Kind: KindBool},
	))
	register(types.TypeLog, 1, Fields(
		Field{Name: "source", Kind: KindString, MaxLength: 200},
		Field{Name: "level", Kind: KindString, OneOf: []string{"debug", "info", "warn", "error"}},
	))
	register(types.TypeInteraction, 1, Fields(
		Field{Name: "actor", Kind: KindString, MaxLength: 100},
		Field{Name: "channel", Kind: KindString, MaxLength: 100},
		Field{Name: "session", Kind: KindString, MaxLength: 100},
	))
	register(types.TypeDoc, 1, Fields(
		Field{Name: "title", Kind: KindString, MaxLength: 200},
		Field{Name: "format", Kind: KindString, OneOf: []string{"markdown", "text"}},
	))
	register(types.TypeKnowledge, 1, Fields(
		Field{Name: "confidence", Kind: KindFloat, Min: ptr(0), Max: ptr(1)},
		Field{Name: "source_url", Kind: KindString, MaxLength: 500},
	))
	return r
}
