package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognimem/membank/internal/types"
)

func TestBuiltinCoversAllBlockTypes(t *testing.T) {
	r := Builtin()
	for _, bt := range types.AllBlockTypes() {
		v, err := r.Version(bt)
		require.NoError(t, err, "type %s", bt)
		assert.GreaterOrEqual(t, v, 1)
	}
}

func TestVersionUnknownType(t *testing.T) {
	r := Builtin()
	_, err := r.Version("widget")
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestValidateTaskMetadata(t *testing.T) {
	r := Builtin()

	err := r.Validate(types.TypeTask, map[string]any{
		"title":    "Ship the thing",
		"status":   "in_progress",
		"priority": 2,
	})
	require.NoError(t, err)

	err = r.Validate(types.TypeTask, map[string]any{
		"status":   "procrastinating",
		"priority": 9,
		"surprise": true,
	})
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, types.TypeTask, verr.Type)
	// bad status, out-of-range priority, unknown field
	assert.Len(t, verr.Violations, 3)
}

func TestValidateEmptyMetadataAllTypes(t *testing.T) {
	r := Builtin()

	// Every field in the built-in schemas is optional; a bare block with
	// no metadata at all is valid for every type.
	for _, bt := range r.Types() {
		assert.NoError(t, r.Validate(bt, map[string]any{}), "type %s", bt)
		assert.NoError(t, r.Validate(bt, nil), "type %s", bt)
	}
}

func TestValidateFieldKinds(t *testing.T) {
	r := Builtin()

	tests := []struct {
		name     string
		bt       types.BlockType
		metadata map[string]any
		wantErr  bool
	}{
		{"bug ok", types.TypeBug, map[string]any{"severity": "high", "fixed": false}, false},
		{"bug bad severity", types.TypeBug, map[string]any{"severity": "catastrophic"}, true},
		{"bug without severity", types.TypeBug, map[string]any{}, false},
		{"bug non-bool fixed", types.TypeBug, map[string]any{"severity": "low", "fixed": "yes"}, true},
		{"knowledge confidence in range", types.TypeKnowledge, map[string]any{"confidence": 0.8}, false},
		{"knowledge confidence out of range", types.TypeKnowledge, map[string]any{"confidence": 1.5}, true},
		{"task bad due date", types.TypeTask, map[string]any{"title": "t", "due_date": "tomorrow"}, true},
		{"task good due date", types.TypeTask, map[string]any{"title": "t", "due_date": "2026-09-01T10:00:00Z"}, false},
		{"task float priority rejected", types.TypeTask, map[string]any{"title": "t", "priority": 1.5}, true},
		{"task json-decoded int priority", types.TypeTask, map[string]any{"title": "t", "priority": float64(3)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Validate(tt.bt, tt.metadata)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegisterRules(t *testing.T) {
	r := NewRegistry()
	noop := Fields()

	require.NoError(t, r.Register(types.TypeDoc, 1, noop))

	err := r.Register(types.TypeDoc, 1, noop)
	assert.ErrorIs(t, err, ErrDuplicateRegistration)

	// Monotonic bump is allowed, downgrade is not.
	require.NoError(t, r.Register(types.TypeDoc, 2, noop))
	assert.Error(t, r.Register(types.TypeDoc, 1, noop))

	assert.Error(t, r.Register(types.TypeDoc, 0, noop), "non-positive version")
	assert.Error(t, r.Register("widget", 1, noop), "unknown block type")
}

func TestUpgradeChainsTaskV1(t *testing.T) {
	r := Builtin()

	upgraded, version, err := r.Upgrade(types.TypeTask, 1, map[string]any{
		"title": "Legacy task",
		"state": "in_progress",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.Equal(t, "in_progress", upgraded["status"])
	_, hasState := upgraded["state"]
	assert.False(t, hasState)

	// Current-version metadata passes through untouched.
	same, version, err := r.Upgrade(types.TypeTask, 2, map[string]any{"title": "t"})
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.Equal(t, "t", same["title"])
}

func TestUpgradeMissingUpgrader(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(types.TypeDoc, 3, Fields()))
	_, _, err := r.Upgrade(types.TypeDoc, 1, map[string]any{})
	assert.Error(t, err)
}

func TestCheckDrift(t *testing.T) {
	r := Builtin()

	taskVersion, err := r.Version(types.TypeTask)
	require.NoError(t, err)

	assert.NoError(t, r.CheckDrift(map[types.BlockType]int{types.TypeTask: taskVersion}))
	assert.NoError(t, r.CheckDrift(map[types.BlockType]int{types.TypeTask: taskVersion - 1}),
		"older persisted marker is bumped on next write, not drift")

	err = r.CheckDrift(map[types.BlockType]int{types.TypeTask: taskVersion + 1})
	assert.True(t, errors.Is(err, ErrSchemaDrift), "newer persisted marker means stale binary")

	err = r.CheckDrift(map[types.BlockType]int{"widget": 1})
	assert.True(t, errors.Is(err, ErrSchemaDrift))
}
