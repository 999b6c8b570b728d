package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validBlock() *MemoryBlock {
	b := &MemoryBlock{
		ID:        "blk-1",
		Type:      TypeTask,
		Text:      "Write the release notes",
		Tags:      []string{"docs", "release"},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	b.SetDefaults()
	return b
}

func TestBlockValidate(t *testing.T) {
	require.NoError(t, validBlock().Validate())
}

func TestBlockValidateRejectsBadFields(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*MemoryBlock)
	}{
		{"missing id", func(b *MemoryBlock) { b.ID = "" }},
		{"unknown type", func(b *MemoryBlock) { b.Type = "gizmo" }},
		{"empty text", func(b *MemoryBlock) { b.Text = "" }},
		{"unknown state", func(b *MemoryBlock) { b.State = "limbo" }},
		{"unknown visibility", func(b *MemoryBlock) { b.Visibility = "secret" }},
		{"zero version", func(b *MemoryBlock) { b.BlockVersion = 0 }},
		{"empty tag", func(b *MemoryBlock) { b.Tags = []string{""} }},
		{"duplicate tag", func(b *MemoryBlock) { b.Tags = []string{"a", "a"} }},
		{"long tag", func(b *MemoryBlock) {
			tag := make([]byte, MaxTagLength+1)
			for i := range tag {
				tag[i] = 'x'
			}
			b.Tags = []string{string(tag)}
		}},
		{"self parent", func(b *MemoryBlock) { b.ParentID = &b.ID }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := validBlock()
			tt.mutate(b)
			assert.Error(t, b.Validate())
		})
	}
}

func TestSetDefaults(t *testing.T) {
	b := &MemoryBlock{ID: "blk-2", Type: TypeLog, Text: "boot"}
	b.SetDefaults()
	assert.Equal(t, StateDraft, b.State)
	assert.Equal(t, VisibilityInternal, b.Visibility)
	assert.Equal(t, int64(1), b.BlockVersion)

	// Defaults never override explicit values.
	b2 := &MemoryBlock{ID: "blk-3", Type: TypeLog, Text: "boot", State: StatePublished, BlockVersion: 4}
	b2.SetDefaults()
	assert.Equal(t, StatePublished, b2.State)
	assert.Equal(t, int64(4), b2.BlockVersion)
}

func TestCloneIsDeep(t *testing.T) {
	b := validBlock()
	b.Metadata = map[string]any{"status": "todo"}
	pid := "blk-parent"
	b.ParentID = &pid

	cp := b.Clone()
	cp.Tags[0] = "mutated"
	cp.Metadata["status"] = "done"
	*cp.ParentID = "other"

	assert.Equal(t, "docs", b.Tags[0])
	assert.Equal(t, "todo", b.Metadata["status"])
	assert.Equal(t, "blk-parent", *b.ParentID)
}

func TestLinkValidate(t *testing.T) {
	link := &BlockLink{FromID: "a", ToID: "b", Relation: "related_to"}
	require.NoError(t, link.Validate())

	assert.Error(t, (&BlockLink{FromID: "a", ToID: "a", Relation: "related_to"}).Validate())
	assert.Error(t, (&BlockLink{FromID: "", ToID: "b", Relation: "related_to"}).Validate())
	assert.Error(t, (&BlockLink{FromID: "a", ToID: "b"}).Validate())
}

func TestPatchApply(t *testing.T) {
	b := validBlock()
	text := "rewritten"
	state := StatePublished
	patch := &BlockPatch{Text: &text, State: &state}

	changed := patch.Apply(b)
	assert.ElementsMatch(t, []string{"text", "state"}, changed)
	assert.Equal(t, "rewritten", b.Text)
	assert.Equal(t, StatePublished, b.State)
	// Untouched fields survive.
	assert.Equal(t, []string{"docs", "release"}, b.Tags)

	assert.True(t, (&BlockPatch{}).IsEmpty())
	assert.False(t, patch.IsEmpty())
}
