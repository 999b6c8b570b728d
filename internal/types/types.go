// Package types defines core data structures for the membank memory store.
package types

import (
	"fmt"
	"time"
)

// MemoryBlock is a typed, versioned unit of persisted content.
type MemoryBlock struct {
	ID            string         `json:"id"`
	Type          BlockType      `json:"type"`
	Text          string         `json:"text"`
	Tags          []string       `json:"tags,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	State         BlockState     `json:"state,omitempty"`
	Visibility    Visibility     `json:"visibility,omitempty"`
	BlockVersion  int64          `json:"block_version"`
	SchemaVersion int            `json:"schema_version,omitempty"`
	ParentID      *string        `json:"parent_id,omitempty"`
	HasChildren   bool           `json:"has_children,omitempty"`
	// Inconsistent marks a block whose relational and semantic state could
	// not be reconciled after a partial failure. Maintained by the store,
	// surfaced read-only to callers.
	Inconsistent bool      `json:"inconsistent,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// MaxTags is the maximum number of tags a block may carry.
const MaxTags = 20

// MaxTagLength is the maximum length of a single tag.
const MaxTagLength = 64

// MaxTextLength bounds the primary content field.
const MaxTextLength = 100_000

// Validate checks if the block has valid field values.
func (b *MemoryBlock) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !b.Type.IsValid() {
		return fmt.Errorf("invalid block type: %s", b.Type)
	}
	if b.Text == "" {
		return fmt.Errorf("text is required")
	}
	if len(b.Text) > MaxTextLength {
		return fmt.Errorf("text must be %d characters or less (got %d)", MaxTextLength, len(b.Text))
	}
	if !b.State.IsValid() {
		return fmt.Errorf("invalid state: %s", b.State)
	}
	if !b.Visibility.IsValid() {
		return fmt.Errorf("invalid visibility: %s", b.Visibility)
	}
	if b.BlockVersion < 1 {
		return fmt.Errorf("block_version must be >= 1 (got %d)", b.BlockVersion)
	}
	if len(b.Tags) > MaxTags {
		return fmt.Errorf("too many tags: %d (max %d)", len(b.Tags), MaxTags)
	}
	seen := make(map[string]bool, len(b.Tags))
	for _, tag := range b.Tags {
		if tag == "" {
			return fmt.Errorf("empty tag")
		}
		if len(tag) > MaxTagLength {
			return fmt.Errorf("tag %q exceeds %d characters", tag, MaxTagLength)
		}
		if seen[tag] {
			return fmt.Errorf("duplicate tag: %s", tag)
		}
		seen[tag] = true
	}
	if b.ParentID != nil && *b.ParentID == b.ID {
		return fmt.Errorf("block cannot be its own parent")
	}
	return nil
}

// SetDefaults applies default values for fields omitted at creation:
//   - State: defaults to StateDraft
//   - Visibility: defaults to VisibilityInternal
//   - BlockVersion: defaults to 1
func (b *MemoryBlock) SetDefaults() {
	if b.State == "" {
		b.State = StateDraft
	}
	if b.Visibility == "" {
		b.Visibility = VisibilityInternal
	}
	if b.BlockVersion == 0 {
		b.BlockVersion = 1
	}
}

// Clone returns a deep copy of the block. Stores hand out clones so callers
// cannot mutate cached state.
func (b *MemoryBlock) Clone() *MemoryBlock {
	if b == nil {
		return nil
	}
	cp := *b
	if b.Tags != nil {
		cp.Tags = append([]string(nil), b.Tags...)
	}
	if b.Metadata != nil {
		cp.Metadata = make(map[string]any, len(b.Metadata))
		for k, v := range b.Metadata {
			cp.Metadata[k] = v
		}
	}
	if b.ParentID != nil {
		pid := *b.ParentID
		cp.ParentID = &pid
	}
	return &cp
}

// BlockType categorizes a memory block and selects its metadata schema.
type BlockType string

// Block type constants
const (
	TypeTask        BlockType = "task"
	TypeProject     BlockType = "project"
	TypeEpic        BlockType = "epic"
	TypeBug         BlockType = "bug"
	TypeLog         BlockType = "log"
	TypeInteraction BlockType = "interaction"
	TypeDoc         BlockType = "doc"
	TypeKnowledge   BlockType = "knowledge"
)

// AllBlockTypes lists every built-in block type.
func AllBlockTypes() []BlockType {
	return []BlockType{
		TypeTask, TypeProject, TypeEpic, TypeBug,
		TypeLog, TypeInteraction, TypeDoc, TypeKnowledge,
	}
}

// IsValid checks if the block type value is valid.
func (t BlockType) IsValid() bool {
	switch t {
	case TypeTask, TypeProject, TypeEpic, TypeBug, TypeLog, TypeInteraction, TypeDoc, TypeKnowledge:
		return true
	}
	return false
}

// BlockState represents the lifecycle state of a block.
type BlockState string

// Block state constants
const (
	StateDraft     BlockState = "draft"
	StatePublished BlockState = "published"
	StateArchived  BlockState = "archived"
)

// IsValid checks if the state value is valid.
func (s BlockState) IsValid() bool {
	switch s {
	case StateDraft, StatePublished, StateArchived:
		return true
	}
	return false
}

// Visibility controls who may read a block.
type Visibility string

// Visibility constants
const (
	VisibilityInternal Visibility = "internal"
	VisibilityPublic   Visibility = "public"
)

// IsValid checks if the visibility value is valid.
func (v Visibility) IsValid() bool {
	return v == VisibilityInternal || v == VisibilityPublic
}

// Relation names a directed edge type between two blocks. The full
// definitions (inverse, domain, acyclicity) live in the relation registry.
type Relation string

// BlockLink is a directed, typed relationship between two MemoryBlocks.
// Only the forward edge is persisted; the inverse direction is resolved
// at query time from the relation registry.
type BlockLink struct {
	FromID    string         `json:"from_id"`
	ToID      string         `json:"to_id"`
	Relation  Relation       `json:"relation"`
	Priority  int            `json:"priority,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	CreatedBy string         `json:"created_by,omitempty"`
}

// Clone returns a deep copy of the link.
func (l *BlockLink) Clone() *BlockLink {
	if l == nil {
		return nil
	}
	cp := *l
	if l.Metadata != nil {
		cp.Metadata = make(map[string]any, len(l.Metadata))
		for k, v := range l.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Validate checks link-local invariants. Registry-dependent checks
// (known relation, cycles) happen in the store.
func (l *BlockLink) Validate() error {
	if l.FromID == "" || l.ToID == "" {
		return fmt.Errorf("from_id and to_id are required")
	}
	if l.FromID == l.ToID {
		return fmt.Errorf("self-referential link: %s", l.FromID)
	}
	if l.Relation == "" {
		return fmt.Errorf("relation is required")
	}
	return nil
}

// LinkDirection selects which edges a link query returns.
type LinkDirection string

// Link direction constants
const (
	DirectionOutbound LinkDirection = "outbound"
	DirectionInbound  LinkDirection = "inbound"
	DirectionBoth     LinkDirection = "both"
)

// IsValid checks if the direction value is valid.
func (d LinkDirection) IsValid() bool {
	switch d {
	case DirectionOutbound, DirectionInbound, DirectionBoth, "":
		return true
	}
	return false
}

// ProofOperation categorizes entries in the append-only proof log.
type ProofOperation string

// Proof operation constants
const (
	ProofCreate ProofOperation = "create"
	ProofUpdate ProofOperation = "update"
	ProofDelete ProofOperation = "delete"
)

// BlockProof is an immutable audit record of a committed mutation.
type BlockProof struct {
	ID        int64          `json:"id"`
	BlockID   string         `json:"block_id"`
	Operation ProofOperation `json:"operation"`
	CommitRef string         `json:"commit_ref,omitempty"`
	Actor     string         `json:"actor,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// BlockFilter is used to filter block queries.
type BlockFilter struct {
	Type       *BlockType
	State      *BlockState
	Visibility *Visibility
	Tags       []string // AND semantics: block must have ALL these tags
	TagsAny    []string // OR semantics: block must have AT LEAST ONE of these tags
	// MetadataEquals matches blocks whose metadata contains every given
	// key with the given (stringified) value.
	MetadataEquals map[string]string
	IDs            []string
	Limit          int
	// Cursor is an opaque pagination token returned by a previous query.
	Cursor string
}

// BlockPatch describes a partial update. Nil pointer fields are left
// unchanged; Metadata, when non-nil, replaces the metadata wholesale.
type BlockPatch struct {
	Text       *string        `json:"text,omitempty"`
	Tags       *[]string      `json:"tags,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	State      *BlockState    `json:"state,omitempty"`
	Visibility *Visibility    `json:"visibility,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p *BlockPatch) IsEmpty() bool {
	return p.Text == nil && p.Tags == nil && p.Metadata == nil &&
		p.State == nil && p.Visibility == nil
}

// Apply copies the patch onto a block, returning the set of changed field
// names. The caller is responsible for re-validating the result.
func (p *BlockPatch) Apply(b *MemoryBlock) []string {
	var changed []string
	if p.Text != nil {
		b.Text = *p.Text
		changed = append(changed, "text")
	}
	if p.Tags != nil {
		b.Tags = append([]string(nil), (*p.Tags)...)
		changed = append(changed, "tags")
	}
	if p.Metadata != nil {
		b.Metadata = p.Metadata
		changed = append(changed, "metadata")
	}
	if p.State != nil {
		b.State = *p.State
		changed = append(changed, "state")
	}
	if p.Visibility != nil {
		b.Visibility = *p.Visibility
		changed = append(changed, "visibility")
	}
	return changed
}
