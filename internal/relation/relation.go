// Package relation defines the registry of link relation types.
//
// Every relation has a semantic inverse so that backlinks can be resolved
// without persisting a second row: the store keeps only forward edges, and
// inbound queries rewrite them through this registry.
package relation

import (
	"fmt"
	"sort"

	"github.com/cognimem/membank/internal/types"
)

// Domain partitions relations by the subsystem that owns them.
type Domain string

// Relation domain constants
const (
	DomainCore              Domain = "core"
	DomainProjectManagement Domain = "project-management"
	DomainBugTracking       Domain = "bug-tracking"
	DomainKnowledge         Domain = "knowledge"
)

// Core relation names. Custom relations may be registered at startup but
// these are always present.
const (
	ParentOf      types.Relation = "parent_of"
	ChildOf       types.Relation = "child_of"
	BelongsToEpic types.Relation = "belongs_to_epic"
	EpicContains  types.Relation = "epic_contains"
	Blocks        types.Relation = "blocks"
	IsBlockedBy   types.Relation = "is_blocked_by"
	BugAffects    types.Relation = "bug_affects"
	AffectedBy    types.Relation = "affected_by"
	RelatedTo     types.Relation = "related_to"
	DerivedFrom   types.Relation = "derived_from"
	SourceOf      types.Relation = "source_of"
	DuplicateOf   types.Relation = "duplicate_of"
	HasDuplicate  types.Relation = "has_duplicate"
)

// Def describes one relation type.
type Def struct {
	Name    types.Relation
	Inverse types.Relation
	Domain  Domain
	// Acyclic relations reject edges that would close a cycle
	// (including self-links).
	Acyclic bool
}

// Registry maps relation names to definitions. It is populated at startup
// and treated as immutable afterwards; concurrent reads need no locking.
type Registry struct {
	defs   map[types.Relation]Def
	sealed bool
}

// NewRegistry returns a registry with every built-in relation registered.
func NewRegistry() *Registry {
	r := &Registry{defs: make(map[types.Relation]Def)}
	builtins := []Def{
		{Name: ParentOf, Inverse: ChildOf, Domain: DomainCore, Acyclic: true},
		{Name: ChildOf, Inverse: ParentOf, Domain: DomainCore, Acyclic: true},
		{Name: DuplicateOf, Inverse: HasDuplicate, Domain: DomainCore},
		{Name: HasDuplicate, Inverse: DuplicateOf, Domain: DomainCore},
		{Name: BelongsToEpic, Inverse: EpicContains, Domain: DomainProjectManagement, Acyclic: true},
		{Name: EpicContains, Inverse: BelongsToEpic, Domain: DomainProjectManagement, Acyclic: true},
		{Name: Blocks, Inverse: IsBlockedBy, Domain: DomainProjectManagement, Acyclic: true},
		{Name: IsBlockedBy, Inverse: Blocks, Domain: DomainProjectManagement, Acyclic: true},
		{Name: BugAffects, Inverse: AffectedBy, Domain: DomainBugTracking},
		{Name: AffectedBy, Inverse: BugAffects, Domain: DomainBugTracking},
		{Name: RelatedTo, Inverse: RelatedTo, Domain: DomainKnowledge},
		{Name: DerivedFrom, Inverse: SourceOf, Domain: DomainKnowledge},
		{Name: SourceOf, Inverse: DerivedFrom, Domain: DomainKnowledge},
	}
	for _, def := range builtins {
		if err := r.Register(def); err != nil {
			// Built-in table is static; a failure here is a programming error.
			panic(fmt.Sprintf("relation: invalid builtin %s: %v", def.Name, err))
		}
	}
	if err := r.Verify(); err != nil {
		panic(fmt.Sprintf("relation: builtin registry inconsistent: %v", err))
	}
	return r
}

// Register adds a relation definition. Must be called before Seal.
func (r *Registry) Register(def Def) error {
	if r.sealed {
		return fmt.Errorf("registry is sealed")
	}
	if def.Name == "" {
		return fmt.Errorf("relation name is required")
	}
	if def.Inverse == "" {
		return fmt.Errorf("relation %s: inverse is required", def.Name)
	}
	if def.Domain == "" {
		return fmt.Errorf("relation %s: domain is required", def.Name)
	}
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("relation %s already registered", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Verify checks registry-wide consistency: every relation's inverse must
// itself be registered and point back, and acyclicity must agree across
// each inverse pair.
func (r *Registry) Verify() error {
	for name, def := range r.defs {
		inv, ok := r.defs[def.Inverse]
		if !ok {
			return fmt.Errorf("relation %s: inverse %s is not registered", name, def.Inverse)
		}
		if inv.Inverse != name {
			return fmt.Errorf("relation %s: inverse %s points back to %s", name, def.Inverse, inv.Inverse)
		}
		if inv.Acyclic != def.Acyclic {
			return fmt.Errorf("relation %s and inverse %s disagree on acyclicity", name, def.Inverse)
		}
	}
	return nil
}

// Seal marks the registry immutable. Further Register calls fail.
func (r *Registry) Seal() {
	r.sealed = true
}

// Known reports whether the relation is registered.
func (r *Registry) Known(rel types.Relation) bool {
	_, ok := r.defs[rel]
	return ok
}

// Get returns the definition for a relation.
func (r *Registry) Get(rel types.Relation) (Def, error) {
	def, ok := r.defs[rel]
	if !ok {
		return Def{}, fmt.Errorf("unknown relation: %s", rel)
	}
	return def, nil
}

// Inverse returns the semantic inverse of a relation.
func (r *Registry) Inverse(rel types.Relation) (types.Relation, error) {
	def, err := r.Get(rel)
	if err != nil {
		return "", err
	}
	return def.Inverse, nil
}

// IsAcyclic reports whether edges of this relation must not form cycles.
// Unknown relations are treated as acyclic (fail closed).
func (r *Registry) IsAcyclic(rel types.Relation) bool {
	def, ok := r.defs[rel]
	if !ok {
		return true
	}
	return def.Acyclic
}

// Names returns all registered relation names, sorted.
func (r *Registry) Names() []types.Relation {
	names := make([]types.Relation, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// IsParentFamily reports whether a relation participates in the
// parent/child hierarchy and therefore drives parent_id/has_children
// bookkeeping in the store.
func IsParentFamily(rel types.Relation) bool {
	return rel == ParentOf || rel == ChildOf
}

// Canonicalize rewrites a link so the persisted edge always uses the
// canonical orientation for parent-family relations (parent_of). Links
// submitted as child_of are flipped. Other relations pass through.
func (r *Registry) Canonicalize(link *types.BlockLink) *types.BlockLink {
	if link.Relation != ChildOf {
		return link
	}
	flipped := *link
	flipped.FromID, flipped.ToID = link.ToID, link.FromID
	flipped.Relation = ParentOf
	return &flipped
}
