package trait

import (
	"fmt"
	"math"
	"sort"

	"traitcast/domain/core"
)

// ============================================================================
// AXES AND TRAITS (canonical, never change)
// ============================================================================

// Axis is one of the five predicted ecological indicator dimensions.
// Indicator targets live on a 0-10 scale.
type Axis string

const (
	AxisLight       Axis = "L"
	AxisTemperature Axis = "T"
	AxisMoisture    Axis = "M"
	AxisReaction    Axis = "R"
	AxisNutrients   Axis = "N"
)

// AllAxes returns the five axes in canonical order.
func AllAxes() []Axis {
	return []Axis{AxisLight, AxisTemperature, AxisMoisture, AxisReaction, AxisNutrients}
}

// Trait identifies one of the six functional trait predictors.
type Trait string

const (
	TraitLeafArea Trait = "leaf_area"
	TraitSLA      Trait = "sla"
	TraitLDMC     Trait = "ldmc"
	TraitLeafN    Trait = "leaf_n"
	TraitHeight   Trait = "height"
	TraitSeedMass Trait = "seed_mass"
)

// AllTraits returns the six traits in canonical order.
func AllTraits() []Trait {
	return []Trait{TraitLeafArea, TraitSLA, TraitLDMC, TraitLeafN, TraitHeight, TraitSeedMass}
}

// GroupKind identifies a categorical grouping dimension on species records.
type GroupKind string

const (
	GroupSymbiosis   GroupKind = "symbiosis"    // none, am, em, nfix
	GroupGrowthHabit GroupKind = "growth_habit" // herbaceous, semi-woody, woody
)

// ============================================================================
// SPECIES RECORDS
// ============================================================================

// Record is one species row: six numeric traits, five nullable 0-10
// indicator targets, categorical group labels, and an optional phylogenetic
// identifier. Missing trait values are NaN; missing indicators are nil.
type Record struct {
	Species    core.SpeciesID       `json:"species"`
	Traits     map[Trait]float64    `json:"traits"`
	Indicators map[Axis]*float64    `json:"indicators"`
	Groups     map[GroupKind]string `json:"groups,omitempty"`
	PhyloID    string               `json:"phylo_id,omitempty"`
}

// Indicator returns the target value for an axis and whether it is present.
func (r Record) Indicator(axis Axis) (float64, bool) {
	v, ok := r.Indicators[axis]
	if !ok || v == nil {
		return math.NaN(), false
	}
	return *v, true
}

// TraitValue returns a trait value and whether it is present and finite.
func (r Record) TraitValue(t Trait) (float64, bool) {
	v, ok := r.Traits[t]
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return math.NaN(), false
	}
	return v, true
}

// Group returns the label for a grouping dimension, or "" when unlabeled.
func (r Record) Group(kind GroupKind) string {
	return r.Groups[kind]
}

// Table is an immutable collection of species records. Rows keep insertion
// order; all derived indexing is positional so fold assignments stay stable.
type Table struct {
	rows []Record
}

// NewTable validates and wraps species records. Duplicate species
// identifiers are rejected; the upstream provider is assumed to have
// deduplicated names already, so a duplicate means a broken input.
func NewTable(rows []Record) (*Table, error) {
	seen := make(map[core.SpeciesID]struct{}, len(rows))
	for i, r := range rows {
		if r.Species.String() == "" {
			return nil, fmt.Errorf("row %d: empty species identifier", i)
		}
		if _, dup := seen[r.Species]; dup {
			return nil, fmt.Errorf("duplicate species identifier %q", r.Species)
		}
		seen[r.Species] = struct{}{}
	}
	copied := make([]Record, len(rows))
	copy(copied, rows)
	return &Table{rows: copied}, nil
}

// Len returns the number of species rows.
func (t *Table) Len() int { return len(t.rows) }

// Row returns the record at index i.
func (t *Table) Row(i int) Record { return t.rows[i] }

// Rows returns a copy of all records.
func (t *Table) Rows() []Record {
	out := make([]Record, len(t.rows))
	copy(out, t.rows)
	return out
}

// SpeciesIDs returns all species identifiers in row order.
func (t *Table) SpeciesIDs() []core.SpeciesID {
	out := make([]core.SpeciesID, len(t.rows))
	for i, r := range t.rows {
		out[i] = r.Species
	}
	return out
}

// GroupLevels returns the sorted distinct labels for a grouping dimension.
func (t *Table) GroupLevels(kind GroupKind) []string {
	set := make(map[string]struct{})
	for _, r := range t.rows {
		if g := r.Group(kind); g != "" {
			set[g] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for g := range set {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Hash fingerprints the table for run manifests.
func (t *Table) Hash() core.TableHash {
	ids := make([]string, len(t.rows))
	for i, r := range t.rows {
		ids[i] = r.Species.String()
	}
	return core.ComputeTableHash(ids, len(t.rows))
}

// ============================================================================
// COMPOSITE SPECIFICATIONS
// ============================================================================

// CompositeSpec names a derived scalar axis summarizing correlated traits via
// a fold-trained linear projection. Reference fixes the projection sign: the
// reference trait's loading is oriented non-negative.
type CompositeSpec struct {
	Name      string  `json:"name"`
	Traits    []Trait `json:"traits"`
	Reference Trait   `json:"reference"`
}

// Validate checks the spec names at least two traits and that the reference
// trait is a member.
func (s CompositeSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("composite spec requires a name")
	}
	if len(s.Traits) < 2 {
		return fmt.Errorf("composite %q requires at least two traits, got %d", s.Name, len(s.Traits))
	}
	for _, t := range s.Traits {
		if t == s.Reference {
			return nil
		}
	}
	return fmt.Errorf("composite %q: reference trait %q is not a member", s.Name, s.Reference)
}

// DefaultComposites returns the leaf-economics and size composites used by
// the production model.
func DefaultComposites() []CompositeSpec {
	return []CompositeSpec{
		{Name: "LES", Traits: []Trait{TraitSLA, TraitLeafN, TraitLDMC}, Reference: TraitSLA},
		{Name: "SIZE", Traits: []Trait{TraitHeight, TraitSeedMass}, Reference: TraitHeight},
	}
}

// ============================================================================
// GROUP POLICIES (closed variant set)
// ============================================================================

// PolicyKind tags the closed set of group-handling variants for one model
// term. Group-specific behavior is always expressed through an explicit
// allowlist, never by dispatching on arbitrary group values at runtime.
type PolicyKind string

const (
	// PolicyShared fits one coefficient for all species.
	PolicyShared PolicyKind = "shared"
	// PolicyGroupOverride keeps the shared structure but refits the term's
	// coefficient within each allowlisted group label.
	PolicyGroupOverride PolicyKind = "group_override"
)

// TermPolicy describes how one designated model term treats groups.
type TermPolicy struct {
	Kind      PolicyKind `json:"kind"`
	GroupKind GroupKind  `json:"group_kind,omitempty"`
	Allowlist []string   `json:"allowlist,omitempty"`
}

// SharedPolicy returns the default shared-coefficient policy.
func SharedPolicy() TermPolicy {
	return TermPolicy{Kind: PolicyShared}
}

// OverridePolicy returns a group-override policy for an explicit allowlist.
func OverridePolicy(kind GroupKind, allowlist ...string) TermPolicy {
	sorted := make([]string, len(allowlist))
	copy(sorted, allowlist)
	sort.Strings(sorted)
	return TermPolicy{Kind: PolicyGroupOverride, GroupKind: kind, Allowlist: sorted}
}

// Applies reports whether the policy overrides the coefficient for a record.
func (p TermPolicy) Applies(r Record) (string, bool) {
	switch p.Kind {
	case PolicyShared:
		return "", false
	case PolicyGroupOverride:
		label := r.Group(p.GroupKind)
		for _, allowed := range p.Allowlist {
			if label == allowed {
				return label, true
			}
		}
		return "", false
	default:
		return "", false
	}
}

// Validate rejects unknown policy kinds and override policies without an
// allowlist, keeping the variant set exhaustively checkable.
func (p TermPolicy) Validate() error {
	switch p.Kind {
	case PolicyShared:
		return nil
	case PolicyGroupOverride:
		if p.GroupKind == "" {
			return fmt.Errorf("group override policy requires a group kind")
		}
		if len(p.Allowlist) == 0 {
			return fmt.Errorf("group override policy requires a non-empty allowlist")
		}
		return nil
	default:
		return fmt.Errorf("unknown policy kind %q", p.Kind)
	}
}
