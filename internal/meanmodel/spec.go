// Package meanmodel fits per-indicator mean structures over composites and
// remaining traits. Predictions are unbounded real values on the 0-10 scale;
// clipping is left to downstream consumers.
package meanmodel

import (
	"fmt"

	"traitcast/domain/trait"
)

// ModelForm selects the shape of the mean structure.
type ModelForm string

const (
	// FormLinear fits every term linearly.
	FormLinear ModelForm = "linear"
	// FormAdditive expands composite terms with a restricted cubic spline
	// basis, keeping the fit linear in parameters.
	FormAdditive ModelForm = "additive"
)

// Spec describes one axis's mean structure: which composites and
// log-transformed traits enter, optional interactions, the model form, and
// per-term group policies drawn from the closed TermPolicy variant set.
type Spec struct {
	Axis         trait.Axis
	Composites   []trait.CompositeSpec
	LogTraits    []trait.Trait
	Interactions [][2]string
	Form         ModelForm
	Policies     map[string]trait.TermPolicy // term name -> policy
	// PhyloNeighbors > 0 adds a leakage-safe phylogenetic neighbor-mean
	// predictor using that many nearest training-fold neighbors. Optional,
	// off the primary path.
	PhyloNeighbors int
}

// Validate checks composites, policies, and the model form.
func (s Spec) Validate() error {
	if s.Axis == "" {
		return fmt.Errorf("model spec requires an axis")
	}
	switch s.Form {
	case FormLinear, FormAdditive:
	default:
		return fmt.Errorf("axis %s: unknown model form %q", s.Axis, s.Form)
	}
	for _, c := range s.Composites {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	for term, policy := range s.Policies {
		if err := policy.Validate(); err != nil {
			return fmt.Errorf("axis %s term %q: %w", s.Axis, term, err)
		}
	}
	return nil
}

// Formula renders the predictor structure in R-ish notation for the
// structural-equations artifact.
func (s Spec) Formula() string {
	out := string(s.Axis) + " ~ "
	first := true
	add := func(term string) {
		if !first {
			out += " + "
		}
		out += term
		first = false
	}
	for _, c := range s.Composites {
		if s.Form == FormAdditive {
			add("rcs(" + c.Name + ")")
		} else {
			add(c.Name)
		}
	}
	for _, t := range s.LogTraits {
		add(LogTraitTerm(t))
	}
	for _, pair := range s.Interactions {
		add(pair[0] + ":" + pair[1])
	}
	if s.PhyloNeighbors > 0 {
		add(TermPhyloNeighbor)
	}
	return out
}

// TermPhyloNeighbor names the optional phylogenetic neighbor-mean predictor.
const TermPhyloNeighbor = "phylo_neighbor"

// LogTraitTerm names the log-transformed predictor column for a trait.
func LogTraitTerm(t trait.Trait) string {
	return "log10_" + string(t)
}

// DefaultSpecs returns the production mean structures. The SIZE coefficient
// is refit within the woody growth habits on every axis where SIZE enters,
// and the leaf-nitrogen coefficient is refit for nitrogen fixers on the
// nutrient axis, both through explicit allowlists.
func DefaultSpecs() map[trait.Axis]Spec {
	composites := trait.DefaultComposites()

	woodySize := trait.OverridePolicy(trait.GroupGrowthHabit, "woody", "semi-woody")
	nfixLeafN := trait.OverridePolicy(trait.GroupSymbiosis, "nfix")

	specs := make(map[trait.Axis]Spec, 5)
	for _, axis := range trait.AllAxes() {
		s := Spec{
			Axis:       axis,
			Composites: composites,
			LogTraits:  []trait.Trait{trait.TraitLeafArea},
			Form:       FormLinear,
			Policies:   map[string]trait.TermPolicy{"SIZE": woodySize},
		}
		switch axis {
		case trait.AxisMoisture, trait.AxisNutrients:
			s.Form = FormAdditive
		}
		if axis == trait.AxisNutrients {
			s.LogTraits = []trait.Trait{trait.TraitLeafArea, trait.TraitLeafN}
			s.Policies[LogTraitTerm(trait.TraitLeafN)] = nfixLeafN
		}
		if axis == trait.AxisLight {
			s.Interactions = [][2]string{{"LES", "SIZE"}}
		}
		specs[axis] = s
	}
	return specs
}
