package ports

import (
	"context"

	"traitcast/domain/core"
	"traitcast/domain/scenario"
	"traitcast/domain/trait"
	"traitcast/internal/errors"
)

// SpeciesPrediction carries a species' per-axis point predictions and the
// optional group labels used to select per-group uncertainty parameters.
type SpeciesPrediction struct {
	Species     core.SpeciesID             `json:"species"`
	Predictions map[trait.Axis]float64     `json:"predictions"`
	Groups      map[trait.GroupKind]string `json:"groups,omitempty"`
}

// SuitabilityResult is the simulator's answer for one species/scenario pair.
// Draws is the realized draw count; warnings are never dropped.
type SuitabilityResult struct {
	Species     core.SpeciesID       `json:"species"`
	Scenario    string               `json:"scenario"`
	Probability float64              `json:"probability"`
	Pass        bool                 `json:"pass"`
	Threshold   float64              `json:"threshold"`
	Draws       int                  `json:"draws"`
	Warnings    []errors.WarningCode `json:"warnings,omitempty"`
}

// ScenarioSummary aggregates a batch run for one scenario.
type ScenarioSummary struct {
	Scenario   string  `json:"scenario"`
	Species    int     `json:"species"`
	MeanProb   float64 `json:"mean_prob"`
	MedianProb float64 `json:"median_prob"`
	MaxProb    float64 `json:"max_prob"`
	PassCount  int     `json:"pass_count"`
	Threshold  float64 `json:"threshold"`
}

// SimulatorPort is the downstream suitability-screening interface: joint
// conjunctive probabilities from point predictions, fitted uncertainty, and
// district copulas.
type SimulatorPort interface {
	Simulate(ctx context.Context, pred SpeciesPrediction, sc scenario.Scenario, threshold float64) (*SuitabilityResult, error)
	SimulateBatch(ctx context.Context, preds []SpeciesPrediction, scenarios []scenario.Scenario, threshold float64) ([]SuitabilityResult, []ScenarioSummary, error)
}
