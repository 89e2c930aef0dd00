package sem

import (
	"fmt"
	"sort"
	"strings"

	"traitcast/domain/core"
	"traitcast/domain/trait"
	"traitcast/internal/errors"
)

// ============================================================================
// STRUCTURAL EQUATIONS
// ============================================================================

// TermCoefficient is one fitted term of a mean-structure equation. When a
// group-override policy applies, GroupOverrides holds the per-label
// coefficients for the allowlisted groups only.
type TermCoefficient struct {
	Term           string             `json:"term"`
	Estimate       float64            `json:"estimate"`
	StdError       float64            `json:"std_error,omitempty"`
	GroupOverrides map[string]float64 `json:"group_overrides,omitempty"`
}

// EquationArtifact persists one axis's fitted mean structure: predictor
// formula, coefficients, and residual scale. Write-once after the fitting
// phase, read-many for scoring.
type EquationArtifact struct {
	Axis            trait.Axis           `json:"axis"`
	Formula         string               `json:"formula"`
	Terms           []TermCoefficient    `json:"terms"`
	ResidualSD      float64              `json:"residual_sd"`
	GroupResidualSD map[string]float64   `json:"group_residual_sd,omitempty"`
	SampleSize      int                  `json:"sample_size"`
	RSquared        float64              `json:"r_squared"`
	Warnings        []errors.WarningCode `json:"warnings,omitempty"`
	CreatedAt       core.Timestamp       `json:"created_at"`
}

// NewEquationArtifact validates invariants before constructing the artifact.
func NewEquationArtifact(axis trait.Axis, formula string, terms []TermCoefficient, residualSD float64, n int) (*EquationArtifact, error) {
	if n <= 0 {
		return nil, fmt.Errorf("equation for axis %s: sample size must be > 0, got %d", axis, n)
	}
	if residualSD < 0 {
		return nil, fmt.Errorf("equation for axis %s: residual SD must be >= 0, got %f", axis, residualSD)
	}
	if len(terms) == 0 {
		return nil, fmt.Errorf("equation for axis %s: at least one term required", axis)
	}
	return &EquationArtifact{
		Axis:       axis,
		Formula:    formula,
		Terms:      terms,
		ResidualSD: residualSD,
		SampleSize: n,
		CreatedAt:  core.Now(),
	}, nil
}

// ============================================================================
// CAUSAL STRUCTURE
// ============================================================================

// Variable names a node of the hypothesized causal graph: a composite, a
// trait, or an indicator axis.
type Variable string

// BasisClaim is one conditional-independence statement implied by omitting a
// directed edge: Effect is independent of Cause given Parents.
type BasisClaim struct {
	Effect  Variable   `json:"effect"`
	Cause   Variable   `json:"cause"`
	Parents []Variable `json:"parents"`
}

// String renders the claim in d-separation notation.
func (c BasisClaim) String() string {
	parents := make([]string, len(c.Parents))
	for i, p := range c.Parents {
		parents[i] = string(p)
	}
	return fmt.Sprintf("%s _||_ %s | {%s}", c.Effect, c.Cause, strings.Join(parents, ", "))
}

// ClaimResult is the tested outcome of one basis claim.
type ClaimResult struct {
	Claim      BasisClaim           `json:"claim"`
	SampleSize int                  `json:"sample_size"`
	Statistic  float64              `json:"statistic"` // t statistic of the partial association
	PValue     float64              `json:"p_value"`
	Warnings   []errors.WarningCode `json:"warnings,omitempty"`
}

// StructuralStatus is the tri-state outcome of a structural test. A
// saturated model (no claims) is NotApplicable, never an implicit pass.
type StructuralStatus string

const (
	StructuralConsistent    StructuralStatus = "consistent"
	StructuralRejected      StructuralStatus = "rejected"
	StructuralNotApplicable StructuralStatus = "not_applicable"
)

// StructuralTestArtifact holds the combined d-separation result for one
// group level; Group is empty for the pooled test.
type StructuralTestArtifact struct {
	Status   StructuralStatus     `json:"status"`
	Group    string               `json:"group,omitempty"`
	FisherC  float64              `json:"fisher_c"`
	DF       int                  `json:"df"`
	PValue   float64              `json:"p_value"`
	Claims   []ClaimResult        `json:"claims"`
	Warnings []errors.WarningCode `json:"warnings,omitempty"`
}

// SlopeEqualityResult reports whether a directed edge should be added only
// within specific group levels, decided by information criterion with the
// likelihood-ratio p-value reported for diagnostics.
type SlopeEqualityResult struct {
	Cause       Variable             `json:"cause"`
	Effect      Variable             `json:"effect"`
	GroupKind   trait.GroupKind      `json:"group_kind"`
	AICShared   float64              `json:"aic_shared"`
	AICGrouped  float64              `json:"aic_grouped"`
	LRStatistic float64              `json:"lr_statistic"`
	LRPValue    float64              `json:"lr_p_value"`
	AddWithin   []string             `json:"add_within,omitempty"` // group levels favoring a within-group edge
	Warnings    []errors.WarningCode `json:"warnings,omitempty"`
}

// ============================================================================
// DISTRICTS AND COPULAS
// ============================================================================

// DistrictKey canonically identifies an unordered axis pair.
type DistrictKey string

// NewDistrictKey builds the canonical key for an unordered pair.
func NewDistrictKey(a, b trait.Axis) DistrictKey {
	pair := []string{string(a), string(b)}
	sort.Strings(pair)
	return DistrictKey(pair[0] + "|" + pair[1])
}

// Axes returns the two member axes of the key.
func (k DistrictKey) Axes() (trait.Axis, trait.Axis) {
	parts := strings.SplitN(string(k), "|", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return trait.Axis(parts[0]), trait.Axis(parts[1])
}

// GroupCorrelation is a per-group copula correlation with its shrinkage
// toward the global estimate: shrunk = w*raw + (1-w)*global, w = n/(n+k).
type GroupCorrelation struct {
	Raw        float64              `json:"raw"`
	Shrunk     float64              `json:"shrunk"`
	Weight     float64              `json:"weight"`
	SampleSize int                  `json:"sample_size"`
	KendallTau float64              `json:"kendall_tau"` // concordance diagnostic
	Warnings   []errors.WarningCode `json:"warnings,omitempty"`
}

// CopulaArtifact persists the fitted dependency model for one district.
type CopulaArtifact struct {
	Key        DistrictKey                 `json:"key"`
	Family     string                      `json:"family"` // "gaussian"
	SampleSize int                         `json:"sample_size"`
	Rho        float64                     `json:"rho"`
	LogLik     float64                     `json:"log_lik"`
	AIC        float64                     `json:"aic"`
	Groups     map[string]GroupCorrelation `json:"groups,omitempty"`
	CreatedAt  core.Timestamp              `json:"created_at"`
}

// NewCopulaArtifact validates invariants before constructing the artifact.
func NewCopulaArtifact(key DistrictKey, family string, n int, rho, logLik, aic float64) (*CopulaArtifact, error) {
	if n <= 0 {
		return nil, fmt.Errorf("copula %s: sample size must be > 0, got %d", key, n)
	}
	if rho <= -1 || rho >= 1 {
		return nil, fmt.Errorf("copula %s: rho must be in (-1, 1), got %f", key, rho)
	}
	if family == "" {
		return nil, fmt.Errorf("copula %s: family must be set", key)
	}
	return &CopulaArtifact{
		Key:        key,
		Family:     family,
		SampleSize: n,
		Rho:        rho,
		LogLik:     logLik,
		AIC:        aic,
		CreatedAt:  core.Now(),
	}, nil
}

// PairDiagnostic records the detection decision for one tested axis pair,
// accepted or not, for auditability.
type PairDiagnostic struct {
	Key         DistrictKey `json:"key"`
	SampleSize  int         `json:"sample_size"`
	Correlation float64     `json:"correlation"`
	PValue      float64     `json:"p_value"`
	QValue      float64     `json:"q_value"`
	Accepted    bool        `json:"accepted"`
	Reason      string      `json:"reason,omitempty"` // why rejected
}

// DistrictReport bundles the accepted district set with full diagnostics and
// the independence re-check over the remaining pairs.
type DistrictReport struct {
	Districts    []CopulaArtifact        `json:"districts"`
	Diagnostics  []PairDiagnostic        `json:"diagnostics"`
	Recheck      *StructuralTestArtifact `json:"recheck,omitempty"`
	MaxResidualR float64                 `json:"max_residual_r"` // largest |r| among non-district pairs
	Materiality  float64                 `json:"materiality"`    // configured materiality threshold
	Adequate     bool                    `json:"adequate"`       // |r| below materiality for all non-districts
}

// ============================================================================
// CROSS-VALIDATION RESULTS
// ============================================================================

// MetricSummary is a mean plus standard deviation over folds and repeats.
type MetricSummary struct {
	Mean float64 `json:"mean"`
	SD   float64 `json:"sd"`
}

// OOFPrediction is one out-of-fold prediction.
type OOFPrediction struct {
	Species   core.SpeciesID `json:"species"`
	Repeat    int            `json:"repeat"`
	Fold      int            `json:"fold"`
	Observed  float64        `json:"observed"`
	Predicted float64        `json:"predicted"`
}

// CVMetricsArtifact aggregates cross-validation results for one axis.
// UnitsTotal/UnitsFailed let consumers distinguish "computed from N of M
// folds" from "unavailable".
type CVMetricsArtifact struct {
	Axis        trait.Axis           `json:"axis"`
	RSquared    MetricSummary        `json:"r_squared"`
	RMSE        MetricSummary        `json:"rmse"`
	MAE         MetricSummary        `json:"mae"`
	UnitsTotal  int                  `json:"units_total"`
	UnitsFailed int                  `json:"units_failed"`
	Predictions []OOFPrediction      `json:"predictions,omitempty"`
	Warnings    []errors.WarningCode `json:"warnings,omitempty"`
}

// Available reports whether any fold succeeded for this axis.
func (m CVMetricsArtifact) Available() bool {
	return m.UnitsTotal > m.UnitsFailed
}

// ============================================================================
// RUN MANIFEST
// ============================================================================

// RunManifest captures the complete specification of a pipeline run so a
// fixed seed reproduces fold membership, metrics, and simulation draws.
type RunManifest struct {
	RunID         core.RunID      `json:"run_id"`
	Seed          int64           `json:"seed"`
	Folds         int             `json:"folds"`
	Repeats       int             `json:"repeats"`
	Draws         int             `json:"draws"`
	ShrinkageK    float64         `json:"shrinkage_k"`
	CorrThreshold float64         `json:"corr_threshold"`
	FDRLevel      float64         `json:"fdr_level"`
	TableHash     core.TableHash  `json:"table_hash"`
	ConfigHash    core.ConfigHash `json:"config_hash"`
	FailureCounts map[string]int  `json:"failure_counts"` // by error code
	RuntimeMs     int64           `json:"runtime_ms"`
	CreatedAt     core.Timestamp  `json:"created_at"`
}

// NewRunManifest constructs a manifest with empty failure counts.
func NewRunManifest(runID core.RunID, seed int64, folds, repeats, draws int) *RunManifest {
	return &RunManifest{
		RunID:         runID,
		Seed:          seed,
		Folds:         folds,
		Repeats:       repeats,
		Draws:         draws,
		FailureCounts: make(map[string]int),
		CreatedAt:     core.Now(),
	}
}

// RecordFailure increments the failure count for an error code.
func (m *RunManifest) RecordFailure(code string) {
	m.FailureCounts[code]++
}
