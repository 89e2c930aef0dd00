package dsep

import (
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"traitcast/domain/sem"
	"traitcast/internal/errors"
)

// minPValue floors per-claim p-values so Fisher's C stays finite.
const minPValue = 1e-16

// Matrix is the variable-by-row data the validator tests against. Columns
// are aligned by row index; missing values are NaN. GroupLabels is optional
// and enables the multigroup extension.
type Matrix struct {
	Columns     map[sem.Variable][]float64
	GroupLabels []string
	N           int
}

// Validator combines per-claim conditional-independence tests into a global
// fit statistic.
type Validator struct {
	Alpha     float64 // rejection level for the combined statistic
	MinGroupN int     // groups below this size are flagged unstable
}

// NewValidator uses the conventional 0.05 rejection level.
func NewValidator(minGroupN int) *Validator {
	return &Validator{Alpha: 0.05, MinGroupN: minGroupN}
}

// Run tests every basis claim on the pooled data. An empty claim set is a
// saturated model: the result status is NotApplicable and a typed
// StructuralTestUndefined error is returned alongside it, never a pass.
func (v *Validator) Run(data *Matrix, claims []sem.BasisClaim) (*sem.StructuralTestArtifact, error) {
	return v.run(data, claims, "", nil)
}

// RunPerGroup repeats the test per group level and returns the pooled
// artifact first. Groups below MinGroupN still run but are flagged unstable
// so they never silently drive decisions.
func (v *Validator) RunPerGroup(data *Matrix, claims []sem.BasisClaim) ([]sem.StructuralTestArtifact, error) {
	if len(data.GroupLabels) != data.N {
		return nil, errors.InvalidInput("group labels must cover every row")
	}

	pooled, err := v.Run(data, claims)
	if err != nil {
		return nil, err
	}
	results := []sem.StructuralTestArtifact{*pooled}

	for _, level := range distinctLevels(data.GroupLabels) {
		keep := make([]bool, data.N)
		n := 0
		for i, label := range data.GroupLabels {
			if label == level {
				keep[i] = true
				n++
			}
		}
		artifact, err := v.run(data, claims, level, keep)
		if err != nil {
			return nil, err
		}
		if n < v.MinGroupN {
			artifact.Warnings = append(artifact.Warnings, errors.WarningGroupInstability)
		}
		results = append(results, *artifact)
	}
	return results, nil
}

func (v *Validator) run(data *Matrix, claims []sem.BasisClaim, group string, keep []bool) (*sem.StructuralTestArtifact, error) {
	if len(claims) == 0 {
		artifact := &sem.StructuralTestArtifact{
			Status: sem.StructuralNotApplicable,
			Group:  group,
			DF:     0,
		}
		return artifact, errors.StructuralTestUndefined("saturated model: no basis claims to test")
	}

	artifact := &sem.StructuralTestArtifact{Group: group}
	fisherC := 0.0
	for _, claim := range claims {
		result := v.testClaim(data, claim, keep)
		artifact.Claims = append(artifact.Claims, result)
		p := result.PValue
		if p < minPValue {
			p = minPValue
		}
		fisherC += -2 * math.Log(p)
	}

	artifact.FisherC = fisherC
	artifact.DF = 2 * len(claims)
	chi2 := distuv.ChiSquared{K: float64(artifact.DF)}
	artifact.PValue = 1 - chi2.CDF(fisherC)

	if artifact.PValue < v.Alpha {
		artifact.Status = sem.StructuralRejected
	} else {
		artifact.Status = sem.StructuralConsistent
	}
	return artifact, nil
}

// testClaim regresses both the effect and the putative cause on the claim's
// parents and tests the partial correlation of their residuals.
func (v *Validator) testClaim(data *Matrix, claim sem.BasisClaim, keep []bool) sem.ClaimResult {
	result := sem.ClaimResult{Claim: claim, PValue: 1}

	effectCol, okE := data.Columns[claim.Effect]
	causeCol, okC := data.Columns[claim.Cause]
	if !okE || !okC {
		result.Warnings = append(result.Warnings, errors.WarningLowN)
		return result
	}
	parentCols := make([][]float64, 0, len(claim.Parents))
	for _, p := range claim.Parents {
		col, ok := data.Columns[p]
		if !ok {
			result.Warnings = append(result.Warnings, errors.WarningLowN)
			return result
		}
		parentCols = append(parentCols, col)
	}

	// Complete cases only, optionally restricted to one group level.
	var idx []int
	for i := 0; i < data.N; i++ {
		if keep != nil && !keep[i] {
			continue
		}
		if math.IsNaN(effectCol[i]) || math.IsNaN(causeCol[i]) {
			continue
		}
		ok := true
		for _, pc := range parentCols {
			if math.IsNaN(pc[i]) {
				ok = false
				break
			}
		}
		if ok {
			idx = append(idx, i)
		}
	}

	df := len(idx) - 2 - len(claim.Parents)
	result.SampleSize = len(idx)
	if df < 1 {
		result.Warnings = append(result.Warnings, errors.WarningLowN)
		return result
	}

	effectRes := residualize(effectCol, parentCols, idx)
	causeRes := residualize(causeCol, parentCols, idx)

	r := stat.Correlation(effectRes, causeRes, nil)
	if math.IsNaN(r) {
		result.Warnings = append(result.Warnings, errors.WarningLowN)
		return result
	}
	// Guard |r| = 1 so the t statistic stays finite.
	if r >= 1 {
		r = 1 - 1e-12
	} else if r <= -1 {
		r = -1 + 1e-12
	}

	t := r * math.Sqrt(float64(df)/(1-r*r))
	tDist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(df)}
	result.Statistic = t
	result.PValue = 2 * tDist.CDF(-math.Abs(t))
	return result
}

// residualize regresses a column on parent columns (with intercept) over the
// selected rows and returns the residuals.
func residualize(col []float64, parents [][]float64, idx []int) []float64 {
	n := len(idx)
	p := len(parents) + 1

	x := mat.NewDense(n, p, nil)
	y := mat.NewVecDense(n, nil)
	for r, i := range idx {
		x.Set(r, 0, 1)
		for c, pc := range parents {
			x.Set(r, c+1, pc[i])
		}
		y.SetVec(r, col[i])
	}

	var qr mat.QR
	qr.Factorize(x)
	var beta mat.VecDense
	if err := qr.SolveVecTo(&beta, false, y); err != nil {
		// Singular parent design: fall back to centered values.
		mean := stat.Mean(valuesAt(col, idx), nil)
		out := make([]float64, n)
		for r, i := range idx {
			out[r] = col[i] - mean
		}
		return out
	}

	out := make([]float64, n)
	for r, i := range idx {
		fitted := beta.AtVec(0)
		for c, pc := range parents {
			fitted += beta.AtVec(c+1) * pc[i]
		}
		out[r] = col[i] - fitted
	}
	return out
}

func valuesAt(col []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for r, i := range idx {
		out[r] = col[i]
	}
	return out
}

func distinctLevels(labels []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range labels {
		if l != "" && !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	// Deterministic order.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// CombineP recomputes Fisher's C from persisted per-claim p-values; exposed
// so consumers can verify a persisted statistic.
func CombineP(pValues []float64) (fisherC float64, df int, p float64, err error) {
	if len(pValues) == 0 {
		return 0, 0, 0, errors.StructuralTestUndefined("no p-values to combine")
	}
	for _, pv := range pValues {
		if pv < minPValue {
			pv = minPValue
		}
		fisherC += -2 * math.Log(pv)
	}
	df = 2 * len(pValues)
	chi2 := distuv.ChiSquared{K: float64(df)}
	return fisherC, df, 1 - chi2.CDF(fisherC), nil
}
