package copulafit

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"traitcast/domain/sem"
	"traitcast/domain/trait"
	"traitcast/internal/dsep"
	"traitcast/internal/errors"
)

// Residuals holds full-fit residual vectors aligned to trait-table rows.
// Missing entries are NaN. GroupLabels is optional and enables per-group
// copula parameters.
type Residuals struct {
	ByAxis      map[trait.Axis][]float64
	GroupLabels []string
	N           int
}

// Options control district detection and per-group shrinkage.
type Options struct {
	CorrThreshold float64 // minimum |r| for a district
	FDRLevel      float64 // Benjamini-Hochberg level across tested pairs
	ShrinkageK    float64 // w = n/(n+k) toward the global estimate
	Materiality   float64 // residual |r| under which the district set is adequate
	MinGroupN     int
}

type pairTest struct {
	key  sem.DistrictKey
	a, b trait.Axis
	idx  []int
	r    float64
	p    float64
	q    float64
}

// Detect tests every axis pair for residual dependency, applies BH FDR
// correction across all tested pairs, keeps pairs passing both the q-value
// and the effect-size threshold as districts, fits each district's copula,
// and re-checks that the remaining pairs are jointly consistent with
// independence.
func Detect(res *Residuals, opts Options) (*sem.DistrictReport, error) {
	axes := orderedAxes(res)
	if len(axes) < 2 {
		return nil, errors.DataError("district detection needs residuals for at least two axes")
	}

	var tests []*pairTest
	report := &sem.DistrictReport{Materiality: opts.Materiality}
	for i := 0; i < len(axes); i++ {
		for j := i + 1; j < len(axes); j++ {
			a, b := axes[i], axes[j]
			key := sem.NewDistrictKey(a, b)
			idx := pairedComplete(res.ByAxis[a], res.ByAxis[b], res.N)
			if len(idx) < 4 {
				report.Diagnostics = append(report.Diagnostics, sem.PairDiagnostic{
					Key:        key,
					SampleSize: len(idx),
					Reason:     "too few paired residuals",
				})
				continue
			}
			x := valuesAt(res.ByAxis[a], idx)
			y := valuesAt(res.ByAxis[b], idx)
			r := stat.Correlation(x, y, nil)
			tests = append(tests, &pairTest{
				key: key, a: a, b: b, idx: idx,
				r: r,
				p: correlationPValue(r, len(idx)),
			})
		}
	}
	if len(tests) == 0 {
		return nil, errors.DataError("no axis pair had enough paired residuals")
	}

	applyBH(tests)

	// Deterministic output order regardless of the q-value sort.
	sort.Slice(tests, func(i, j int) bool { return tests[i].key < tests[j].key })

	var recheckClaims []sem.ClaimResult
	var recheckP []float64
	for _, t := range tests {
		diag := sem.PairDiagnostic{
			Key:         t.key,
			SampleSize:  len(t.idx),
			Correlation: t.r,
			PValue:      t.p,
			QValue:      t.q,
		}
		accepted := t.q < opts.FDRLevel && math.Abs(t.r) >= opts.CorrThreshold
		if accepted {
			artifact, err := fitDistrict(res, t, opts)
			if err != nil {
				return nil, err
			}
			diag.Accepted = true
			report.Districts = append(report.Districts, *artifact)
		} else {
			switch {
			case t.q >= opts.FDRLevel:
				diag.Reason = "not significant after FDR correction"
			default:
				diag.Reason = "correlation below district threshold"
			}
			if math.Abs(t.r) > report.MaxResidualR {
				report.MaxResidualR = math.Abs(t.r)
			}
			recheckClaims = append(recheckClaims, sem.ClaimResult{
				Claim:      sem.BasisClaim{Effect: sem.Variable(t.a), Cause: sem.Variable(t.b)},
				SampleSize: len(t.idx),
				Statistic:  t.r,
				PValue:     t.p,
			})
			recheckP = append(recheckP, t.p)
		}
		report.Diagnostics = append(report.Diagnostics, diag)
	}

	report.Adequate = report.MaxResidualR < opts.Materiality

	// Joint independence check over the non-district pairs. All pairs
	// accepted leaves nothing to combine.
	if len(recheckP) > 0 {
		fisherC, df, p, err := dsep.CombineP(recheckP)
		if err != nil {
			return nil, err
		}
		status := sem.StructuralConsistent
		if p < 0.05 {
			status = sem.StructuralRejected
		}
		report.Recheck = &sem.StructuralTestArtifact{
			Status:  status,
			FisherC: fisherC,
			DF:      df,
			PValue:  p,
			Claims:  recheckClaims,
		}
	}
	return report, nil
}

// fitDistrict fits the pooled copula plus shrunk per-group parameters.
func fitDistrict(res *Residuals, t *pairTest, opts Options) (*sem.CopulaArtifact, error) {
	x := valuesAt(res.ByAxis[t.a], t.idx)
	y := valuesAt(res.ByAxis[t.b], t.idx)
	artifact, err := FitPair(t.key, x, y)
	if err != nil {
		return nil, err
	}

	if len(res.GroupLabels) != res.N {
		return artifact, nil
	}
	levels := distinctLevels(res.GroupLabels, t.idx)
	if len(levels) < 2 {
		return artifact, nil
	}

	artifact.Groups = make(map[string]sem.GroupCorrelation, len(levels))
	for _, level := range levels {
		var gx, gy []float64
		for _, i := range t.idx {
			if res.GroupLabels[i] == level {
				gx = append(gx, res.ByAxis[t.a][i])
				gy = append(gy, res.ByAxis[t.b][i])
			}
		}
		gc := sem.GroupCorrelation{SampleSize: len(gx)}
		if len(gx) < 3 {
			gc.Raw = artifact.Rho
			gc.Shrunk = artifact.Rho
			gc.KendallTau = math.NaN()
			gc.Warnings = append(gc.Warnings, errors.WarningLowN)
			artifact.Groups[level] = gc
			continue
		}
		raw, _ := maximizeRho(normalScores(gx), normalScores(gy))
		w := float64(len(gx)) / (float64(len(gx)) + opts.ShrinkageK)
		gc.Raw = raw
		gc.Weight = w
		gc.Shrunk = w*raw + (1-w)*artifact.Rho
		gc.KendallTau = kendallTau(gx, gy)
		if len(gx) < opts.MinGroupN {
			gc.Warnings = append(gc.Warnings, errors.WarningGroupInstability)
		}
		artifact.Groups[level] = gc
	}
	return artifact, nil
}

// applyBH assigns Benjamini-Hochberg q-values: sort ascending by p, then
// q_i = p_i * m / rank_i, enforcing monotonicity from the largest rank down.
func applyBH(tests []*pairTest) {
	m := len(tests)
	sorted := make([]*pairTest, m)
	copy(sorted, tests)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].p < sorted[j].p })

	prev := 1.0
	for i := m - 1; i >= 0; i-- {
		q := sorted[i].p * float64(m) / float64(i+1)
		if q > prev {
			q = prev
		}
		if q > 1 {
			q = 1
		}
		sorted[i].q = q
		prev = q
	}
}

// correlationPValue is the two-sided t-test p-value for a Pearson
// correlation with n-2 degrees of freedom.
func correlationPValue(r float64, n int) float64 {
	df := float64(n - 2)
	if df < 1 || math.IsNaN(r) {
		return 1
	}
	if r >= 1 {
		r = 1 - 1e-12
	} else if r <= -1 {
		r = -1 + 1e-12
	}
	t := r * math.Sqrt(df/(1-r*r))
	tDist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	return 2 * tDist.CDF(-math.Abs(t))
}

func pairedComplete(a, b []float64, n int) []int {
	var idx []int
	for i := 0; i < n; i++ {
		if i < len(a) && i < len(b) && !math.IsNaN(a[i]) && !math.IsNaN(b[i]) {
			idx = append(idx, i)
		}
	}
	return idx
}

func valuesAt(col []float64, idx []int) []float64 {
	out := make([]float64, len(idx))
	for r, i := range idx {
		out[r] = col[i]
	}
	return out
}

func orderedAxes(res *Residuals) []trait.Axis {
	var axes []trait.Axis
	for _, a := range trait.AllAxes() {
		if _, ok := res.ByAxis[a]; ok {
			axes = append(axes, a)
		}
	}
	return axes
}

func distinctLevels(labels []string, idx []int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, i := range idx {
		l := labels[i]
		if l != "" && !seen[l] {
			seen[l] = true
			out = append(out, l)
		}
	}
	sort.Strings(out)
	return out
}
