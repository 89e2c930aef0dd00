package meanmodel

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"traitcast/domain/sem"
	"traitcast/domain/trait"
	"traitcast/internal/errors"
)

// Options controls fitting behavior.
type Options struct {
	// MinGroupN is the smallest group size for which a group-override
	// coefficient is fit. Smaller allowlisted groups fall back to the
	// shared coefficient and are flagged unstable.
	MinGroupN int
}

// termKind tags one design-matrix column.
type termKind string

const (
	kindIntercept termKind = "intercept"
	kindLinear    termKind = "linear"
	kindSpline    termKind = "spline"
	kindDelta     termKind = "delta" // group-override deviation column
)

type designTerm struct {
	Name   string   // column label, e.g. "SIZE", "SIZE_s1", "SIZE@woody"
	Kind   termKind
	Base   string   // originating frame feature
	Spline int      // nonlinear basis index for kindSpline
	Policy trait.TermPolicy
	Group  string   // label for kindDelta
}

// Model is a fitted mean structure for one axis: write-once after Fit,
// read-many for scoring.
type Model struct {
	Spec       Spec
	Terms      []designTerm
	Coefs      []float64
	StdErrs    []float64
	Knots      map[string][]float64 // spline knots per base term, from training rows only
	ResidualSD float64
	GroupSD    map[string]float64
	TrainN     int
	RSS        float64
	RSquared   float64
	Warnings   []errors.WarningCode
}

// Fit estimates the mean structure on the training rows identified by
// trainIdx. Rows with a missing target or any missing predictor are skipped.
// A rank-deficient design drops the offending composite term with a warning
// rather than failing silently; an unsalvageable design returns a FitError.
func Fit(frame *Frame, y []float64, spec Spec, trainIdx []int, opts Options) (*Model, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	usable := make([]int, 0, len(trainIdx))
	for _, idx := range trainIdx {
		if !math.IsNaN(y[idx]) && frame.Complete(idx) {
			usable = append(usable, idx)
		}
	}

	m := &Model{
		Spec:    spec,
		Knots:   make(map[string][]float64),
		GroupSD: make(map[string]float64),
	}
	m.buildKnots(frame, usable)
	m.buildTerms(frame, usable, opts)

	if len(usable) <= len(m.Terms) {
		return nil, errors.DataError(fmt.Sprintf(
			"axis %s: %d usable training rows for %d design terms", spec.Axis, len(usable), len(m.Terms)))
	}

	if err := m.solve(frame, y, usable); err != nil {
		return nil, err
	}
	m.TrainN = len(usable)
	m.computeFitStats(frame, y, usable)
	return m, nil
}

// Predict scores row i of a frame. The prediction is unbounded; values
// outside 0-10 are legitimate model output.
func (m *Model) Predict(frame *Frame, i int) (float64, bool) {
	if !frame.Complete(i) {
		return math.NaN(), false
	}
	row := m.designRow(frame, i)
	pred := 0.0
	for j, v := range row {
		pred += v * m.Coefs[j]
	}
	return pred, true
}

// Residuals returns observed-minus-predicted over all frame rows, NaN where
// the target or any predictor is missing.
func (m *Model) Residuals(frame *Frame, y []float64) []float64 {
	out := make([]float64, frame.NumRows())
	for i := range out {
		pred, ok := m.Predict(frame, i)
		if !ok || math.IsNaN(y[i]) {
			out[i] = math.NaN()
			continue
		}
		out[i] = y[i] - pred
	}
	return out
}

// SigmaFor returns the residual SD for a species' group when a per-group
// estimate exists, otherwise the global residual SD with fallback=true.
func (m *Model) SigmaFor(groups map[trait.GroupKind]string) (sd float64, fallback bool) {
	for _, label := range groups {
		if s, ok := m.GroupSD[label]; ok {
			return s, false
		}
	}
	return m.ResidualSD, true
}

// ToArtifact exports the fitted equation for persistence.
func (m *Model) ToArtifact() (*sem.EquationArtifact, error) {
	terms := make([]sem.TermCoefficient, 0, len(m.Terms))
	overrides := make(map[string]map[string]float64) // base -> label -> coefficient
	baseCoef := make(map[string]float64)

	for j, t := range m.Terms {
		switch t.Kind {
		case kindDelta:
			if overrides[t.Base] == nil {
				overrides[t.Base] = make(map[string]float64)
			}
			overrides[t.Base][t.Group] = m.Coefs[j] // delta; resolved below
		default:
			baseCoef[t.Name] = m.Coefs[j]
			terms = append(terms, sem.TermCoefficient{
				Term:     t.Name,
				Estimate: m.Coefs[j],
				StdError: m.StdErrs[j],
			})
		}
	}
	// Override coefficients are shared + delta.
	for i := range terms {
		if deltas, ok := overrides[terms[i].Term]; ok {
			resolved := make(map[string]float64, len(deltas))
			for label, delta := range deltas {
				resolved[label] = terms[i].Estimate + delta
			}
			terms[i].GroupOverrides = resolved
		}
	}

	artifact, err := sem.NewEquationArtifact(m.Spec.Axis, m.Spec.Formula(), terms, m.ResidualSD, m.TrainN)
	if err != nil {
		return nil, err
	}
	artifact.RSquared = m.RSquared
	artifact.GroupResidualSD = m.GroupSD
	artifact.Warnings = m.Warnings
	return artifact, nil
}

// ----------------------------------------------------------------------------
// design construction
// ----------------------------------------------------------------------------

func (m *Model) buildKnots(frame *Frame, usable []int) {
	if m.Spec.Form != FormAdditive {
		return
	}
	compositeNames := make(map[string]bool, len(m.Spec.Composites))
	for _, c := range m.Spec.Composites {
		compositeNames[c.Name] = true
	}
	for _, name := range frame.Names {
		if !compositeNames[name] {
			continue
		}
		values := make([]float64, 0, len(usable))
		for _, idx := range usable {
			v := frame.Value(idx, name)
			if !math.IsNaN(v) {
				values = append(values, v)
			}
		}
		if knots := rcsKnots(values); knots != nil {
			m.Knots[name] = knots
		}
	}
}

func (m *Model) buildTerms(frame *Frame, usable []int, opts Options) {
	m.Terms = append(m.Terms, designTerm{Name: "(Intercept)", Kind: kindIntercept})

	for _, name := range frame.Names {
		m.Terms = append(m.Terms, designTerm{Name: name, Kind: kindLinear, Base: name})
		if knots, ok := m.Knots[name]; ok {
			for s := 0; s < len(knots)-2; s++ {
				m.Terms = append(m.Terms, designTerm{
					Name:   fmt.Sprintf("%s_s%d", name, s+1),
					Kind:   kindSpline,
					Base:   name,
					Spline: s,
				})
			}
		}

		policy, hasPolicy := m.Spec.Policies[name]
		if !hasPolicy || policy.Kind != trait.PolicyGroupOverride {
			continue
		}
		for _, label := range policy.Allowlist {
			n := 0
			for _, idx := range usable {
				if frame.Records[idx].Group(policy.GroupKind) == label {
					n++
				}
			}
			if n < opts.MinGroupN {
				// Fall back to the shared coefficient for this label.
				m.warn(errors.WarningGroupInstability)
				m.warn(errors.WarningNonConvergence)
				continue
			}
			m.Terms = append(m.Terms, designTerm{
				Name:   name + "@" + label,
				Kind:   kindDelta,
				Base:   name,
				Policy: policy,
				Group:  label,
			})
		}
	}
}

func (m *Model) designRow(frame *Frame, i int) []float64 {
	row := make([]float64, len(m.Terms))
	for j, t := range m.Terms {
		switch t.Kind {
		case kindIntercept:
			row[j] = 1
		case kindLinear:
			row[j] = frame.Value(i, t.Base)
		case kindSpline:
			row[j] = rcsBasis(frame.Value(i, t.Base), m.Knots[t.Base], t.Spline)
		case kindDelta:
			if frame.Records[i].Group(t.Policy.GroupKind) == t.Group {
				row[j] = frame.Value(i, t.Base)
			}
		}
	}
	return row
}

// ----------------------------------------------------------------------------
// estimation
// ----------------------------------------------------------------------------

func (m *Model) solve(frame *Frame, y []float64, usable []int) error {
	for {
		x := mat.NewDense(len(usable), len(m.Terms), nil)
		for r, idx := range usable {
			x.SetRow(r, m.designRow(frame, idx))
		}

		deficient, culprit := rankDeficientColumn(x, m.Terms)
		if !deficient {
			target := mat.NewVecDense(len(usable), nil)
			for r, idx := range usable {
				target.SetVec(r, y[idx])
			}

			var qr mat.QR
			qr.Factorize(x)
			var beta mat.VecDense
			if err := qr.SolveVecTo(&beta, false, target); err != nil {
				return errors.FitError(fmt.Sprintf("axis %s: least squares solve failed: %v", m.Spec.Axis, err))
			}
			m.Coefs = make([]float64, len(m.Terms))
			for j := range m.Coefs {
				m.Coefs[j] = beta.AtVec(j)
			}
			m.StdErrs = standardErrors(x, m.rss(frame, y, usable))
			return nil
		}

		// Drop everything derived from the offending composite term and
		// retry; the axis leaves the model visibly, never silently.
		if culprit == "" {
			return errors.FitError(fmt.Sprintf("axis %s: design matrix is rank deficient", m.Spec.Axis))
		}
		m.warn(errors.WarningRankDeficient)
		kept := m.Terms[:0]
		for _, t := range m.Terms {
			if t.Base != culprit {
				kept = append(kept, t)
			}
		}
		m.Terms = kept
		delete(m.Knots, culprit)
		if len(m.Terms) <= 1 {
			return errors.FitError(fmt.Sprintf("axis %s: no predictors left after dropping rank-deficient terms", m.Spec.Axis))
		}
	}
}

// rankDeficientColumn reports whether the design is rank deficient and, if
// so, names the last non-intercept base term as the drop candidate.
func rankDeficientColumn(x *mat.Dense, terms []designTerm) (bool, string) {
	var svd mat.SVD
	if ok := svd.Factorize(x, mat.SVDThin); !ok {
		return true, lastBase(terms)
	}
	sv := svd.Values(nil)
	if len(sv) == 0 || sv[0] == 0 {
		return true, lastBase(terms)
	}
	const relTol = 1e-10
	if sv[len(sv)-1] < sv[0]*relTol {
		return true, lastBase(terms)
	}
	return false, ""
}

func lastBase(terms []designTerm) string {
	for j := len(terms) - 1; j >= 0; j-- {
		if terms[j].Base != "" {
			return terms[j].Base
		}
	}
	return ""
}

func standardErrors(x *mat.Dense, rss float64) []float64 {
	n, p := x.Dims()
	if n <= p {
		return make([]float64, p)
	}
	sigma2 := rss / float64(n-p)

	var xtx mat.Dense
	xtx.Mul(x.T(), x)
	var inv mat.Dense
	if err := inv.Inverse(&xtx); err != nil {
		return make([]float64, p)
	}
	out := make([]float64, p)
	for j := 0; j < p; j++ {
		out[j] = math.Sqrt(sigma2 * inv.At(j, j))
	}
	return out
}

func (m *Model) rss(frame *Frame, y []float64, usable []int) float64 {
	rss := 0.0
	for _, idx := range usable {
		pred, ok := m.Predict(frame, idx)
		if !ok {
			continue
		}
		d := y[idx] - pred
		rss += d * d
	}
	return rss
}

func (m *Model) computeFitStats(frame *Frame, y []float64, usable []int) {
	residuals := make([]float64, 0, len(usable))
	observed := make([]float64, 0, len(usable))
	byGroup := make(map[string][]float64)

	for _, idx := range usable {
		pred, ok := m.Predict(frame, idx)
		if !ok {
			continue
		}
		res := y[idx] - pred
		residuals = append(residuals, res)
		observed = append(observed, y[idx])
		for _, kind := range []trait.GroupKind{trait.GroupSymbiosis, trait.GroupGrowthHabit} {
			if label := frame.Records[idx].Group(kind); label != "" {
				byGroup[label] = append(byGroup[label], res)
			}
		}
	}

	m.RSS = 0
	for _, r := range residuals {
		m.RSS += r * r
	}
	if len(residuals) > len(m.Terms) {
		m.ResidualSD = math.Sqrt(m.RSS / float64(len(residuals)-len(m.Terms)))
	}
	if v := stat.Variance(observed, nil); v > 0 {
		m.RSquared = 1 - m.RSS/(v*float64(len(observed)-1))
	}
	for label, res := range byGroup {
		if len(res) < 2 {
			continue
		}
		_, sd := stat.MeanStdDev(res, nil)
		m.GroupSD[label] = sd
	}
}

func (m *Model) warn(code errors.WarningCode) {
	for _, w := range m.Warnings {
		if w == code {
			return
		}
	}
	m.Warnings = append(m.Warnings, code)
}

// ----------------------------------------------------------------------------
// restricted cubic splines
// ----------------------------------------------------------------------------

// rcsKnots places four knots at the 5th/35th/65th/95th percentiles of the
// training values. Returns nil when the values carry too little distinct
// information for a spline, in which case the term stays linear.
func rcsKnots(values []float64) []float64 {
	if len(values) < 20 {
		return nil
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	quantiles := []float64{0.05, 0.35, 0.65, 0.95}
	knots := make([]float64, len(quantiles))
	for i, q := range quantiles {
		knots[i] = stat.Quantile(q, stat.Empirical, sorted, nil)
	}
	for i := 1; i < len(knots); i++ {
		if knots[i] <= knots[i-1] {
			return nil
		}
	}
	return knots
}

// rcsBasis evaluates the j-th nonlinear restricted cubic spline basis
// function (Harrell parameterization) at x.
func rcsBasis(x float64, knots []float64, j int) float64 {
	k := len(knots)
	tj := knots[j]
	tk := knots[k-1]
	tk1 := knots[k-2]
	scale := (tk - knots[0]) * (tk - knots[0])

	cube := func(v float64) float64 {
		if v <= 0 {
			return 0
		}
		return v * v * v
	}
	num := cube(x-tj) - cube(x-tk1)*(tk-tj)/(tk-tk1) + cube(x-tk)*(tk1-tj)/(tk-tk1)
	return num / scale
}

// GaussianLogLik is the maximized Gaussian log-likelihood for an OLS fit.
func GaussianLogLik(rss float64, n int) float64 {
	if n == 0 || rss <= 0 {
		return math.Inf(1)
	}
	nf := float64(n)
	return -nf / 2 * (math.Log(2*math.Pi*rss/nf) + 1)
}

// AIC computes Akaike's information criterion from an OLS residual sum of
// squares with k estimated coefficients (plus the variance parameter).
func AIC(rss float64, n, k int) float64 {
	return 2*float64(k+1) - 2*GaussianLogLik(rss, n)
}
