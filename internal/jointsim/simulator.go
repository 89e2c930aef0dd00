// Package jointsim screens species against conjunctive indicator scenarios
// by Monte Carlo simulation. Prediction uncertainty is a multivariate normal
// around the per-axis point predictions; axes sharing a district draw
// correlated errors through the fitted copula correlation, all other pairs
// draw independently.
package jointsim

import (
	"context"
	"hash/fnv"
	"io"
	"math"
	"math/rand"

	mfstats "github.com/montanaflynn/stats"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"traitcast/domain/scenario"
	"traitcast/domain/sem"
	"traitcast/domain/trait"
	"traitcast/internal/errors"
	"traitcast/ports"
)

// groupKindOrder fixes the lookup order when a species carries labels for
// more than one grouping dimension.
var groupKindOrder = []trait.GroupKind{trait.GroupSymbiosis, trait.GroupGrowthHabit}

// Parameters is the fitted uncertainty model the simulator draws from:
// per-axis residual scales and the district copulas.
type Parameters struct {
	Equations map[trait.Axis]*sem.EquationArtifact
	Districts []sem.CopulaArtifact
}

// Options control draw count, reproducibility, and fallback reporting.
type Options struct {
	Draws               int
	Seed                int64
	WarnOnGroupFallback bool
	MaxParallel         int
}

// Simulator implements ports.SimulatorPort.
type Simulator struct {
	params Parameters
	opts   Options
}

// New validates the fitted parameters and constructs a simulator.
func New(params Parameters, opts Options) (*Simulator, error) {
	if opts.Draws < 100 {
		return nil, errors.ConfigInvalid("draw count must be >= 100")
	}
	if len(params.Equations) == 0 {
		return nil, errors.InvalidInput("simulator requires at least one fitted equation")
	}
	for axis, eq := range params.Equations {
		if eq == nil || eq.ResidualSD < 0 {
			return nil, errors.InvalidInput("invalid equation for axis " + string(axis))
		}
	}
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}
	return &Simulator{params: params, opts: opts}, nil
}

// Simulate estimates the probability that every constrained axis falls
// inside its interval simultaneously. The draw count and seed are fixed per
// species/scenario pair, so repeated calls reproduce the same estimate.
func (s *Simulator) Simulate(ctx context.Context, pred ports.SpeciesPrediction, sc scenario.Scenario, threshold float64) (*ports.SuitabilityResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	axes := sc.Axes()
	if len(axes) == 0 {
		return nil, errors.InvalidInput("scenario " + sc.Name + " constrains no axes")
	}

	mu := make([]float64, len(axes))
	for i, axis := range axes {
		v, ok := pred.Predictions[axis]
		if !ok {
			return nil, errors.InvalidInput("prediction missing for axis " + string(axis))
		}
		mu[i] = v
	}

	result := &ports.SuitabilityResult{
		Species:   pred.Species,
		Scenario:  sc.Name,
		Threshold: threshold,
		Draws:     s.opts.Draws,
	}

	sigma, fallback := s.axisScales(axes, pred.Groups)
	if fallback && s.opts.WarnOnGroupFallback {
		result.Warnings = append(result.Warnings, errors.WarningGroupFallback)
	}

	cov := s.covariance(axes, sigma, pred.Groups)
	var chol mat.Cholesky
	if !chol.Factorize(cov) {
		ok := false
		for attempt := 0; attempt < 8; attempt++ {
			shrinkOffDiagonal(cov, sigma)
			if chol.Factorize(cov) {
				ok = true
				break
			}
		}
		if !ok {
			return nil, errors.FitError("covariance for scenario " + sc.Name + " is not positive definite")
		}
		result.Warnings = append(result.Warnings, errors.WarningNonConvergence)
	}
	var lower mat.TriDense
	chol.LTo(&lower)

	rng := rand.New(rand.NewSource(s.drawSeed(pred, sc)))
	k := len(axes)
	eps := make([]float64, k)
	values := make(map[trait.Axis]float64, k)
	hits := 0
	for d := 0; d < s.opts.Draws; d++ {
		for i := range eps {
			eps[i] = rng.NormFloat64()
		}
		for i, axis := range axes {
			v := mu[i]
			for j := 0; j <= i; j++ {
				v += lower.At(i, j) * eps[j]
			}
			values[axis] = v
		}
		if sc.Satisfied(values) {
			hits++
		}
	}

	p := float64(hits) / float64(s.opts.Draws)
	result.Probability = p
	result.Pass = p >= threshold

	// Tail estimates have too few hitting (or missing) draws to resolve.
	edge := 10.0 / float64(s.opts.Draws)
	if p < edge || p > 1-edge {
		result.Warnings = append(result.Warnings, errors.WarningSimulationPrecision)
	}
	return result, nil
}

// SimulateBatch screens every species against every scenario and summarizes
// per scenario. Results are index-addressed so parallel execution order
// never changes the output.
func (s *Simulator) SimulateBatch(ctx context.Context, preds []ports.SpeciesPrediction, scenarios []scenario.Scenario, threshold float64) ([]ports.SuitabilityResult, []ports.ScenarioSummary, error) {
	if len(preds) == 0 || len(scenarios) == 0 {
		return nil, nil, errors.InvalidInput("batch run requires species and scenarios")
	}

	results := make([]ports.SuitabilityResult, len(preds)*len(scenarios))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.MaxParallel)
	for si, sc := range scenarios {
		for pi, pred := range preds {
			si, pi, sc, pred := si, pi, sc, pred
			g.Go(func() error {
				r, err := s.Simulate(gctx, pred, sc, threshold)
				if err != nil {
					return err
				}
				results[si*len(preds)+pi] = *r
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	summaries := make([]ports.ScenarioSummary, 0, len(scenarios))
	for si, sc := range scenarios {
		probs := make([]float64, len(preds))
		pass := 0
		for pi := range preds {
			r := results[si*len(preds)+pi]
			probs[pi] = r.Probability
			if r.Pass {
				pass++
			}
		}
		mean, _ := mfstats.Mean(probs)
		median, _ := mfstats.Median(probs)
		max, _ := mfstats.Max(probs)
		summaries = append(summaries, ports.ScenarioSummary{
			Scenario:   sc.Name,
			Species:    len(preds),
			MeanProb:   mean,
			MedianProb: median,
			MaxProb:    max,
			PassCount:  pass,
			Threshold:  threshold,
		})
	}
	return results, summaries, nil
}

// axisScales resolves the per-axis residual SD, preferring the species'
// group-specific scale when the equation fitted one. The fallback flag is
// set when any axis had group labels but no matching fitted scale.
func (s *Simulator) axisScales(axes []trait.Axis, groups map[trait.GroupKind]string) ([]float64, bool) {
	sigma := make([]float64, len(axes))
	fallback := false
	for i, axis := range axes {
		eq := s.params.Equations[axis]
		if eq == nil {
			sigma[i] = 0
			continue
		}
		sigma[i] = eq.ResidualSD
		if len(eq.GroupResidualSD) == 0 {
			continue
		}
		if sd, ok := lookupGroup(eq.GroupResidualSD, groups); ok {
			sigma[i] = sd
		} else if len(groups) > 0 {
			fallback = true
		}
	}
	return sigma, fallback
}

// covariance builds the scenario-axes covariance. Off-diagonals are zero
// unless the pair forms a district, in which case the copula correlation
// (group-specific shrunk value when available) scales the residual SDs.
func (s *Simulator) covariance(axes []trait.Axis, sigma []float64, groups map[trait.GroupKind]string) *mat.SymDense {
	k := len(axes)
	cov := mat.NewSymDense(k, nil)
	for i := 0; i < k; i++ {
		cov.SetSym(i, i, sigma[i]*sigma[i])
	}
	for i := 0; i < k; i++ {
		for j := i + 1; j < k; j++ {
			rho, ok := s.pairRho(axes[i], axes[j], groups)
			if ok {
				cov.SetSym(i, j, rho*sigma[i]*sigma[j])
			}
		}
	}
	return cov
}

func (s *Simulator) pairRho(a, b trait.Axis, groups map[trait.GroupKind]string) (float64, bool) {
	key := sem.NewDistrictKey(a, b)
	for _, d := range s.params.Districts {
		if d.Key != key {
			continue
		}
		if len(d.Groups) > 0 {
			if gc, ok := lookupGroupCorr(d.Groups, groups); ok {
				return gc.Shrunk, true
			}
		}
		return d.Rho, true
	}
	return 0, false
}

func lookupGroup(m map[string]float64, groups map[trait.GroupKind]string) (float64, bool) {
	for _, kind := range groupKindOrder {
		if label, ok := groups[kind]; ok {
			if v, ok := m[label]; ok {
				return v, true
			}
		}
	}
	return 0, false
}

func lookupGroupCorr(m map[string]sem.GroupCorrelation, groups map[trait.GroupKind]string) (sem.GroupCorrelation, bool) {
	for _, kind := range groupKindOrder {
		if label, ok := groups[kind]; ok {
			if gc, ok := m[label]; ok {
				return gc, true
			}
		}
	}
	return sem.GroupCorrelation{}, false
}

// shrinkOffDiagonal pulls off-diagonal entries toward zero until the matrix
// can factorize. Diagonal entries are restored exactly.
func shrinkOffDiagonal(cov *mat.SymDense, sigma []float64) {
	k := len(sigma)
	for i := 0; i < k; i++ {
		for j := i + 1; j < k; j++ {
			cov.SetSym(i, j, cov.At(i, j)*0.9)
		}
	}
	for i := 0; i < k; i++ {
		cov.SetSym(i, i, sigma[i]*sigma[i])
	}
}

// drawSeed derives a deterministic stream per species/scenario pair so batch
// ordering cannot change any individual estimate.
func (s *Simulator) drawSeed(pred ports.SpeciesPrediction, sc scenario.Scenario) int64 {
	h := fnv.New64a()
	h.Write([]byte(pred.Species))
	h.Write([]byte{0})
	h.Write([]byte(sc.Name))
	for _, axis := range sc.Axes() {
		iv := sc.Intervals[axis]
		h.Write([]byte(axis))
		writeFloat(h, iv.Min)
		writeFloat(h, iv.Max)
	}
	return s.opts.Seed ^ int64(h.Sum64())
}

func writeFloat(w io.Writer, v float64) {
	bits := math.Float64bits(v)
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(bits >> (8 * i))
	}
	w.Write(buf[:])
}
