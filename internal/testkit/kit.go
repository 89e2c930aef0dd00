// Package testkit provides deterministic synthetic species tables and
// in-memory port fakes for exercising the modeling pipeline without external
// data sources.
package testkit

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"traitcast/domain/core"
	"traitcast/domain/sem"
	"traitcast/domain/trait"
	"traitcast/internal/errors"
)

// Float returns a pointer to v, for populating nullable indicators.
func Float(v float64) *float64 { return &v }

// Generator produces synthetic species tables from a seeded stream, so the
// same seed always yields the same table.
type Generator struct {
	rng *rand.Rand
}

// NewGenerator creates a generator with a fixed seed.
func NewGenerator(seed int64) *Generator {
	return &Generator{rng: rand.New(rand.NewSource(seed))}
}

// Table generates n species with two latent factors driving the traits: a
// leaf-economics factor and a size factor. Indicators are linear in the
// factors plus noise, clipped to the 0-10 scale. Roughly 5% of indicators
// and 3% of trait values are missing.
func (g *Generator) Table(n int) *trait.Table {
	rows := make([]trait.Record, 0, n)
	for i := 0; i < n; i++ {
		les := g.rng.NormFloat64()
		size := g.rng.NormFloat64()

		traits := map[trait.Trait]float64{
			trait.TraitSLA:      positive(18+6*les+g.rng.NormFloat64()*2, 1),
			trait.TraitLeafN:    positive(22+5*les+g.rng.NormFloat64()*2, 1),
			trait.TraitLDMC:     positive(240-60*les+g.rng.NormFloat64()*20, 10),
			trait.TraitHeight:   positive(1.5+1.2*size+g.rng.NormFloat64()*0.4, 0.05),
			trait.TraitSeedMass: positive(3+2.5*size+g.rng.NormFloat64()*0.8, 0.01),
			trait.TraitLeafArea: positive(25+8*les+4*size+g.rng.NormFloat64()*5, 1),
		}
		for _, t := range trait.AllTraits() {
			if g.rng.Float64() < 0.03 {
				traits[t] = math.NaN()
			}
		}

		indicators := map[trait.Axis]*float64{
			trait.AxisLight:       g.indicator(5 - 0.9*les - 0.5*size),
			trait.AxisTemperature: g.indicator(5 + 0.4*size),
			trait.AxisMoisture:    g.indicator(5 + 0.7*les - 0.3*size),
			trait.AxisReaction:    g.indicator(5 + 0.3*les),
			trait.AxisNutrients:   g.indicator(5 + 1.1*les),
		}

		rows = append(rows, trait.Record{
			Species:    core.SpeciesID(fmt.Sprintf("species_%04d", i+1)),
			Traits:     traits,
			Indicators: indicators,
			Groups: map[trait.GroupKind]string{
				trait.GroupSymbiosis:   g.symbiosis(),
				trait.GroupGrowthHabit: growthHabit(size),
			},
			PhyloID: fmt.Sprintf("clade_%d", i%8),
		})
	}
	table, err := trait.NewTable(rows)
	if err != nil {
		panic(err)
	}
	return table
}

// CorrelatedAxes generates n fully observed species whose residuals on axes
// a and b share one noise draw, giving a residual correlation of exactly 1.
func (g *Generator) CorrelatedAxes(n int, a, b trait.Axis) *trait.Table {
	rows := make([]trait.Record, 0, n)
	for i := 0; i < n; i++ {
		les := g.rng.NormFloat64()
		size := g.rng.NormFloat64()

		traits := map[trait.Trait]float64{
			trait.TraitSLA:      positive(18+6*les+g.rng.NormFloat64()*2, 1),
			trait.TraitLeafN:    positive(22+5*les+g.rng.NormFloat64()*2, 1),
			trait.TraitLDMC:     positive(240-60*les+g.rng.NormFloat64()*20, 10),
			trait.TraitHeight:   positive(1.5+1.2*size+g.rng.NormFloat64()*0.4, 0.05),
			trait.TraitSeedMass: positive(3+2.5*size+g.rng.NormFloat64()*0.8, 0.01),
			trait.TraitLeafArea: positive(25+8*les+4*size+g.rng.NormFloat64()*5, 1),
		}

		shared := g.rng.NormFloat64() * 0.8
		indicators := make(map[trait.Axis]*float64, len(trait.AllAxes()))
		for _, axis := range trait.AllAxes() {
			mean := 5 + 0.6*les - 0.2*size
			var eps float64
			if axis == a || axis == b {
				eps = shared
			} else {
				eps = g.rng.NormFloat64() * 0.8
			}
			indicators[axis] = Float(clip(mean + eps))
		}

		rows = append(rows, trait.Record{
			Species:    core.SpeciesID(fmt.Sprintf("species_%04d", i+1)),
			Traits:     traits,
			Indicators: indicators,
			Groups: map[trait.GroupKind]string{
				trait.GroupSymbiosis:   g.symbiosis(),
				trait.GroupGrowthHabit: growthHabit(size),
			},
		})
	}
	table, err := trait.NewTable(rows)
	if err != nil {
		panic(err)
	}
	return table
}

func (g *Generator) indicator(mean float64) *float64 {
	if g.rng.Float64() < 0.05 {
		return nil
	}
	return Float(clip(mean + g.rng.NormFloat64()*0.8))
}

func (g *Generator) symbiosis() string {
	switch g.rng.Intn(4) {
	case 0:
		return "am"
	case 1:
		return "em"
	case 2:
		return "nfix"
	default:
		return "none"
	}
}

func growthHabit(size float64) string {
	switch {
	case size > 0.8:
		return "woody"
	case size > 0.3:
		return "semi-woody"
	default:
		return "herbaceous"
	}
}

func positive(v, floor float64) float64 {
	if v < floor {
		return floor
	}
	return v
}

func clip(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}

// ============================================================================
// PORT FAKES
// ============================================================================

// InMemoryArtifactRepository implements ports.ArtifactRepositoryPort over
// maps, for pipeline tests.
type InMemoryArtifactRepository struct {
	mu         sync.Mutex
	equations  map[core.RunID][]sem.EquationArtifact
	structural map[core.RunID][]sem.StructuralTestArtifact
	slopes     map[core.RunID][]sem.SlopeEqualityResult
	districts  map[core.RunID]*sem.DistrictReport
	metrics    map[core.RunID][]sem.CVMetricsArtifact
	manifests  map[core.RunID]*sem.RunManifest
}

// NewInMemoryArtifactRepository creates an empty repository.
func NewInMemoryArtifactRepository() *InMemoryArtifactRepository {
	return &InMemoryArtifactRepository{
		equations:  make(map[core.RunID][]sem.EquationArtifact),
		structural: make(map[core.RunID][]sem.StructuralTestArtifact),
		slopes:     make(map[core.RunID][]sem.SlopeEqualityResult),
		districts:  make(map[core.RunID]*sem.DistrictReport),
		metrics:    make(map[core.RunID][]sem.CVMetricsArtifact),
		manifests:  make(map[core.RunID]*sem.RunManifest),
	}
}

func (r *InMemoryArtifactRepository) SaveEquations(_ context.Context, runID core.RunID, equations []sem.EquationArtifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.equations[runID] = append([]sem.EquationArtifact(nil), equations...)
	return nil
}

func (r *InMemoryArtifactRepository) SaveStructuralTests(_ context.Context, runID core.RunID, tests []sem.StructuralTestArtifact, slopes []sem.SlopeEqualityResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.structural[runID] = append([]sem.StructuralTestArtifact(nil), tests...)
	r.slopes[runID] = append([]sem.SlopeEqualityResult(nil), slopes...)
	return nil
}

func (r *InMemoryArtifactRepository) SaveDistrictReport(_ context.Context, runID core.RunID, report *sem.DistrictReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.districts[runID] = report
	return nil
}

func (r *InMemoryArtifactRepository) SaveCVMetrics(_ context.Context, runID core.RunID, metrics []sem.CVMetricsArtifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics[runID] = append([]sem.CVMetricsArtifact(nil), metrics...)
	return nil
}

func (r *InMemoryArtifactRepository) SaveManifest(_ context.Context, manifest *sem.RunManifest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifests[manifest.RunID] = manifest
	return nil
}

func (r *InMemoryArtifactRepository) LoadEquations(_ context.Context, runID core.RunID) ([]sem.EquationArtifact, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	eqs, ok := r.equations[runID]
	if !ok {
		return nil, errors.NotFound("no equations for run " + runID.String())
	}
	return append([]sem.EquationArtifact(nil), eqs...), nil
}

func (r *InMemoryArtifactRepository) LoadDistrictReport(_ context.Context, runID core.RunID) (*sem.DistrictReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	report, ok := r.districts[runID]
	if !ok {
		return nil, errors.NotFound("no district report for run " + runID.String())
	}
	return report, nil
}

func (r *InMemoryArtifactRepository) LoadManifest(_ context.Context, runID core.RunID) (*sem.RunManifest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.manifests[runID]
	if !ok {
		return nil, errors.NotFound("no manifest for run " + runID.String())
	}
	return m, nil
}

// StructuralTests returns what was saved, for assertions.
func (r *InMemoryArtifactRepository) StructuralTests(runID core.RunID) []sem.StructuralTestArtifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.structural[runID]
}

// CVMetrics returns what was saved, for assertions.
func (r *InMemoryArtifactRepository) CVMetrics(runID core.RunID) []sem.CVMetricsArtifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.metrics[runID]
}

// StaticTableSource implements ports.TraitTablePort over a fixed table.
type StaticTableSource struct {
	Table *trait.Table
}

func (s *StaticTableSource) ReadTable(_ context.Context) (*trait.Table, error) {
	if s.Table == nil {
		return nil, errors.DataError("no table configured")
	}
	return s.Table, nil
}

// CladeDistanceMatrix implements ports.DistanceMatrixPort with distance 0
// inside a clade and 1 across clades, derived from a species-to-clade map.
type CladeDistanceMatrix struct {
	Clades map[core.SpeciesID]string
}

func (m *CladeDistanceMatrix) Distance(_ context.Context, a, b core.SpeciesID) (float64, bool, error) {
	ca, okA := m.Clades[a]
	cb, okB := m.Clades[b]
	if !okA || !okB {
		return 0, false, nil
	}
	if ca == cb {
		return 0, true, nil
	}
	return 1, true, nil
}

func (m *CladeDistanceMatrix) Neighbors(_ context.Context, of core.SpeciesID, candidates []core.SpeciesID, k int) ([]core.SpeciesID, error) {
	type scored struct {
		id   core.SpeciesID
		dist float64
	}
	var pool []scored
	for _, c := range candidates {
		if c == of {
			continue
		}
		d, ok, err := m.Distance(context.Background(), of, c)
		if err != nil {
			return nil, err
		}
		if ok {
			pool = append(pool, scored{id: c, dist: d})
		}
	}
	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].dist != pool[j].dist {
			return pool[i].dist < pool[j].dist
		}
		return pool[i].id < pool[j].id
	})
	if k > len(pool) {
		k = len(pool)
	}
	out := make([]core.SpeciesID, k)
	for i := 0; i < k; i++ {
		out[i] = pool[i].id
	}
	return out, nil
}
