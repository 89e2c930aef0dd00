// Package app orchestrates the full modeling pipeline: cross-validated
// evaluation of each axis's mean structure, full-data fits, causal-structure
// validation, residual dependency detection, and artifact persistence.
package app

import (
	"context"
	"math"
	"time"

	"traitcast/domain/core"
	"traitcast/domain/sem"
	"traitcast/domain/trait"
	"traitcast/internal"
	"traitcast/internal/composite"
	"traitcast/internal/config"
	"traitcast/internal/copulafit"
	"traitcast/internal/crossval"
	"traitcast/internal/dsep"
	"traitcast/internal/errors"
	"traitcast/internal/jointsim"
	"traitcast/internal/meanmodel"
	"traitcast/ports"
)

// PipelineService runs the modeling pipeline end to end. Per-axis failures
// are recorded in the run manifest; the run aborts only on infrastructure
// errors.
type PipelineService struct {
	cfg      *config.Config
	logger   *internal.Logger
	source   ports.TraitTablePort
	repo     ports.ArtifactRepositoryPort
	distance ports.DistanceMatrixPort // optional
}

// NewPipelineService wires the service. distance may be nil when no
// phylogenetic predictor is configured.
func NewPipelineService(cfg *config.Config, logger *internal.Logger, source ports.TraitTablePort, repo ports.ArtifactRepositoryPort, distance ports.DistanceMatrixPort) *PipelineService {
	return &PipelineService{
		cfg:      cfg,
		logger:   logger,
		source:   source,
		repo:     repo,
		distance: distance,
	}
}

// RunResult bundles everything one pipeline run produced.
type RunResult struct {
	RunID           core.RunID
	Manifest        *sem.RunManifest
	Equations       []sem.EquationArtifact
	Metrics         []sem.CVMetricsArtifact
	StructuralTests []sem.StructuralTestArtifact
	SlopeTests      []sem.SlopeEqualityResult
	DistrictReport  *sem.DistrictReport
	Predictions     []ports.SpeciesPrediction
}

// Run executes the pipeline and persists all artifacts under a fresh run
// identifier.
func (s *PipelineService) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()

	table, err := s.source.ReadTable(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read trait table")
	}
	s.logger.Info("loaded trait table: %d species", table.Len())

	runID := core.RunID(core.NewID())
	manifest := sem.NewRunManifest(runID, s.cfg.Modeling.Seed, s.cfg.Modeling.Folds, s.cfg.Modeling.Repeats, s.cfg.Simulation.Draws)
	manifest.ShrinkageK = s.cfg.Detection.ShrinkageK
	manifest.CorrThreshold = s.cfg.Detection.CorrThreshold
	manifest.FDRLevel = s.cfg.Detection.FDRLevel
	manifest.TableHash = table.Hash()
	manifest.ConfigHash = s.cfg.Hash()

	result := &RunResult{RunID: runID, Manifest: manifest}

	orch := crossval.New(crossval.Config{
		Folds:       s.cfg.Modeling.Folds,
		Repeats:     s.cfg.Modeling.Repeats,
		Seed:        s.cfg.Modeling.Seed,
		MinGroupN:   s.cfg.Modeling.MinGroupN,
		LogOffset:   s.cfg.Modeling.LogOffset,
		MaxParallel: s.cfg.Modeling.Folds,
	}, s.distance)

	specs := meanmodel.DefaultSpecs()
	fullFits := make(map[trait.Axis]*crossval.FullFit, len(specs))

	for _, axis := range trait.AllAxes() {
		spec := specs[axis]

		metrics, err := orch.RunAxis(ctx, table, spec)
		if err != nil {
			if !recoverable(err) {
				return nil, err
			}
			s.logger.Warn("axis %s cross-validation skipped (%s): %v", axis, errors.GetCode(err), err)
			manifest.RecordFailure(errors.GetCode(err))
		} else {
			result.Metrics = append(result.Metrics, *metrics)
			s.logger.Info("axis %s CV: R2 %.3f +/- %.3f over %d/%d units",
				axis, metrics.RSquared.Mean, metrics.RSquared.SD, metrics.UnitsTotal-metrics.UnitsFailed, metrics.UnitsTotal)
		}

		full, err := orch.FitFull(ctx, table, spec)
		if err != nil {
			if !recoverable(err) {
				return nil, err
			}
			s.logger.Warn("axis %s full fit skipped (%s): %v", axis, errors.GetCode(err), err)
			manifest.RecordFailure(errors.GetCode(err))
			continue
		}
		fullFits[axis] = full

		artifact, err := full.Model.ToArtifact()
		if err != nil {
			return nil, errors.Wrapf(err, "axis %s: equation artifact", axis)
		}
		result.Equations = append(result.Equations, *artifact)
	}
	if len(fullFits) == 0 {
		return nil, errors.DataError("no axis could be fitted")
	}

	if err := s.validateStructure(table, result, manifest); err != nil {
		return nil, err
	}
	if err := s.detectDistricts(table, fullFits, result, manifest); err != nil {
		return nil, err
	}
	result.Predictions = buildPredictions(table, fullFits)

	manifest.RuntimeMs = time.Since(start).Milliseconds()
	if err := s.persist(ctx, result); err != nil {
		return nil, err
	}
	s.logger.Info("run %s complete in %dms", runID, manifest.RuntimeMs)
	return result, nil
}

// validateStructure tests the hypothesized graph (each composite causes each
// axis) against full-data composite scores and indicators, pooled and per
// growth habit, then runs the slope-equality tests for the group-structured
// edges.
func (s *PipelineService) validateStructure(table *trait.Table, result *RunResult, manifest *sem.RunManifest) error {
	rows := table.Rows()
	allIdx := make([]int, len(rows))
	for i := range allIdx {
		allIdx[i] = i
	}

	columns := make(map[sem.Variable][]float64)
	var compositeVars []sem.Variable
	for _, cs := range trait.DefaultComposites() {
		proj, err := composite.Fit(rows, allIdx, cs)
		if err != nil {
			if recoverable(err) {
				s.logger.Warn("composite %s unavailable for structural test: %v", cs.Name, err)
				manifest.RecordFailure(errors.GetCode(err))
				continue
			}
			return err
		}
		columns[sem.Variable(cs.Name)] = proj.ScoreAll(rows)
		compositeVars = append(compositeVars, sem.Variable(cs.Name))
	}

	var axisVars []sem.Variable
	for _, axis := range trait.AllAxes() {
		col := make([]float64, len(rows))
		for i, r := range rows {
			if v, ok := r.Indicator(axis); ok {
				col[i] = v
			} else {
				col[i] = math.NaN()
			}
		}
		columns[sem.Variable(axis)] = col
		axisVars = append(axisVars, sem.Variable(axis))
	}

	nodes := append(append([]sem.Variable{}, compositeVars...), axisVars...)
	graph := dsep.NewGraph(nodes...)
	for _, cv := range compositeVars {
		for _, av := range axisVars {
			if err := graph.AddEdge(cv, av); err != nil {
				return err
			}
		}
	}

	habitLabels := groupColumn(rows, trait.GroupGrowthHabit)
	data := &dsep.Matrix{Columns: columns, GroupLabels: habitLabels, N: len(rows)}
	validator := dsep.NewValidator(s.cfg.Modeling.MinGroupN)

	claims := graph.BasisSet()
	tests, err := validator.RunPerGroup(data, claims)
	if err != nil {
		if errors.HasCode(err, errors.CodeStructuralTestUndefined) {
			// Saturated graph: report not applicable, never a silent pass.
			manifest.RecordFailure(errors.CodeStructuralTestUndefined)
			result.StructuralTests = append(result.StructuralTests, sem.StructuralTestArtifact{Status: sem.StructuralNotApplicable})
			return nil
		}
		return err
	}
	result.StructuralTests = tests
	s.logger.Info("structural test: %s (Fisher C %.2f, df %d, p %.4f)",
		tests[0].Status, tests[0].FisherC, tests[0].DF, tests[0].PValue)

	// Group-structured edges from the grouped model specs.
	slopeCases := []struct {
		cause, effect sem.Variable
		parents       []sem.Variable
		labels        []string
		kind          trait.GroupKind
	}{
		{cause: "SIZE", effect: sem.Variable(trait.AxisLight), parents: []sem.Variable{"LES"}, labels: habitLabels, kind: trait.GroupGrowthHabit},
		{cause: "LES", effect: sem.Variable(trait.AxisNutrients), parents: []sem.Variable{"SIZE"}, labels: groupColumn(rows, trait.GroupSymbiosis), kind: trait.GroupSymbiosis},
	}
	for _, c := range slopeCases {
		if _, ok := columns[c.cause]; !ok {
			continue
		}
		slopeData := &dsep.Matrix{Columns: columns, GroupLabels: c.labels, N: len(rows)}
		st, err := validator.TestSlopeEquality(slopeData, c.cause, c.effect, c.parents, c.kind)
		if err != nil {
			if recoverable(err) {
				s.logger.Warn("slope test %s -> %s skipped: %v", c.cause, c.effect, err)
				manifest.RecordFailure(errors.GetCode(err))
				continue
			}
			return err
		}
		result.SlopeTests = append(result.SlopeTests, *st)
	}
	return nil
}

// detectDistricts runs residual dependency detection over the full-fit
// residuals of the axes that fitted.
func (s *PipelineService) detectDistricts(table *trait.Table, fullFits map[trait.Axis]*crossval.FullFit, result *RunResult, manifest *sem.RunManifest) error {
	rows := table.Rows()
	res := &copulafit.Residuals{
		ByAxis:      make(map[trait.Axis][]float64, len(fullFits)),
		GroupLabels: groupColumn(rows, trait.GroupGrowthHabit),
		N:           len(rows),
	}
	for axis, full := range fullFits {
		res.ByAxis[axis] = full.Residuals
	}

	report, err := copulafit.Detect(res, copulafit.Options{
		CorrThreshold: s.cfg.Detection.CorrThreshold,
		FDRLevel:      s.cfg.Detection.FDRLevel,
		ShrinkageK:    s.cfg.Detection.ShrinkageK,
		Materiality:   s.cfg.Detection.Materiality,
		MinGroupN:     s.cfg.Modeling.MinGroupN,
	})
	if err != nil {
		if recoverable(err) {
			s.logger.Warn("district detection skipped (%s): %v", errors.GetCode(err), err)
			manifest.RecordFailure(errors.GetCode(err))
			return nil
		}
		return err
	}
	result.DistrictReport = report
	s.logger.Info("district detection: %d districts, max residual |r| %.3f, adequate=%t",
		len(report.Districts), report.MaxResidualR, report.Adequate)
	return nil
}

// buildPredictions scores every species on every fitted axis. Species
// missing a predictor on some axis simply lack that axis's prediction.
func buildPredictions(table *trait.Table, fullFits map[trait.Axis]*crossval.FullFit) []ports.SpeciesPrediction {
	rows := table.Rows()
	out := make([]ports.SpeciesPrediction, 0, len(rows))
	for i, r := range rows {
		pred := ports.SpeciesPrediction{
			Species:     r.Species,
			Predictions: make(map[trait.Axis]float64),
			Groups:      r.Groups,
		}
		for _, axis := range trait.AllAxes() {
			full, ok := fullFits[axis]
			if !ok {
				continue
			}
			if v, ok := full.Model.Predict(full.Frame, i); ok {
				pred.Predictions[axis] = v
			}
		}
		if len(pred.Predictions) > 0 {
			out = append(out, pred)
		}
	}
	return out
}

func (s *PipelineService) persist(ctx context.Context, result *RunResult) error {
	if err := s.repo.SaveEquations(ctx, result.RunID, result.Equations); err != nil {
		return err
	}
	if err := s.repo.SaveStructuralTests(ctx, result.RunID, result.StructuralTests, result.SlopeTests); err != nil {
		return err
	}
	if result.DistrictReport != nil {
		if err := s.repo.SaveDistrictReport(ctx, result.RunID, result.DistrictReport); err != nil {
			return err
		}
	}
	if err := s.repo.SaveCVMetrics(ctx, result.RunID, result.Metrics); err != nil {
		return err
	}
	return s.repo.SaveManifest(ctx, result.Manifest)
}

// NewSimulator builds the suitability simulator from a run's artifacts.
func NewSimulator(result *RunResult, cfg *config.Config) (*jointsim.Simulator, error) {
	params := jointsim.Parameters{
		Equations: make(map[trait.Axis]*sem.EquationArtifact, len(result.Equations)),
	}
	for i := range result.Equations {
		eq := result.Equations[i]
		params.Equations[eq.Axis] = &eq
	}
	if result.DistrictReport != nil {
		params.Districts = result.DistrictReport.Districts
	}
	return jointsim.New(params, jointsim.Options{
		Draws:               cfg.Simulation.Draws,
		Seed:                cfg.Modeling.Seed,
		WarnOnGroupFallback: cfg.Simulation.WarnOnGroupFallback,
		MaxParallel:         4,
	})
}

// recoverable reports whether an error marks one unit as failed rather than
// aborting the run.
func recoverable(err error) bool {
	return errors.HasCode(err, errors.CodeDataError) || errors.HasCode(err, errors.CodeFitError)
}

func groupColumn(rows []trait.Record, kind trait.GroupKind) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Group(kind)
	}
	return out
}
