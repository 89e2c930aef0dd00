package crossval

import (
	"context"
	"fmt"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"traitcast/domain/core"
	"traitcast/domain/sem"
	"traitcast/domain/trait"
	"traitcast/internal/composite"
	"traitcast/internal/errors"
	"traitcast/internal/meanmodel"
	"traitcast/ports"
)

// Config carries the orchestrator's deterministic knobs.
type Config struct {
	Folds     int
	Repeats   int
	Seed      int64
	MinGroupN int
	LogOffset float64
	// MaxParallel caps concurrent fold units; <= 0 means one goroutine per
	// unit.
	MaxParallel int
}

// Orchestrator evaluates mean structures by repeated stratified k-fold CV.
// Inputs are read-only; each fold unit owns its state, so processing order
// cannot affect results.
type Orchestrator struct {
	cfg      Config
	distance ports.DistanceMatrixPort // optional
}

// New creates an orchestrator. distance may be nil when no phylogenetic
// predictor is configured.
func New(cfg Config, distance ports.DistanceMatrixPort) *Orchestrator {
	return &Orchestrator{cfg: cfg, distance: distance}
}

// foldOutcome is the result of one fold unit, stored by unit index.
type foldOutcome struct {
	predictions []sem.OOFPrediction
	r2          float64
	rmse        float64
	mae         float64
	err         error
}

// RunAxis cross-validates one axis's mean structure. Per-unit DataError and
// FitError outcomes are recorded as failed units; aggregates cover the
// successful units and the artifact carries the failure count.
func (o *Orchestrator) RunAxis(ctx context.Context, table *trait.Table, spec meanmodel.Spec) (*sem.CVMetricsArtifact, error) {
	rows := table.Rows()
	y := meanmodel.Targets(rows, spec.Axis)

	assignments, err := StratifiedFolds(y, o.cfg.Folds, o.cfg.Repeats, o.cfg.Seed)
	if err != nil {
		return nil, errors.Wrapf(err, "axis %s: fold assignment failed", spec.Axis)
	}

	outcomes := make([]foldOutcome, len(assignments))
	g, gctx := errgroup.WithContext(ctx)
	if o.cfg.MaxParallel > 0 {
		g.SetLimit(o.cfg.MaxParallel)
	}
	for unit, assignment := range assignments {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			outcomes[unit] = o.runUnit(gctx, rows, y, spec, assignment)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return o.aggregate(spec.Axis, assignments, outcomes), nil
}

// runUnit executes one fold: rebuild composites on training rows, fit the
// mean structure, score the held-out rows.
func (o *Orchestrator) runUnit(ctx context.Context, rows []trait.Record, y []float64, spec meanmodel.Spec, a Assignment) foldOutcome {
	projections := make(map[string]*composite.Projection, len(spec.Composites))
	for _, cs := range spec.Composites {
		proj, err := composite.Fit(rows, a.TrainIdx, cs)
		if err != nil {
			if errors.HasCode(err, errors.CodeDataError) {
				continue // composite missing for this fold, model proceeds without it
			}
			return foldOutcome{err: err}
		}
		projections[cs.Name] = proj
	}

	frame, err := meanmodel.BuildFrame(rows, projections, spec, o.cfg.LogOffset)
	if err != nil {
		return foldOutcome{err: err}
	}

	if spec.PhyloNeighbors > 0 && o.distance != nil {
		col, err := o.phyloNeighborColumn(ctx, rows, y, a.TrainIdx, spec.PhyloNeighbors)
		if err != nil {
			return foldOutcome{err: err}
		}
		if err := frame.AddColumn(meanmodel.TermPhyloNeighbor, col); err != nil {
			return foldOutcome{err: err}
		}
	}

	model, err := meanmodel.Fit(frame, y, spec, a.TrainIdx, meanmodel.Options{MinGroupN: o.cfg.MinGroupN})
	if err != nil {
		return foldOutcome{err: err}
	}

	var out foldOutcome
	observed := make([]float64, 0, len(a.TestIdx))
	predicted := make([]float64, 0, len(a.TestIdx))
	for _, idx := range a.TestIdx {
		pred, ok := model.Predict(frame, idx)
		if !ok || math.IsNaN(y[idx]) {
			continue
		}
		observed = append(observed, y[idx])
		predicted = append(predicted, pred)
		out.predictions = append(out.predictions, sem.OOFPrediction{
			Species:   rows[idx].Species,
			Repeat:    a.Repeat,
			Fold:      a.Fold,
			Observed:  y[idx],
			Predicted: pred,
		})
	}
	if len(observed) < 2 {
		out.err = errors.DataError("too few scored held-out rows")
		return out
	}
	out.r2 = rSquared(observed, predicted)
	out.rmse = rmse(observed, predicted)
	out.mae = mae(observed, predicted)
	return out
}

// phyloNeighborColumn computes the mean observed target of the k nearest
// training-fold species for every row. Candidates are restricted to training
// rows with an observed target, so held-out values never feed the feature.
func (o *Orchestrator) phyloNeighborColumn(ctx context.Context, rows []trait.Record, y []float64, trainIdx []int, k int) ([]float64, error) {
	sortedTrain := make([]int, len(trainIdx))
	copy(sortedTrain, trainIdx)
	sort.Ints(sortedTrain)

	targetBySpecies := make(map[core.SpeciesID]float64)
	candidates := make([]core.SpeciesID, 0, len(sortedTrain))
	for _, idx := range sortedTrain {
		if !math.IsNaN(y[idx]) && rows[idx].PhyloID != "" {
			candidates = append(candidates, rows[idx].Species)
			targetBySpecies[rows[idx].Species] = y[idx]
		}
	}

	col := make([]float64, len(rows))
	for i, r := range rows {
		col[i] = math.NaN()
		if r.PhyloID == "" || len(candidates) == 0 {
			continue
		}
		others := make([]core.SpeciesID, 0, len(candidates))
		for _, c := range candidates {
			if c != r.Species {
				others = append(others, c)
			}
		}
		neighbors, err := o.distance.Neighbors(ctx, r.Species, others, k)
		if err != nil {
			return nil, errors.Wrap(err, "phylogenetic neighbor lookup failed")
		}
		if len(neighbors) == 0 {
			continue
		}
		sum := 0.0
		for _, nid := range neighbors {
			sum += targetBySpecies[nid]
		}
		col[i] = sum / float64(len(neighbors))
	}
	return col, nil
}

func (o *Orchestrator) aggregate(axis trait.Axis, assignments []Assignment, outcomes []foldOutcome) *sem.CVMetricsArtifact {
	artifact := &sem.CVMetricsArtifact{
		Axis:       axis,
		UnitsTotal: len(assignments),
	}
	var r2s, rmses, maes []float64
	for _, out := range outcomes {
		if out.err != nil {
			artifact.UnitsFailed++
			continue
		}
		r2s = append(r2s, out.r2)
		rmses = append(rmses, out.rmse)
		maes = append(maes, out.mae)
		artifact.Predictions = append(artifact.Predictions, out.predictions...)
	}
	if artifact.UnitsFailed > 0 {
		artifact.Warnings = append(artifact.Warnings, errors.WarningLowN)
	}
	artifact.RSquared = summarize(r2s)
	artifact.RMSE = summarize(rmses)
	artifact.MAE = summarize(maes)
	return artifact
}

// DescribeFailure renders a failed unit for logging; the run itself never
// aborts on per-unit failures.
func DescribeFailure(axis trait.Axis, unit int, err error) string {
	return fmt.Sprintf("axis %s unit %d failed (%s): %v", axis, unit, errors.GetCode(err), err)
}
