package crossval

import (
	"context"
	"math"

	"traitcast/domain/trait"
	"traitcast/internal/composite"
	"traitcast/internal/errors"
	"traitcast/internal/meanmodel"
)

// FullFit is the one-time full-data fit of an axis's mean structure, used
// for the structural-equations artifact, residual dependency detection, and
// simulator uncertainty. Write-once; residuals are aligned with table rows
// (NaN where the target or predictors are missing).
type FullFit struct {
	Spec      meanmodel.Spec
	Frame     *meanmodel.Frame
	Model     *meanmodel.Model
	Targets   []float64
	Residuals []float64
}

// FitFull fits one axis on every row with an observed target.
func (o *Orchestrator) FitFull(ctx context.Context, table *trait.Table, spec meanmodel.Spec) (*FullFit, error) {
	rows := table.Rows()
	y := meanmodel.Targets(rows, spec.Axis)

	trainIdx := make([]int, 0, len(rows))
	for i := range rows {
		if !math.IsNaN(y[i]) {
			trainIdx = append(trainIdx, i)
		}
	}
	if len(trainIdx) == 0 {
		return nil, errors.DataError("no observed targets for axis " + string(spec.Axis))
	}

	projections := make(map[string]*composite.Projection, len(spec.Composites))
	for _, cs := range spec.Composites {
		proj, err := composite.Fit(rows, trainIdx, cs)
		if err != nil {
			if errors.HasCode(err, errors.CodeDataError) {
				continue
			}
			return nil, err
		}
		projections[cs.Name] = proj
	}

	frame, err := meanmodel.BuildFrame(rows, projections, spec, o.cfg.LogOffset)
	if err != nil {
		return nil, err
	}
	if spec.PhyloNeighbors > 0 && o.distance != nil {
		col, err := o.phyloNeighborColumn(ctx, rows, y, trainIdx, spec.PhyloNeighbors)
		if err != nil {
			return nil, err
		}
		if err := frame.AddColumn(meanmodel.TermPhyloNeighbor, col); err != nil {
			return nil, err
		}
	}

	model, err := meanmodel.Fit(frame, y, spec, trainIdx, meanmodel.Options{MinGroupN: o.cfg.MinGroupN})
	if err != nil {
		return nil, err
	}

	return &FullFit{
		Spec:      spec,
		Frame:     frame,
		Model:     model,
		Targets:   y,
		Residuals: model.Residuals(frame, y),
	}, nil
}
