package meanmodel

import (
	"fmt"
	"math"

	"traitcast/domain/trait"
	"traitcast/internal/composite"
	"traitcast/internal/errors"
)

// Frame is an ordered feature matrix over species rows. Missing values are
// NaN; rows keep the table's positional order so fold indices stay valid.
type Frame struct {
	Names   []string
	Columns map[string][]float64
	Records []trait.Record
}

// NumRows returns the number of species rows in the frame.
func (f *Frame) NumRows() int { return len(f.Records) }

// Complete reports whether every feature is present for row i.
func (f *Frame) Complete(i int) bool {
	for _, name := range f.Names {
		if math.IsNaN(f.Columns[name][i]) {
			return false
		}
	}
	return true
}

// Value returns the feature value at (row, name).
func (f *Frame) Value(i int, name string) float64 {
	return f.Columns[name][i]
}

// BuildFrame assembles the predictor frame for one axis from fold-trained
// composite projections and the spec's remaining trait predictors. The
// projections must have been fit on training rows only; the frame itself is
// safe to evaluate on any row.
//
// Zero-valued trait measurements are kept finite by the configured positive
// offset applied before the log transform.
func BuildFrame(rows []trait.Record, projections map[string]*composite.Projection, spec Spec, logOffset float64) (*Frame, error) {
	if logOffset <= 0 {
		return nil, errors.InvalidInput(fmt.Sprintf("log offset must be > 0, got %f", logOffset))
	}

	frame := &Frame{
		Columns: make(map[string][]float64),
		Records: rows,
	}

	for _, c := range spec.Composites {
		proj, ok := projections[c.Name]
		if !ok {
			// Composite missing for this fold (too few valid traits):
			// the axis is reported missing, not imputed.
			continue
		}
		frame.Names = append(frame.Names, c.Name)
		frame.Columns[c.Name] = proj.ScoreAll(rows)
	}

	for _, t := range spec.LogTraits {
		name := LogTraitTerm(t)
		col := make([]float64, len(rows))
		for i, r := range rows {
			if v, ok := r.TraitValue(t); ok && v >= 0 {
				col[i] = math.Log10(v + logOffset)
			} else {
				col[i] = math.NaN()
			}
		}
		frame.Names = append(frame.Names, name)
		frame.Columns[name] = col
	}

	for _, pair := range spec.Interactions {
		left, lok := frame.Columns[pair[0]]
		right, rok := frame.Columns[pair[1]]
		if !lok || !rok {
			continue // a missing composite drops its interactions with it
		}
		name := pair[0] + ":" + pair[1]
		col := make([]float64, len(rows))
		for i := range rows {
			col[i] = left[i] * right[i]
		}
		frame.Names = append(frame.Names, name)
		frame.Columns[name] = col
	}

	if len(frame.Names) == 0 {
		return nil, errors.DataError(fmt.Sprintf("axis %s: no usable predictors", spec.Axis))
	}
	return frame, nil
}

// AddColumn appends an externally computed predictor (e.g. the phylogenetic
// neighbor mean) to the frame.
func (f *Frame) AddColumn(name string, values []float64) error {
	if len(values) != len(f.Records) {
		return errors.InvalidInput(fmt.Sprintf("column %s has %d values for %d rows", name, len(values), len(f.Records)))
	}
	if _, exists := f.Columns[name]; exists {
		return errors.InvalidInput(fmt.Sprintf("column %s already present", name))
	}
	f.Names = append(f.Names, name)
	f.Columns[name] = values
	return nil
}

// Targets extracts the axis's indicator values over rows, NaN where null.
func Targets(rows []trait.Record, axis trait.Axis) []float64 {
	y := make([]float64, len(rows))
	for i, r := range rows {
		if v, ok := r.Indicator(axis); ok {
			y[i] = v
		} else {
			y[i] = math.NaN()
		}
	}
	return y
}
