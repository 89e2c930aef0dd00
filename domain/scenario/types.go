package scenario

import (
	"fmt"
	"math"

	"traitcast/domain/trait"
)

// Interval is a per-axis threshold interval on the 0-10 indicator scale.
// Either bound may be open (NaN means unbounded on that side).
type Interval struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Unbounded returns an interval with both sides open.
func Unbounded() Interval {
	return Interval{Min: math.NaN(), Max: math.NaN()}
}

// AtLeast returns an interval with only a lower bound.
func AtLeast(min float64) Interval {
	return Interval{Min: min, Max: math.NaN()}
}

// AtMost returns an interval with only an upper bound.
func AtMost(max float64) Interval {
	return Interval{Min: math.NaN(), Max: max}
}

// Between returns a closed interval.
func Between(min, max float64) Interval {
	return Interval{Min: min, Max: max}
}

// Contains reports whether v satisfies the interval.
func (iv Interval) Contains(v float64) bool {
	if !math.IsNaN(iv.Min) && v < iv.Min {
		return false
	}
	if !math.IsNaN(iv.Max) && v > iv.Max {
		return false
	}
	return true
}

// Validate rejects inverted bounds.
func (iv Interval) Validate() error {
	if !math.IsNaN(iv.Min) && !math.IsNaN(iv.Max) && iv.Min > iv.Max {
		return fmt.Errorf("interval min %f exceeds max %f", iv.Min, iv.Max)
	}
	return nil
}

// Scenario is a named conjunction of per-axis threshold intervals. A species
// satisfies the scenario only when every listed axis falls inside its
// interval simultaneously. Ephemeral query object; never persisted.
type Scenario struct {
	Name      string                  `json:"name"`
	Intervals map[trait.Axis]Interval `json:"intervals"`
}

// New validates and constructs a scenario.
func New(name string, intervals map[trait.Axis]Interval) (Scenario, error) {
	if name == "" {
		return Scenario{}, fmt.Errorf("scenario requires a name")
	}
	if len(intervals) == 0 {
		return Scenario{}, fmt.Errorf("scenario %q requires at least one axis interval", name)
	}
	for axis, iv := range intervals {
		if err := iv.Validate(); err != nil {
			return Scenario{}, fmt.Errorf("scenario %q axis %s: %w", name, axis, err)
		}
	}
	return Scenario{Name: name, Intervals: intervals}, nil
}

// Axes returns the axes constrained by the scenario in canonical order.
func (s Scenario) Axes() []trait.Axis {
	out := make([]trait.Axis, 0, len(s.Intervals))
	for _, axis := range trait.AllAxes() {
		if _, ok := s.Intervals[axis]; ok {
			out = append(out, axis)
		}
	}
	return out
}

// Satisfied reports whether a full set of axis values meets every interval.
func (s Scenario) Satisfied(values map[trait.Axis]float64) bool {
	for axis, iv := range s.Intervals {
		if !iv.Contains(values[axis]) {
			return false
		}
	}
	return true
}
