package crossval

import (
	"math"

	mfstats "github.com/montanaflynn/stats"

	"traitcast/domain/sem"
)

// rSquared is the coefficient of determination on held-out rows.
func rSquared(observed, predicted []float64) float64 {
	mean, err := mfstats.Mean(observed)
	if err != nil {
		return math.NaN()
	}
	ssTot := 0.0
	ssRes := 0.0
	for i := range observed {
		dt := observed[i] - mean
		dr := observed[i] - predicted[i]
		ssTot += dt * dt
		ssRes += dr * dr
	}
	if ssTot == 0 {
		return math.NaN()
	}
	return 1 - ssRes/ssTot
}

func rmse(observed, predicted []float64) float64 {
	sum := 0.0
	for i := range observed {
		d := observed[i] - predicted[i]
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(observed)))
}

func mae(observed, predicted []float64) float64 {
	sum := 0.0
	for i := range observed {
		sum += math.Abs(observed[i] - predicted[i])
	}
	return sum / float64(len(observed))
}

// summarize reports mean +/- SD over the successful fold units.
func summarize(values []float64) sem.MetricSummary {
	if len(values) == 0 {
		return sem.MetricSummary{Mean: math.NaN(), SD: math.NaN()}
	}
	mean, _ := mfstats.Mean(values)
	sd := 0.0
	if len(values) > 1 {
		sd, _ = mfstats.StandardDeviationSample(values)
	}
	return sem.MetricSummary{Mean: mean, SD: sd}
}
