package copulafit

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"traitcast/domain/sem"
	"traitcast/internal/errors"
)

// bivariate draws n correlated standard normal pairs.
func bivariate(n int, rho float64, seed int64) (x, y []float64) {
	rng := rand.New(rand.NewSource(seed))
	x = make([]float64, n)
	y = make([]float64, n)
	for i := 0; i < n; i++ {
		z1 := rng.NormFloat64()
		z2 := rng.NormFloat64()
		x[i] = z1
		y[i] = rho*z1 + math.Sqrt(1-rho*rho)*z2
	}
	return x, y
}

func TestFitPair_RecoversCorrelation(t *testing.T) {
	x, y := bivariate(800, 0.7, 17)

	artifact, err := FitPair("L|M", x, y)
	require.NoError(t, err)

	assert.Equal(t, "gaussian", artifact.Family)
	assert.Equal(t, 800, artifact.SampleSize)
	assert.InDelta(t, 0.7, artifact.Rho, 0.1)
	assert.InDelta(t, artifact.AIC, 2-2*artifact.LogLik, 1e-12)
}

func TestFitPair_NearZeroForIndependentData(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	x := make([]float64, 800)
	y := make([]float64, 800)
	for i := range x {
		x[i] = rng.NormFloat64()
		y[i] = rng.NormFloat64()
	}

	artifact, err := FitPair("L|M", x, y)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, artifact.Rho, 0.12)
}

func TestFitPair_RejectsBadInput(t *testing.T) {
	_, err := FitPair("L|M", []float64{1, 2, 3}, []float64{1, 2})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeInvalidInput))

	_, err = FitPair("L|M", []float64{1, 2}, []float64{1, 2})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeDataError))
}

func TestNormalScores_RankProperties(t *testing.T) {
	scores := normalScores([]float64{5, -1, 3, 0, 12})

	// Scores preserve the ordering of the inputs.
	assert.Greater(t, scores[4], scores[0])
	assert.Greater(t, scores[0], scores[2])
	assert.Greater(t, scores[2], scores[3])
	assert.Greater(t, scores[3], scores[1])

	// Median rank maps to zero, extremes are symmetric.
	assert.InDelta(t, 0.0, scores[2], 1e-12)
	assert.InDelta(t, -scores[1], scores[4], 1e-12)
}

func TestNormalScores_TiesShareAScore(t *testing.T) {
	scores := normalScores([]float64{2, 7, 2, 9})
	assert.Equal(t, scores[0], scores[2])
}

func TestKendallTau_ConcordanceDiagnostic(t *testing.T) {
	// Strictly monotone pairs are fully concordant.
	assert.InDelta(t, 1.0, kendallTau([]float64{1, 2, 3, 4}, []float64{2, 5, 7, 9}), 1e-12)
	assert.InDelta(t, -1.0, kendallTau([]float64{1, 2, 3, 4}, []float64{9, 7, 5, 2}), 1e-12)
	assert.True(t, math.IsNaN(kendallTau([]float64{1}, []float64{1})))
}

func TestMaximizeRho_StaysInsideOpenInterval(t *testing.T) {
	// Perfectly concordant scores push the MLE to the boundary guard.
	z := normalScores([]float64{1, 2, 3, 4, 5, 6})
	rho, _ := maximizeRho(z, z)
	assert.Less(t, rho, 1.0)
	assert.Greater(t, rho, 0.99)

	// The resulting artifact still satisfies the open-interval invariant.
	_, err := sem.NewCopulaArtifact("L|M", "gaussian", 6, rho, 0, 2)
	require.NoError(t, err)
}
