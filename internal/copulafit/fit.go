// Package copulafit detects residual dependencies between indicator axes
// after the mean structures are removed, and fits a Gaussian copula to each
// accepted pair. Detection controls the false discovery rate across all
// tested pairs before applying the effect-size threshold.
package copulafit

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"

	"traitcast/domain/sem"
	"traitcast/internal/errors"
)

// rhoBound keeps the optimizer away from the boundary where the copula
// log-likelihood diverges.
const rhoBound = 0.999

// normalScores maps values to normal scores via the empirical probability
// transform u_i = rank_i / (n+1). Ties receive averaged ranks.
func normalScores(values []float64) []float64 {
	n := len(values)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return values[idx[a]] < values[idx[b]] })

	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j+1 < n && values[idx[j+1]] == values[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = avg
		}
		i = j + 1
	}

	norm := distuv.Normal{Mu: 0, Sigma: 1}
	scores := make([]float64, n)
	for i, r := range ranks {
		scores[i] = norm.Quantile(r / float64(n+1))
	}
	return scores
}

// copulaLogLik is the Gaussian copula log-likelihood on normal scores.
func copulaLogLik(rho float64, z1, z2 []float64) float64 {
	d := 1 - rho*rho
	ll := 0.0
	for i := range z1 {
		ll += -0.5*math.Log(d) + (2*rho*z1[i]*z2[i]-rho*rho*(z1[i]*z1[i]+z2[i]*z2[i]))/(2*d)
	}
	return ll
}

// maximizeRho finds the log-likelihood maximizer by golden-section search.
// The likelihood is unimodal in rho on (-1, 1).
func maximizeRho(z1, z2 []float64) (rho, logLik float64) {
	const phi = 0.6180339887498949
	lo, hi := -rhoBound, rhoBound
	a := hi - phi*(hi-lo)
	b := lo + phi*(hi-lo)
	fa := copulaLogLik(a, z1, z2)
	fb := copulaLogLik(b, z1, z2)
	for hi-lo > 1e-9 {
		if fa > fb {
			hi = b
			b, fb = a, fa
			a = hi - phi*(hi-lo)
			fa = copulaLogLik(a, z1, z2)
		} else {
			lo = a
			a, fa = b, fb
			b = lo + phi*(hi-lo)
			fb = copulaLogLik(b, z1, z2)
		}
	}
	rho = (lo + hi) / 2
	return rho, copulaLogLik(rho, z1, z2)
}

// FitPair fits a Gaussian copula to two aligned residual vectors by maximum
// likelihood on their normal scores.
func FitPair(key sem.DistrictKey, x, y []float64) (*sem.CopulaArtifact, error) {
	if len(x) != len(y) {
		return nil, errors.InvalidInput("residual vectors must be aligned")
	}
	if len(x) < 3 {
		return nil, errors.DataError("too few paired residuals for copula " + string(key))
	}

	z1 := normalScores(x)
	z2 := normalScores(y)
	rho, logLik := maximizeRho(z1, z2)

	// One free parameter.
	aic := 2 - 2*logLik
	return sem.NewCopulaArtifact(key, "gaussian", len(x), rho, logLik, aic)
}

// kendallTau is the tie-adjusted concordance coefficient (tau-b), kept as a
// rank-based diagnostic alongside the fitted rho.
func kendallTau(x, y []float64) float64 {
	n := len(x)
	if n < 2 {
		return math.NaN()
	}
	var concordant, discordant, tiesX, tiesY float64
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			dx := x[i] - x[j]
			dy := y[i] - y[j]
			switch {
			case dx == 0 && dy == 0:
				tiesX++
				tiesY++
			case dx == 0:
				tiesX++
			case dy == 0:
				tiesY++
			case dx*dy > 0:
				concordant++
			default:
				discordant++
			}
		}
	}
	denom := math.Sqrt((concordant + discordant + tiesX) * (concordant + discordant + tiesY))
	if denom == 0 {
		return math.NaN()
	}
	return (concordant - discordant) / denom
}
