package risk

import (
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	// ReturnLookback is how many daily returns feed the correlation
	// estimate (needs one more close than returns).
	ReturnLookback = 30

	// minReturnOverlap is the shortest paired return series worth
	// correlating. Below it the pair is skipped, not guessed.
	minReturnOverlap = 10

	// VaRConfidence is the one-day parametric VaR level.
	VaRConfidence = 0.99
)

// dailyReturns converts a chronological close series into simple
// period-over-period returns.
func dailyReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			continue
		}
		out = append(out, closes[i]/closes[i-1]-1)
	}
	return out
}

// pairCorrelation is the Pearson correlation over the overlapping tails
// of two return series. ok is false when overlap is too short to trust.
func pairCorrelation(a, b []float64) (float64, bool) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < minReturnOverlap {
		return 0, false
	}
	x := a[len(a)-n:]
	y := b[len(b)-n:]
	rho := stat.Correlation(x, y, nil)
	if math.IsNaN(rho) {
		return 0, false
	}
	return rho, true
}

// zScore is the standard normal quantile for the given confidence.
func zScore(confidence float64) float64 {
	return distuv.Normal{Mu: 0, Sigma: 1}.Quantile(confidence)
}

// portfolioVaR combines per-position VaR figures through a correlation
// matrix: sqrt(v' C v). Diagonal entries of corr must be 1.
func portfolioVaR(vars []float64, corr [][]float64) float64 {
	var sum float64
	for i := range vars {
		for j := range vars {
			sum += vars[i] * vars[j] * corr[i][j]
		}
	}
	if sum < 0 {
		// Numerical noise with inconsistent pairwise estimates.
		return 0
	}
	return math.Sqrt(sum)
}
