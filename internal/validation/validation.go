// Package validation compares the pipeline's computed daily ETo against
// the forecast provider's own ETo and classifies the agreement. The
// result is diagnostic: a degraded quality class never blocks snapshot
// persistence.
package validation

import (
	"math"

	"github.com/evaonline/matopiba/internal/types"
	"gonum.org/v1/gonum/stat"
)

// Quality thresholds. Both criteria of a class must hold.
const (
	excellentR2    = 0.75
	excellentRMSE  = 1.2
	acceptableR2   = 0.65
	acceptableRMSE = 1.5
)

// Compute returns the global agreement metrics over aligned model and
// provider daily ETo arrays. Callers filter to finite pairs beforehand.
// Empty input yields NaN metrics and BELOW_EXPECTED quality.
func Compute(model, provider []float64) types.ValidationMetrics {
	n := len(model)
	if len(provider) < n {
		n = len(provider)
	}
	if n == 0 {
		nan := math.NaN()
		return types.ValidationMetrics{
			R2:        nan,
			RMSEMmDay: nan,
			BiasMmDay: nan,
			MAEMmDay:  nan,
			NSamples:  0,
			Quality:   types.QualityBelowExpected,
		}
	}

	diff := make([]float64, n)
	absDiff := make([]float64, n)
	sqDiff := make([]float64, n)
	for i := 0; i < n; i++ {
		d := model[i] - provider[i]
		diff[i] = d
		absDiff[i] = math.Abs(d)
		sqDiff[i] = d * d
	}

	bias := stat.Mean(diff, nil)
	mae := stat.Mean(absDiff, nil)
	rmse := math.Sqrt(stat.Mean(sqDiff, nil))

	// r² = 1 - SS_res/SS_tot with the provider as the reference series.
	providerMean := stat.Mean(provider[:n], nil)
	var ssRes, ssTot float64
	for i := 0; i < n; i++ {
		ssRes += sqDiff[i]
		dev := provider[i] - providerMean
		ssTot += dev * dev
	}
	r2 := math.NaN()
	if ssTot > 0 {
		r2 = 1 - ssRes/ssTot
	}

	return types.ValidationMetrics{
		R2:        r2,
		RMSEMmDay: rmse,
		BiasMmDay: bias,
		MAEMmDay:  mae,
		NSamples:  n,
		Quality:   Classify(r2, rmse),
	}
}

// Classify maps r² and RMSE (mm/day) to a quality class. NaN fails every
// threshold and lands in BELOW_EXPECTED.
func Classify(r2, rmse float64) types.Quality {
	switch {
	case r2 >= excellentR2 && rmse <= excellentRMSE:
		return types.QualityExcellent
	case r2 >= acceptableR2 && rmse <= acceptableRMSE:
		return types.QualityAcceptable
	default:
		return types.QualityBelowExpected
	}
}
