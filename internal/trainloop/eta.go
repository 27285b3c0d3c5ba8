package trainloop

import (
	"math"

	"github.com/npratt/trainloop/internal/config"
)

// ETA estimates the seconds of training left. Progress against the epoch
// budget extrapolates from elapsed time; the time budget caps the estimate.
// It returns nil when neither budget is set, and never goes below zero.
func ETA(epochs, elapsed float64, limits config.Limits) *float64 {
	var eta *float64

	if !math.IsInf(limits.MaxEpochs, 1) && epochs > 0 {
		p := epochs / limits.MaxEpochs
		v := (1 - p) * elapsed / p
		eta = &v
	}

	if !math.IsInf(limits.MaxTrainTime, 1) {
		left := limits.MaxTrainTime - elapsed
		if eta == nil || left < *eta {
			eta = &left
		}
	}

	if eta != nil && *eta < 0 {
		zero := 0.0
		eta = &zero
	}
	return eta
}

// totalExamples converts fractional epochs into an example count.
func totalExamples(epochs float64, perEpoch int) int64 {
	return int64(math.Round(epochs * float64(perEpoch)))
}

// finite maps a disabled (infinite) limit to 0 for reporting.
func finite(v float64) float64 {
	if math.IsInf(v, 0) {
		return 0
	}
	return v
}
