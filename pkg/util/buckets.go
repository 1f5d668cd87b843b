package util

import (
	"fmt"
	"math"
	"strconv"
)

// DecimalExponentialBuckets generates a series of exponential bucket
// boundaries that can be used for Prometheus histogram objects. Instead
// of using powers of 2, this function uses 10^(1/m) as the exponent.
// This has the advantage of yielding round numbers at every power of
// ten.
//
// Boundaries within a single power of ten are truncated to five
// significant digits, and are converted back to floating point using
// strconv.ParseFloat(). This keeps metric label names short and stable
// across platforms.
func DecimalExponentialBuckets(lowestPowerOf10, powersOf10, stepsInBetween int) []float64 {
	significands := make([]string, 0, stepsInBetween+1)
	for i := 0; i <= stepsInBetween; i++ {
		significands = append(
			significands,
			fmt.Sprintf("%f", math.Pow(10.0, float64(i)/float64(stepsInBetween+1)))[:6])
	}

	buckets := make([]float64, 0, powersOf10*len(significands)+1)
	for exponent := lowestPowerOf10; exponent < lowestPowerOf10+powersOf10; exponent++ {
		for _, significand := range significands {
			buckets = append(buckets, mustParseBoundary(significand, exponent))
		}
	}
	return append(buckets, mustParseBoundary("1", lowestPowerOf10+powersOf10))
}

func mustParseBoundary(significand string, exponent int) float64 {
	v, err := strconv.ParseFloat(fmt.Sprintf("%se%d", significand, exponent), 64)
	if err != nil {
		panic(fmt.Sprintf("Failed to compute bucket boundary: %s", err))
	}
	return v
}
