package limit

import "math"

const lookupSize = 1000

var (
	sqrtLookup  [lookupSize]int
	log10Lookup [lookupSize]int
)

func init() {
	for i := 0; i < lookupSize; i++ {
		sqrtLookup[i] = max(1, int(math.Sqrt(float64(i))))
		log10Lookup[i] = 1
		if i > 0 {
			log10Lookup[i] = max(1, int(math.Log10(float64(i))))
		}
	}
}

func isqrt(n int) int {
	if n < 0 {
		return 1
	}
	if n < lookupSize {
		return sqrtLookup[n]
	}
	return max(1, int(math.Sqrt(float64(n))))
}

func ilog10(n int) int {
	if n < 0 {
		return 1
	}
	if n < lookupSize {
		return log10Lookup[n]
	}
	return max(1, int(math.Log10(float64(n))))
}

// SquareRoot returns limit -> max(baseline, floor(sqrt(limit))), never below 1
func SquareRoot(baseline int) func(int) int {
	return func(limit int) int {
		return max(baseline, isqrt(limit))
	}
}

// Log10Root returns limit -> max(1, floor(log10(limit))) + baseline
func Log10Root(baseline int) func(int) int {
	return func(limit int) int {
		return ilog10(limit) + baseline
	}
}

// Constant returns a function ignoring the limit
func Constant(value int) func(int) int {
	return func(int) int {
		return value
	}
}
