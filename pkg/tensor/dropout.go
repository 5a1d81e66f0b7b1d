package tensor

import (
	"math/rand"
	"sync"
)

// rng is the package-level random source shared by weight initialization and
// dropout. It starts from a fixed seed; callers that need a particular
// sequence call Seed once at process start.
var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(1))
)

// Seed resets the shared random source.
func Seed(seed int64) {
	rngMu.Lock()
	defer rngMu.Unlock()
	rng = rand.New(rand.NewSource(seed))
}

// Float64 draws from U[0, 1) using the shared source.
func Float64() float64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rng.Float64()
}

// NormFloat64 draws from N(0, 1) using the shared source.
func NormFloat64() float64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rng.NormFloat64()
}

// DropoutMask returns inverted-dropout multipliers for n elements: each entry
// is 0 with probability p and 1/(1-p) otherwise.
//
// Parameters:
//   - n: number of elements
//   - p: dropout probability (0.0 to 1.0)
func DropoutMask(n int, p float64) []float64 {
	if p < 0 || p >= 1 {
		panic("dropout probability must be in [0, 1)")
	}

	keep := make([]float64, n)
	scale := 1.0 / (1.0 - p) // Inverted dropout scaling

	rngMu.Lock()
	defer rngMu.Unlock()
	for i := range keep {
		if rng.Float64() >= p {
			keep[i] = scale
		}
	}
	return keep
}
