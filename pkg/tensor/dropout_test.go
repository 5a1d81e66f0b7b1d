package tensor

import (
	"math"
	"testing"
)

func TestDropoutMask_ZeroProbability(t *testing.T) {
	Seed(42)

	for i, v := range DropoutMask(50, 0) {
		if v != 1 {
			t.Errorf("Expected every entry kept at index %d, got %f", i, v)
		}
	}
}

func TestDropoutMask_Rate(t *testing.T) {
	// Approximately p of the entries should be dropped
	Seed(42)

	p := 0.3
	keep := DropoutMask(1000, p)

	dropped := 0
	for _, v := range keep {
		switch {
		case v == 0:
			dropped++
		case !floatEquals(v, 1/(1-p), 1e-12):
			t.Errorf("Unexpected value: %f (should be 0 or %f)", v, 1/(1-p))
		}
	}

	rate := float64(dropped) / float64(len(keep))
	if rate < 0.2 || rate > 0.4 {
		t.Errorf("Expected dropout rate around %f, got %f", p, rate)
	}
}

func TestDropoutMask_ExpectationPreserved(t *testing.T) {
	Seed(7)

	keep := DropoutMask(20000, 0.5)
	sum := 0.0
	for _, v := range keep {
		sum += v
	}

	if mean := sum / float64(len(keep)); math.Abs(mean-1) > 0.05 {
		t.Errorf("Inverted dropout should keep the mean near 1, got %f", mean)
	}
}

func TestSeed_Deterministic(t *testing.T) {
	Seed(42)
	a := DropoutMask(100, 0.3)
	w1 := NewTensor([]int{4, 4})
	UniformInit(w1, 0.5)

	Seed(42)
	b := DropoutMask(100, 0.3)
	w2 := NewTensor([]int{4, 4})
	UniformInit(w2, 0.5)

	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("Masks differ at index %d after reseeding", i)
		}
	}
	if !approxEqual(w1, w2, 0) {
		t.Error("Initialization should repeat after reseeding")
	}
}

func TestDropoutMask_InvalidProbability(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for p = 1")
		}
	}()
	DropoutMask(10, 1)
}

func TestInit(t *testing.T) {
	Seed(3)

	w := NewTensor([]int{6, 10})
	limit := math.Sqrt(6.0 / 16.0)
	UniformInit(w, limit)
	for i, v := range w.Data {
		if math.Abs(v) > limit {
			t.Errorf("Index %d: %f outside [-%f, %f]", i, v, limit, limit)
		}
	}

	n := NewTensor([]int{10000})
	NormalInit(n, 0.5)
	mean := n.Sum() / float64(len(n.Data))
	variance := 0.0
	for _, v := range n.Data {
		variance += (v - mean) * (v - mean)
	}
	std := math.Sqrt(variance / float64(len(n.Data)))
	if math.Abs(mean) > 0.05 || math.Abs(std-0.5) > 0.05 {
		t.Errorf("Expected N(0, 0.25), got mean %f std %f", mean, std)
	}
}
