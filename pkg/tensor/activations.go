package tensor

import "math"

// ReLU applies max(0, x) element-wise.
func (t *Tensor) ReLU() *Tensor {
	result := NewTensor(t.Shape)
	for i, x := range t.Data {
		if x > 0 {
			result.Data[i] = x
		}
	}
	return result
}

// Sigmoid applies the logistic function element-wise.
func (t *Tensor) Sigmoid() *Tensor {
	result := NewTensor(t.Shape)
	for i, x := range t.Data {
		result.Data[i] = Sigmoid(x)
	}
	return result
}

// Sigmoid computes 1 / (1 + exp(-x)) without overflowing for large |x|.
func Sigmoid(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}
