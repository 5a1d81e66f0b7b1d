package model

import (
	"fmt"
	"math"

	"sakt/pkg/autograd"
	"sakt/pkg/tensor"
)

// Linear is a fully connected layer y = x @ W + b.
type Linear struct {
	Weight *autograd.Var // (in, out)
	Bias   *autograd.Var // (out,)
}

// NewLinear creates a linear layer with weight and bias drawn from
// U[-1/sqrt(in), 1/sqrt(in)].
func NewLinear(in, out int) *Linear {
	l := &Linear{
		Weight: autograd.NewParam(tensor.NewTensor([]int{in, out})),
		Bias:   autograd.NewParam(tensor.NewTensor([]int{out})),
	}
	limit := 1 / math.Sqrt(float64(in))
	tensor.UniformInit(l.Weight.Value, limit)
	tensor.UniformInit(l.Bias.Value, limit)
	return l
}

// Forward applies the layer to the last dimension of x.
func (l *Linear) Forward(tp *autograd.Tape, x *autograd.Var) (*autograd.Var, error) {
	shape := x.Shape()
	if len(shape) == 0 || shape[len(shape)-1] != l.Weight.Value.Shape[0] {
		return nil, fmt.Errorf("input shape %v doesn't match linear input dimension %d", shape, l.Weight.Value.Shape[0])
	}
	return tp.Linear(x, l.Weight, l.Bias)
}

// Parameters returns the trainable tensors of the layer.
func (l *Linear) Parameters() []*autograd.Var {
	return []*autograd.Var{l.Weight, l.Bias}
}
