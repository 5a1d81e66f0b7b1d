package autograd

import (
	"errors"
	"fmt"
	"math"

	"sakt/pkg/tensor"
)

// ErrEmptyInput is returned by losses that would average over zero elements.
var ErrEmptyInput = errors.New("loss over empty input")

// BCEWithLogits computes the mean binary cross-entropy between sigmoid(logits)
// and labels, using the overflow-safe form
//
//	l = max(x, 0) - x*y + log(1 + exp(-|x|))
//
// Backward: dx = (sigmoid(x) - y) / n
func (tp *Tape) BCEWithLogits(logits *Var, labels []float64) (*Var, error) {
	n := len(logits.Value.Data)
	if n != len(labels) {
		return nil, fmt.Errorf("logits have %d elements, labels have %d", n, len(labels))
	}
	if n == 0 {
		return nil, ErrEmptyInput
	}

	total := 0.0
	for i, x := range logits.Value.Data {
		y := labels[i]
		total += math.Max(x, 0) - x*y + math.Log1p(math.Exp(-math.Abs(x)))
	}
	value := tensor.NewTensor([]int{1})
	value.Data[0] = total / float64(n)

	out, ok := tp.track(value, logits)
	if ok {
		tp.record(func() {
			if out.Grad == nil || !logits.requiresGrad {
				return
			}
			scale := out.Grad.Data[0] / float64(n)
			g := logits.grad()
			for i, x := range logits.Value.Data {
				g[i] += (tensor.Sigmoid(x) - labels[i]) * scale
			}
		})
	}
	return out, nil
}
