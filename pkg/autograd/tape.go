// Package autograd implements reverse-mode differentiation over tensor.Tensor.
//
// A Tape records one backward closure per differentiable operation in the
// order the operations run. Because every operation can only consume values
// that already exist, that order is a topological order of the graph, and
// Backward simply replays the closures in reverse.
//
// Forward:  y = f(x)        -> record  dx += J_f(x)^T dy
// Backward: seed dL/dL = 1  -> replay records newest first
package autograd

import (
	"errors"
	"fmt"

	"sakt/pkg/tensor"
)

// ErrNotScalar is returned by Backward when the loss has more than one element.
var ErrNotScalar = errors.New("backward requires a scalar loss")

// Var is a tensor value that may participate in gradient computation.
type Var struct {
	Value *tensor.Tensor
	Grad  *tensor.Tensor // nil until a gradient flows into the Var

	requiresGrad bool
}

// NewParam wraps t as a trainable parameter.
func NewParam(t *tensor.Tensor) *Var {
	return &Var{Value: t, requiresGrad: true}
}

// Constant wraps t as a value that never receives gradients.
func Constant(t *tensor.Tensor) *Var {
	return &Var{Value: t}
}

// RequiresGrad reports whether gradients flow into v.
func (v *Var) RequiresGrad() bool {
	return v.requiresGrad
}

// Shape returns the shape of the wrapped value.
func (v *Var) Shape() []int {
	return v.Value.Shape
}

// ZeroGrad drops any accumulated gradient.
func (v *Var) ZeroGrad() {
	v.Grad = nil
}

// accumulate adds g into v.Grad, allocating it on first use.
func (v *Var) accumulate(g []float64) {
	if !v.requiresGrad {
		return
	}
	if v.Grad == nil {
		v.Grad = tensor.ZerosLike(v.Value)
	}
	for i, x := range g {
		v.Grad.Data[i] += x
	}
}

// grad returns the gradient buffer of v, allocating it on first use.
func (v *Var) grad() []float64 {
	if v.Grad == nil {
		v.Grad = tensor.ZerosLike(v.Value)
	}
	return v.Grad.Data
}

// Tape records differentiable operations for a single forward pass.
type Tape struct {
	recording bool
	ops       []func()
}

// NewTape creates a tape. With record=false operations run forward only,
// which is the evaluation mode of the training loop.
func NewTape(record bool) *Tape {
	return &Tape{recording: record}
}

// Recording reports whether the tape keeps backward closures.
func (tp *Tape) Recording() bool {
	return tp.recording
}

// Len returns the number of recorded operations.
func (tp *Tape) Len() int {
	return len(tp.ops)
}

// track decides whether an operation over inputs needs a backward closure,
// and returns the output Var flagged accordingly.
func (tp *Tape) track(value *tensor.Tensor, inputs ...*Var) (*Var, bool) {
	out := &Var{Value: value}
	if !tp.recording {
		return out, false
	}
	for _, in := range inputs {
		if in.requiresGrad {
			out.requiresGrad = true
			return out, true
		}
	}
	return out, false
}

func (tp *Tape) record(fn func()) {
	tp.ops = append(tp.ops, fn)
}

// Backward propagates d(loss)/d(loss) = 1 back through every recorded
// operation and then clears the tape.
func (tp *Tape) Backward(loss *Var) error {
	if loss.Value.Size() != 1 {
		return fmt.Errorf("%w: got shape %v", ErrNotScalar, loss.Value.Shape)
	}
	if !loss.requiresGrad {
		tp.ops = nil
		return nil
	}

	loss.grad()[0] = 1
	for i := len(tp.ops) - 1; i >= 0; i-- {
		tp.ops[i]()
	}
	tp.ops = nil
	return nil
}

// ZeroGrad clears the gradients of all given parameters.
func ZeroGrad(params []*Var) {
	for _, p := range params {
		p.ZeroGrad()
	}
}
