package autograd

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"sakt/pkg/tensor"
)

// Add computes a + b for same-shaped inputs.
//
// Backward: da = dy, db = dy
func (tp *Tape) Add(a, b *Var) (*Var, error) {
	value, err := tensor.Add(a.Value, b.Value)
	if err != nil {
		return nil, err
	}
	out, ok := tp.track(value, a, b)
	if ok {
		tp.record(func() {
			if out.Grad == nil {
				return
			}
			a.accumulate(out.Grad.Data)
			b.accumulate(out.Grad.Data)
		})
	}
	return out, nil
}

// Scale computes s * a.
func (tp *Tape) Scale(a *Var, s float64) *Var {
	out, ok := tp.track(tensor.Scale(a.Value, s), a)
	if ok {
		tp.record(func() {
			if out.Grad == nil || !a.requiresGrad {
				return
			}
			floats.AddScaled(a.grad(), s, out.Grad.Data)
		})
	}
	return out
}

// ReLU computes max(0, a).
//
// Backward: da = dy * (a > 0)
func (tp *Tape) ReLU(a *Var) *Var {
	out, ok := tp.track(a.Value.ReLU(), a)
	if ok {
		tp.record(func() {
			if out.Grad == nil || !a.requiresGrad {
				return
			}
			ga := a.grad()
			for i, x := range a.Value.Data {
				if x > 0 {
					ga[i] += out.Grad.Data[i]
				}
			}
		})
	}
	return out
}

// Dropout zeroes elements with probability p and rescales the rest by 1/(1-p).
// Outside training it returns a unchanged.
func (tp *Tape) Dropout(a *Var, p float64, training bool) *Var {
	if !training || p == 0 {
		return a
	}
	keep := tensor.DropoutMask(len(a.Value.Data), p)
	value := tensor.NewTensor(a.Value.Shape)
	for i, x := range a.Value.Data {
		value.Data[i] = x * keep[i]
	}
	out, ok := tp.track(value, a)
	if ok {
		tp.record(func() {
			if out.Grad == nil || !a.requiresGrad {
				return
			}
			ga := a.grad()
			for i, g := range out.Grad.Data {
				ga[i] += g * keep[i]
			}
		})
	}
	return out
}

// Reshape returns a with a new shape. The value shares storage with a.
func (tp *Tape) Reshape(a *Var, shape []int) (*Var, error) {
	value, err := a.Value.View(shape)
	if err != nil {
		return nil, err
	}
	out, ok := tp.track(value, a)
	if ok {
		tp.record(func() {
			if out.Grad == nil {
				return
			}
			a.accumulate(out.Grad.Data)
		})
	}
	return out, nil
}

// Permute reorders the dimensions of a.
//
// Backward: da = permute(dy, inverse(perm))
func (tp *Tape) Permute(a *Var, perm ...int) (*Var, error) {
	value, err := a.Value.Permute(perm...)
	if err != nil {
		return nil, err
	}
	out, ok := tp.track(value, a)
	if ok {
		inv := tensor.InversePermutation(perm)
		tp.record(func() {
			if out.Grad == nil {
				return
			}
			back, err := out.Grad.Permute(inv...)
			if err != nil {
				panic(err)
			}
			a.accumulate(back.Data)
		})
	}
	return out, nil
}

// SumAxis sums a over one dimension and removes it.
//
// Backward: da[..., k, ...] = dy[..., ...] for every k
func (tp *Tape) SumAxis(a *Var, axis int) (*Var, error) {
	shape := a.Value.Shape
	if axis < 0 || axis >= len(shape) {
		return nil, fmt.Errorf("invalid dimension %d for tensor with %d dimensions", axis, len(shape))
	}
	outer := prod(shape[:axis])
	n := shape[axis]
	inner := prod(shape[axis+1:])

	outShape := append(append([]int{}, shape[:axis]...), shape[axis+1:]...)
	value := tensor.NewTensor(outShape)
	for o := 0; o < outer; o++ {
		dst := value.Data[o*inner : (o+1)*inner]
		for k := 0; k < n; k++ {
			off := (o*n + k) * inner
			floats.Add(dst, a.Value.Data[off:off+inner])
		}
	}

	out, ok := tp.track(value, a)
	if ok {
		tp.record(func() {
			if out.Grad == nil || !a.requiresGrad {
				return
			}
			ga := a.grad()
			for o := 0; o < outer; o++ {
				src := out.Grad.Data[o*inner : (o+1)*inner]
				for k := 0; k < n; k++ {
					off := (o*n + k) * inner
					floats.Add(ga[off:off+inner], src)
				}
			}
		})
	}
	return out, nil
}

// Linear computes x @ w + b over the last dimension of x.
//
// Shapes: x (..., in), w (in, out), b (out) or nil -> (..., out)
//
// Backward:
//   - dx = dy @ w^T
//   - dw = x^T @ dy
//   - db = sum over rows of dy
func (tp *Tape) Linear(x, w, b *Var) (*Var, error) {
	if len(w.Value.Shape) != 2 {
		return nil, fmt.Errorf("linear weight must be 2D, got shape %v", w.Value.Shape)
	}
	in, outDim := w.Value.Shape[0], w.Value.Shape[1]
	xs := x.Value.Shape
	if len(xs) == 0 || xs[len(xs)-1] != in {
		return nil, fmt.Errorf("input dimension of shape %v doesn't match weight shape %v", xs, w.Value.Shape)
	}
	if b != nil && b.Value.Size() != outDim {
		return nil, fmt.Errorf("bias shape %v doesn't match output dimension %d", b.Value.Shape, outDim)
	}

	value, err := tensor.Matmul(x.Value, w.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to compute linear projection: %w", err)
	}
	rows := prod(xs[:len(xs)-1])
	if b != nil {
		for r := 0; r < rows; r++ {
			floats.Add(value.Data[r*outDim:(r+1)*outDim], b.Value.Data)
		}
	}

	inputs := []*Var{x, w}
	if b != nil {
		inputs = append(inputs, b)
	}
	out, ok := tp.track(value, inputs...)
	if ok && rows > 0 && in > 0 && outDim > 0 {
		tp.record(func() {
			if out.Grad == nil {
				return
			}
			dy := out.Grad.Matrix(0, rows, outDim)
			if x.requiresGrad {
				buf := make([]float64, rows*in)
				mat.NewDense(rows, in, buf).Mul(dy, w.Value.Matrix(0, in, outDim).T())
				x.accumulate(buf)
			}
			if w.requiresGrad {
				buf := make([]float64, in*outDim)
				mat.NewDense(in, outDim, buf).Mul(x.Value.Matrix(0, rows, in).T(), dy)
				w.accumulate(buf)
			}
			if b != nil && b.requiresGrad {
				gb := b.grad()
				for r := 0; r < rows; r++ {
					floats.Add(gb, out.Grad.Data[r*outDim:(r+1)*outDim])
				}
			}
		})
	}
	return out, nil
}

// MatMul computes batched a @ b. b either shares a's leading dimensions or
// is a single (n, p) matrix broadcast over them.
//
// Backward: da = dy @ b^T, db = a^T @ dy (summed over the batch when b is broadcast)
func (tp *Tape) MatMul(a, b *Var) (*Var, error) {
	value, err := tensor.Matmul(a.Value, b.Value)
	if err != nil {
		return nil, err
	}
	out, ok := tp.track(value, a, b)
	if ok {
		rank := len(a.Value.Shape)
		m, n := a.Value.Shape[rank-2], a.Value.Shape[rank-1]
		p := b.Value.Shape[len(b.Value.Shape)-1]
		batches := prod(a.Value.Shape[:rank-2])
		broadcast := len(b.Value.Shape) == 2 && rank > 2
		tp.record(func() {
			if out.Grad == nil {
				return
			}
			ga := make([]float64, len(a.Value.Data))
			gb := make([]float64, len(b.Value.Data))
			var partial *mat.Dense
			if broadcast && n > 0 && p > 0 {
				partial = mat.NewDense(n, p, nil)
			}
			for k := 0; k < batches; k++ {
				if m == 0 || n == 0 || p == 0 {
					break
				}
				dy := out.Grad.Matrix(k*m*p, m, p)
				am := a.Value.Matrix(k*m*n, m, n)
				if broadcast {
					bm := b.Value.Matrix(0, n, p)
					mat.NewDense(m, n, ga[k*m*n:(k+1)*m*n]).Mul(dy, bm.T())
					partial.Mul(am.T(), dy)
					gbm := mat.NewDense(n, p, gb)
					gbm.Add(gbm, partial)
					continue
				}
				bm := b.Value.Matrix(k*n*p, n, p)
				mat.NewDense(m, n, ga[k*m*n:(k+1)*m*n]).Mul(dy, bm.T())
				mat.NewDense(n, p, gb[k*n*p:(k+1)*n*p]).Mul(am.T(), dy)
			}
			a.accumulate(ga)
			b.accumulate(gb)
		})
	}
	return out, nil
}

// MatMulT computes batched a @ b^T with identical leading dimensions.
//
// Shapes: a (..., m, n), b (..., p, n) -> (..., m, p)
//
// Backward: da = dy @ b, db = dy^T @ a
func (tp *Tape) MatMulT(a, b *Var) (*Var, error) {
	value, err := tensor.MatmulT(a.Value, b.Value)
	if err != nil {
		return nil, err
	}
	out, ok := tp.track(value, a, b)
	if ok {
		rank := len(a.Value.Shape)
		m, n := a.Value.Shape[rank-2], a.Value.Shape[rank-1]
		p := b.Value.Shape[rank-2]
		batches := prod(a.Value.Shape[:rank-2])
		tp.record(func() {
			if out.Grad == nil {
				return
			}
			ga := make([]float64, len(a.Value.Data))
			gb := make([]float64, len(b.Value.Data))
			for k := 0; k < batches; k++ {
				dy := out.Grad.Matrix(k*m*p, m, p)
				am := a.Value.Matrix(k*m*n, m, n)
				bm := b.Value.Matrix(k*p*n, p, n)
				mat.NewDense(m, n, ga[k*m*n:(k+1)*m*n]).Mul(dy, bm)
				mat.NewDense(p, n, gb[k*p*n:(k+1)*p*n]).Mul(dy.T(), am)
			}
			a.accumulate(ga)
			b.accumulate(gb)
		})
	}
	return out, nil
}

// MaskedSoftmax applies softmax over the last dimension with blocked
// positions receiving zero probability.
//
// Backward: dx = y * (dy - sum(dy * y))
func (tp *Tape) MaskedSoftmax(a *Var, mask *tensor.Mask) (*Var, error) {
	value, err := tensor.SoftmaxLast(a.Value, mask)
	if err != nil {
		return nil, err
	}
	out, ok := tp.track(value, a)
	if ok {
		cols := a.Value.Shape[len(a.Value.Shape)-1]
		tp.record(func() {
			if out.Grad == nil || !a.requiresGrad || cols == 0 {
				return
			}
			ga := a.grad()
			for off := 0; off < len(value.Data); off += cols {
				y := value.Data[off : off+cols]
				dy := out.Grad.Data[off : off+cols]
				dot := floats.Dot(y, dy)
				for j := range y {
					ga[off+j] += y[j] * (dy[j] - dot)
				}
			}
		})
	}
	return out, nil
}

// Gather selects elements of a by flat index into a 1D result.
//
// Backward: scatter-add dy back to the selected positions.
func (tp *Tape) Gather(a *Var, idx []int) (*Var, error) {
	value := tensor.NewTensor([]int{len(idx)})
	for k, i := range idx {
		if i < 0 || i >= len(a.Value.Data) {
			return nil, fmt.Errorf("gather index %d out of range for tensor of size %d", i, len(a.Value.Data))
		}
		value.Data[k] = a.Value.Data[i]
	}
	out, ok := tp.track(value, a)
	if ok {
		tp.record(func() {
			if out.Grad == nil || !a.requiresGrad {
				return
			}
			ga := a.grad()
			for k, i := range idx {
				ga[i] += out.Grad.Data[k]
			}
		})
	}
	return out, nil
}

func prod(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
