// Package tensor provides the dense tensor type used by the knowledge-tracing model.
// Data is stored row-major in a flat float64 slice so that two-dimensional
// slices of it can be handed to gonum without copying.
package tensor

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Tensor represents a multi-dimensional array of float64 values.
// It stores data in a flat slice with shape information for indexing.
type Tensor struct {
	Data    []float64 // Flattened data storage
	Shape   []int     // Dimensions (e.g., [batch, seq, embed])
	Strides []int     // Precomputed strides for indexing
}

// NewTensor creates a new tensor with the given shape, initialized to zeros.
func NewTensor(shape []int) *Tensor {
	return &Tensor{
		Data:    make([]float64, sizeOf(shape)),
		Shape:   copyShape(shape),
		Strides: stridesOf(shape),
	}
}

// Full creates a tensor with every element set to v.
func Full(shape []int, v float64) *Tensor {
	t := NewTensor(shape)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

// FromSlice creates a tensor from existing data with the given shape.
// Returns an error if data size doesn't match the shape.
func FromSlice(data []float64, shape []int) (*Tensor, error) {
	for _, dim := range shape {
		if dim < 0 {
			return nil, fmt.Errorf("invalid dimension %d in shape %v", dim, shape)
		}
	}
	if expected := sizeOf(shape); len(data) != expected {
		return nil, fmt.Errorf("data size %d does not match shape %v (expected %d elements)",
			len(data), shape, expected)
	}

	dataCopy := make([]float64, len(data))
	copy(dataCopy, data)

	return &Tensor{
		Data:    dataCopy,
		Shape:   copyShape(shape),
		Strides: stridesOf(shape),
	}, nil
}

// View returns a new tensor with a different shape but sharing the same underlying data.
// Returns an error if total size doesn't match.
func (t *Tensor) View(newShape []int) (*Tensor, error) {
	for _, dim := range newShape {
		if dim < 0 {
			return nil, fmt.Errorf("invalid dimension %d in shape %v", dim, newShape)
		}
	}
	if newSize := sizeOf(newShape); newSize != len(t.Data) {
		return nil, fmt.Errorf("cannot view tensor of size %d as shape %v (total size %d)",
			len(t.Data), newShape, newSize)
	}

	return &Tensor{
		Data:    t.Data,
		Shape:   copyShape(newShape),
		Strides: stridesOf(newShape),
	}, nil
}

// Reshape returns a view with a different shape (same underlying data).
func (t *Tensor) Reshape(newShape []int) *Tensor {
	result, err := t.View(newShape)
	if err != nil {
		panic(err)
	}
	return result
}

// Permute reorders the dimensions of the tensor and returns a contiguous copy.
// perm[i] names the source dimension that becomes dimension i.
func (t *Tensor) Permute(perm ...int) (*Tensor, error) {
	if len(perm) != len(t.Shape) {
		return nil, fmt.Errorf("permutation %v does not match tensor with %d dimensions", perm, len(t.Shape))
	}
	seen := make([]bool, len(perm))
	newShape := make([]int, len(perm))
	for i, p := range perm {
		if p < 0 || p >= len(perm) || seen[p] {
			return nil, fmt.Errorf("invalid permutation %v", perm)
		}
		seen[p] = true
		newShape[i] = t.Shape[p]
	}

	result := NewTensor(newShape)
	if len(t.Data) == 0 {
		return result, nil
	}

	// Walk destination indices in order and read the matching source element.
	idx := make([]int, len(newShape))
	for dst := range result.Data {
		src := 0
		for i, p := range perm {
			src += idx[i] * t.Strides[p]
		}
		result.Data[dst] = t.Data[src]

		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < newShape[d] {
				break
			}
			idx[d] = 0
		}
	}

	return result, nil
}

// InversePermutation returns the permutation that undoes perm.
func InversePermutation(perm []int) []int {
	inv := make([]int, len(perm))
	for i, p := range perm {
		inv[p] = i
	}
	return inv
}

// Size returns the total number of elements in the tensor.
func (t *Tensor) Size() int {
	return sizeOf(t.Shape)
}

// FlatIndex converts multi-dimensional indices to a flat index.
func (t *Tensor) FlatIndex(indices []int) int {
	if len(indices) != len(t.Shape) {
		panic(fmt.Sprintf("indices length %d does not match shape dimensions %d",
			len(indices), len(t.Shape)))
	}

	idx := 0
	for i := 0; i < len(t.Shape); i++ {
		if indices[i] < 0 || indices[i] >= t.Shape[i] {
			panic(fmt.Sprintf("index %d out of bounds for dimension %d with size %d",
				indices[i], i, t.Shape[i]))
		}
		idx += indices[i] * t.Strides[i]
	}
	return idx
}

// Get retrieves a value at the specified indices.
func (t *Tensor) Get(indices ...int) float64 {
	return t.Data[t.FlatIndex(indices)]
}

// Set sets a value at the specified indices.
func (t *Tensor) Set(value float64, indices ...int) {
	t.Data[t.FlatIndex(indices)] = value
}

// Clone creates a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	result := NewTensor(t.Shape)
	copy(result.Data, t.Data)
	return result
}

// ZerosLike returns a zero tensor with the same shape as t.
func ZerosLike(t *Tensor) *Tensor {
	return NewTensor(t.Shape)
}

// ShapeEquals checks if two tensors have the same shape.
func (t *Tensor) ShapeEquals(other *Tensor) bool {
	return SameShape(t.Shape, other.Shape)
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Matrix returns a gonum view of the 2D slice [offset, offset+rows*cols) of the data.
// The returned matrix shares memory with t.
func (t *Tensor) Matrix(offset, rows, cols int) *mat.Dense {
	return mat.NewDense(rows, cols, t.Data[offset:offset+rows*cols])
}

// Matmul multiplies the last two dimensions of a by b.
//
// Supported shapes:
//   - (..., m, n) @ (n, p) -> (..., m, p), b broadcast over leading dimensions
//   - (batch..., m, n) @ (batch..., n, p) -> (batch..., m, p)
func Matmul(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) < 2 || len(b.Shape) < 2 {
		return nil, fmt.Errorf("matmul requires at least 2D tensors, got %dD and %dD",
			len(a.Shape), len(b.Shape))
	}

	n := a.Shape[len(a.Shape)-1]
	if b.Shape[len(b.Shape)-2] != n {
		return nil, fmt.Errorf("incompatible shapes for matmul: %v and %v (inner dimensions %d and %d don't match)",
			a.Shape, b.Shape, n, b.Shape[len(b.Shape)-2])
	}

	if len(b.Shape) == 2 {
		// Fold every leading dimension of a into the row count.
		p := b.Shape[1]
		rows := sizeOf(a.Shape[:len(a.Shape)-1])
		outShape := append(copyShape(a.Shape[:len(a.Shape)-1]), p)
		result := NewTensor(outShape)
		if rows == 0 || p == 0 || n == 0 {
			return result, nil
		}
		result.Matrix(0, rows, p).Mul(a.Matrix(0, rows, n), b.Matrix(0, n, p))
		return result, nil
	}

	return matmulBatched(a, b, false)
}

// MatmulT computes a @ b^T over the last two dimensions.
// Shapes: (batch..., m, n) and (batch..., p, n) -> (batch..., m, p).
func MatmulT(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) < 2 || len(b.Shape) != len(a.Shape) {
		return nil, fmt.Errorf("incompatible shapes for matmul with transpose: %v and %v", a.Shape, b.Shape)
	}
	if a.Shape[len(a.Shape)-1] != b.Shape[len(b.Shape)-1] {
		return nil, fmt.Errorf("incompatible shapes for matmul with transpose: %v and %v", a.Shape, b.Shape)
	}
	return matmulBatched(a, b, true)
}

// matmulBatched handles batched matrix multiplication with identical batch dimensions.
func matmulBatched(a, b *Tensor, transB bool) (*Tensor, error) {
	rank := len(a.Shape)
	if len(b.Shape) != rank || !SameShape(a.Shape[:rank-2], b.Shape[:rank-2]) {
		return nil, fmt.Errorf("incompatible batch dimensions for matmul: %v and %v", a.Shape, b.Shape)
	}

	m, n := a.Shape[rank-2], a.Shape[rank-1]
	bRows, bCols := b.Shape[rank-2], b.Shape[rank-1]
	p := bCols
	if transB {
		p = bRows
	} else if bRows != n {
		return nil, fmt.Errorf("incompatible shapes for matmul: %v and %v", a.Shape, b.Shape)
	}

	batchSize := sizeOf(a.Shape[:rank-2])
	resultShape := append(copyShape(a.Shape[:rank-2]), m, p)
	result := NewTensor(resultShape)
	if m == 0 || n == 0 || p == 0 {
		return result, nil
	}

	for batch := 0; batch < batchSize; batch++ {
		am := a.Matrix(batch*m*n, m, n)
		bm := b.Matrix(batch*bRows*bCols, bRows, bCols)
		rm := result.Matrix(batch*m*p, m, p)
		if transB {
			rm.Mul(am, bm.T())
		} else {
			rm.Mul(am, bm)
		}
	}

	return result, nil
}

// Scale multiplies all elements by a scalar.
func Scale(t *Tensor, scalar float64) *Tensor {
	result := t.Clone()
	floats.Scale(scalar, result.Data)
	return result
}

// Add performs element-wise addition of two same-shaped tensors.
func Add(a, b *Tensor) (*Tensor, error) {
	if !a.ShapeEquals(b) {
		return nil, fmt.Errorf("cannot add shapes %v and %v", a.Shape, b.Shape)
	}
	result := NewTensor(a.Shape)
	floats.AddTo(result.Data, a.Data, b.Data)
	return result, nil
}

// Sum returns the sum of all elements.
func (t *Tensor) Sum() float64 {
	return floats.Sum(t.Data)
}

// MeanAxis averages over one dimension and removes it.
func MeanAxis(t *Tensor, axis int) (*Tensor, error) {
	if axis < 0 || axis >= len(t.Shape) {
		return nil, fmt.Errorf("invalid dimension %d for tensor with %d dimensions", axis, len(t.Shape))
	}
	outer := sizeOf(t.Shape[:axis])
	n := t.Shape[axis]
	inner := sizeOf(t.Shape[axis+1:])

	outShape := append(copyShape(t.Shape[:axis]), t.Shape[axis+1:]...)
	result := NewTensor(outShape)
	if n == 0 {
		return result, nil
	}
	for o := 0; o < outer; o++ {
		dst := result.Data[o*inner : (o+1)*inner]
		for k := 0; k < n; k++ {
			src := t.Data[(o*n+k)*inner : (o*n+k+1)*inner]
			floats.Add(dst, src)
		}
		floats.Scale(1/float64(n), dst)
	}
	return result, nil
}

// SoftmaxLast applies softmax along the last dimension.
// If mask is non-nil, positions where mask blocks are given zero probability.
// The mask covers the last two dimensions and is broadcast over the rest.
func SoftmaxLast(t *Tensor, mask *Mask) (*Tensor, error) {
	if len(t.Shape) == 0 {
		return nil, fmt.Errorf("cannot apply softmax to 0D tensor")
	}
	cols := t.Shape[len(t.Shape)-1]
	rows := 1
	if len(t.Shape) >= 2 {
		rows = t.Shape[len(t.Shape)-2]
	}
	if mask != nil && (mask.Rows != rows || mask.Cols != cols) {
		return nil, fmt.Errorf("mask shape [%d %d] does not match scores shape %v", mask.Rows, mask.Cols, t.Shape)
	}

	result := NewTensor(t.Shape)
	if cols == 0 {
		return result, nil
	}
	numSlices := len(t.Data) / cols

	for s := 0; s < numSlices; s++ {
		src := t.Data[s*cols : (s+1)*cols]
		dst := result.Data[s*cols : (s+1)*cols]
		row := s % rows

		// Find max for numerical stability
		maxVal := math.Inf(-1)
		for j, v := range src {
			if mask != nil && mask.Blocked(row, j) {
				continue
			}
			if v > maxVal {
				maxVal = v
			}
		}
		if math.IsInf(maxVal, -1) {
			// Fully blocked row: leave zeros.
			continue
		}

		expSum := 0.0
		for j, v := range src {
			if mask != nil && mask.Blocked(row, j) {
				continue
			}
			dst[j] = math.Exp(v - maxVal)
			expSum += dst[j]
		}
		floats.Scale(1/expSum, dst)
	}

	return result, nil
}

// String returns a string representation of the tensor.
func (t *Tensor) String() string {
	var sb strings.Builder
	sb.WriteString("Tensor[")
	for i, dim := range t.Shape {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%d", dim))
	}
	sb.WriteString("]: ")
	sb.WriteString(formatData(t.Shape, t.Data, 0))
	return sb.String()
}

// formatData recursively formats tensor data
func formatData(shape []int, data []float64, offset int) string {
	if len(shape) == 0 {
		return fmt.Sprintf("%g", data[offset])
	}

	var sb strings.Builder
	sb.WriteString("[")
	if len(shape) == 1 {
		for i := 0; i < shape[0] && i < 6; i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%g", data[offset+i]))
		}
		if shape[0] > 6 {
			sb.WriteString(", ...")
		}
		sb.WriteString("]")
		return sb.String()
	}

	subSize := sizeOf(shape[1:])
	for i := 0; i < shape[0] && i < 3; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(formatData(shape[1:], data, offset+i*subSize))
	}
	if shape[0] > 3 {
		sb.WriteString(", ...")
	}
	sb.WriteString("]")
	return sb.String()
}

func sizeOf(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}

func stridesOf(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

// copyShape creates a copy of a shape slice
func copyShape(shape []int) []int {
	result := make([]int, len(shape))
	copy(result, shape)
	return result
}
