package autograd

import (
	"fmt"

	"sakt/pkg/tensor"
)

// Embedding looks up rows of table (vocab, dim) for every id.
//
// The result has shape append(shape, dim); shape must describe len(ids)
// elements. Ids outside [0, vocab) resolve to the paddingIdx row, and the
// paddingIdx row never receives gradient.
func (tp *Tape) Embedding(table *Var, ids []int, shape []int, paddingIdx int) (*Var, error) {
	if len(table.Value.Shape) != 2 {
		return nil, fmt.Errorf("embedding table must be 2D, got shape %v", table.Value.Shape)
	}
	vocab, dim := table.Value.Shape[0], table.Value.Shape[1]
	if prod(shape) != len(ids) {
		return nil, fmt.Errorf("shape %v does not describe %d ids", shape, len(ids))
	}
	if paddingIdx < 0 || paddingIdx >= vocab {
		return nil, fmt.Errorf("padding index %d out of range for vocabulary of %d", paddingIdx, vocab)
	}

	rows := make([]int, len(ids))
	value := tensor.NewTensor(append(append([]int{}, shape...), dim))
	for k, id := range ids {
		if id < 0 || id >= vocab {
			id = paddingIdx
		}
		rows[k] = id
		copy(value.Data[k*dim:(k+1)*dim], table.Value.Data[id*dim:(id+1)*dim])
	}

	out, ok := tp.track(value, table)
	if ok {
		tp.record(func() {
			if out.Grad == nil {
				return
			}
			g := table.grad()
			for k, row := range rows {
				if row == paddingIdx {
					continue
				}
				dst := g[row*dim : (row+1)*dim]
				src := out.Grad.Data[k*dim : (k+1)*dim]
				for i := range dst {
					dst[i] += src[i]
				}
			}
		})
	}
	return out, nil
}
