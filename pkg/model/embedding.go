package model

import (
	"fmt"

	"sakt/pkg/autograd"
	"sakt/pkg/tensor"
)

// Embedding is a lookup table whose padding row receives no gradient.
type Embedding struct {
	Table      *autograd.Var // (vocab, dim)
	PaddingIdx int
}

// NewEmbedding creates a table initialized from N(0, 1) with the padding row
// set to zero.
func NewEmbedding(vocab, dim, paddingIdx int) *Embedding {
	table := tensor.NewTensor([]int{vocab, dim})
	tensor.NormalInit(table, 1)
	for i := 0; i < dim; i++ {
		table.Set(0, paddingIdx, i)
	}
	return &Embedding{Table: autograd.NewParam(table), PaddingIdx: paddingIdx}
}

// NewPretrainedEmbedding wraps an existing (vocab, dim) table for fine
// tuning. The padding row keeps its pretrained values but is not updated.
func NewPretrainedEmbedding(table *tensor.Tensor, paddingIdx int) (*Embedding, error) {
	if table == nil || len(table.Shape) != 2 {
		return nil, fmt.Errorf("pretrained embedding must be a 2D table")
	}
	if paddingIdx < 0 || paddingIdx >= table.Shape[0] {
		return nil, fmt.Errorf("padding index %d out of range for %d rows", paddingIdx, table.Shape[0])
	}
	return &Embedding{Table: autograd.NewParam(table.Clone()), PaddingIdx: paddingIdx}, nil
}

// Dim returns the embedding dimension.
func (e *Embedding) Dim() int {
	return e.Table.Value.Shape[1]
}

// Forward looks up ids laid out as shape and returns append(shape, dim).
func (e *Embedding) Forward(tp *autograd.Tape, ids []int, shape []int) (*autograd.Var, error) {
	return tp.Embedding(e.Table, ids, shape, e.PaddingIdx)
}

// Parameters returns the trainable tensors of the layer.
func (e *Embedding) Parameters() []*autograd.Var {
	return []*autograd.Var{e.Table}
}
