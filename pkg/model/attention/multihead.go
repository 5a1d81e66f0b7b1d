package attention

import (
	"fmt"
	"math"

	"sakt/pkg/autograd"
	"sakt/pkg/tensor"
)

// MultiHeadAttentionConfig holds configuration for MultiHeadAttention.
type MultiHeadAttentionConfig struct {
	EmbedDim int
	NumHeads int
	Dropout  float64 // dropout applied to the attention weights
}

// MultiHeadAttention implements multi-head scaled dot-product attention with
// separate query, key and value inputs.
//
// Architecture:
//   - Query, key and value each get their own (embed, embed) projection with bias
//   - The projections are split into NumHeads heads of HeadDim features
//   - Heads attend independently and are concatenated
//   - Output projection combines all heads
type MultiHeadAttention struct {
	NumHeads int
	HeadDim  int
	EmbedDim int
	Dropout  float64

	WQuery  *autograd.Var // (embed, embed)
	WKey    *autograd.Var // (embed, embed)
	WValue  *autograd.Var // (embed, embed)
	BQuery  *autograd.Var // (embed,)
	BKey    *autograd.Var // (embed,)
	BValue  *autograd.Var // (embed,)
	OutProj *autograd.Var // (embed, embed)
	OutBias *autograd.Var // (embed,)
}

// NewMultiHeadAttention creates a multi-head attention layer.
// Input projections are Xavier initialized, biases start at zero and the
// output projection is drawn from U[-1/sqrt(embed), 1/sqrt(embed)].
func NewMultiHeadAttention(config MultiHeadAttentionConfig) (*MultiHeadAttention, error) {
	if config.EmbedDim <= 0 || config.NumHeads <= 0 {
		return nil, fmt.Errorf("embed dim (%d) and num heads (%d) must be positive", config.EmbedDim, config.NumHeads)
	}
	if config.EmbedDim%config.NumHeads != 0 {
		return nil, fmt.Errorf("embed dim (%d) must be divisible by num heads (%d)", config.EmbedDim, config.NumHeads)
	}

	e := config.EmbedDim
	m := &MultiHeadAttention{
		NumHeads: config.NumHeads,
		HeadDim:  e / config.NumHeads,
		EmbedDim: e,
		Dropout:  config.Dropout,
		WQuery:   autograd.NewParam(tensor.NewTensor([]int{e, e})),
		WKey:     autograd.NewParam(tensor.NewTensor([]int{e, e})),
		WValue:   autograd.NewParam(tensor.NewTensor([]int{e, e})),
		BQuery:   autograd.NewParam(tensor.NewTensor([]int{e})),
		BKey:     autograd.NewParam(tensor.NewTensor([]int{e})),
		BValue:   autograd.NewParam(tensor.NewTensor([]int{e})),
		OutProj:  autograd.NewParam(tensor.NewTensor([]int{e, e})),
		OutBias:  autograd.NewParam(tensor.NewTensor([]int{e})),
	}

	// The three input projections share one Xavier fan computed over the
	// stacked (3*embed, embed) matrix.
	limit := math.Sqrt(6.0 / float64(4*e))
	tensor.UniformInit(m.WQuery.Value, limit)
	tensor.UniformInit(m.WKey.Value, limit)
	tensor.UniformInit(m.WValue.Value, limit)
	tensor.UniformInit(m.OutProj.Value, 1/math.Sqrt(float64(e)))

	return m, nil
}

// Parameters returns the trainable tensors of the layer.
func (m *MultiHeadAttention) Parameters() []*autograd.Var {
	return []*autograd.Var{m.WQuery, m.BQuery, m.WKey, m.BKey, m.WValue, m.BValue, m.OutProj, m.OutBias}
}

// Forward computes multi-head attention.
//
// Input shapes:
//   - query: (batch, target_seq, embed)
//   - key, value: (batch, source_seq, embed)
//   - mask: (target_seq, source_seq), true entries are not attended; may be nil
//
// Output:
//   - attention output, shape (batch, target_seq, embed)
//   - attention weights averaged over heads, shape (batch, target_seq, source_seq)
//
// Steps:
//  1. Project query, key and value
//  2. Split into heads: (batch*heads, seq, head_dim)
//  3. Scores = Q @ K^T / sqrt(head_dim)
//  4. Blocked scores get zero weight, softmax over the source axis
//  5. Dropout on the weights (training only)
//  6. Weighted sum of V, merge heads, output projection
func (m *MultiHeadAttention) Forward(tp *autograd.Tape, query, key, value *autograd.Var, mask *tensor.Mask, training bool) (*autograd.Var, *tensor.Tensor, error) {
	qs, ks, vs := query.Shape(), key.Shape(), value.Shape()
	if len(qs) != 3 || len(ks) != 3 || len(vs) != 3 {
		return nil, nil, fmt.Errorf("expected 3D inputs (batch, seq, embed), got %v, %v and %v", qs, ks, vs)
	}
	if !tensor.SameShape(ks, vs) {
		return nil, nil, fmt.Errorf("key shape %v doesn't match value shape %v", ks, vs)
	}
	if qs[0] != ks[0] {
		return nil, nil, fmt.Errorf("query batch %d doesn't match key batch %d", qs[0], ks[0])
	}
	if qs[2] != m.EmbedDim || ks[2] != m.EmbedDim {
		return nil, nil, fmt.Errorf("input dimension doesn't match expected %d: query %v, key %v", m.EmbedDim, qs, ks)
	}
	batch, tgtLen, srcLen := qs[0], qs[1], ks[1]
	if mask != nil && (mask.Rows != tgtLen || mask.Cols != srcLen) {
		return nil, nil, fmt.Errorf("mask shape [%d %d] doesn't match sequence lengths (%d, %d)",
			mask.Rows, mask.Cols, tgtLen, srcLen)
	}

	// Step 1: Project to Q, K, V
	q, err := tp.Linear(query, m.WQuery, m.BQuery)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute Q: %w", err)
	}
	k, err := tp.Linear(key, m.WKey, m.BKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute K: %w", err)
	}
	v, err := tp.Linear(value, m.WValue, m.BValue)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute V: %w", err)
	}

	// Step 2: Split heads
	if q, err = m.splitHeads(tp, q, batch, tgtLen); err != nil {
		return nil, nil, fmt.Errorf("failed to split Q heads: %w", err)
	}
	if k, err = m.splitHeads(tp, k, batch, srcLen); err != nil {
		return nil, nil, fmt.Errorf("failed to split K heads: %w", err)
	}
	if v, err = m.splitHeads(tp, v, batch, srcLen); err != nil {
		return nil, nil, fmt.Errorf("failed to split V heads: %w", err)
	}

	// Step 3: Scaled scores, (batch*heads, target_seq, source_seq)
	scores, err := tp.MatMulT(q, k)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute attention scores: %w", err)
	}
	scores = tp.Scale(scores, 1/math.Sqrt(float64(m.HeadDim)))

	// Step 4: Masked softmax
	weights, err := tp.MaskedSoftmax(scores, mask)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to apply softmax: %w", err)
	}

	// Step 5: Dropout on the weights
	weights = tp.Dropout(weights, m.Dropout, training)

	avg, err := tensor.MeanAxis(weights.Value.Reshape([]int{batch, m.NumHeads, tgtLen, srcLen}), 1)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to average attention weights: %w", err)
	}

	// Step 6: Apply attention to V and merge heads
	attended, err := tp.MatMul(weights, v)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to apply attention to V: %w", err)
	}
	attended, err = m.mergeHeads(tp, attended, batch, tgtLen)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to merge heads: %w", err)
	}

	output, err := tp.Linear(attended, m.OutProj, m.OutBias)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to apply output projection: %w", err)
	}

	return output, avg, nil
}

// splitHeads turns (batch, seq, embed) into (batch*heads, seq, head_dim).
func (m *MultiHeadAttention) splitHeads(tp *autograd.Tape, x *autograd.Var, batch, seq int) (*autograd.Var, error) {
	x, err := tp.Reshape(x, []int{batch, seq, m.NumHeads, m.HeadDim})
	if err != nil {
		return nil, err
	}
	x, err = tp.Permute(x, 0, 2, 1, 3) // (batch, heads, seq, head_dim)
	if err != nil {
		return nil, err
	}
	return tp.Reshape(x, []int{batch * m.NumHeads, seq, m.HeadDim})
}

// mergeHeads turns (batch*heads, seq, head_dim) back into (batch, seq, embed).
func (m *MultiHeadAttention) mergeHeads(tp *autograd.Tape, x *autograd.Var, batch, seq int) (*autograd.Var, error) {
	x, err := tp.Reshape(x, []int{batch, m.NumHeads, seq, m.HeadDim})
	if err != nil {
		return nil, err
	}
	x, err = tp.Permute(x, 0, 2, 1, 3) // (batch, seq, heads, head_dim)
	if err != nil {
		return nil, err
	}
	return tp.Reshape(x, []int{batch, seq, m.EmbedDim})
}
