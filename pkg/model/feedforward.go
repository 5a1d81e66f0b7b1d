package model

import (
	"fmt"

	"sakt/pkg/autograd"
)

// FFN implements the feed-forward network used in every transformer block.
//
// Architecture:
//  1. Linear projection: x @ FC1 -> (batch, seq, expansion*emb_dim)
//  2. ReLU activation
//  3. BatchNorm1d over the seq axis (one channel per position)
//  4. Linear projection: @ FC2 -> (batch, seq, emb_dim)
//  5. Dropout
//
// The batch norm is sized for exactly bnSize positions, so an FFN only
// accepts sequences of that length.
type FFN struct {
	FC1     *Linear // (emb_dim, expansion*emb_dim)
	BN      *BatchNorm1d
	FC2     *Linear // (expansion*emb_dim, emb_dim)
	Dropout float64
}

// NewFFN creates a new feed-forward layer.
//
// Parameters:
//   - stateSize: embedding dimension of the input and output
//   - forwardExpansion: hidden width multiplier
//   - bnSize: sequence length the batch norm is bound to
//   - dropout: dropout rate applied to the output
func NewFFN(stateSize, forwardExpansion, bnSize int, dropout float64) (*FFN, error) {
	if stateSize <= 0 || forwardExpansion <= 0 || bnSize <= 0 {
		return nil, fmt.Errorf("invalid FFN sizes: state %d, expansion %d, bn %d", stateSize, forwardExpansion, bnSize)
	}
	hidden := forwardExpansion * stateSize
	return &FFN{
		FC1:     NewLinear(stateSize, hidden),
		BN:      NewBatchNorm1d(bnSize),
		FC2:     NewLinear(hidden, stateSize),
		Dropout: dropout,
	}, nil
}

// Forward computes the feed-forward transformation.
//
// Input shape: (batch, seq, emb_dim) with seq == bnSize
// Output shape: (batch, seq, emb_dim)
func (ff *FFN) Forward(tp *autograd.Tape, x *autograd.Var, training bool) (*autograd.Var, error) {
	shape := x.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("expected 3D input (batch, seq, emb_dim), got %dD", len(shape))
	}
	if shape[1] != ff.BN.Channels() {
		return nil, fmt.Errorf("%w: FFN batch norm is sized for %d positions, got %d",
			ErrSeqLen, ff.BN.Channels(), shape[1])
	}

	hidden, err := ff.FC1.Forward(tp, x)
	if err != nil {
		return nil, fmt.Errorf("failed to compute FC1 projection: %w", err)
	}
	hidden = tp.ReLU(hidden)

	hidden, err = ff.BN.Forward(tp, hidden, training)
	if err != nil {
		return nil, fmt.Errorf("failed to apply batch norm: %w", err)
	}

	output, err := ff.FC2.Forward(tp, hidden)
	if err != nil {
		return nil, fmt.Errorf("failed to compute FC2 projection: %w", err)
	}

	return tp.Dropout(output, ff.Dropout, training), nil
}

// Parameters returns the trainable tensors of the layer.
func (ff *FFN) Parameters() []*autograd.Var {
	params := ff.FC1.Parameters()
	params = append(params, ff.BN.Parameters()...)
	return append(params, ff.FC2.Parameters()...)
}
