package model

import (
	"fmt"

	"sakt/pkg/autograd"
	"sakt/pkg/tensor"
)

// LayerNorm implements layer normalization with learnable scale and shift.
//
// LayerNorm normalizes the input across the last dimension (feature dimension)
// and applies a learned scale (gamma) and shift (beta) transformation.
//
// Formula:
//
//	mean = mean(x, dim=-1, keepdim=True)
//	var = var(x, dim=-1, keepdim=True)
//	x_norm = (x - mean) / sqrt(var + eps)
//	output = x_norm * scale + shift
type LayerNorm struct {
	Scale *autograd.Var // (emb_dim,) - gamma parameter
	Shift *autograd.Var // (emb_dim,) - beta parameter
	Eps   float64       // Small constant for numerical stability
}

// NewLayerNorm creates a new LayerNorm layer.
//
// Parameters:
//   - embDim: embedding dimension
//   - eps: small constant for numerical stability (typically 1e-5)
//
// Returns:
//   - Initialized LayerNorm with scale=1 and shift=0
func NewLayerNorm(embDim int, eps float64) *LayerNorm {
	return &LayerNorm{
		Scale: autograd.NewParam(tensor.Full([]int{embDim}, 1)),
		Shift: autograd.NewParam(tensor.NewTensor([]int{embDim})),
		Eps:   eps,
	}
}

// Forward applies layer normalization to the input.
//
// Input shape: (batch, seq, emb_dim) or any shape where last dim is emb_dim
// Output shape: same as input
func (ln *LayerNorm) Forward(tp *autograd.Tape, x *autograd.Var) (*autograd.Var, error) {
	shape := x.Shape()
	if len(shape) == 0 {
		return nil, fmt.Errorf("cannot apply LayerNorm to 0D tensor")
	}
	if lastDim := shape[len(shape)-1]; lastDim != ln.Scale.Value.Size() {
		return nil, fmt.Errorf("input last dimension %d doesn't match LayerNorm dimension %d",
			lastDim, ln.Scale.Value.Size())
	}
	return tp.LayerNorm(x, ln.Scale, ln.Shift, ln.Eps)
}

// Parameters returns the trainable tensors of the layer.
func (ln *LayerNorm) Parameters() []*autograd.Var {
	return []*autograd.Var{ln.Scale, ln.Shift}
}

// BatchNorm1d normalizes a (batch, channels, features) input per channel.
//
// In the feed-forward block the channel axis is the sequence axis, so the
// layer is bound to one sequence length. Running statistics are updated only
// in training mode.
type BatchNorm1d struct {
	Scale *autograd.Var // (channels,)
	Shift *autograd.Var // (channels,)
	State *autograd.BatchNormState
}

// NewBatchNorm1d creates a batch normalization layer over the given number
// of channels with momentum 0.1 and eps 1e-5.
func NewBatchNorm1d(channels int) *BatchNorm1d {
	return &BatchNorm1d{
		Scale: autograd.NewParam(tensor.Full([]int{channels}, 1)),
		Shift: autograd.NewParam(tensor.NewTensor([]int{channels})),
		State: &autograd.BatchNormState{
			RunningMean: make([]float64, channels),
			RunningVar:  tensor.Full([]int{channels}, 1).Data,
			Momentum:    0.1,
			Eps:         1e-5,
		},
	}
}

// Channels returns the number of normalized channels.
func (bn *BatchNorm1d) Channels() int {
	return len(bn.State.RunningMean)
}

// Forward normalizes x, using batch statistics when training and the
// running statistics otherwise.
func (bn *BatchNorm1d) Forward(tp *autograd.Tape, x *autograd.Var, training bool) (*autograd.Var, error) {
	return tp.BatchNorm(x, bn.Scale, bn.Shift, bn.State, training)
}

// Parameters returns the trainable tensors of the layer.
func (bn *BatchNorm1d) Parameters() []*autograd.Var {
	return []*autograd.Var{bn.Scale, bn.Shift}
}
