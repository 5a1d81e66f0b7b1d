package attention

import (
	"fmt"

	"sakt/pkg/autograd"
	"sakt/pkg/tensor"
)

// FeedForward is an interface for feed-forward layers
type FeedForward interface {
	Forward(tp *autograd.Tape, x *autograd.Var, training bool) (*autograd.Var, error)
	Parameters() []*autograd.Var
}

// LayerNorm is an interface for layer normalization
type LayerNorm interface {
	Forward(tp *autograd.Tape, x *autograd.Var) (*autograd.Var, error)
	Parameters() []*autograd.Var
}

// TransformerBlock implements one attention + feed-forward unit.
//
// Architecture (per block, post-norm):
//  1. att = Attn(query, key, value, mask)
//  2. x = Dropout(Norm1(att + query))   # residual on the attending sequence
//  3. y = FF(x)
//  4. out = Dropout(Norm2(y + x))
//
// The same block type serves both encoder stages: the question stage attends
// from question embeddings over tag embeddings, the interaction stage attends
// from question representations over the response history.
type TransformerBlock struct {
	Attn    *MultiHeadAttention
	FF      FeedForward
	Norm1   LayerNorm // after attention residual
	Norm2   LayerNorm // after feed-forward residual
	Dropout float64
}

// NewTransformerBlock creates a new transformer block.
//
// Parameters:
//   - attn: MultiHeadAttention instance
//   - ff: FeedForward instance
//   - norm1: LayerNorm applied after the attention residual
//   - norm2: LayerNorm applied after the feed-forward residual
//   - dropout: dropout rate
func NewTransformerBlock(attn *MultiHeadAttention, ff FeedForward, norm1, norm2 LayerNorm, dropout float64) *TransformerBlock {
	return &TransformerBlock{
		Attn:    attn,
		FF:      ff,
		Norm1:   norm1,
		Norm2:   norm2,
		Dropout: dropout,
	}
}

// Parameters returns the trainable tensors of the block.
func (b *TransformerBlock) Parameters() []*autograd.Var {
	params := b.Attn.Parameters()
	params = append(params, b.Norm1.Parameters()...)
	params = append(params, b.FF.Parameters()...)
	params = append(params, b.Norm2.Parameters()...)
	return params
}

// Forward computes one transformer block.
//
// Input shapes:
//   - query: (batch, seq, embed), also the residual input
//   - key, value: (batch, seq, embed)
//   - mask: (seq, seq) causal mask or nil
//   - training: if true, apply dropout and update normalization statistics
//
// Output:
//   - block output, shape (batch, seq, embed)
//   - attention weights, shape (batch, seq, seq)
func (b *TransformerBlock) Forward(tp *autograd.Tape, query, key, value *autograd.Var, mask *tensor.Mask, training bool) (*autograd.Var, *tensor.Tensor, error) {
	attnOut, weights, err := b.Attn.Forward(tp, query, key, value, mask, training)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute attention: %w", err)
	}

	// Residual connection with the attending sequence
	x, err := tp.Add(attnOut, query)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to add attention residual: %w", err)
	}
	x, err = b.Norm1.Forward(tp, x)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to apply Norm1: %w", err)
	}
	x = tp.Dropout(x, b.Dropout, training)

	// Feed-forward network
	ffOut, err := b.FF.Forward(tp, x, training)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to compute feed-forward: %w", err)
	}

	// Residual connection
	out, err := tp.Add(ffOut, x)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to add feed-forward residual: %w", err)
	}
	out, err = b.Norm2.Forward(tp, out)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to apply Norm2: %w", err)
	}
	out = tp.Dropout(out, b.Dropout, training)

	return out, weights, nil
}
