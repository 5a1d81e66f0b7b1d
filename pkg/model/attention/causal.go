// Package attention implements the attention pieces of the knowledge-tracing encoder:
//   - FutureMask: the causal mask that hides later positions
//   - MultiHeadAttention: scaled dot-product attention over separate query, key and value inputs
//   - TransformerBlock: attention + residual + normalization + feed-forward
package attention

import (
	"sync"

	"sakt/pkg/tensor"
)

// FutureMask returns the (seqLen, seqLen) causal mask: entry (i, j) is
// blocked iff j > i, so position i attends only to itself and earlier
// positions. The mask depends on seqLen alone.
func FutureMask(seqLen int) *tensor.Mask {
	mask := tensor.NewMask(seqLen, seqLen)
	for i := 0; i < seqLen; i++ {
		for j := i + 1; j < seqLen; j++ {
			mask.Block(i, j)
		}
	}
	return mask
}

// MaskCache memoizes FutureMask by sequence length.
type MaskCache struct {
	mu    sync.Mutex
	masks map[int]*tensor.Mask
}

// Get returns the causal mask for seqLen, building it on first use.
// Callers must not modify the returned mask.
func (c *MaskCache) Get(seqLen int) *tensor.Mask {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.masks == nil {
		c.masks = make(map[int]*tensor.Mask)
	}
	mask, ok := c.masks[seqLen]
	if !ok {
		mask = FutureMask(seqLen)
		c.masks[seqLen] = mask
	}
	return mask
}
