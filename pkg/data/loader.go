package data

import (
	"context"
	"io"
	"math/rand"
)

// Loader yields the batches of one epoch. Next returns io.EOF when the epoch
// is exhausted; Reset rewinds to the first batch of a new epoch.
type Loader interface {
	Next(ctx context.Context) (*Batch, error)
	Reset() error
	Len() int
}

// SliceLoader serves batches held in memory.
type SliceLoader struct {
	batches []*Batch
	order   []int
	pos     int
	rng     *rand.Rand // nil keeps the original order
}

// NewSliceLoader returns a loader over batches in their given order.
func NewSliceLoader(batches []*Batch) *SliceLoader {
	l := &SliceLoader{batches: batches}
	l.resetOrder()
	return l
}

// NewShuffledLoader returns a loader that visits batches in a new random
// order every epoch.
func NewShuffledLoader(batches []*Batch, seed int64) *SliceLoader {
	l := &SliceLoader{batches: batches, rng: rand.New(rand.NewSource(seed))}
	l.resetOrder()
	return l
}

// Next returns the next batch or io.EOF.
func (l *SliceLoader) Next(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.pos >= len(l.order) {
		return nil, io.EOF
	}
	b := l.batches[l.order[l.pos]]
	l.pos++
	return b, nil
}

// Reset rewinds the loader.
func (l *SliceLoader) Reset() error {
	l.resetOrder()
	return nil
}

// Len returns the number of batches per epoch.
func (l *SliceLoader) Len() int {
	return len(l.batches)
}

func (l *SliceLoader) resetOrder() {
	l.pos = 0
	if l.order == nil {
		l.order = make([]int, len(l.batches))
		for i := range l.order {
			l.order[i] = i
		}
	}
	if l.rng != nil {
		l.rng.Shuffle(len(l.order), func(i, j int) { l.order[i], l.order[j] = l.order[j], l.order[i] })
	}
}
