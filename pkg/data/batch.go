// Package data supplies batches of index sequences to the training loop.
//
// Sequences arrive already encoded: an interaction id folds the question and
// the correctness of the previous answer into one integer, question ids name
// the question to predict, and every position carries a fixed number of tag
// slots. Id 0 pads interactions and questions.
package data

import (
	"errors"
	"fmt"

	"sakt/pkg/model"
)

// ErrShape is returned for ragged or mismatched batch arrays.
var ErrShape = errors.New("batch shape mismatch")

// Batch is one mini-batch; every array has batch rows of seq positions.
type Batch struct {
	X        [][]int     // (batch, seq) interaction ids in [0, 2*n_skill]
	TargetID [][]int     // (batch, seq) question ids in [0, n_skill]
	Label    [][]float64 // (batch, seq) 0 or 1
	Tags     [][][]int   // (batch, seq, tags) tag ids in [0, tags_num]
}

// Size returns the number of rows.
func (b *Batch) Size() int {
	return len(b.X)
}

// SeqLen returns the number of positions per row, or 0 for an empty batch.
func (b *Batch) SeqLen() int {
	if len(b.X) == 0 {
		return 0
	}
	return len(b.X[0])
}

// Validate checks that all arrays share one (batch, seq) shape and that
// every position has numTags tag slots. Id ranges are not checked.
func (b *Batch) Validate(seqLen, numTags int) error {
	rows := len(b.X)
	if rows == 0 {
		return fmt.Errorf("%w: empty batch", ErrShape)
	}
	if len(b.TargetID) != rows || len(b.Label) != rows || len(b.Tags) != rows {
		return fmt.Errorf("%w: row counts x=%d target_id=%d label=%d tags=%d",
			ErrShape, rows, len(b.TargetID), len(b.Label), len(b.Tags))
	}
	for r := 0; r < rows; r++ {
		if len(b.X[r]) != seqLen || len(b.TargetID[r]) != seqLen || len(b.Label[r]) != seqLen || len(b.Tags[r]) != seqLen {
			return fmt.Errorf("%w: row %d lengths x=%d target_id=%d label=%d tags=%d, expected %d",
				ErrShape, r, len(b.X[r]), len(b.TargetID[r]), len(b.Label[r]), len(b.Tags[r]), seqLen)
		}
		for s, slots := range b.Tags[r] {
			if len(slots) != numTags {
				return fmt.Errorf("%w: tags at (%d, %d) have %d slots, expected %d", ErrShape, r, s, len(slots), numTags)
			}
		}
	}
	return nil
}

// Input returns the model input view of the batch.
func (b *Batch) Input() model.Input {
	return model.Input{X: b.X, QuestionIDs: b.TargetID, Tags: b.Tags}
}

// Sample is one learner sequence, the unit stored on disk.
type Sample struct {
	X        []int     `json:"x"`
	TargetID []int     `json:"target_id"`
	Label    []float64 `json:"label"`
	Tags     [][]int   `json:"tags"`
}

// Fit returns s cut or padded to seqLen positions with numTags tag slots.
// Long sequences keep their most recent positions; short ones are padded at
// the front with id 0 and tagPad, so the valid positions stay contiguous.
func (s Sample) Fit(seqLen, numTags, tagPad int) (Sample, error) {
	n := len(s.X)
	if len(s.TargetID) != n || len(s.Label) != n || len(s.Tags) != n {
		return Sample{}, fmt.Errorf("%w: sample lengths x=%d target_id=%d label=%d tags=%d",
			ErrShape, n, len(s.TargetID), len(s.Label), len(s.Tags))
	}
	start := 0
	if n > seqLen {
		start = n - seqLen
		n = seqLen
	}
	pad := seqLen - n

	out := Sample{
		X:        make([]int, seqLen),
		TargetID: make([]int, seqLen),
		Label:    make([]float64, seqLen),
		Tags:     make([][]int, seqLen),
	}
	for i := 0; i < seqLen; i++ {
		slots := make([]int, numTags)
		for k := range slots {
			slots[k] = tagPad
		}
		out.Tags[i] = slots
	}
	for i := 0; i < n; i++ {
		src, dst := start+i, pad+i
		out.X[dst] = s.X[src]
		out.TargetID[dst] = s.TargetID[src]
		out.Label[dst] = s.Label[src]
		// Extra tags beyond numTags are dropped.
		copy(out.Tags[dst], s.Tags[src])
	}
	return out, nil
}

// Collate stacks fitted samples into batches of at most batchSize rows.
func Collate(samples []Sample, batchSize, seqLen, numTags, tagPad int) ([]*Batch, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	var batches []*Batch
	for start := 0; start < len(samples); start += batchSize {
		end := min(start+batchSize, len(samples))
		b := &Batch{}
		for i := start; i < end; i++ {
			s, err := samples[i].Fit(seqLen, numTags, tagPad)
			if err != nil {
				return nil, fmt.Errorf("sample %d: %w", i, err)
			}
			b.X = append(b.X, s.X)
			b.TargetID = append(b.TargetID, s.TargetID)
			b.Label = append(b.Label, s.Label)
			b.Tags = append(b.Tags, s.Tags)
		}
		batches = append(batches, b)
	}
	return batches, nil
}
