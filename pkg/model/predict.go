package model

import (
	"fmt"

	"sakt/pkg/autograd"
)

// Predict returns the probability of a correct answer at every position.
//
// It runs an inference-mode forward pass without recording gradients and
// restores the previous training mode afterwards.
//
// Returns:
//   - Probabilities, shape (batch, seq)
func Predict(model *SAKTModel, in Input) ([][]float64, error) {
	// Ensure we're in inference mode
	wasTraining := model.Training
	model.SetTraining(false)
	defer model.SetTraining(wasTraining)

	out, err := model.Forward(autograd.NewTape(false), in)
	if err != nil {
		return nil, fmt.Errorf("model forward pass failed: %w", err)
	}

	probs := out.Logits.Value.Sigmoid()
	batch, seqLen := probs.Shape[0], probs.Shape[1]
	result := make([][]float64, batch)
	for b := 0; b < batch; b++ {
		result[b] = append([]float64(nil), probs.Data[b*seqLen:(b+1)*seqLen]...)
	}
	return result, nil
}

// LastPositionProbability returns, per row, the probability at the last
// non-padding question. Rows without any question yield -1.
func LastPositionProbability(model *SAKTModel, in Input) ([]float64, error) {
	probs, err := Predict(model, in)
	if err != nil {
		return nil, err
	}
	last := make([]float64, len(probs))
	for b, row := range probs {
		last[b] = -1
		for s := len(row) - 1; s >= 0; s-- {
			if in.QuestionIDs[b][s] != 0 {
				last[b] = row[s]
				break
			}
		}
	}
	return last, nil
}
