package model

import (
	"fmt"
	"log/slog"

	"sakt/pkg/autograd"
	"sakt/pkg/tensor"
)

// SAKTModel implements the complete knowledge-tracing model.
//
// Architecture:
//  1. Encoder: question stage over tags, interaction stage over history
//  2. Prediction head: linear layer (emb_dim, 1) applied per position
//
// The logits are pre-sigmoid; calibration is left to the loss or to Predict.
type SAKTModel struct {
	Config   Config
	Encoder  *Encoder
	Pred     *Linear // (emb_dim, 1)
	Training bool    // If false, dropout is disabled and batch norm uses running statistics
}

// Output is the result of a forward pass.
type Output struct {
	Logits            *autograd.Var  // (batch, seq)
	AttWeight         *tensor.Tensor // (batch, seq, seq)
	QuestionAttWeight *tensor.Tensor // (batch, seq, seq)
}

// NewSAKTModel creates a new model in training mode.
//
// Parameters:
//   - config: model hyperparameters
//   - pretrainedTags: (tags_num+1, emb_dim) tag table, fine-tuned during training
//   - logger: destination for construction warnings; nil uses slog.Default()
func NewSAKTModel(config Config, pretrainedTags *tensor.Tensor, logger *slog.Logger) (*SAKTModel, error) {
	encoder, err := NewEncoder(config, pretrainedTags, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}
	return &SAKTModel{
		Config:   config,
		Encoder:  encoder,
		Pred:     NewLinear(config.EmbedDim, 1),
		Training: true,
	}, nil
}

// SetTraining sets the training mode for the model.
func (m *SAKTModel) SetTraining(training bool) {
	m.Training = training
}

// Parameters returns every trainable tensor of the model.
func (m *SAKTModel) Parameters() []*autograd.Var {
	return append(m.Encoder.Parameters(), m.Pred.Parameters()...)
}

// NumParameters returns the total number of trainable scalars.
func (m *SAKTModel) NumParameters() int {
	n := 0
	for _, p := range m.Parameters() {
		n += p.Value.Size()
	}
	return n
}

// Forward computes per-position logits for one batch.
//
// Input shapes: X, QuestionIDs (batch, seq); Tags (batch, seq, tags)
// Output shape: Logits (batch, seq)
func (m *SAKTModel) Forward(tp *autograd.Tape, in Input) (*Output, error) {
	enc, err := m.Encoder.Forward(tp, in, m.Training)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}

	// (batch, seq, emb_dim) @ (emb_dim, 1) -> (batch, seq, 1)
	logits, err := m.Pred.Forward(tp, enc.Hidden)
	if err != nil {
		return nil, fmt.Errorf("failed to compute output logits: %w", err)
	}
	shape := enc.Hidden.Shape()
	logits, err = tp.Reshape(logits, []int{shape[0], shape[1]})
	if err != nil {
		return nil, fmt.Errorf("failed to squeeze logits: %w", err)
	}

	return &Output{
		Logits:            logits,
		AttWeight:         enc.AttWeight,
		QuestionAttWeight: enc.QuestionAttWeight,
	}, nil
}
