// Package model provides the self-attentive knowledge-tracing model.
//
// The model predicts, for every position of a learner's history, whether the
// next question will be answered correctly. It is built from:
//   - Learned interaction, position and question-id embeddings
//   - A pretrained, fine-tuned tag embedding summed over the tags of a question
//   - A question stage: question ids attend over their tag embeddings
//   - An interaction stage: question representations attend over the history
//   - A linear head producing one logit per position
//
// Both stages use causal masking, so a position only sees itself and earlier
// positions.
package model

import (
	"errors"
	"fmt"
)

// ErrSeqLen is returned when a batch's sequence length differs from the
// length the model was configured for.
var ErrSeqLen = errors.New("sequence length does not match model configuration")

// Config holds the model hyperparameters.
type Config struct {
	// NSkill is the number of distinct questions; interaction ids range over [0, 2*NSkill]
	NSkill int

	// MaxSeq is the window length; sequences fed to the model have MaxSeq-1 positions (180)
	MaxSeq int

	// EmbedDim is the dimension of every embedding and hidden state (128)
	EmbedDim int

	// NumHeads is the number of attention heads (8)
	NumHeads int

	// NumLayers is the number of blocks in each encoder stack (1)
	NumLayers int

	// ForwardExpansion scales the feed-forward hidden width (1)
	ForwardExpansion int

	// Dropout is the dropout rate for embeddings, attention weights and blocks (0.2)
	Dropout float64

	// TagsNum is the number of tags; index TagsNum is the tag padding index (188)
	TagsNum int

	// MaxTagsLen is the number of tag slots per question (6)
	MaxTagsLen int
}

// DefaultConfig returns the reference configuration for nSkill questions.
func DefaultConfig(nSkill int) Config {
	return Config{
		NSkill:           nSkill,
		MaxSeq:           180,
		EmbedDim:         128,
		NumHeads:         8,
		NumLayers:        1,
		ForwardExpansion: 1,
		Dropout:          0.2,
		TagsNum:          188,
		MaxTagsLen:       6,
	}
}

// SeqLen returns the number of positions in every input sequence.
func (c Config) SeqLen() int {
	return c.MaxSeq - 1
}

// Validate checks if the configuration is valid and consistent.
func (c Config) Validate() error {
	if c.NSkill <= 0 {
		return fmt.Errorf("n_skill must be positive, got %d", c.NSkill)
	}
	if c.MaxSeq < 2 {
		return fmt.Errorf("max_seq must be at least 2, got %d", c.MaxSeq)
	}
	if c.EmbedDim <= 0 || c.NumHeads <= 0 {
		return fmt.Errorf("embed_dim (%d) and num_heads (%d) must be positive", c.EmbedDim, c.NumHeads)
	}
	if c.EmbedDim%c.NumHeads != 0 {
		return fmt.Errorf("embed_dim (%d) must be divisible by num_heads (%d)", c.EmbedDim, c.NumHeads)
	}
	if c.NumLayers <= 0 {
		return fmt.Errorf("num_layers must be positive, got %d", c.NumLayers)
	}
	if c.ForwardExpansion <= 0 {
		return fmt.Errorf("forward_expansion must be positive, got %d", c.ForwardExpansion)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return fmt.Errorf("dropout must be in [0, 1), got %v", c.Dropout)
	}
	if c.TagsNum <= 0 {
		return fmt.Errorf("tags_num must be positive, got %d", c.TagsNum)
	}
	if c.MaxTagsLen <= 0 {
		return fmt.Errorf("max_tags_len must be positive, got %d", c.MaxTagsLen)
	}
	return nil
}
