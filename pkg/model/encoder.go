package model

import (
	"fmt"
	"log/slog"

	"sakt/pkg/autograd"
	"sakt/pkg/model/attention"
	"sakt/pkg/tensor"
)

// Block is one attention unit of an encoder stack.
type Block interface {
	Forward(tp *autograd.Tape, query, key, value *autograd.Var, mask *tensor.Mask, training bool) (*autograd.Var, *tensor.Tensor, error)
	Parameters() []*autograd.Var
}

// Input is one batch of index sequences.
//
// X, QuestionIDs have shape (batch, seq) and Tags has shape (batch, seq, tags).
// Id 0 pads X and QuestionIDs; the tag padding index is Config.TagsNum.
type Input struct {
	X           [][]int
	QuestionIDs [][]int
	Tags        [][][]int
}

// EncoderOutput holds the final hidden states and the diagnostic attention
// weights of the last block of each stage.
type EncoderOutput struct {
	Hidden            *autograd.Var  // (batch, seq, emb_dim)
	AttWeight         *tensor.Tensor // (batch, seq, seq), interaction stage
	QuestionAttWeight *tensor.Tensor // (batch, seq, seq), question stage
}

// Encoder builds question representations from tags, then fuses them with the
// learner's interaction history.
type Encoder struct {
	Config            Config
	Embedding         *Embedding // (2*n_skill+1, emb_dim), interactions
	PosEmbedding      *Embedding // (max_seq+1, emb_dim)
	QuestionEmbedding *Embedding // (n_skill+1, emb_dim)
	TagsEmbedding     *Embedding // (tags_num+1, emb_dim), pretrained
	QuestionEncoder   []Block
	Layers            []Block

	masks  attention.MaskCache
	logger *slog.Logger
}

// NewEncoder creates an encoder around a pretrained (tags_num+1, emb_dim) tag
// table. The table is copied and fine-tuned.
func NewEncoder(config Config, pretrainedTags *tensor.Tensor, logger *slog.Logger) (*Encoder, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if pretrainedTags == nil {
		return nil, fmt.Errorf("pretrained tag embedding is required")
	}
	if want := []int{config.TagsNum + 1, config.EmbedDim}; !tensor.SameShape(pretrainedTags.Shape, want) {
		return nil, fmt.Errorf("pretrained tag embedding has shape %v, expected %v", pretrainedTags.Shape, want)
	}

	tags, err := NewPretrainedEmbedding(pretrainedTags, config.TagsNum)
	if err != nil {
		return nil, fmt.Errorf("failed to create tag embedding: %w", err)
	}

	e := &Encoder{
		Config:            config,
		Embedding:         NewEmbedding(2*config.NSkill+1, config.EmbedDim, 0),
		PosEmbedding:      NewEmbedding(config.MaxSeq+1, config.EmbedDim, 0),
		QuestionEmbedding: NewEmbedding(config.NSkill+1, config.EmbedDim, 0),
		TagsEmbedding:     tags,
		QuestionEncoder:   make([]Block, config.NumLayers),
		Layers:            make([]Block, config.NumLayers),
		logger:            logger,
	}

	for i := 0; i < config.NumLayers; i++ {
		if e.QuestionEncoder[i], err = newBlock(config); err != nil {
			return nil, fmt.Errorf("failed to create question block %d: %w", i, err)
		}
		if e.Layers[i], err = newBlock(config); err != nil {
			return nil, fmt.Errorf("failed to create interaction block %d: %w", i, err)
		}
	}

	if config.NumLayers > 1 {
		logger.Warn("question stage uses only the last block's output when num_layers > 1; only num_layers=1 is validated",
			"num_layers", config.NumLayers)
	}

	return e, nil
}

func newBlock(config Config) (*attention.TransformerBlock, error) {
	attn, err := attention.NewMultiHeadAttention(attention.MultiHeadAttentionConfig{
		EmbedDim: config.EmbedDim,
		NumHeads: config.NumHeads,
		Dropout:  config.Dropout,
	})
	if err != nil {
		return nil, err
	}
	ff, err := NewFFN(config.EmbedDim, config.ForwardExpansion, config.SeqLen(), config.Dropout)
	if err != nil {
		return nil, err
	}
	norm1 := NewLayerNorm(config.EmbedDim, 1e-5)
	norm2 := NewLayerNorm(config.EmbedDim, 1e-5)
	return attention.NewTransformerBlock(attn, ff, norm1, norm2, config.Dropout), nil
}

// Parameters returns the trainable tensors of the encoder.
func (e *Encoder) Parameters() []*autograd.Var {
	params := e.Embedding.Parameters()
	params = append(params, e.PosEmbedding.Parameters()...)
	params = append(params, e.QuestionEmbedding.Parameters()...)
	params = append(params, e.TagsEmbedding.Parameters()...)
	for _, b := range e.QuestionEncoder {
		params = append(params, b.Parameters()...)
	}
	for _, b := range e.Layers {
		params = append(params, b.Parameters()...)
	}
	return params
}

// Forward encodes one batch.
//
// Steps:
//  1. x_emb = Dropout(Embedding[x] + PosEmbedding[positions(x)])
//  2. q_emb = QuestionEmbedding[question_ids]
//  3. tag_emb = sum over the tag axis of TagsEmbedding[tags]
//  4. Question stage: each block attends from q_emb over tag_emb
//  5. Interaction stage: blocks attend from the question representation over
//     the running interaction states, starting from x_emb
//
// Ids outside a table's range resolve to its padding row.
func (e *Encoder) Forward(tp *autograd.Tape, in Input, training bool) (*EncoderOutput, error) {
	seqLen := e.Config.SeqLen()
	batch := len(in.X)
	if batch == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	xIDs, err := flatten(in.X, batch, seqLen, "x")
	if err != nil {
		return nil, err
	}
	qIDs, err := flatten(in.QuestionIDs, batch, seqLen, "question_ids")
	if err != nil {
		return nil, err
	}
	tagIDs, numTags, err := flattenTags(in.Tags, batch, seqLen)
	if err != nil {
		return nil, err
	}
	posIDs, err := flatten(MakePositions(in.X, 0), batch, seqLen, "positions")
	if err != nil {
		return nil, err
	}

	shape := []int{batch, seqLen}

	// Step 1: Interaction and position embeddings
	xEmb, err := e.Embedding.Forward(tp, xIDs, shape)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup interaction embeddings: %w", err)
	}
	posEmb, err := e.PosEmbedding.Forward(tp, posIDs, shape)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup position embeddings: %w", err)
	}
	xEmb, err = tp.Add(xEmb, posEmb)
	if err != nil {
		return nil, fmt.Errorf("failed to add embeddings: %w", err)
	}
	xEmb = tp.Dropout(xEmb, e.Config.Dropout, training)

	// Step 2: Question-id embeddings
	qEmb, err := e.QuestionEmbedding.Forward(tp, qIDs, shape)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup question embeddings: %w", err)
	}

	// Step 3: Tag embeddings summed per position
	tagEmb, err := e.TagsEmbedding.Forward(tp, tagIDs, []int{batch, seqLen, numTags})
	if err != nil {
		return nil, fmt.Errorf("failed to lookup tag embeddings: %w", err)
	}
	tagEmb, err = tp.SumAxis(tagEmb, 2)
	if err != nil {
		return nil, fmt.Errorf("failed to sum tag embeddings: %w", err)
	}

	mask := e.masks.Get(seqLen)
	out := &EncoderOutput{}

	// Step 4: Question stage. Every block reads the raw question embedding.
	var question *autograd.Var
	for i, block := range e.QuestionEncoder {
		question, out.QuestionAttWeight, err = block.Forward(tp, qEmb, tagEmb, tagEmb, mask, training)
		if err != nil {
			return nil, fmt.Errorf("failed in question block %d: %w", i, err)
		}
	}

	// Step 5: Interaction stage
	hidden := xEmb
	for i, block := range e.Layers {
		hidden, out.AttWeight, err = block.Forward(tp, question, hidden, hidden, mask, training)
		if err != nil {
			return nil, fmt.Errorf("failed in interaction block %d: %w", i, err)
		}
	}
	out.Hidden = hidden

	return out, nil
}

func flatten(rows [][]int, batch, seqLen int, name string) ([]int, error) {
	if len(rows) != batch {
		return nil, fmt.Errorf("%s has %d rows, expected batch size %d", name, len(rows), batch)
	}
	flat := make([]int, 0, batch*seqLen)
	for b, row := range rows {
		if len(row) != seqLen {
			return nil, fmt.Errorf("%w: %s row %d has length %d, expected %d", ErrSeqLen, name, b, len(row), seqLen)
		}
		flat = append(flat, row...)
	}
	return flat, nil
}

func flattenTags(tags [][][]int, batch, seqLen int) ([]int, int, error) {
	if len(tags) != batch {
		return nil, 0, fmt.Errorf("tags has %d rows, expected batch size %d", len(tags), batch)
	}
	if len(tags[0]) == 0 {
		return nil, 0, fmt.Errorf("%w: tags row 0 is empty", ErrSeqLen)
	}
	numTags := len(tags[0][0])
	if numTags == 0 {
		return nil, 0, fmt.Errorf("tags must have at least one slot per position")
	}
	flat := make([]int, 0, batch*seqLen*numTags)
	for b, row := range tags {
		if len(row) != seqLen {
			return nil, 0, fmt.Errorf("%w: tags row %d has length %d, expected %d", ErrSeqLen, b, len(row), seqLen)
		}
		for s, slots := range row {
			if len(slots) != numTags {
				return nil, 0, fmt.Errorf("tags at (%d, %d) have %d slots, expected %d", b, s, len(slots), numTags)
			}
			flat = append(flat, slots...)
		}
	}
	return flat, numTags, nil
}
