package model

import (
	"bytes"
	"errors"
	"log/slog"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"sakt/pkg/autograd"
	"sakt/pkg/model/attention"
	"sakt/pkg/tensor"
)

func smallConfig() Config {
	return Config{
		NSkill:           5,
		MaxSeq:           6,
		EmbedDim:         8,
		NumHeads:         2,
		NumLayers:        1,
		ForwardExpansion: 1,
		Dropout:          0.0,
		TagsNum:          10,
		MaxTagsLen:       3,
	}
}

func tagTable(config Config) *tensor.Tensor {
	table := tensor.NewTensor([]int{config.TagsNum + 1, config.EmbedDim})
	tensor.NormalInit(table, 1)
	return table
}

// smallBatch returns two sequences of length 5: one full, one with a two
// position padding suffix.
func smallBatch(config Config) Input {
	pad := config.TagsNum
	return Input{
		X: [][]int{
			{1, 6, 3, 8, 2},
			{4, 9, 5, 0, 0},
		},
		QuestionIDs: [][]int{
			{1, 2, 3, 4, 5},
			{2, 4, 1, 0, 0},
		},
		Tags: [][][]int{
			{{0, 1, pad}, {2, pad, pad}, {3, 4, 5}, {1, pad, pad}, {6, 7, pad}},
			{{2, 3, pad}, {8, pad, pad}, {9, 0, pad}, {pad, pad, pad}, {pad, pad, pad}},
		},
	}
}

func newSmallModel(t *testing.T, config Config) *SAKTModel {
	t.Helper()
	tensor.Seed(7)
	m, err := NewSAKTModel(config, tagTable(config), nil)
	require.NoError(t, err)
	return m
}

// TestSAKTModel_ForwardShape tests the end-to-end forward pass output shapes.
func TestSAKTModel_ForwardShape(t *testing.T) {
	config := smallConfig()
	m := newSmallModel(t, config)

	out, err := m.Forward(autograd.NewTape(false), smallBatch(config))
	require.NoError(t, err)

	assert.Equal(t, []int{2, 5}, out.Logits.Shape())
	assert.Equal(t, []int{2, 5, 5}, out.AttWeight.Shape)
	assert.Equal(t, []int{2, 5, 5}, out.QuestionAttWeight.Shape)
	for _, v := range out.Logits.Value.Data {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0), "logit %v is not finite", v)
	}
}

// TestSAKTModel_SequenceLengthMismatch tests that batches of the wrong length are rejected.
func TestSAKTModel_SequenceLengthMismatch(t *testing.T) {
	config := smallConfig()
	m := newSmallModel(t, config)

	in := smallBatch(config)
	in.X[1] = in.X[1][:4]
	_, err := m.Forward(autograd.NewTape(false), in)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSeqLen), "expected ErrSeqLen, got %v", err)
}

// TestSAKTModel_OutOfRangeIDsUsePadding tests that ids beyond a table fall back to padding.
func TestSAKTModel_OutOfRangeIDsUsePadding(t *testing.T) {
	config := smallConfig()
	m := newSmallModel(t, config)
	m.SetTraining(false)

	in := smallBatch(config)
	base, err := m.Forward(autograd.NewTape(false), in)
	require.NoError(t, err)

	// Tag id 99 exceeds the table and must behave like the pad index.
	in.Tags[0][0][2] = 99
	got, err := m.Forward(autograd.NewTape(false), in)
	require.NoError(t, err)
	assert.InDeltaSlice(t, base.Logits.Value.Data, got.Logits.Value.Data, 1e-12)
}

// TestSAKTModel_Causality tests that logits at a position ignore later positions.
func TestSAKTModel_Causality(t *testing.T) {
	config := smallConfig()
	m := newSmallModel(t, config)
	m.SetTraining(false)

	in := smallBatch(config)
	base, err := m.Forward(autograd.NewTape(false), in)
	require.NoError(t, err)

	// Rewrite positions 3 and 4 of the first row without changing padding.
	in.X[0][3], in.X[0][4] = 10, 7
	in.QuestionIDs[0][3], in.QuestionIDs[0][4] = 5, 1
	in.Tags[0][3] = []int{8, 9, 0}
	perturbed, err := m.Forward(autograd.NewTape(false), in)
	require.NoError(t, err)

	for s := 0; s < 3; s++ {
		assert.InDelta(t, base.Logits.Value.Get(0, s), perturbed.Logits.Value.Get(0, s), 1e-12, "position %d", s)
	}
	assert.NotEqual(t, base.Logits.Value.Get(0, 4), perturbed.Logits.Value.Get(0, 4))
	for s := 0; s < 5; s++ {
		assert.InDelta(t, base.Logits.Value.Get(1, s), perturbed.Logits.Value.Get(1, s), 1e-12, "row 1 position %d", s)
	}
}

// TestEncoder_StageWiring tests which inputs feed the query and the key/value
// of each encoder stage by recomputing both stages from the embeddings.
func TestEncoder_StageWiring(t *testing.T) {
	config := smallConfig()
	m := newSmallModel(t, config)
	m.SetTraining(false)
	enc := m.Encoder

	in := smallBatch(config)
	tp := autograd.NewTape(false)
	got, err := enc.Forward(tp, in, false)
	require.NoError(t, err)

	batch, seqLen := len(in.X), config.SeqLen()
	shape := []int{batch, seqLen}
	xIDs, err := flatten(in.X, batch, seqLen, "x")
	require.NoError(t, err)
	posIDs, err := flatten(MakePositions(in.X, 0), batch, seqLen, "positions")
	require.NoError(t, err)
	qIDs, err := flatten(in.QuestionIDs, batch, seqLen, "question_ids")
	require.NoError(t, err)
	tagIDs, numTags, err := flattenTags(in.Tags, batch, seqLen)
	require.NoError(t, err)

	xEmb, err := enc.Embedding.Forward(tp, xIDs, shape)
	require.NoError(t, err)
	posEmb, err := enc.PosEmbedding.Forward(tp, posIDs, shape)
	require.NoError(t, err)
	xEmb, err = tp.Add(xEmb, posEmb)
	require.NoError(t, err)
	qEmb, err := enc.QuestionEmbedding.Forward(tp, qIDs, shape)
	require.NoError(t, err)
	tagEmb, err := enc.TagsEmbedding.Forward(tp, tagIDs, []int{batch, seqLen, numTags})
	require.NoError(t, err)
	tagEmb, err = tp.SumAxis(tagEmb, 2)
	require.NoError(t, err)

	mask := attention.FutureMask(seqLen)
	require.Len(t, enc.QuestionEncoder, 1)
	require.Len(t, enc.Layers, 1)

	// Question stage: question ids attend over the summed tags.
	question, questionWeights, err := enc.QuestionEncoder[0].Forward(tp, qEmb, tagEmb, tagEmb, mask, false)
	require.NoError(t, err)
	assert.InDeltaSlice(t, questionWeights.Data, got.QuestionAttWeight.Data, 1e-12)

	// Interaction stage: the question representation attends over x_emb.
	hidden, weights, err := enc.Layers[0].Forward(tp, question, xEmb, xEmb, mask, false)
	require.NoError(t, err)
	assert.InDeltaSlice(t, weights.Data, got.AttWeight.Data, 1e-12)
	assert.InDeltaSlice(t, hidden.Value.Data, got.Hidden.Value.Data, 1e-12)

	// Swapping the roles in either stage moves the output.
	swapped, _, err := enc.QuestionEncoder[0].Forward(tp, tagEmb, qEmb, qEmb, mask, false)
	require.NoError(t, err)
	assert.False(t, floats.EqualApprox(swapped.Value.Data, question.Value.Data, 1e-6))
	swappedHidden, _, err := enc.Layers[0].Forward(tp, xEmb, question, question, mask, false)
	require.NoError(t, err)
	assert.False(t, floats.EqualApprox(swappedHidden.Value.Data, got.Hidden.Value.Data, 1e-6))
}

// TestSAKTModel_Backward tests that gradients reach the head and the tag table.
func TestSAKTModel_Backward(t *testing.T) {
	config := smallConfig()
	config.Dropout = 0.2
	m := newSmallModel(t, config)

	tp := autograd.NewTape(true)
	out, err := m.Forward(tp, smallBatch(config))
	require.NoError(t, err)

	logits, err := tp.Gather(out.Logits, []int{0, 1, 2, 3, 4, 5, 6, 7})
	require.NoError(t, err)
	loss, err := tp.BCEWithLogits(logits, []float64{1, 0, 1, 1, 0, 0, 1, 0})
	require.NoError(t, err)
	require.NoError(t, tp.Backward(loss))

	require.NotNil(t, m.Pred.Weight.Grad)
	tags := m.Encoder.TagsEmbedding.Table
	require.NotNil(t, tags.Grad)

	padRow := tags.Grad.Data[config.TagsNum*config.EmbedDim:]
	for i, g := range padRow {
		assert.Zero(t, g, "pad row gradient %d", i)
	}
	nonZero := false
	for _, g := range tags.Grad.Data[:config.EmbedDim] {
		if g != 0 {
			nonZero = true
		}
	}
	assert.True(t, nonZero, "expected gradient on tag 0")
}

// TestSAKTModel_TagTableShape tests validation of the pretrained table.
func TestSAKTModel_TagTableShape(t *testing.T) {
	config := smallConfig()

	_, err := NewSAKTModel(config, nil, nil)
	assert.Error(t, err)

	_, err = NewSAKTModel(config, tensor.NewTensor([]int{config.TagsNum, config.EmbedDim}), nil)
	assert.Error(t, err)
}

// TestSAKTModel_MultiLayerWarning tests that multi-layer encoders are flagged.
func TestSAKTModel_MultiLayerWarning(t *testing.T) {
	config := smallConfig()
	config.NumLayers = 2

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	m, err := NewSAKTModel(config, tagTable(config), logger)
	require.NoError(t, err)

	assert.Len(t, m.Encoder.QuestionEncoder, 2)
	assert.Len(t, m.Encoder.Layers, 2)
	assert.True(t, strings.Contains(buf.String(), "num_layers=2"), "log output: %s", buf.String())

	out, err := m.Forward(autograd.NewTape(false), smallBatch(config))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 5}, out.Logits.Shape())
}

// TestPredict tests inference mode handling and probability bounds.
func TestPredict(t *testing.T) {
	config := smallConfig()
	config.Dropout = 0.5
	m := newSmallModel(t, config)

	in := smallBatch(config)
	first, err := Predict(m, in)
	require.NoError(t, err)
	second, err := Predict(m, in)
	require.NoError(t, err)

	assert.True(t, m.Training, "Predict must restore training mode")
	assert.Equal(t, first, second, "inference must be deterministic")
	require.Len(t, first, 2)
	for _, row := range first {
		require.Len(t, row, 5)
		for _, p := range row {
			assert.True(t, p > 0 && p < 1, "probability %v out of range", p)
		}
	}

	last, err := LastPositionProbability(m, in)
	require.NoError(t, err)
	assert.Equal(t, first[0][4], last[0])
	assert.Equal(t, first[1][2], last[1])
}

// TestConfig_Validate tests configuration validation.
func TestConfig_Validate(t *testing.T) {
	testCases := []struct {
		name      string
		modify    func(*Config)
		wantError bool
	}{
		{"default", func(c *Config) {}, false},
		{"heads_not_dividing", func(c *Config) { c.NumHeads = 3 }, true},
		{"zero_skills", func(c *Config) { c.NSkill = 0 }, true},
		{"short_window", func(c *Config) { c.MaxSeq = 1 }, true},
		{"zero_layers", func(c *Config) { c.NumLayers = 0 }, true},
		{"dropout_one", func(c *Config) { c.Dropout = 1 }, true},
		{"zero_tags", func(c *Config) { c.TagsNum = 0 }, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			config := DefaultConfig(100)
			tc.modify(&config)
			err := config.Validate()
			if tc.wantError && err == nil {
				t.Errorf("Expected validation error for %s", tc.name)
			}
			if !tc.wantError && err != nil {
				t.Errorf("Unexpected validation error for %s: %v", tc.name, err)
			}
		})
	}

	if got := DefaultConfig(100).SeqLen(); got != 179 {
		t.Errorf("Expected default sequence length 179, got %d", got)
	}
}

// BenchmarkSAKTModel_Forward benchmarks an inference pass at the default window.
func BenchmarkSAKTModel_Forward(b *testing.B) {
	config := DefaultConfig(100)
	config.EmbedDim = 32
	config.NumHeads = 4
	m, err := NewSAKTModel(config, tagTable(config), nil)
	if err != nil {
		b.Fatal(err)
	}
	m.SetTraining(false)

	seqLen := config.SeqLen()
	in := Input{X: make([][]int, 4), QuestionIDs: make([][]int, 4), Tags: make([][][]int, 4)}
	for r := 0; r < 4; r++ {
		in.X[r] = make([]int, seqLen)
		in.QuestionIDs[r] = make([]int, seqLen)
		in.Tags[r] = make([][]int, seqLen)
		for s := 0; s < seqLen; s++ {
			in.X[r][s] = (r+s)%200 + 1
			in.QuestionIDs[r][s] = (r*3+s)%100 + 1
			in.Tags[r][s] = []int{s % 188, config.TagsNum, config.TagsNum, config.TagsNum, config.TagsNum, config.TagsNum}
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := m.Forward(autograd.NewTape(false), in); err != nil {
			b.Fatal(err)
		}
	}
}
