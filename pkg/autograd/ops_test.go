package autograd

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sakt/pkg/tensor"
)

// randomTensor fills a tensor with deterministic pseudo-random values in [-1, 1).
func randomTensor(shape []int, seed int) *tensor.Tensor {
	t := tensor.NewTensor(shape)
	state := uint32(seed*7919 + 17)
	for i := range t.Data {
		state = state*1664525 + 1013904223
		t.Data[i] = float64(state>>8)/float64(1<<24)*2 - 1
	}
	return t
}

// project reduces v to a scalar as sum(v * w) so that every output element
// contributes a distinct weight to the loss.
func project(t *testing.T, tp *Tape, v *Var) *Var {
	t.Helper()
	n := v.Value.Size()
	flat, err := tp.Reshape(v, []int{1, n})
	require.NoError(t, err)
	w := Constant(randomTensor([]int{n, 1}, 99))
	out, err := tp.Linear(flat, w, nil)
	require.NoError(t, err)
	return out
}

// checkGradients compares the analytic gradient of every param against a
// central finite difference of build.
func checkGradients(t *testing.T, params []*Var, build func(tp *Tape) *Var) {
	t.Helper()

	tp := NewTape(true)
	loss := project(t, tp, build(tp))
	require.NoError(t, tp.Backward(loss))

	const h = 1e-6
	for pi, p := range params {
		require.NotNil(t, p.Grad, "param %d received no gradient", pi)
		for i := range p.Value.Data {
			orig := p.Value.Data[i]

			p.Value.Data[i] = orig + h
			fwd := NewTape(false)
			up := project(t, fwd, build(fwd)).Value.Data[0]

			p.Value.Data[i] = orig - h
			fwd = NewTape(false)
			down := project(t, fwd, build(fwd)).Value.Data[0]

			p.Value.Data[i] = orig
			numeric := (up - down) / (2 * h)
			assert.InDelta(t, numeric, p.Grad.Data[i], 1e-4, "param %d element %d", pi, i)
		}
	}
}

func TestBackward_RequiresScalar(t *testing.T) {
	tp := NewTape(true)
	v := NewParam(randomTensor([]int{2, 2}, 1))
	out := tp.Scale(v, 2)
	err := tp.Backward(out)
	require.ErrorIs(t, err, ErrNotScalar)
}

func TestTape_NotRecording(t *testing.T) {
	tp := NewTape(false)
	w := NewParam(randomTensor([]int{3, 2}, 1))
	x := Constant(randomTensor([]int{4, 3}, 2))
	out, err := tp.Linear(x, w, nil)
	require.NoError(t, err)
	assert.False(t, out.RequiresGrad())
	assert.Equal(t, 0, tp.Len())
}

func TestLinear_Gradients(t *testing.T) {
	x := NewParam(randomTensor([]int{2, 3, 4}, 1))
	w := NewParam(randomTensor([]int{4, 5}, 2))
	b := NewParam(randomTensor([]int{5}, 3))
	checkGradients(t, []*Var{x, w, b}, func(tp *Tape) *Var {
		out, err := tp.Linear(x, w, b)
		require.NoError(t, err)
		return out
	})
}

func TestMatMul_Gradients(t *testing.T) {
	a := NewParam(randomTensor([]int{2, 3, 4}, 4))
	b := NewParam(randomTensor([]int{2, 4, 2}, 5))
	checkGradients(t, []*Var{a, b}, func(tp *Tape) *Var {
		out, err := tp.MatMul(a, b)
		require.NoError(t, err)
		return out
	})
}

func TestMatMul_BroadcastGradients(t *testing.T) {
	a := NewParam(randomTensor([]int{2, 3, 4}, 21))
	b := NewParam(randomTensor([]int{4, 5}, 22))
	checkGradients(t, []*Var{a, b}, func(tp *Tape) *Var {
		out, err := tp.MatMul(a, b)
		require.NoError(t, err)
		return out
	})
}

func TestMatMulT_Gradients(t *testing.T) {
	a := NewParam(randomTensor([]int{2, 3, 4}, 6))
	b := NewParam(randomTensor([]int{2, 5, 4}, 7))
	checkGradients(t, []*Var{a, b}, func(tp *Tape) *Var {
		out, err := tp.MatMulT(a, b)
		require.NoError(t, err)
		return out
	})
}

func TestMaskedSoftmax_Gradients(t *testing.T) {
	a := NewParam(randomTensor([]int{2, 3, 3}, 8))
	mask := tensor.NewMask(3, 3)
	mask.Block(0, 1)
	mask.Block(0, 2)
	mask.Block(1, 2)
	checkGradients(t, []*Var{a}, func(tp *Tape) *Var {
		out, err := tp.MaskedSoftmax(a, mask)
		require.NoError(t, err)
		return out
	})
}

func TestMaskedSoftmax_BlockedPositionsAreZero(t *testing.T) {
	tp := NewTape(false)
	a := Constant(randomTensor([]int{1, 3, 3}, 9))
	mask := tensor.NewMask(3, 3)
	mask.Block(0, 1)
	mask.Block(0, 2)
	mask.Block(1, 2)
	out, err := tp.MaskedSoftmax(a, mask)
	require.NoError(t, err)

	assert.InDelta(t, 1.0, out.Value.Get(0, 0, 0), 1e-12)
	assert.Zero(t, out.Value.Get(0, 0, 1))
	assert.Zero(t, out.Value.Get(0, 1, 2))
	for i := 0; i < 3; i++ {
		sum := 0.0
		for j := 0; j < 3; j++ {
			sum += out.Value.Get(0, i, j)
		}
		assert.InDelta(t, 1.0, sum, 1e-12)
	}
}

func TestLayerNorm_Gradients(t *testing.T) {
	x := NewParam(randomTensor([]int{3, 4}, 10))
	gamma := NewParam(randomTensor([]int{4}, 11))
	beta := NewParam(randomTensor([]int{4}, 12))
	checkGradients(t, []*Var{x, gamma, beta}, func(tp *Tape) *Var {
		out, err := tp.LayerNorm(x, gamma, beta, 1e-5)
		require.NoError(t, err)
		return out
	})
}

func TestBatchNorm_Gradients(t *testing.T) {
	x := NewParam(randomTensor([]int{3, 2, 4}, 13))
	gamma := NewParam(randomTensor([]int{2}, 14))
	beta := NewParam(randomTensor([]int{2}, 15))
	checkGradients(t, []*Var{x, gamma, beta}, func(tp *Tape) *Var {
		state := &BatchNormState{
			RunningMean: []float64{0, 0},
			RunningVar:  []float64{1, 1},
			Momentum:    0.1,
			Eps:         1e-5,
		}
		out, err := tp.BatchNorm(x, gamma, beta, state, true)
		require.NoError(t, err)
		return out
	})
}

func TestBatchNorm_RunningStatistics(t *testing.T) {
	// Channel 0 holds {1, 3}, channel 1 holds {2, 6}.
	x := Constant(tensor.NewTensor([]int{2, 2, 1}))
	x.Value.Data = []float64{1, 2, 3, 6}
	gamma := Constant(tensor.Full([]int{2}, 1))
	beta := Constant(tensor.NewTensor([]int{2}))
	state := &BatchNormState{
		RunningMean: []float64{0, 0},
		RunningVar:  []float64{1, 1},
		Momentum:    0.1,
		Eps:         1e-5,
	}

	tp := NewTape(false)
	_, err := tp.BatchNorm(x, gamma, beta, state, true)
	require.NoError(t, err)

	assert.InDelta(t, 0.2, state.RunningMean[0], 1e-12)
	assert.InDelta(t, 0.4, state.RunningMean[1], 1e-12)
	// Unbiased variances are 2 and 8.
	assert.InDelta(t, 0.9+0.2, state.RunningVar[0], 1e-12)
	assert.InDelta(t, 0.9+0.8, state.RunningVar[1], 1e-12)

	before := append([]float64{}, state.RunningMean...)
	out, err := tp.BatchNorm(x, gamma, beta, state, false)
	require.NoError(t, err)
	assert.Equal(t, before, state.RunningMean, "evaluation must not update running statistics")
	expected := (1 - 0.2) / math.Sqrt(1.1+1e-5)
	assert.InDelta(t, expected, out.Value.Data[0], 1e-9)
}

func TestBatchNorm_ChannelMismatch(t *testing.T) {
	tp := NewTape(false)
	x := Constant(tensor.NewTensor([]int{2, 3, 4}))
	gamma := Constant(tensor.Full([]int{2}, 1))
	beta := Constant(tensor.NewTensor([]int{2}))
	state := &BatchNormState{RunningMean: make([]float64, 2), RunningVar: []float64{1, 1}, Momentum: 0.1, Eps: 1e-5}
	_, err := tp.BatchNorm(x, gamma, beta, state, true)
	require.Error(t, err)
}

func TestPermuteSumReshape_Gradients(t *testing.T) {
	a := NewParam(randomTensor([]int{2, 3, 4}, 16))
	checkGradients(t, []*Var{a}, func(tp *Tape) *Var {
		p, err := tp.Permute(a, 1, 0, 2)
		require.NoError(t, err)
		s, err := tp.SumAxis(p, 2)
		require.NoError(t, err)
		r, err := tp.Reshape(s, []int{6})
		require.NoError(t, err)
		return r
	})
}

func TestReLUScaleAdd_Gradients(t *testing.T) {
	a := NewParam(randomTensor([]int{3, 3}, 17))
	b := NewParam(randomTensor([]int{3, 3}, 18))
	checkGradients(t, []*Var{a, b}, func(tp *Tape) *Var {
		sum, err := tp.Add(tp.ReLU(a), tp.Scale(b, 0.5))
		require.NoError(t, err)
		return sum
	})
}

func TestEmbedding_PaddingRowGetsNoGradient(t *testing.T) {
	table := NewParam(randomTensor([]int{4, 2}, 19))
	tp := NewTape(true)
	out, err := tp.Embedding(table, []int{0, 1, 1, 9}, []int{2, 2}, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 2}, out.Value.Shape)

	// Out-of-range id 9 falls back to the padding row.
	assert.Equal(t, table.Value.Data[0:2], out.Value.Data[6:8])

	sum, err := tp.SumAxis(out, 0)
	require.NoError(t, err)
	sum, err = tp.SumAxis(sum, 0)
	require.NoError(t, err)
	sum, err = tp.SumAxis(sum, 0)
	require.NoError(t, err)
	require.NoError(t, tp.Backward(sum))

	assert.Equal(t, []float64{0, 0}, table.Grad.Data[0:2])
	assert.Equal(t, []float64{2, 2}, table.Grad.Data[2:4])
	assert.Equal(t, []float64{0, 0}, table.Grad.Data[4:6])
}

func TestGather_Gradients(t *testing.T) {
	a := NewParam(randomTensor([]int{2, 3}, 20))
	checkGradients(t, []*Var{a}, func(tp *Tape) *Var {
		out, err := tp.Gather(a, []int{0, 2, 5, 2})
		require.NoError(t, err)
		return out
	})
}

func TestBCEWithLogits(t *testing.T) {
	tp := NewTape(true)
	logits := NewParam(tensor.NewTensor([]int{2}))
	logits.Value.Data = []float64{0, 2}
	loss, err := tp.BCEWithLogits(logits, []float64{1, 0})
	require.NoError(t, err)

	expected := (math.Log(2) + (2 + math.Log1p(math.Exp(-2)))) / 2
	assert.InDelta(t, expected, loss.Value.Data[0], 1e-12)

	require.NoError(t, tp.Backward(loss))
	assert.InDelta(t, (0.5-1)/2, logits.Grad.Data[0], 1e-12)
	assert.InDelta(t, tensor.Sigmoid(2)/2, logits.Grad.Data[1], 1e-12)
}

func TestBCEWithLogits_Empty(t *testing.T) {
	tp := NewTape(true)
	logits := NewParam(tensor.NewTensor([]int{0}))
	_, err := tp.BCEWithLogits(logits, nil)
	require.ErrorIs(t, err, ErrEmptyInput)
}
