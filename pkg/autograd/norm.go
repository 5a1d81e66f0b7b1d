package autograd

import (
	"fmt"
	"math"

	"sakt/pkg/tensor"
)

// LayerNorm normalizes x over its last dimension and applies gamma and beta.
//
//	x_hat = (x - mean) / sqrt(var + eps)
//	y     = x_hat * gamma + beta
//
// Backward, per row of N features with g = dy * gamma:
//
//	dx = invStd / N * (N*g - sum(g) - x_hat*sum(g*x_hat))
func (tp *Tape) LayerNorm(x, gamma, beta *Var, eps float64) (*Var, error) {
	shape := x.Value.Shape
	if len(shape) == 0 {
		return nil, fmt.Errorf("cannot apply LayerNorm to 0D tensor")
	}
	n := shape[len(shape)-1]
	if gamma.Value.Size() != n || beta.Value.Size() != n {
		return nil, fmt.Errorf("input last dimension %d doesn't match LayerNorm dimension %d",
			n, gamma.Value.Size())
	}

	rows := prod(shape[:len(shape)-1])
	value := tensor.NewTensor(shape)
	xhat := make([]float64, len(x.Value.Data))
	invStd := make([]float64, rows)

	for r := 0; r < rows; r++ {
		row := x.Value.Data[r*n : (r+1)*n]
		mean := 0.0
		for _, v := range row {
			mean += v
		}
		mean /= float64(n)
		variance := 0.0
		for _, v := range row {
			d := v - mean
			variance += d * d
		}
		variance /= float64(n)
		is := 1 / math.Sqrt(variance+eps)
		invStd[r] = is
		for i, v := range row {
			h := (v - mean) * is
			xhat[r*n+i] = h
			value.Data[r*n+i] = h*gamma.Value.Data[i] + beta.Value.Data[i]
		}
	}

	out, ok := tp.track(value, x, gamma, beta)
	if ok {
		tp.record(func() {
			if out.Grad == nil {
				return
			}
			dy := out.Grad.Data
			var gx, gg, gb []float64
			if x.requiresGrad {
				gx = x.grad()
			}
			if gamma.requiresGrad {
				gg = gamma.grad()
			}
			if beta.requiresGrad {
				gb = beta.grad()
			}
			g := make([]float64, n)
			for r := 0; r < rows; r++ {
				sumG, sumGH := 0.0, 0.0
				for i := 0; i < n; i++ {
					k := r*n + i
					if gg != nil {
						gg[i] += dy[k] * xhat[k]
					}
					if gb != nil {
						gb[i] += dy[k]
					}
					g[i] = dy[k] * gamma.Value.Data[i]
					sumG += g[i]
					sumGH += g[i] * xhat[k]
				}
				if gx == nil {
					continue
				}
				scale := invStd[r] / float64(n)
				for i := 0; i < n; i++ {
					k := r*n + i
					gx[k] += scale * (float64(n)*g[i] - sumG - xhat[k]*sumGH)
				}
			}
		})
	}
	return out, nil
}

// BatchNormState holds the running statistics of a batch normalization layer.
type BatchNormState struct {
	RunningMean []float64
	RunningVar  []float64
	Momentum    float64
	Eps         float64
}

// BatchNorm normalizes x of shape (N, C, ...) per channel C.
//
// In training mode the statistics are taken over the N and trailing axes of
// the batch, and the running estimates in state are updated with the biased
// mean and the unbiased variance. Outside training the running estimates are
// used and state is left untouched.
func (tp *Tape) BatchNorm(x, gamma, beta *Var, state *BatchNormState, training bool) (*Var, error) {
	shape := x.Value.Shape
	if len(shape) < 2 {
		return nil, fmt.Errorf("BatchNorm expects at least 2D input (batch, channels, ...), got shape %v", shape)
	}
	batch, channels := shape[0], shape[1]
	if channels != len(state.RunningMean) {
		return nil, fmt.Errorf("input has %d channels on axis 1, BatchNorm expects %d", channels, len(state.RunningMean))
	}
	inner := prod(shape[2:])
	count := batch * inner
	if training && count < 2 {
		return nil, fmt.Errorf("BatchNorm needs more than one value per channel in training, got input shape %v", shape)
	}

	at := func(b, c, i int) int { return (b*channels+c)*inner + i }

	value := tensor.NewTensor(shape)
	xhat := make([]float64, len(x.Value.Data))
	invStd := make([]float64, channels)

	for c := 0; c < channels; c++ {
		var mean, variance float64
		if training {
			for b := 0; b < batch; b++ {
				for i := 0; i < inner; i++ {
					mean += x.Value.Data[at(b, c, i)]
				}
			}
			mean /= float64(count)
			for b := 0; b < batch; b++ {
				for i := 0; i < inner; i++ {
					d := x.Value.Data[at(b, c, i)] - mean
					variance += d * d
				}
			}
			variance /= float64(count)

			m := state.Momentum
			state.RunningMean[c] = (1-m)*state.RunningMean[c] + m*mean
			unbiased := variance * float64(count) / float64(count-1)
			state.RunningVar[c] = (1-m)*state.RunningVar[c] + m*unbiased
		} else {
			mean = state.RunningMean[c]
			variance = state.RunningVar[c]
		}

		is := 1 / math.Sqrt(variance+state.Eps)
		invStd[c] = is
		for b := 0; b < batch; b++ {
			for i := 0; i < inner; i++ {
				k := at(b, c, i)
				h := (x.Value.Data[k] - mean) * is
				xhat[k] = h
				value.Data[k] = h*gamma.Value.Data[c] + beta.Value.Data[c]
			}
		}
	}

	out, ok := tp.track(value, x, gamma, beta)
	if ok {
		tp.record(func() {
			if out.Grad == nil {
				return
			}
			dy := out.Grad.Data
			var gx, gg, gb []float64
			if x.requiresGrad {
				gx = x.grad()
			}
			if gamma.requiresGrad {
				gg = gamma.grad()
			}
			if beta.requiresGrad {
				gb = beta.grad()
			}
			for c := 0; c < channels; c++ {
				gc := gamma.Value.Data[c]
				sumG, sumGH := 0.0, 0.0
				for b := 0; b < batch; b++ {
					for i := 0; i < inner; i++ {
						k := at(b, c, i)
						if gg != nil {
							gg[c] += dy[k] * xhat[k]
						}
						if gb != nil {
							gb[c] += dy[k]
						}
						g := dy[k] * gc
						sumG += g
						sumGH += g * xhat[k]
					}
				}
				if gx == nil {
					continue
				}
				for b := 0; b < batch; b++ {
					for i := 0; i < inner; i++ {
						k := at(b, c, i)
						g := dy[k] * gc
						if training {
							gx[k] += invStd[c] / float64(count) * (float64(count)*g - sumG - xhat[k]*sumGH)
						} else {
							gx[k] += invStd[c] * g
						}
					}
				}
			}
		})
	}
	return out, nil
}
