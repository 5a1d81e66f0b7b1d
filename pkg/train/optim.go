package train

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"sakt/pkg/autograd"
)

// Optimizer advances parameters from their gradients.
type Optimizer interface {
	// ZeroGrad clears all gradients.
	ZeroGrad()

	// Step performs a single optimization step.
	Step()
}

// Scheduler adjusts an optimizer's learning rate once per step.
type Scheduler interface {
	Step()
	LR() float64
}

// AdamConfig holds the Adam hyperparameters.
type AdamConfig struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64 // L2 penalty added to the gradient
}

// DefaultAdamConfig returns the usual defaults with the given learning rate.
func DefaultAdamConfig(lr float64) AdamConfig {
	return AdamConfig{LR: lr, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}
}

// Adam implements the Adam optimization algorithm.
//
// Update rule:
//
//	m_t = beta1 * m_{t-1} + (1 - beta1) * grad
//	v_t = beta2 * v_{t-1} + (1 - beta2) * grad²
//	m_hat = m_t / (1 - beta1^t)
//	v_hat = v_t / (1 - beta2^t)
//	param -= lr * m_hat / (sqrt(v_hat) + epsilon)
//
// Parameters without a gradient in a step are left untouched.
type Adam struct {
	config AdamConfig
	params []*autograd.Var

	m [][]float64 // First moment (momentum)
	v [][]float64 // Second moment (variance)
	t int         // Time step (for bias correction)
}

// NewAdam creates an Adam optimizer over params.
func NewAdam(params []*autograd.Var, config AdamConfig) (*Adam, error) {
	if config.LR <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %v", config.LR)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1), got %v and %v", config.Beta1, config.Beta2)
	}
	m := make([][]float64, len(params))
	v := make([][]float64, len(params))
	for i, p := range params {
		m[i] = make([]float64, p.Value.Size())
		v[i] = make([]float64, p.Value.Size())
	}
	return &Adam{config: config, params: params, m: m, v: v}, nil
}

// LR returns the current learning rate.
func (opt *Adam) LR() float64 { return opt.config.LR }

// SetLR sets the learning rate used by the next steps.
func (opt *Adam) SetLR(lr float64) { opt.config.LR = lr }

// Steps returns the number of steps taken.
func (opt *Adam) Steps() int { return opt.t }

// ZeroGrad clears gradients.
func (opt *Adam) ZeroGrad() {
	autograd.ZeroGrad(opt.params)
}

// Step performs Adam update.
func (opt *Adam) Step() {
	opt.t++
	c := opt.config

	// Bias correction factors
	bias1 := 1.0 - math.Pow(c.Beta1, float64(opt.t))
	bias2 := 1.0 - math.Pow(c.Beta2, float64(opt.t))

	for i, p := range opt.params {
		if p.Grad == nil {
			continue
		}
		data, grads := p.Value.Data, p.Grad.Data
		m, v := opt.m[i], opt.v[i]
		for j := range data {
			grad := grads[j] + c.WeightDecay*data[j]
			m[j] = c.Beta1*m[j] + (1.0-c.Beta1)*grad
			v[j] = c.Beta2*v[j] + (1.0-c.Beta2)*grad*grad

			mHat := m[j] / bias1
			vHat := v[j] / bias2
			data[j] -= c.LR * mHat / (math.Sqrt(vHat) + c.Epsilon)
		}
	}
}

// ClipGradNorm rescales the gradients of params so that their global L2
// norm is at most maxNorm. It returns the norm before clipping.
func ClipGradNorm(params []*autograd.Var, maxNorm float64) float64 {
	total := 0.0
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		n := floats.Norm(p.Grad.Data, 2)
		total += n * n
	}
	total = math.Sqrt(total)
	if maxNorm > 0 && total > maxNorm {
		scale := maxNorm / (total + 1e-6)
		for _, p := range params {
			if p.Grad != nil {
				floats.Scale(scale, p.Grad.Data)
			}
		}
	}
	return total
}

// LRSetter is implemented by optimizers whose learning rate can be scheduled.
type LRSetter interface {
	SetLR(lr float64)
}

// ConstantLR keeps the learning rate fixed.
type ConstantLR struct {
	lr float64
}

// NewConstantLR returns a scheduler that never changes lr.
func NewConstantLR(opt LRSetter, lr float64) *ConstantLR {
	opt.SetLR(lr)
	return &ConstantLR{lr: lr}
}

// Step is a no-op.
func (s *ConstantLR) Step() {}

// LR returns the fixed learning rate.
func (s *ConstantLR) LR() float64 { return s.lr }

// OneCycleConfig configures a one-cycle schedule.
type OneCycleConfig struct {
	MaxLR          float64
	TotalSteps     int
	PctStart       float64 // fraction of steps spent warming up (0.3)
	DivFactor      float64 // initial lr = MaxLR / DivFactor (25)
	FinalDivFactor float64 // final lr = initial lr / FinalDivFactor (1e4)
}

// OneCycle warms the learning rate up along a cosine from MaxLR/DivFactor to
// MaxLR, then anneals it along a cosine to the final learning rate. Phase
// boundaries follow torch.optim.lr_scheduler.OneCycleLR: the peak is reached
// at step PctStart*TotalSteps-1 and the final rate at step TotalSteps-1.
type OneCycle struct {
	opt     LRSetter
	config  OneCycleConfig
	initial float64
	final   float64
	step    int
	lr      float64
}

// NewOneCycle creates a one-cycle scheduler and sets the optimizer to the
// initial learning rate. Zero fields of config take their defaults.
func NewOneCycle(opt LRSetter, config OneCycleConfig) (*OneCycle, error) {
	if config.MaxLR <= 0 {
		return nil, fmt.Errorf("max learning rate must be positive, got %v", config.MaxLR)
	}
	if config.TotalSteps <= 0 {
		return nil, fmt.Errorf("total steps must be positive, got %d", config.TotalSteps)
	}
	if config.PctStart == 0 {
		config.PctStart = 0.3
	}
	if config.DivFactor == 0 {
		config.DivFactor = 25
	}
	if config.FinalDivFactor == 0 {
		config.FinalDivFactor = 1e4
	}
	if config.PctStart < 0 || config.PctStart > 1 {
		return nil, fmt.Errorf("pct_start must be in [0, 1], got %v", config.PctStart)
	}

	s := &OneCycle{opt: opt, config: config}
	s.initial = config.MaxLR / config.DivFactor
	s.final = s.initial / config.FinalDivFactor
	s.lr = s.initial
	opt.SetLR(s.lr)
	return s, nil
}

// Step advances the schedule by one optimizer step.
func (s *OneCycle) Step() {
	s.step++
	s.lr = s.at(s.step)
	s.opt.SetLR(s.lr)
}

// LR returns the current learning rate.
func (s *OneCycle) LR() float64 { return s.lr }

func (s *OneCycle) at(step int) float64 {
	warmupEnd := s.config.PctStart*float64(s.config.TotalSteps) - 1
	end := float64(s.config.TotalSteps - 1)
	t := float64(step)

	// Phase 1: Cosine warmup
	if warmupEnd > 0 && t <= warmupEnd {
		return cosineAnneal(s.initial, s.config.MaxLR, t/warmupEnd)
	}

	// Phase 2: Cosine decay
	start := math.Max(warmupEnd, 0)
	if t >= end || end <= start {
		return s.final
	}
	return cosineAnneal(s.config.MaxLR, s.final, (t-start)/(end-start))
}

// cosineAnneal moves from start to end along half a cosine as pct goes from 0 to 1.
func cosineAnneal(start, end, pct float64) float64 {
	return end + (start-end)/2*(1+math.Cos(math.Pi*pct))
}
