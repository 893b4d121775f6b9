package attnflow

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// Optimizer updates parameters in place from their accumulated gradients.
// Parameters without a gradient are skipped. The parameter list must keep
// the same order between steps.
type Optimizer interface {
	Step(params []*Tensor)
	Name() string
}

// ZeroGrad clears the gradients of params.
func ZeroGrad(params []*Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// ClipGradNorm rescales all gradients so their joint L2 norm is at most
// maxNorm, and returns the norm before clipping.
func ClipGradNorm(params []*Tensor, maxNorm float64) float64 {
	sq := 0.0
	for _, p := range params {
		if p.grad != nil {
			n := floats.Norm(p.grad, 2)
			sq += n * n
		}
	}
	total := math.Sqrt(sq)
	if maxNorm > 0 && total > maxNorm {
		scale := maxNorm / (total + 1e-6)
		for _, p := range params {
			if p.grad != nil {
				floats.Scale(scale, p.grad)
			}
		}
	}
	return total
}

// SGDOptimizer - Stochastic Gradient Descent
type SGDOptimizer struct {
	LR          float64
	Momentum    float64
	Dampening   float64
	WeightDecay float64
	Nesterov    bool
	velocities  [][]float64
}

type SGDConfig struct {
	LR          float64
	Momentum    float64
	Dampening   float64
	WeightDecay float64
	Nesterov    bool
}

func SGD(config SGDConfig) Optimizer {
	return &SGDOptimizer{
		LR:          config.LR,
		Momentum:    config.Momentum,
		Dampening:   config.Dampening,
		WeightDecay: config.WeightDecay,
		Nesterov:    config.Nesterov,
	}
}

func (s *SGDOptimizer) Step(params []*Tensor) {
	if s.velocities == nil {
		s.velocities = moments(params)
	}
	for i, p := range params {
		if p.grad == nil {
			continue
		}
		v := s.velocities[i]
		for j := range p.data {
			grad := p.grad[j]
			if s.WeightDecay != 0 {
				grad += s.WeightDecay * p.data[j]
			}
			if s.Momentum != 0 {
				v[j] = s.Momentum*v[j] + (1-s.Dampening)*grad
				if s.Nesterov {
					grad = grad + s.Momentum*v[j]
				} else {
					grad = v[j]
				}
			}
			p.data[j] -= s.LR * grad
		}
	}
}

func (s *SGDOptimizer) Name() string { return "sgd" }

// AdamOptimizer - Adaptive Moment Estimation
type AdamOptimizer struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64
	Decoupled   bool // AdamW: decay the weights instead of the gradient
	m, v        [][]float64
	t           int
}

type AdamConfig struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64
}

func Adam(config AdamConfig) Optimizer {
	return &AdamOptimizer{
		LR:          config.LR,
		Beta1:       config.Beta1,
		Beta2:       config.Beta2,
		Epsilon:     config.Epsilon,
		WeightDecay: config.WeightDecay,
	}
}

// AdamW - Adam with decoupled weight decay
func AdamW(config AdamConfig) Optimizer {
	a := Adam(config).(*AdamOptimizer)
	a.Decoupled = true
	return a
}

func (a *AdamOptimizer) Step(params []*Tensor) {
	if a.m == nil {
		a.m = moments(params)
		a.v = moments(params)
	}
	a.t++
	bc1 := 1 - math.Pow(a.Beta1, float64(a.t))
	bc2 := 1 - math.Pow(a.Beta2, float64(a.t))

	for i, p := range params {
		if p.grad == nil {
			continue
		}
		m, v := a.m[i], a.v[i]
		for j := range p.data {
			grad := p.grad[j]
			if a.WeightDecay != 0 {
				if a.Decoupled {
					p.data[j] -= a.LR * a.WeightDecay * p.data[j]
				} else {
					grad += a.WeightDecay * p.data[j]
				}
			}
			m[j] = a.Beta1*m[j] + (1-a.Beta1)*grad
			v[j] = a.Beta2*v[j] + (1-a.Beta2)*grad*grad

			mHat := m[j] / bc1
			vHat := v[j] / bc2
			p.data[j] -= a.LR * mHat / (math.Sqrt(vHat) + a.Epsilon)
		}
	}
}

func (a *AdamOptimizer) Name() string {
	if a.Decoupled {
		return "adamw"
	}
	return "adam"
}

// OptimizerByName resolves "sgd", "adam" and "adamw" with default moments.
func OptimizerByName(name string, lr float64) (Optimizer, error) {
	switch name {
	case "sgd":
		return SGD(SGDConfig{LR: lr, Momentum: 0.9}), nil
	case "adam":
		return Adam(AdamConfig{LR: lr, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}), nil
	case "adamw":
		return AdamW(AdamConfig{LR: lr, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8, WeightDecay: 0.01}), nil
	}
	return nil, variantError("optimizer", name, []string{"sgd", "adam", "adamw"})
}

func moments(params []*Tensor) [][]float64 {
	out := make([][]float64, len(params))
	for i, p := range params {
		out[i] = make([]float64, len(p.data))
	}
	return out
}
