package attnflow

import "math"

// Activation represents an activation function
type Activation interface {
	apply(x *Tensor) *Tensor
	name() string
}

// ReLUActivation - Rectified Linear Unit
type ReLUActivation struct{}

func ReLU() Activation { return &ReLUActivation{} }

func (r *ReLUActivation) apply(x *Tensor) *Tensor { return relu(x) }

func (r *ReLUActivation) name() string { return "relu" }

func relu(x *Tensor) *Tensor {
	return unary("relu", x,
		func(v float64) float64 { return math.Max(v, 0) },
		func(v, out float64) float64 {
			if v > 0 {
				return 1
			}
			return 0
		})
}

// LeakyReLUActivation - Leaky ReLU with configurable negative slope
type LeakyReLUActivation struct {
	NegativeSlope float64
}

func LeakyReLU(negativeSlope float64) Activation {
	return &LeakyReLUActivation{NegativeSlope: negativeSlope}
}

func (l *LeakyReLUActivation) apply(x *Tensor) *Tensor {
	slope := l.NegativeSlope
	return unary("leaky_relu", x,
		func(v float64) float64 {
			if v > 0 {
				return v
			}
			return v * slope
		},
		func(v, out float64) float64 {
			if v > 0 {
				return 1
			}
			return slope
		})
}

func (l *LeakyReLUActivation) name() string { return "leaky_relu" }

// SigmoidActivation
type SigmoidActivation struct{}

func Sigmoid() Activation { return &SigmoidActivation{} }

func (s *SigmoidActivation) apply(x *Tensor) *Tensor { return sigmoidOp(x) }

func (s *SigmoidActivation) name() string { return "sigmoid" }

func sigmoidOp(x *Tensor) *Tensor {
	return unary("sigmoid", x, sigmoid, func(v, out float64) float64 { return out * (1 - out) })
}

// TanhActivation
type TanhActivation struct{}

func Tanh() Activation { return &TanhActivation{} }

func (t *TanhActivation) apply(x *Tensor) *Tensor {
	return unary("tanh", x, math.Tanh, func(v, out float64) float64 { return 1 - out*out })
}

func (t *TanhActivation) name() string { return "tanh" }

// GELUActivation - Gaussian Error Linear Unit (tanh approximation, "gelu_new")
type GELUActivation struct{}

func GELU() Activation { return &GELUActivation{} }

func (g *GELUActivation) apply(x *Tensor) *Tensor {
	const (
		sqrt2OverPi = 0.7978845608028654
		coeff       = 0.044715
	)
	return unary("gelu", x,
		func(v float64) float64 {
			return 0.5 * v * (1 + math.Tanh(sqrt2OverPi*(v+coeff*v*v*v)))
		},
		func(v, out float64) float64 {
			th := math.Tanh(sqrt2OverPi * (v + coeff*v*v*v))
			inner := sqrt2OverPi * (1 + 3*coeff*v*v)
			return 0.5*(1+th) + 0.5*v*(1-th*th)*inner
		})
}

func (g *GELUActivation) name() string { return "gelu" }

// IdentityActivation - no-op
type IdentityActivation struct{}

func Identity() Activation { return &IdentityActivation{} }

func (l *IdentityActivation) apply(x *Tensor) *Tensor { return x }

func (l *IdentityActivation) name() string { return "identity" }

// activationByName resolves the hidden_act names used in configs.
func activationByName(name string) (Activation, error) {
	switch name {
	case "relu":
		return ReLU(), nil
	case "gelu", "gelu_new":
		return GELU(), nil
	case "tanh":
		return Tanh(), nil
	case "sigmoid":
		return Sigmoid(), nil
	case "linear", "identity":
		return Identity(), nil
	}
	return nil, variantError("hidden_act", name, []string{"relu", "gelu", "gelu_new", "tanh", "sigmoid", "linear"})
}
