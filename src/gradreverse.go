package attnflow

// Adjoint is an operation with an explicit forward/backward pair. Apply maps
// the forward values; Gradient maps the upstream gradient to the input
// gradient. Neither may keep references to its argument.
type Adjoint interface {
	Apply(x []float64) []float64
	Gradient(upstream []float64) []float64
}

// GradientReversal is the identity on the forward pass and multiplies the
// upstream gradient by -Beta on the backward pass.
type GradientReversal struct {
	Beta float64
}

func (g GradientReversal) Apply(x []float64) []float64 {
	out := make([]float64, len(x))
	copy(out, x)
	return out
}

func (g GradientReversal) Gradient(upstream []float64) []float64 {
	out := make([]float64, len(upstream))
	for i, v := range upstream {
		out[i] = -g.Beta * v
	}
	return out
}

// ApplyAdjoint records adj as a node on the tape of t.
func ApplyAdjoint(adj Adjoint, t *Tensor) *Tensor {
	out := adj.Apply(t.data)
	if len(out) != len(t.data) {
		panic(shapeError("adjoint", "forward", "output of input size",
			"adjoint returned %d values for %d inputs", len(out), len(t.data)))
	}
	res := newResult("adjoint", out, t.Shape(), t)
	res.setBackward(func(g []float64) {
		tg := t.ensureGrad()
		for i, v := range adj.Gradient(g) {
			tg[i] += v
		}
	})
	return res
}

// reverseGrad is shorthand for the reversal used by the adversarial critics.
func reverseGrad(t *Tensor, beta float64) *Tensor {
	return ApplyAdjoint(GradientReversal{Beta: beta}, t)
}
