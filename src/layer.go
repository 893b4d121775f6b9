package attnflow

import (
	"fmt"
	"math/rand"

	"github.com/samber/lo"
)

// Linear - fully connected projection over the last axis, y = x @ W + b
type Linear struct {
	in, out int
	useBias bool
	weight  *Tensor // [in, out]
	bias    *Tensor // [out]
}

// DenseBuilder for fluent API
type DenseBuilder struct {
	units       int
	useBias     bool
	initializer Initializer
	biasInit    Initializer
}

func Dense(units int) *DenseBuilder {
	return &DenseBuilder{units: units, useBias: true}
}

func (b *DenseBuilder) WithInitializer(init Initializer) *DenseBuilder {
	b.initializer = init
	return b
}

func (b *DenseBuilder) WithBiasInitializer(init Initializer) *DenseBuilder {
	b.biasInit = init
	return b
}

func (b *DenseBuilder) WithBias(useBias bool) *DenseBuilder {
	b.useBias = useBias
	return b
}

// Build allocates the weights for inputs of width fanIn.
func (b *DenseBuilder) Build(fanIn int, rng *rand.Rand) (*Linear, error) {
	if fanIn <= 0 || b.units <= 0 {
		return nil, configError("Dense requires positive sizes, got in=%d out=%d", fanIn, b.units)
	}
	if b.initializer == nil {
		return nil, configError("Dense requires initializer - use WithInitializer()")
	}
	if b.useBias && b.biasInit == nil {
		return nil, configError("Dense with bias requires bias initializer - use WithBiasInitializer()")
	}

	d := &Linear{in: fanIn, out: b.units, useBias: b.useBias}
	d.weight = Parameter(fanIn, b.units)
	b.initializer.initialize(d.weight, fanIn, b.units, rng)
	if b.useBias {
		d.bias = Parameter(b.units)
		b.biasInit.initialize(d.bias, fanIn, b.units, rng)
	}
	return d, nil
}

// newLinear builds a biased projection with zero bias. Sizes are validated by
// the caller's config.
func newLinear(in, out int, init Initializer, rng *rand.Rand) *Linear {
	d, err := Dense(out).WithInitializer(init).WithBiasInitializer(Zeros()).Build(in, rng)
	if err != nil {
		panic(err)
	}
	return d
}

// Forward projects the last axis of x.
func (d *Linear) Forward(x *Tensor) *Tensor {
	if last := x.shape[len(x.shape)-1]; last != d.in {
		panic(shapeError("Linear", "forward", fmt.Sprintf("last dimension %d", d.in),
			"input shape %v", x.shape))
	}
	y := MatMul(x, d.weight)
	if d.useBias {
		y = Add(y, d.bias)
	}
	return y
}

func (d *Linear) Parameters() []*Tensor {
	if d.useBias {
		return []*Tensor{d.weight, d.bias}
	}
	return []*Tensor{d.weight}
}

func (d *Linear) Weight() *Tensor { return d.weight }
func (d *Linear) Bias() *Tensor   { return d.bias }
func (d *Linear) InFeatures() int  { return d.in }
func (d *Linear) OutFeatures() int { return d.out }

// pruneOutputs keeps only the listed output units (weight columns and bias).
func (d *Linear) pruneOutputs(keep []int) {
	w := Parameter(d.in, len(keep))
	for i := 0; i < d.in; i++ {
		for j, c := range keep {
			w.data[i*len(keep)+j] = d.weight.data[i*d.out+c]
		}
	}
	d.weight = w
	if d.useBias {
		old := d.bias.data
		d.bias = Parameter(len(keep))
		d.bias.data = lo.Map(keep, func(c int, _ int) float64 { return old[c] })
	}
	d.out = len(keep)
}

// pruneInputs keeps only the listed input features (weight rows).
func (d *Linear) pruneInputs(keep []int) {
	w := Parameter(len(keep), d.out)
	for i, r := range keep {
		copy(w.data[i*d.out:(i+1)*d.out], d.weight.data[r*d.out:(r+1)*d.out])
	}
	d.weight = w
	d.in = len(keep)
}

// FeedForward is the position-wise sublayer that follows attention. The
// encoder only needs its output; callers may supply their own.
type FeedForward interface {
	Forward(x *Tensor, training bool) *Tensor
	Parameters() []*Tensor
}

// DenseFeedForward - Linear → activation → Linear
type DenseFeedForward struct {
	up, down   *Linear
	activation Activation
}

// NewDenseFeedForward builds the default feed-forward sublayer.
func NewDenseFeedForward(hidden, intermediate int, act Activation, init Initializer, rng *rand.Rand) *DenseFeedForward {
	return &DenseFeedForward{
		up:         newLinear(hidden, intermediate, init, rng),
		down:       newLinear(intermediate, hidden, init, rng),
		activation: act,
	}
}

func (f *DenseFeedForward) Forward(x *Tensor, training bool) *Tensor {
	return f.down.Forward(f.activation.apply(f.up.Forward(x)))
}

func (f *DenseFeedForward) Parameters() []*Tensor {
	return append(f.up.Parameters(), f.down.Parameters()...)
}
