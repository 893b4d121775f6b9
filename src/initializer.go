package attnflow

import (
	"math"
	"math/rand"
)

// Initializer sets up initial weights for layers
type Initializer interface {
	initialize(t *Tensor, fanIn, fanOut int, rng *rand.Rand)
	name() string
}

// NormalInit - zero-mean normal with fixed standard deviation
// (BERT-style initializer_range)
type NormalInit struct {
	StdDev float64
}

func Normal(stddev float64) Initializer {
	return &NormalInit{StdDev: stddev}
}

func (n *NormalInit) initialize(t *Tensor, fanIn, fanOut int, rng *rand.Rand) {
	t.fillRandNorm(0, n.StdDev, rng)
}

func (n *NormalInit) name() string { return "normal" }

// FanInNormalInit - N(0, 1/fanIn), used for the contextual prior network
type FanInNormalInit struct {
	Gain float64
}

func FanInNormal(gain float64) Initializer {
	return &FanInNormalInit{Gain: gain}
}

func (f *FanInNormalInit) initialize(t *Tensor, fanIn, fanOut int, rng *rand.Rand) {
	t.fillRandNorm(0, f.Gain*math.Sqrt(1.0/float64(fanIn)), rng)
}

func (f *FanInNormalInit) name() string { return "fan_in_normal" }

// XavierUniformInit - Xavier/Glorot uniform initialization
type XavierUniformInit struct {
	Gain float64
}

func XavierUniform(gain float64) Initializer {
	return &XavierUniformInit{Gain: gain}
}

func (x *XavierUniformInit) initialize(t *Tensor, fanIn, fanOut int, rng *rand.Rand) {
	limit := x.Gain * math.Sqrt(6.0/float64(fanIn+fanOut))
	t.fillRandUniform(-limit, limit, rng)
}

func (x *XavierUniformInit) name() string { return "xavier_uniform" }

// ZerosInit - initialize with zeros
type ZerosInit struct{}

func Zeros() Initializer { return &ZerosInit{} }

func (z *ZerosInit) initialize(t *Tensor, fanIn, fanOut int, rng *rand.Rand) {
	t.fill(0)
}

func (z *ZerosInit) name() string { return "zeros" }

// ConstantInit - initialize with constant value
type ConstantInit struct {
	Value float64
}

func Constant(value float64) Initializer {
	return &ConstantInit{Value: value}
}

func (c *ConstantInit) initialize(t *Tensor, fanIn, fanOut int, rng *rand.Rand) {
	t.fill(c.Value)
}

func (c *ConstantInit) name() string { return "constant" }
