package attnflow

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDenseBuilder(t *testing.T) {
	rng := rand.New(rand.NewSource(23))
	d, err := Dense(3).WithInitializer(Constant(0.5)).WithBiasInitializer(Constant(1)).Build(2, rng)
	require.NoError(t, err)
	assert.Equal(t, 2, d.InFeatures())
	assert.Equal(t, 3, d.OutFeatures())

	y := d.Forward(MustFromData([]float64{1, 2}, 1, 2))
	assert.Equal(t, []float64{2.5, 2.5, 2.5}, y.Data())
	assert.Panics(t, func() { d.Forward(NewTensor(1, 3)) })

	noBias, err := Dense(3).WithInitializer(XavierUniform(1)).WithBias(false).Build(2, rng)
	require.NoError(t, err)
	assert.Len(t, noBias.Parameters(), 1)
	assert.Nil(t, noBias.Bias())
	limit := math.Sqrt(6.0 / 5)
	for _, w := range noBias.Weight().Data() {
		assert.LessOrEqual(t, math.Abs(w), limit)
	}

	_, err = Dense(3).Build(2, rng)
	assert.Error(t, err)
	_, err = Dense(3).WithInitializer(Zeros()).Build(2, rng)
	assert.Error(t, err)
	_, err = Dense(0).WithInitializer(Zeros()).WithBiasInitializer(Zeros()).Build(2, rng)
	assert.Error(t, err)
}

func TestLinearPruning(t *testing.T) {
	d := newLinear(3, 4, Zeros(), rand.New(rand.NewSource(1)))
	copy(d.weight.data, []float64{
		0, 1, 2, 3,
		4, 5, 6, 7,
		8, 9, 10, 11,
	})
	copy(d.bias.data, []float64{10, 20, 30, 40})

	d.pruneOutputs([]int{1, 3})
	assert.Equal(t, []float64{1, 3, 5, 7, 9, 11}, d.Weight().Data())
	assert.Equal(t, []float64{20, 40}, d.Bias().Data())

	d.pruneInputs([]int{0, 2})
	assert.Equal(t, []float64{1, 3, 9, 11}, d.Weight().Data())
	assert.Equal(t, 2, d.InFeatures())
	assert.True(t, d.Weight().RequiresGrad())
}

func TestLayerNorm(t *testing.T) {
	ln, err := LayerNorm(1e-12).Build(4)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(24))
	out := ln.Forward(RandNormal(rng, 5, 3, 2, 4))
	for r := 0; r < 2; r++ {
		mean, sq := 0.0, 0.0
		for c := 0; c < 4; c++ {
			mean += out.At(r, c) / 4
		}
		for c := 0; c < 4; c++ {
			sq += (out.At(r, c) - mean) * (out.At(r, c) - mean) / 4
		}
		assert.InDelta(t, 0, mean, 1e-9)
		assert.InDelta(t, 1, sq, 1e-6)
	}
	_, err = LayerNorm(0).Build(4)
	assert.Error(t, err)
}

func TestActivationsByName(t *testing.T) {
	x := MustFromData([]float64{-1, 0, 2}, 3)
	for name, want := range map[string][]float64{
		"relu":    {0, 0, 2},
		"linear":  {-1, 0, 2},
		"tanh":    {math.Tanh(-1), 0, math.Tanh(2)},
		"sigmoid": {sigmoid(-1), 0.5, sigmoid(2)},
	} {
		act, err := activationByName(name)
		require.NoError(t, err)
		got := act.apply(x).Data()
		for i := range want {
			assert.InDelta(t, want[i], got[i], 1e-12, name)
		}
	}
	gelu, err := activationByName("gelu_new")
	require.NoError(t, err)
	assert.InDelta(t, 1.9546, gelu.apply(x).Data()[2], 1e-3)
	assert.InDelta(t, -0.1, LeakyReLU(0.1).apply(x).Data()[0], 1e-12)
}

func TestActivationGradients(t *testing.T) {
	x := MustFromData([]float64{-1.3, -0.2, 0.4, 2.1}, 4).SetRequiresGrad(true)
	for _, act := range []Activation{LeakyReLU(0.1), Sigmoid(), Tanh(), GELU()} {
		gradCheck(t, x, func() *Tensor { return Sum(act.apply(x)) }, 1e-6)
	}
}

func TestFanInNormalScale(t *testing.T) {
	rng := rand.New(rand.NewSource(25))
	d := newLinear(400, 50, FanInNormal(1), rng)
	sq := 0.0
	for _, w := range d.Weight().Data() {
		sq += w * w
	}
	std := math.Sqrt(sq / float64(d.Weight().Len()))
	assert.InDelta(t, 0.05, std, 0.005)
}
