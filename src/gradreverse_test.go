package attnflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGradientReversal(t *testing.T) {
	for _, beta := range []float64{0, 1, 5} {
		x := MustFromData([]float64{1, -2, 3}, 3).SetRequiresGrad(true)
		y := reverseGrad(x, beta)
		assert.Equal(t, x.Data(), y.Data())

		// d/dx Σ y² = 2y, reversed to -β·2y
		require.NoError(t, Sum(Square(y)).Backward())
		for i, v := range x.Data() {
			assert.InDelta(t, -beta*2*v, x.Grad()[i], 1e-12, "beta %g element %d", beta, i)
		}
	}
}

func TestGradientReversalForwardCopies(t *testing.T) {
	in := []float64{1, 2}
	out := GradientReversal{Beta: 1}.Apply(in)
	out[0] = 9
	assert.Equal(t, 1.0, in[0])
}

type doubling struct{}

func (doubling) Apply(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = 2 * v
	}
	return out
}

func (doubling) Gradient(g []float64) []float64 { return doubling{}.Apply(g) }

func TestApplyAdjointCustom(t *testing.T) {
	x := MustFromData([]float64{1, 3}, 2).SetRequiresGrad(true)
	y := ApplyAdjoint(doubling{}, x)
	assert.Equal(t, []float64{2, 6}, y.Data())
	require.NoError(t, Sum(y).Backward())
	assert.Equal(t, []float64{2, 2}, x.Grad())
}
