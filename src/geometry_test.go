package attnflow

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func naiveDistance(x, y *Tensor, b, i, j int) float64 {
	d := x.shape[len(x.shape)-1]
	s := 0.0
	for k := 0; k < d; k++ {
		diff := x.At(b, i, k) - y.At(b, j, k)
		s += diff * diff
	}
	return math.Sqrt(s)
}

func TestFastCdistMatchesNaive(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	x := RandNormal(rng, 3, 1, 2, 4, 3)
	y := RandNormal(rng, -1, 2, 2, 5, 3)
	d := FastCdist(x, y)
	assert.Equal(t, []int{2, 4, 5}, d.Shape())
	for b := 0; b < 2; b++ {
		for i := 0; i < 4; i++ {
			for j := 0; j < 5; j++ {
				assert.InDelta(t, naiveDistance(x, y, b, i, j), d.At(b, i, j), 1e-7)
			}
		}
	}
}

func TestFastCdistClampsSelfDistance(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	x := RandNormal(rng, 0, 1, 1, 3, 2)
	d := FastCdist(x, x)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, 0, d.At(0, i, i), 1e-7)
		assert.False(t, math.IsNaN(d.At(0, i, i)))
	}
}

func TestCostMatrix(t *testing.T) {
	x := MustFromData([]float64{0, 0, 1, 1}, 2, 2)
	y := MustFromData([]float64{0, 1, 2, 0, 3, 3}, 3, 2)
	c := CostMatrix(x, y, 2)
	assert.Equal(t, []int{2, 3}, c.Shape())
	assert.Equal(t, []float64{1, 4, 18, 1, 2, 8}, c.Data())

	c1 := CostMatrix(x, y, 1)
	assert.Equal(t, 1.0, c1.At(0, 0))
	assert.Equal(t, 6.0, c1.At(0, 2))
}

func TestCostMatrixGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	x := RandNormal(rng, 0, 1, 2, 3, 2).SetRequiresGrad(true)
	y := RandNormal(rng, 0, 1, 2, 4, 2).SetRequiresGrad(true)
	w := RandUniform(rng, 0, 1, 2, 3, 4)
	gradCheck(t, x, func() *Tensor { return Sum(Mul(CostMatrix(x, y, 2), w)) }, 1e-5)
	gradCheck(t, y, func() *Tensor { return Sum(Mul(CostMatrix(x, y, 2), w)) }, 1e-5)
}

func TestCostMatrixRejectsMismatchedSets(t *testing.T) {
	assert.Panics(t, func() { CostMatrix(NewTensor(3, 2), NewTensor(3, 4), 2) })
	assert.Panics(t, func() { CostMatrix(NewTensor(2, 3, 2), NewTensor(3, 3, 2), 2) })
}
