package attnflow

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptimizersMinimizeQuadratic(t *testing.T) {
	for _, name := range []string{"sgd", "adam", "adamw"} {
		t.Run(name, func(t *testing.T) {
			opt, err := OptimizerByName(name, 0.05)
			require.NoError(t, err)
			assert.Equal(t, name, opt.Name())

			w := MustFromData([]float64{3, -2}, 2).SetRequiresGrad(true)
			params := []*Tensor{w}
			start := Sum(Square(w)).Item()
			for i := 0; i < 200; i++ {
				ZeroGrad(params)
				require.NoError(t, Sum(Square(w)).Backward())
				opt.Step(params)
			}
			assert.Less(t, Sum(Square(w)).Item(), start/10)
		})
	}
	_, err := OptimizerByName("lbfgs", 0.1)
	assert.True(t, errors.Is(err, ErrUnknownVariant))
}

func TestClipGradNorm(t *testing.T) {
	w := MustFromData([]float64{0, 0}, 2).SetRequiresGrad(true)
	require.NoError(t, Sum(Mul(w, MustFromData([]float64{3, 4}, 2))).Backward())
	norm := ClipGradNorm([]*Tensor{w}, 1)
	assert.InDelta(t, 5, norm, 1e-12)
	assert.InDelta(t, 1, math.Hypot(w.Grad()[0], w.Grad()[1]), 1e-5)
}

func TestLosses(t *testing.T) {
	mse, err := LossByName("mse")
	require.NoError(t, err)
	l, err := mse.Compute(MustFromData([]float64{1, 2}, 2), MustFromData([]float64{0, 4}, 2))
	require.NoError(t, err)
	assert.InDelta(t, 2.5, l.Item(), 1e-12)

	_, err = mse.Compute(NewTensor(2), NewTensor(3))
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	bce, err := LossByName("bce")
	require.NoError(t, err)
	logits := MustFromData([]float64{-1, 0.5, 2}, 3)
	target := MustFromData([]float64{0, 1, 1}, 3)
	got, err := bce.Compute(logits, target)
	require.NoError(t, err)
	want := (BCEWithLogits(Full(-1, 1), 0).Item() + BCEWithLogits(MustFromData([]float64{0.5, 2}, 2), 1).Item()*2) / 3
	assert.InDelta(t, want, got.Item(), 1e-12)

	_, err = LossByName("hinge")
	assert.True(t, errors.Is(err, ErrUnknownVariant))
}

func TestWeightRegularizers(t *testing.T) {
	p := MustFromData([]float64{1, -2}, 2).SetRequiresGrad(true)
	params := []*Tensor{p}

	l1, err := WeightRegularizerByName("l1", 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, l1.Penalty(params).Item(), 1e-12)

	l2, err := WeightRegularizerByName("l2", 0.5)
	require.NoError(t, err)
	assert.InDelta(t, 1.25, l2.Penalty(params).Item(), 1e-12)

	none, err := WeightRegularizerByName("", 1)
	require.NoError(t, err)
	assert.Equal(t, 0.0, none.Penalty(params).Item())

	en := ElasticNet(1, 1, 0.5)
	assert.InDelta(t, 0.5*3+0.5*0.5*5, en.Penalty(params).Item(), 1e-12)

	require.NoError(t, l2.Penalty(params).Backward())
	assert.Equal(t, []float64{0.5, -1}, p.Grad())
}

func TestMetrics(t *testing.T) {
	mean := RunningMean("loss")
	assert.Equal(t, 0.0, mean.Result())
	mean.Update(1)
	mean.Update(3)
	assert.Equal(t, 2.0, mean.Result())
	assert.Equal(t, "loss", mean.Name())
	mean.Reset()
	assert.Equal(t, 0.0, mean.Result())

	peak := RunningMax("iterations")
	peak.Update(-4)
	assert.Equal(t, -4.0, peak.Result())
	peak.Update(7)
	peak.Update(2)
	assert.Equal(t, 7.0, peak.Result())
}

func TestBatchHelpers(t *testing.T) {
	inputs := MustFromData([]float64{0, 0, 1, 1, 2, 2, 3, 3, 4, 4}, 5, 2)
	targets := MustFromData([]float64{0, 1, 2, 3, 4}, 5, 1)
	ShuffleRows(inputs, targets, rand.New(rand.NewSource(22)))
	for i := 0; i < 5; i++ {
		assert.Equal(t, inputs.At(i, 0), targets.At(i, 0))
		assert.Equal(t, inputs.At(i, 0), inputs.At(i, 1))
	}

	batch := GetBatch(inputs, 4, 3)
	assert.Equal(t, []int{1, 2}, batch.Shape())
	assert.Equal(t, inputs.At(4, 0), batch.At(0, 0))

	mask := PaddingMask([]int{2, 5}, 3)
	assert.Equal(t, [][]float64{{1, 1, 0}, {1, 1, 1}}, mask)
}
