package attnflow

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeibullGammaKLZeroForExponential(t *testing.T) {
	// Weibull(1, λ) and Gamma(1, 1/λ) are the same exponential distribution.
	for _, lambda := range []float64{0.25, 1, 3} {
		assert.InDelta(t, 0, WeibullGammaKL(1, lambda, 1, 1/lambda), 1e-9, "lambda %g", lambda)
	}
}

func TestWeibullGammaKLNonNegative(t *testing.T) {
	for _, k := range []float64{0.5, 1, 3, 10} {
		for _, lambda := range []float64{0.1, 1, 4} {
			for _, alpha := range []float64{0.5, 1, 2} {
				for _, beta := range []float64{0.5, 1, 3} {
					kl := WeibullGammaKL(k, lambda, alpha, beta)
					assert.GreaterOrEqual(t, kl, -1e-9, "k=%g λ=%g α=%g β=%g", k, lambda, alpha, beta)
				}
			}
		}
	}
}

func TestLogNormalKL(t *testing.T) {
	assert.InDelta(t, 0, LogNormalKL(0.3, 1.5, 0.3, 1.5), 1e-12)
	for _, muQ := range []float64{-2, 0, 1} {
		for _, sq := range []float64{0.1, 1, 2} {
			for _, sp := range []float64{0.5, 1, 3} {
				assert.GreaterOrEqual(t, LogNormalKL(muQ, sq, 0, sp), -1e-12)
			}
		}
	}
	// variance-only gap: log(2) + 1/8 - 1/2
	assert.InDelta(t, math.Log(2)+0.125-0.5, LogNormalKL(0, 1, 0, 2), 1e-12)
}

func randomLogprobs(rng *rand.Rand, shape ...int) *Tensor {
	return Log(Shift(Softmax(RandNormal(rng, 0, 1, shape...), -1), epsLog))
}

func assertRowsSumToOne(t *testing.T, w *Tensor) {
	t.Helper()
	for _, v := range SumAxis(w, -1, false).Data() {
		assert.InDelta(t, 1, v, 1e-9)
	}
}

func TestWeibullPosteriorSample(t *testing.T) {
	rng := rand.New(rand.NewSource(12))
	cfg := DefaultConfig()
	cfg.AttType = AttSoftWeibull
	cfg.LearnWeibullShape = true
	w := newWeibullPosterior(cfg)

	logprobs := randomLogprobs(rng, 2, 2, 3, 3)
	weights, kl := w.forward(logprobs, nil, rng)
	assert.Equal(t, logprobs.Shape(), weights.Shape())
	assertRowsSumToOne(t, weights)
	assert.False(t, math.IsNaN(kl.Item()))

	require.NoError(t, kl.Backward())
	require.Len(t, w.parameters(), 1)
	assert.NotZero(t, w.k.Grad()[0])
}

func TestWeibullPosteriorConcentratesForLargeShape(t *testing.T) {
	rng := rand.New(rand.NewSource(13))
	cfg := DefaultConfig()
	cfg.KWeibull = 1e4
	w := newWeibullPosterior(cfg)

	logprobs := randomLogprobs(rng, 1, 1, 4, 5)
	weights, _ := w.forward(logprobs, nil, rng)
	probs := Exp(logprobs)
	assert.Less(t, maxAbsDiff(weights.Data(), probs.Data()), 1e-2)
}

func TestWeibullPosteriorContextualPrior(t *testing.T) {
	rng := rand.New(rand.NewSource(14))
	cfg := DefaultConfig()
	w := newWeibullPosterior(cfg)
	logprobs := randomLogprobs(rng, 2, 2, 3, 3)
	prior := Softmax(RandNormal(rng, 0, 1, 2, 2, 1, 3), -1).SetRequiresGrad(true)

	_, kl := w.forward(logprobs, prior, rng)
	require.NoError(t, kl.Backward())
	assert.NotNil(t, prior.Grad())
	assert.Empty(t, w.parameters())
}

func TestLogNormalPosterior(t *testing.T) {
	rng := rand.New(rand.NewSource(15))
	cfg := DefaultConfig()
	cfg.AttType = AttSoftLogNormal
	cfg.AttPriorType = PriorParameter
	l := newLogNormalPosterior(cfg)

	logprobs := randomLogprobs(rng, 2, 2, 4, 4)
	weights, kl := l.forward(logprobs, nil, rng)
	assertRowsSumToOne(t, weights)
	assert.Greater(t, kl.Item(), 0.0)

	require.NoError(t, kl.Backward())
	require.Len(t, l.parameters(), 1)
	assert.NotZero(t, l.sigmaPrior.Grad()[0])
}

func TestContextualPrior(t *testing.T) {
	rng := rand.New(rand.NewSource(16))
	for _, se := range []bool{false, true} {
		cfg := DefaultConfig()
		cfg.AttContextualSE = se
		p := newContextualPrior(cfg, rng)
		if se {
			assert.Len(t, p.parameters(), 4)
		} else {
			assert.Len(t, p.parameters(), 2)
		}

		key := RandNormal(rng, 0, 1, 2, cfg.NumAttentionHeads, 3, cfg.HeadSize())
		mask := MustFromData([]float64{0, 0, -10000, 0, 0, 0}, 2, 1, 1, 3)
		prior := p.forward(key, mask)
		assert.Equal(t, []int{2, cfg.NumAttentionHeads, 1, 3}, prior.Shape())
		assertRowsSumToOne(t, prior)
		for h := 0; h < cfg.NumAttentionHeads; h++ {
			assert.InDelta(t, 0, prior.At(0, h, 0, 2), 1e-9)
		}
	}
}
