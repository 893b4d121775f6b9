package attnflow

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func attentionConfig(att AttType, adver AdverType) Config {
	cfg := DefaultConfig()
	cfg.AttType = att
	cfg.AdverType = adver
	cfg.AttentionProbsDropout = 0
	cfg.HiddenDropout = 0
	cfg.Sinkhorn.Epsilon = 0.5
	return cfg
}

func buildAttention(t *testing.T, cfg Config) *AttentionLayer {
	t.Helper()
	a, err := NewAttention(cfg).WithRand(rand.New(rand.NewSource(20))).Build()
	require.NoError(t, err)
	return a
}

func hiddenStates(seed int64, b, s, h int) *Tensor {
	return RandNormal(rand.New(rand.NewSource(seed)), 0, 1, b, s, h)
}

func TestAttentionPlainShapes(t *testing.T) {
	cfg := attentionConfig(AttPlain, AdverNone)
	a := buildAttention(t, cfg)
	out, err := a.Forward(hiddenStates(1, 2, 4, 16), nil, nil, true)
	require.NoError(t, err)

	assert.Equal(t, []int{2, 4, 16}, out.Context.Shape())
	assert.Equal(t, []int{2, 4, 4, 4}, out.Weights.Shape())
	assert.Same(t, out.Probs, out.Weights)
	assert.Equal(t, 0.0, out.Regularizer.Item())
	assertRowsSumToOne(t, out.Weights)
}

func TestAttentionLogNormalTrainingAndEvaluation(t *testing.T) {
	cfg := attentionConfig(AttSoftLogNormal, AdverNone)
	cfg.SigmaNormalPrior = 1
	a := buildAttention(t, cfg)
	hidden := hiddenStates(2, 2, 4, 16)

	train, err := a.Forward(hidden, nil, nil, true)
	require.NoError(t, err)
	assert.Greater(t, maxAbsDiff(train.Weights.Data(), train.Probs.Data()), 0.0)
	assert.Greater(t, train.Regularizer.Item(), 0.0)
	assert.Equal(t, train.Regularizer.Item(), train.Diagnostics.KL)
	assertRowsSumToOne(t, train.Weights)

	eval, err := a.Forward(hidden, nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, eval.Probs.Data(), eval.Weights.Data())
	assert.Equal(t, 0.0, eval.Regularizer.Item())
}

func TestAttentionSampledEvaluation(t *testing.T) {
	cfg := attentionConfig(AttSoftWeibull, AdverNone)
	cfg.EvaluationUsesPlainSoftmax = false
	a := buildAttention(t, cfg)
	out, err := a.Forward(hiddenStates(3, 1, 3, 16), nil, nil, false)
	require.NoError(t, err)
	assert.NotEqual(t, 0.0, out.Regularizer.Item())
	assert.Greater(t, maxAbsDiff(out.Weights.Data(), out.Probs.Data()), 0.0)
}

func TestAttentionRegularizerSumsTerms(t *testing.T) {
	cfg := attentionConfig(AttSoftWeibull, AdverMMD)
	cfg.AttPriorType = PriorContextual
	a := buildAttention(t, cfg)
	require.NotNil(t, a.prior)
	out, err := a.Forward(hiddenStates(4, 2, 3, 16), nil, nil, true)
	require.NoError(t, err)
	d := out.Diagnostics
	assert.InDelta(t, d.KL+d.Adversarial, out.Regularizer.Item(), 1e-12)
}

func TestAttentionEveryVariantBackpropagates(t *testing.T) {
	for _, att := range []AttType{AttSoftWeibull, AttSoftLogNormal} {
		for _, adver := range []AdverType{AdverNone, AdverGAN, AdverMMD, AdverACT, AdverACTTest, AdverOT, AdverCombine, AdverTalkingHead} {
			t.Run(att.String()+"/"+adver.String(), func(t *testing.T) {
				a := buildAttention(t, attentionConfig(att, adver))
				out, err := a.ForwardContext(context.Background(), hiddenStates(5, 2, 3, 16), nil, nil, true)
				require.NoError(t, err)
				require.NoError(t, Add(Sum(out.Context), out.Regularizer).Backward())
				assert.True(t, hasGrad(a.query.Weight()))
			})
		}
	}
}

func TestAttentionTalkingHeads(t *testing.T) {
	cfg := attentionConfig(AttPlain, AdverTalkingHead)
	a := buildAttention(t, cfg)
	require.NotNil(t, a.talkPre)
	out, err := a.Forward(hiddenStates(6, 2, 3, 16), nil, nil, true)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 3, 3}, out.Probs.Shape())
	assert.Equal(t, 0.0, out.Regularizer.Item())
}

func TestAttentionMasks(t *testing.T) {
	cfg := attentionConfig(AttPlain, AdverNone)
	a := buildAttention(t, cfg)
	mask, err := ExtendedAttentionMask([][]float64{{1, 1, 0}, {1, 1, 1}})
	require.NoError(t, err)
	headMask := MustFromData([]float64{1, 0, 1, 1}, 4)

	out, err := a.Forward(hiddenStates(7, 2, 3, 16), mask, headMask, true)
	require.NoError(t, err)
	for h := 0; h < 4; h++ {
		for q := 0; q < 3; q++ {
			assert.InDelta(t, 0, out.Weights.At(0, h, q, 2), 1e-9)
			if h == 1 {
				for k := 0; k < 3; k++ {
					assert.Equal(t, 0.0, out.Weights.At(1, h, q, k))
				}
			}
		}
	}
}

func TestAttentionShapeErrors(t *testing.T) {
	a := buildAttention(t, attentionConfig(AttPlain, AdverNone))

	_, err := a.Forward(hiddenStates(8, 2, 3, 12), nil, nil, true)
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	_, err = a.Forward(hiddenStates(8, 2, 3, 16), NewTensor(2, 1, 1, 5), nil, true)
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	_, err = a.Forward(hiddenStates(8, 2, 3, 16), nil, NewTensor(3), true)
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	_, err = ExtendedAttentionMask([][]float64{{1, 1}, {1}})
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestAttentionRejectsIndivisibleHiddenSize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HiddenSize = 10
	cfg.EmbeddingSize = 10
	_, err := NewAttention(cfg).Build()
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestAttentionCanceledOT(t *testing.T) {
	a := buildAttention(t, attentionConfig(AttPlain, AdverOT))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.ForwardContext(ctx, hiddenStates(9, 1, 3, 16), nil, nil, true)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestPruneHeads(t *testing.T) {
	for _, adver := range []AdverType{AdverNone, AdverTalkingHead} {
		cfg := attentionConfig(AttSoftLogNormal, adver)
		a := buildAttention(t, cfg)

		require.NoError(t, a.PruneHeads([]int{1}))
		assert.Equal(t, 3, a.Heads())
		assert.Equal(t, []int{1}, a.PrunedHeads())
		assert.Equal(t, 12, a.query.OutFeatures())
		assert.Equal(t, 12, a.dense.InFeatures())

		// already pruned heads are ignored
		require.NoError(t, a.PruneHeads([]int{1}))
		assert.Equal(t, 3, a.Heads())

		require.NoError(t, a.PruneHeads([]int{3, 0}))
		assert.Equal(t, 1, a.Heads())
		assert.Equal(t, []int{0, 1, 3}, a.PrunedHeads())

		out, err := a.Forward(hiddenStates(10, 2, 3, 16), nil, nil, true)
		require.NoError(t, err)
		assert.Equal(t, []int{2, 1, 3, 3}, out.Weights.Shape())
		assert.Equal(t, []int{2, 3, 16}, out.Context.Shape())

		err = a.PruneHeads([]int{2})
		assert.True(t, errors.Is(err, ErrInvalidConfig))
		assert.Error(t, a.PruneHeads([]int{7}))
	}
}

func TestPruneHeadsKeepsRemainingProjection(t *testing.T) {
	cfg := attentionConfig(AttPlain, AdverNone)
	a := buildAttention(t, cfg)
	before := a.query.Weight().Clone()

	require.NoError(t, a.PruneHeads([]int{0}))
	// head 1 columns (4..7) now sit at 0..3
	for r := 0; r < cfg.HiddenSize; r++ {
		for c := 0; c < 4; c++ {
			assert.Equal(t, before.At(r, 4+c), a.query.Weight().At(r, c))
		}
	}
}
