package attnflow

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encoderConfig() Config {
	cfg := attentionConfig(AttSoftLogNormal, AdverNone)
	cfg.NumHiddenLayers = 4
	cfg.NumHiddenGroups = 2
	cfg.InnerGroupNum = 2
	cfg.EmbeddingSize = 8
	cfg.OutputAttentions = true
	cfg.OutputHiddenStates = true
	return cfg
}

func buildEncoder(t *testing.T, cfg Config) *Encoder {
	t.Helper()
	e, err := NewEncoder(cfg).WithRand(rand.New(rand.NewSource(21))).Build()
	require.NoError(t, err)
	return e
}

func TestEncoderForward(t *testing.T) {
	cfg := encoderConfig()
	e := buildEncoder(t, cfg)
	out, err := e.Forward(hiddenStates(1, 2, 3, 8), nil, nil, true)
	require.NoError(t, err)

	assert.Equal(t, []int{2, 3, 16}, out.Hidden.Shape())
	assert.Len(t, out.HiddenStates, cfg.NumHiddenLayers+1)
	assert.Len(t, out.Attentions, cfg.NumHiddenLayers*cfg.InnerGroupNum)
	assert.Equal(t, cfg.NumHiddenLayers*cfg.InnerGroupNum, out.Regularizers.Len())
	assert.Len(t, out.Regularizers.Iterations(), cfg.NumHiddenLayers)
	assert.Len(t, out.Diagnostics, cfg.NumHiddenLayers)

	aux := out.AuxiliaryLoss(true)
	require.NotNil(t, aux)
	assert.InDelta(t, AggregateValues(out.Regularizers.Values()), aux.Item(), 1e-12)
	assert.Nil(t, out.AuxiliaryLoss(false))

	require.NoError(t, Add(Sum(out.Hidden), aux).Backward())
	for _, p := range e.Parameters() {
		if p.RequiresGrad() {
			assert.NotNil(t, p.Grad())
		}
	}
}

func TestEncoderEvaluationHasZeroRegularizers(t *testing.T) {
	e := buildEncoder(t, encoderConfig())
	out, err := e.Forward(hiddenStates(2, 1, 3, 8), nil, nil, false)
	require.NoError(t, err)
	assert.Equal(t, 0.0, out.AuxiliaryLoss(true).Item())
}

func TestEncoderSharesGroupWeights(t *testing.T) {
	cfg := encoderConfig()
	e := buildEncoder(t, cfg)
	assert.Len(t, e.Groups(), cfg.NumHiddenGroups)
	for _, g := range e.Groups() {
		assert.Len(t, g.Layers(), cfg.InnerGroupNum)
	}
	n := countParams(e.Parameters())

	cfg.NumHiddenLayers = 8
	deeper := buildEncoder(t, cfg)
	assert.Equal(t, n, countParams(deeper.Parameters()))
	assert.Contains(t, e.Summary(), "Total params")
}

func TestEncoderHeadMask(t *testing.T) {
	cfg := encoderConfig()
	e := buildEncoder(t, cfg)
	masks := make([]*Tensor, cfg.NumHiddenLayers)
	for i := range masks {
		masks[i] = MustFromData([]float64{0, 1, 1, 1}, 4)
	}
	out, err := e.Forward(hiddenStates(3, 1, 3, 8), nil, masks, true)
	require.NoError(t, err)
	for _, w := range out.Attentions {
		for q := 0; q < 3; q++ {
			for k := 0; k < 3; k++ {
				assert.Equal(t, 0.0, w.At(0, 0, q, k))
			}
		}
	}

	_, err = e.Forward(hiddenStates(3, 1, 3, 8), nil, masks[:1], true)
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestEncoderInputErrors(t *testing.T) {
	e := buildEncoder(t, encoderConfig())
	_, err := e.Forward(hiddenStates(4, 1, 3, 16), nil, nil, true)
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.ForwardContext(ctx, hiddenStates(4, 1, 3, 8), nil, nil, true)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestEncoderLayerIndexInErrors(t *testing.T) {
	cfg := encoderConfig()
	e := buildEncoder(t, cfg)
	_, err := e.Forward(hiddenStates(5, 1, 3, 8), NewTensor(1, 1, 1, 4), nil, true)
	var ae *Error
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, 0, ae.LayerIndex)
}

func TestEncoderPruneHeads(t *testing.T) {
	cfg := encoderConfig()
	e := buildEncoder(t, cfg)
	require.NoError(t, e.PruneHeads(map[int][]int{0: {0}, 3: {1, 2}}))
	assert.Equal(t, 3, e.Groups()[0].Layers()[0].Attention().Heads())
	assert.Equal(t, 4, e.Groups()[0].Layers()[1].Attention().Heads())
	assert.Equal(t, 2, e.Groups()[1].Layers()[1].Attention().Heads())

	out, err := e.Forward(hiddenStates(6, 1, 3, 8), nil, nil, true)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 3, 3}, out.Attentions[0].Shape())

	assert.True(t, errors.Is(e.PruneHeads(map[int][]int{4: {0}}), ErrInvalidConfig))
}

func TestEncoderCustomFeedForward(t *testing.T) {
	calls := 0
	identity := func(cfg Config, rng *rand.Rand) (FeedForward, error) {
		calls++
		return NewDenseFeedForward(cfg.HiddenSize, 4, Identity(), Zeros(), rng), nil
	}
	_, err := NewEncoder(encoderConfig()).WithFeedForward(identity).Build()
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
}

func TestRegularizerTree(t *testing.T) {
	tree := &RegularizerTree{}
	assert.Equal(t, 0.0, tree.Mean().Item())

	tree.Append([]*Tensor{Scalar(1), Scalar(2)})
	tree.Append([]*Tensor{Scalar(3)})
	assert.Equal(t, 3, tree.Len())
	assert.InDelta(t, 2, tree.Mean().Item(), 1e-12)
	assert.Equal(t, [][]float64{{1, 2}, {3}}, tree.Values())
	assert.InDelta(t, 2, AggregateValues([][]float64{{1, 2}, {3}}), 1e-12)
	assert.Equal(t, 0.0, AggregateValues(nil))
}

func TestFreezeBackbone(t *testing.T) {
	cfg := encoderConfig()
	cfg.AttType = AttSoftWeibull
	cfg.AttPriorType = PriorContextual
	cfg.AdverType = AdverACT
	e := buildEncoder(t, cfg)

	f := NewFreezeSet()
	e.FreezeBackbone(f)
	trainable := f.Trainable(e.Parameters())
	assert.ElementsMatch(t, e.RegularizerParameters(), trainable)
	assert.NotEmpty(t, trainable)

	rows := e.FreezeSummary(f)
	require.Len(t, rows, cfg.NumHiddenGroups*cfg.InnerGroupNum)
	for _, r := range rows {
		assert.Less(t, r.Frozen, r.Parameters)
	}
	assert.Contains(t, PrintFreezeSummary(rows), "Frozen")

	f.Unfreeze(e.Parameters()...)
	assert.Equal(t, 0, f.Len())
	require.NoError(t, e.FreezeLayers(f, 1))
	assert.Equal(t, len(e.Groups()[0].Layers()[1].Parameters()), f.Len())
	assert.Error(t, e.FreezeLayers(f, 9))
}
