package attnflow

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func criticConfig(adver AdverType) Config {
	cfg := DefaultConfig()
	cfg.AdverType = adver
	cfg.AttentionProbsDropout = 0
	cfg.HiddenDropout = 0
	cfg.Sinkhorn.Epsilon = 0.5
	return cfg
}

func headTensors(rng *rand.Rand, cfg Config) (query, key *Tensor) {
	shape := []int{2, cfg.NumAttentionHeads, 3, cfg.HeadSize()}
	query = RandNormal(rng, 0, 1, shape...).SetRequiresGrad(true)
	key = RandNormal(rng, 0.5, 1, shape...).SetRequiresGrad(true)
	return query, key
}

func hasGrad(t *Tensor) bool {
	for _, g := range t.Grad() {
		if g != 0 {
			return true
		}
	}
	return false
}

func TestAdversaryRegularizers(t *testing.T) {
	tests := []struct {
		adver      AdverType
		params     bool
		queryGrad  bool
		keyGrad    bool
		iterations bool
	}{
		{AdverGAN, true, false, true, false},
		{AdverMMD, false, true, false, false},
		{AdverACT, true, true, true, false},
		{AdverACTTest, true, true, true, false},
		{AdverCombine, true, true, true, false},
		{AdverOT, false, true, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.adver.String(), func(t *testing.T) {
			rng := rand.New(rand.NewSource(17))
			cfg := criticConfig(tt.adver)
			adv, err := newAdversary(cfg, rng)
			require.NoError(t, err)
			require.NotNil(t, adv)

			query, key := headTensors(rng, cfg)
			reg, diag, err := adv.regularizer(context.Background(), query, key, true)
			require.NoError(t, err)
			assert.Empty(t, reg.Shape())
			assert.False(t, math.IsNaN(reg.Item()) || math.IsInf(reg.Item(), 0))
			if tt.iterations {
				assert.Greater(t, diag.SinkhornIterations, 0)
			}

			require.NoError(t, reg.Backward())
			assert.Equal(t, tt.queryGrad, hasGrad(query), "query gradient")
			assert.Equal(t, tt.keyGrad, hasGrad(key), "key gradient")
			if tt.params {
				require.NotEmpty(t, adv.parameters())
				reached := false
				for _, p := range adv.parameters() {
					reached = reached || hasGrad(p)
				}
				assert.True(t, reached, "no sub-network parameter received a gradient")
			} else {
				assert.Empty(t, adv.parameters())
			}
		})
	}
}

func TestAdversaryAbsentForNoneAndTalkingHead(t *testing.T) {
	for _, adver := range []AdverType{AdverNone, AdverTalkingHead} {
		adv, err := newAdversary(criticConfig(adver), rand.New(rand.NewSource(1)))
		require.NoError(t, err)
		assert.Nil(t, adv)
	}
}

func TestCombineGradientScalesWithReversal(t *testing.T) {
	grads := map[float64][]float64{}
	for _, beta := range []float64{1, 2} {
		rng := rand.New(rand.NewSource(18))
		cfg := criticConfig(AdverCombine)
		cfg.GradReverseBeta = beta
		adv, err := newAdversary(cfg, rng)
		require.NoError(t, err)
		query, key := headTensors(rng, cfg)
		reg, _, err := adv.regularizer(context.Background(), query, key, true)
		require.NoError(t, err)
		require.NoError(t, reg.Backward())
		grads[beta] = append([]float64(nil), query.Grad()...)
	}
	for i := range grads[1] {
		assert.InDelta(t, 2*grads[1][i], grads[2][i], 1e-9)
	}
}

func TestMMDZeroForIdenticalClouds(t *testing.T) {
	rng := rand.New(rand.NewSource(19))
	cfg := criticConfig(AdverMMD)
	adv, err := newAdversary(cfg, rng)
	require.NoError(t, err)
	query, _ := headTensors(rng, cfg)
	reg, _, err := adv.regularizer(context.Background(), query, query.Clone(), true)
	require.NoError(t, err)
	assert.InDelta(t, 0, reg.Item(), 1e-9)
}

func TestTransportObjectiveUniformSimilarity(t *testing.T) {
	// With a constant similarity both maps are uniform, so the objective is
	// -mean of the cost row and column sums divided by the cloud size.
	cost := MustFromData([]float64{1, 2, 3, 4}, 1, 2, 2)
	d := Full(0, 1, 2, 2)
	got := transportObjective(cost, d, 0.5).Item()
	assert.InDelta(t, -2.5, got, 1e-12)
}

func TestHeadsAsPoints(t *testing.T) {
	x := NewTensor(2, 4, 3, 5)
	assert.Equal(t, []int{2, 3, 4, 5}, headsAsPoints(x).Shape())
}
