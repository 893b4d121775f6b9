package attnflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"slices"

	"github.com/samber/lo"
)

// AttentionLayer - multi-head self-attention with optional variational
// attention weights, adversarial regularizers and talking-head mixing.
// Output is LayerNorm(hidden + Dense(context)).
type AttentionLayer struct {
	cfg         Config
	numHeads    int
	headSize    int
	prunedHeads []int // original head indices, sorted
	index       int   // position in an encoder, -1 when standalone

	query, key, value *Linear
	dense             *Linear
	layerNorm         *LayerNormLayer

	// talking_head only: mixing across the head axis before and after softmax
	talkPre, talkPost *Linear

	posterior variational      // nil for plain attention
	prior     *contextualPrior // contextual prior with a variational family
	adversary adversary        // nil for none and talking_head

	rng *rand.Rand
}

// Diagnostics reports per-forward values that are not part of the graph.
type Diagnostics struct {
	KL                 float64 // variational term, 0 when inactive
	Adversarial        float64 // adversarial term, 0 when inactive
	SinkhornIterations int     // ot only
	SinkhornConverged  bool
}

// AttentionOutput is the result of one forward call. Nothing is kept on the
// layer between calls.
type AttentionOutput struct {
	Context     *Tensor // (b, s, hidden)
	Weights     *Tensor // (b, h, s, s) weights applied to the values
	Probs       *Tensor // (b, h, s, s) deterministic softmax weights
	Regularizer *Tensor // scalar
	Diagnostics Diagnostics
}

type AttentionBuilder struct {
	cfg         Config
	rng         *rand.Rand
	initializer Initializer
	biasInit    Initializer
	index       int
}

func NewAttention(cfg Config) *AttentionBuilder {
	return &AttentionBuilder{cfg: cfg, index: -1}
}

func (b *AttentionBuilder) WithRand(rng *rand.Rand) *AttentionBuilder {
	b.rng = rng
	return b
}

// WithInitializer overrides the Normal(InitializerRange) projection weights.
func (b *AttentionBuilder) WithInitializer(init Initializer) *AttentionBuilder {
	b.initializer = init
	return b
}

func (b *AttentionBuilder) WithBiasInitializer(init Initializer) *AttentionBuilder {
	b.biasInit = init
	return b
}

func (b *AttentionBuilder) withIndex(i int) *AttentionBuilder {
	b.index = i
	return b
}

func (b *AttentionBuilder) Build() (*AttentionLayer, error) {
	cfg := b.cfg
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := b.rng
	if rng == nil {
		rng = rand.New(rand.NewSource(42))
	}
	init := b.initializer
	if init == nil {
		init = Normal(cfg.InitializerRange)
	}
	biasInit := b.biasInit
	if biasInit == nil {
		biasInit = Zeros()
	}

	dense := func(in, out int) (*Linear, error) {
		return Dense(out).WithInitializer(init).WithBiasInitializer(biasInit).Build(in, rng)
	}
	a := &AttentionLayer{
		cfg:      cfg,
		numHeads: cfg.NumAttentionHeads,
		headSize: cfg.HeadSize(),
		index:    b.index,
		rng:      rng,
	}
	var err error
	h := cfg.HiddenSize
	for _, p := range []**Linear{&a.query, &a.key, &a.value, &a.dense} {
		if *p, err = dense(h, h); err != nil {
			return nil, err
		}
	}
	if a.layerNorm, err = LayerNorm(cfg.LayerNormEps).Build(h); err != nil {
		return nil, err
	}

	if cfg.AdverType == AdverTalkingHead {
		a.talkPre = newLinear(a.numHeads, a.numHeads, init, rng)
		a.talkPost = newLinear(a.numHeads, a.numHeads, init, rng)
	}

	switch cfg.AttType {
	case AttPlain:
	case AttSoftWeibull:
		a.posterior = newWeibullPosterior(cfg)
	case AttSoftLogNormal:
		a.posterior = newLogNormalPosterior(cfg)
	default:
		return nil, variantError("att_type", cfg.AttType.String(), attTypeNames)
	}
	if a.posterior != nil && cfg.AttPriorType == PriorContextual {
		a.prior = newContextualPrior(cfg, rng)
	}

	if a.adversary, err = newAdversary(cfg, rng); err != nil {
		return nil, err
	}

	logger.Debug("attention layer built", "layer", a.index, "att_type", cfg.AttType,
		"adver_type", cfg.AdverType, "prior", cfg.AttPriorType, "heads", a.numHeads)
	return a, nil
}

// Forward runs the layer with a background context.
func (a *AttentionLayer) Forward(hidden, mask, headMask *Tensor, training bool) (*AttentionOutput, error) {
	return a.ForwardContext(context.Background(), hidden, mask, headMask, training)
}

// ForwardContext runs one attention pass. hidden is (b, s, hidden); mask is
// an additive mask broadcastable to (b, h, s, s), usually (b, 1, 1, s);
// headMask gates the weights per head, either (h) or broadcastable to
// (b, h, s, s). mask and headMask may be nil. ctx bounds the Sinkhorn loop.
func (a *AttentionLayer) ForwardContext(ctx context.Context, hidden, mask, headMask *Tensor, training bool) (*AttentionOutput, error) {
	if err := a.checkInputs(hidden, mask, headMask); err != nil {
		return nil, err
	}
	if headMask != nil && len(headMask.shape) == 1 {
		headMask = Reshape(headMask, 1, a.numHeads, 1, 1)
	}

	q := a.splitHeads(a.query.Forward(hidden))
	k := a.splitHeads(a.key.Forward(hidden))
	v := a.splitHeads(a.value.Forward(hidden))

	scores := Scale(MatMul(q, Transpose(k, -1, -2)), 1/math.Sqrt(float64(a.headSize)))
	if mask != nil {
		scores = Add(scores, mask)
	}
	baseline := Softmax(scores, -1)
	probs := baseline
	if a.talkPre != nil {
		probs = a.talkingHeads(scores)
	}

	active := training || !a.cfg.EvaluationUsesPlainSoftmax
	weights := probs
	var diag Diagnostics
	var terms []*Tensor

	if a.adversary != nil && active {
		reg, d, err := a.adversary.regularizer(ctx, q, k, training)
		if err != nil {
			return nil, a.wrap(err)
		}
		d.Adversarial = reg.Item()
		diag = d
		terms = append(terms, reg)
	}

	if a.posterior != nil && active {
		var prior *Tensor
		if a.prior != nil {
			prior = a.prior.forward(k, mask)
		}
		logprobs := Log(Shift(baseline, epsLog))
		w, kl := a.posterior.forward(logprobs, prior, a.rng)
		weights = w
		diag.KL = kl.Item()
		terms = append(terms, kl)
	}

	regularizer := Scalar(0)
	for i, t := range terms {
		if i == 0 {
			regularizer = t
		} else {
			regularizer = Add(regularizer, t)
		}
	}

	weights = Dropout(weights, a.cfg.AttentionProbsDropout, a.rng, training)
	if headMask != nil {
		weights = Mul(weights, headMask)
	}

	attended := MatMul(weights, v) // (b, h, s, d)
	b, s := hidden.shape[0], hidden.shape[1]
	attended = Reshape(Permute(attended, 0, 2, 1, 3), b, s, a.numHeads*a.headSize)
	projected := Dropout(a.dense.Forward(attended), a.cfg.HiddenDropout, a.rng, training)
	out := a.layerNorm.Forward(Add(hidden, projected))

	if DebugMode {
		for _, t := range []*Tensor{out, weights, regularizer} {
			if err := checkFinite(t, "Attention", a.index); err != nil {
				return nil, err
			}
		}
	}

	return &AttentionOutput{
		Context:     out,
		Weights:     weights,
		Probs:       probs,
		Regularizer: regularizer,
		Diagnostics: diag,
	}, nil
}

// splitHeads maps (b, s, h·d) to (b, h, s, d).
func (a *AttentionLayer) splitHeads(x *Tensor) *Tensor {
	b, s := x.shape[0], x.shape[1]
	return Permute(Reshape(x, b, s, a.numHeads, a.headSize), 0, 2, 1, 3)
}

// talkingHeads mixes the score logits across heads, takes the softmax over
// keys, then mixes the resulting weights across heads again.
func (a *AttentionLayer) talkingHeads(scores *Tensor) *Tensor {
	logits := Permute(a.talkPre.Forward(Permute(scores, 0, 2, 3, 1)), 0, 3, 1, 2)
	probs := Softmax(logits, -1)
	return Permute(a.talkPost.Forward(Permute(probs, 0, 2, 3, 1)), 0, 3, 1, 2)
}

func (a *AttentionLayer) checkInputs(hidden, mask, headMask *Tensor) error {
	if hidden == nil || len(hidden.shape) != 3 || hidden.shape[2] != a.cfg.HiddenSize {
		var got []int
		if hidden != nil {
			got = hidden.shape
		}
		err := shapeError("Attention", "forward", fmt.Sprintf("hidden states (batch, seq, %d)", a.cfg.HiddenSize),
			"hidden states have shape %v", got)
		err.LayerIndex = a.index
		err.InputInfo = ScanTensor(hidden)
		return err
	}
	b, s := hidden.shape[0], hidden.shape[1]
	scoreShape := []int{b, a.numHeads, s, s}
	if mask != nil {
		if got, ok := broadcastShape(scoreShape, mask.shape); !ok || !sameShape(got, scoreShape) {
			err := shapeError("Attention", "forward", fmt.Sprintf("mask broadcastable to %v", scoreShape),
				"mask has shape %v", mask.shape)
			err.LayerIndex = a.index
			return err
		}
	}
	if headMask != nil {
		ok := len(headMask.shape) == 1 && headMask.shape[0] == a.numHeads
		if !ok && len(headMask.shape) == 4 {
			got, bc := broadcastShape(scoreShape, headMask.shape)
			ok = bc && sameShape(got, scoreShape)
		}
		if !ok {
			err := shapeError("Attention", "forward",
				fmt.Sprintf("head mask (%d) or broadcastable to %v", a.numHeads, scoreShape),
				"head mask has shape %v", headMask.shape)
			err.LayerIndex = a.index
			return err
		}
	}
	return nil
}

func (a *AttentionLayer) wrap(err error) error {
	var e *Error
	if errors.As(err, &e) && e.LayerIndex < 0 {
		e.LayerIndex = a.index
	}
	return err
}

// PruneHeads removes heads given by their original indices. Already pruned
// heads are ignored; removing every remaining head is an error.
func (a *AttentionLayer) PruneHeads(heads []int) error {
	for _, h := range heads {
		if h < 0 || h >= a.cfg.NumAttentionHeads {
			return configError("cannot prune head %d of %d", h, a.cfg.NumAttentionHeads)
		}
	}
	heads = lo.Without(lo.Uniq(heads), a.prunedHeads...)
	if len(heads) == 0 {
		return nil
	}
	if len(heads) >= a.numHeads {
		return configError("pruning heads %v would leave no attention heads", heads)
	}

	// position of each new head among the heads still present
	drop := lo.Map(heads, func(h int, _ int) int {
		return h - lo.CountBy(a.prunedHeads, func(p int) bool { return p < h })
	})
	keepHeads := lo.Filter(lo.Range(a.numHeads), func(h int, _ int) bool { return !lo.Contains(drop, h) })
	keepCols := lo.FlatMap(keepHeads, func(h int, _ int) []int { return lo.RangeFrom(h*a.headSize, a.headSize) })

	a.query.pruneOutputs(keepCols)
	a.key.pruneOutputs(keepCols)
	a.value.pruneOutputs(keepCols)
	a.dense.pruneInputs(keepCols)
	if a.talkPre != nil {
		for _, l := range []*Linear{a.talkPre, a.talkPost} {
			l.pruneInputs(keepHeads)
			l.pruneOutputs(keepHeads)
		}
	}

	a.numHeads -= len(heads)
	a.prunedHeads = lo.Union(a.prunedHeads, heads)
	slices.Sort(a.prunedHeads)
	logger.Debug("pruned attention heads", "layer", a.index, "heads", heads, "remaining", a.numHeads)
	return nil
}

// Heads is the number of heads still present.
func (a *AttentionLayer) Heads() int { return a.numHeads }

// PrunedHeads returns the original indices of removed heads, sorted.
func (a *AttentionLayer) PrunedHeads() []int { return slices.Clone(a.prunedHeads) }

func (a *AttentionLayer) Config() Config { return a.cfg }

// Parameters returns every trainable tensor, including sub-network weights.
func (a *AttentionLayer) Parameters() []*Tensor {
	var params []*Tensor
	for _, l := range []*Linear{a.query, a.key, a.value, a.dense, a.talkPre, a.talkPost} {
		if l != nil {
			params = append(params, l.Parameters()...)
		}
	}
	params = append(params, a.layerNorm.Parameters()...)
	return append(params, a.RegularizerParameters()...)
}

// ExtendedAttentionMask turns a (batch, seq) 0/1 padding mask into the
// additive (batch, 1, 1, seq) mask, -10000 on padded positions.
func ExtendedAttentionMask(mask [][]float64) (*Tensor, error) {
	if len(mask) == 0 || len(mask[0]) == 0 {
		return nil, shapeError("Attention", "mask", "non-empty (batch, seq) mask", "got %d rows", len(mask))
	}
	s := len(mask[0])
	out := NewTensor(len(mask), 1, 1, s)
	for b, row := range mask {
		if len(row) != s {
			return nil, shapeError("Attention", "mask", fmt.Sprintf("rows of length %d", s),
				"row %d has length %d", b, len(row))
		}
		for j, m := range row {
			out.data[b*s+j] = (1 - m) * -10000
		}
	}
	return out, nil
}
