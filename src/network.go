package attnflow

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
)

// EncoderLayer - attention followed by a feed-forward sublayer with a
// residual LayerNorm
type EncoderLayer struct {
	attention *AttentionLayer
	ffn       FeedForward
	norm      *LayerNormLayer
}

// LayerOutput is the result of one encoder layer.
type LayerOutput struct {
	Hidden    *Tensor
	Attention *AttentionOutput
}

func (l *EncoderLayer) Forward(ctx context.Context, hidden, mask, headMask *Tensor, training bool) (*LayerOutput, error) {
	att, err := l.attention.ForwardContext(ctx, hidden, mask, headMask, training)
	if err != nil {
		return nil, err
	}
	ffn := l.ffn.Forward(att.Context, training)
	return &LayerOutput{Hidden: l.norm.Forward(Add(ffn, att.Context)), Attention: att}, nil
}

func (l *EncoderLayer) Attention() *AttentionLayer { return l.attention }

func (l *EncoderLayer) Parameters() []*Tensor {
	params := l.attention.Parameters()
	params = append(params, l.ffn.Parameters()...)
	return append(params, l.norm.Parameters()...)
}

// LayerGroup is a run of InnerGroupNum layers whose weights are shared by
// every iteration that maps to the group.
type LayerGroup struct {
	layers []*EncoderLayer
}

// GroupOutput collects the per-layer results of one pass through a group.
type GroupOutput struct {
	Hidden       *Tensor
	HiddenStates []*Tensor
	Attentions   []*Tensor
	Regularizers []*Tensor
	Diagnostics  []Diagnostics
}

// Forward runs the group's layers in order. Layer j uses headMasks[j] when
// present.
func (g *LayerGroup) Forward(ctx context.Context, hidden, mask *Tensor, headMasks []*Tensor, training bool) (*GroupOutput, error) {
	out := &GroupOutput{}
	for j, layer := range g.layers {
		var hm *Tensor
		if j < len(headMasks) {
			hm = headMasks[j]
		}
		res, err := layer.Forward(ctx, hidden, mask, hm, training)
		if err != nil {
			return nil, err
		}
		hidden = res.Hidden
		out.HiddenStates = append(out.HiddenStates, hidden)
		out.Attentions = append(out.Attentions, res.Attention.Weights)
		out.Regularizers = append(out.Regularizers, res.Attention.Regularizer)
		out.Diagnostics = append(out.Diagnostics, res.Attention.Diagnostics)
	}
	out.Hidden = hidden
	return out, nil
}

func (g *LayerGroup) Layers() []*EncoderLayer { return g.layers }

// Encoder is the ALBERT-style stack: an input projection followed by
// NumHiddenLayers iterations over NumHiddenGroups shared layer groups.
type Encoder struct {
	cfg    Config
	input  *Linear
	groups []*LayerGroup
}

// EncoderOutput is the result of one encoder pass.
type EncoderOutput struct {
	Hidden       *Tensor
	HiddenStates []*Tensor // input projection then one per iteration, with OutputHiddenStates
	Attentions   []*Tensor // one per layer run, with OutputAttentions
	Regularizers *RegularizerTree
	Diagnostics  [][]Diagnostics
}

// AuxiliaryLoss is the mean layer regularizer, or nil when the caller has
// no labels to train against.
func (o *EncoderOutput) AuxiliaryLoss(hasLabels bool) *Tensor {
	if !hasLabels {
		return nil
	}
	return o.Regularizers.Mean()
}

// FeedForwardFactory builds the feed-forward sublayer of one encoder layer.
type FeedForwardFactory func(cfg Config, rng *rand.Rand) (FeedForward, error)

// EncoderBuilder for fluent API
type EncoderBuilder struct {
	cfg Config
	rng *rand.Rand
	ffn FeedForwardFactory
}

func NewEncoder(cfg Config) *EncoderBuilder {
	return &EncoderBuilder{cfg: cfg}
}

func (b *EncoderBuilder) WithRand(rng *rand.Rand) *EncoderBuilder {
	b.rng = rng
	return b
}

// WithFeedForward replaces the dense feed-forward sublayer.
func (b *EncoderBuilder) WithFeedForward(f FeedForwardFactory) *EncoderBuilder {
	b.ffn = f
	return b
}

func (b *EncoderBuilder) Build() (*Encoder, error) {
	cfg := b.cfg
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rng := b.rng
	if rng == nil {
		rng = rand.New(rand.NewSource(42))
	}
	ffn := b.ffn
	if ffn == nil {
		ffn = denseFeedForward
	}

	init := Normal(cfg.InitializerRange)
	e := &Encoder{cfg: cfg, input: newLinear(cfg.EmbeddingSize, cfg.HiddenSize, init, rng)}
	for g := 0; g < cfg.NumHiddenGroups; g++ {
		group := &LayerGroup{}
		for j := 0; j < cfg.InnerGroupNum; j++ {
			idx := g*cfg.InnerGroupNum + j
			att, err := NewAttention(cfg).WithRand(rng).withIndex(idx).Build()
			if err != nil {
				return nil, err
			}
			f, err := ffn(cfg, rng)
			if err != nil {
				return nil, err
			}
			norm, err := LayerNorm(cfg.LayerNormEps).Build(cfg.HiddenSize)
			if err != nil {
				return nil, err
			}
			group.layers = append(group.layers, &EncoderLayer{attention: att, ffn: f, norm: norm})
		}
		e.groups = append(e.groups, group)
	}
	logger.Debug("encoder built", "layers", cfg.NumHiddenLayers, "groups", cfg.NumHiddenGroups,
		"inner", cfg.InnerGroupNum)
	return e, nil
}

func denseFeedForward(cfg Config, rng *rand.Rand) (FeedForward, error) {
	act, err := activationByName(cfg.HiddenAct)
	if err != nil {
		return nil, err
	}
	return NewDenseFeedForward(cfg.HiddenSize, cfg.IntermediateSize, act, Normal(cfg.InitializerRange), rng), nil
}

// Forward runs the encoder with a background context.
func (e *Encoder) Forward(hidden, mask *Tensor, headMask []*Tensor, training bool) (*EncoderOutput, error) {
	return e.ForwardContext(context.Background(), hidden, mask, headMask, training)
}

// ForwardContext runs every iteration. hidden is (b, s, EmbeddingSize).
// headMask, when given, holds one entry per hidden layer; iteration i hands
// the slice of its group to the group's layers.
func (e *Encoder) ForwardContext(ctx context.Context, hidden, mask *Tensor, headMask []*Tensor, training bool) (*EncoderOutput, error) {
	cfg := e.cfg
	if hidden == nil || len(hidden.shape) != 3 || hidden.shape[2] != cfg.EmbeddingSize {
		var got []int
		if hidden != nil {
			got = hidden.shape
		}
		return nil, shapeError("Encoder", "forward", fmt.Sprintf("input (batch, seq, %d)", cfg.EmbeddingSize),
			"input has shape %v", got)
	}
	if headMask != nil && len(headMask) != cfg.NumHiddenLayers {
		return nil, shapeError("Encoder", "forward", fmt.Sprintf("%d head masks", cfg.NumHiddenLayers),
			"got %d", len(headMask))
	}

	hidden = e.input.Forward(hidden)
	out := &EncoderOutput{Regularizers: &RegularizerTree{}}
	if cfg.OutputHiddenStates {
		out.HiddenStates = append(out.HiddenStates, hidden)
	}

	perGroup := cfg.NumHiddenLayers / cfg.NumHiddenGroups
	for i := 0; i < cfg.NumHiddenLayers; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		g := i / perGroup
		var masks []*Tensor
		if headMask != nil {
			masks = headMask[g*perGroup : (g+1)*perGroup]
		}
		res, err := e.groups[g].Forward(ctx, hidden, mask, masks, training)
		if err != nil {
			return nil, err
		}
		hidden = res.Hidden
		out.Regularizers.Append(res.Regularizers)
		out.Diagnostics = append(out.Diagnostics, res.Diagnostics)
		if cfg.OutputAttentions {
			out.Attentions = append(out.Attentions, res.Attentions...)
		}
		if cfg.OutputHiddenStates {
			out.HiddenStates = append(out.HiddenStates, hidden)
		}
	}
	out.Hidden = hidden
	return out, nil
}

// PruneHeads prunes heads per flattened layer index: index g·InnerGroupNum+j
// is layer j of group g.
func (e *Encoder) PruneHeads(heads map[int][]int) error {
	total := e.cfg.NumHiddenGroups * e.cfg.InnerGroupNum
	for idx, hs := range heads {
		if idx < 0 || idx >= total {
			return configError("layer index %d out of range [0, %d)", idx, total)
		}
		layer := e.groups[idx/e.cfg.InnerGroupNum].layers[idx%e.cfg.InnerGroupNum]
		if err := layer.attention.PruneHeads(hs); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) Groups() []*LayerGroup { return e.groups }

func (e *Encoder) Config() Config { return e.cfg }

func (e *Encoder) Parameters() []*Tensor {
	params := e.input.Parameters()
	for _, g := range e.groups {
		for _, l := range g.layers {
			params = append(params, l.Parameters()...)
		}
	}
	return params
}

// Summary returns a printable description of the stack.
func (e *Encoder) Summary() string {
	var b strings.Builder
	cfg := e.cfg
	fmt.Fprintf(&b, "Encoder: %d layers, %d groups x %d inner, hidden %d\n",
		cfg.NumHiddenLayers, cfg.NumHiddenGroups, cfg.InnerGroupNum, cfg.HiddenSize)
	fmt.Fprintf(&b, "%-8s %-8s %-16s %-14s %-8s %10s\n", "Group", "Layer", "att_type", "adver_type", "Heads", "Params")
	b.WriteString(strings.Repeat("-", 70) + "\n")
	total := countParams(e.input.Parameters())
	for gi, g := range e.groups {
		for li, l := range g.layers {
			n := countParams(l.Parameters())
			total += n
			fmt.Fprintf(&b, "%-8d %-8d %-16s %-14s %-8d %10d\n",
				gi, li, cfg.AttType, cfg.AdverType, l.attention.Heads(), n)
		}
	}
	b.WriteString(strings.Repeat("-", 70) + "\n")
	fmt.Fprintf(&b, "Total params: %d\n", total)
	return b.String()
}

func countParams(params []*Tensor) int {
	n := 0
	for _, p := range params {
		n += p.Len()
	}
	return n
}
