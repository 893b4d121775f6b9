package attnflow

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// FreezeSet marks parameters that keep taking part in forward and backward
// passes but whose gradients are not applied. Typical use is training only
// the posterior, prior and critic sub-networks on top of a fixed encoder.
type FreezeSet struct {
	frozen map[*Tensor]struct{}
}

// LayerFreezeInfo reports freeze status for one attention layer.
type LayerFreezeInfo struct {
	Index      int
	Parameters int
	Frozen     int
}

func NewFreezeSet() *FreezeSet {
	return &FreezeSet{frozen: make(map[*Tensor]struct{})}
}

// Freeze adds params to the set.
func (f *FreezeSet) Freeze(params ...*Tensor) {
	for _, p := range params {
		f.frozen[p] = struct{}{}
	}
}

// Unfreeze removes params from the set.
func (f *FreezeSet) Unfreeze(params ...*Tensor) {
	for _, p := range params {
		delete(f.frozen, p)
	}
}

func (f *FreezeSet) IsFrozen(p *Tensor) bool {
	_, ok := f.frozen[p]
	return ok
}

func (f *FreezeSet) Len() int { return len(f.frozen) }

// Trainable returns the params not in the set, in their original order.
func (f *FreezeSet) Trainable(params []*Tensor) []*Tensor {
	return lo.Filter(params, func(p *Tensor, _ int) bool { return !f.IsFrozen(p) })
}

// RegularizerParameters returns the weights of the posterior, prior and
// critic sub-networks only.
func (a *AttentionLayer) RegularizerParameters() []*Tensor {
	var params []*Tensor
	if a.posterior != nil {
		params = append(params, a.posterior.parameters()...)
	}
	if a.prior != nil {
		params = append(params, a.prior.parameters()...)
	}
	if a.adversary != nil {
		params = append(params, a.adversary.parameters()...)
	}
	return params
}

// RegularizerParameters collects the regularizer sub-network weights of
// every attention layer.
func (e *Encoder) RegularizerParameters() []*Tensor {
	var params []*Tensor
	for _, l := range e.layers() {
		params = append(params, l.attention.RegularizerParameters()...)
	}
	return params
}

// FreezeBackbone freezes every encoder parameter except the regularizer
// sub-networks.
func (e *Encoder) FreezeBackbone(f *FreezeSet) {
	f.Freeze(lo.Without(e.Parameters(), e.RegularizerParameters()...)...)
}

// FreezeLayers freezes all parameters of the given flattened layer indices
// (group*InnerGroupNum + inner).
func (e *Encoder) FreezeLayers(f *FreezeSet, indices ...int) error {
	layers := e.layers()
	for _, idx := range indices {
		if idx < 0 || idx >= len(layers) {
			return configError("freeze layer index %d out of range [0, %d)", idx, len(layers))
		}
		f.Freeze(layers[idx].Parameters()...)
	}
	return nil
}

// FreezeSummary reports per layer how many parameters f freezes.
func (e *Encoder) FreezeSummary(f *FreezeSet) []LayerFreezeInfo {
	return lo.Map(e.layers(), func(l *EncoderLayer, i int) LayerFreezeInfo {
		params := l.Parameters()
		return LayerFreezeInfo{
			Index:      i,
			Parameters: len(params),
			Frozen:     lo.CountBy(params, f.IsFrozen),
		}
	})
}

// PrintFreezeSummary prints a table of FreezeSummary rows.
func PrintFreezeSummary(rows []LayerFreezeInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-8s %-12s %-8s\n", "Layer", "Parameters", "Frozen")
	for _, r := range rows {
		fmt.Fprintf(&b, "%-8d %-12d %-8d\n", r.Index, r.Parameters, r.Frozen)
	}
	return b.String()
}

func (e *Encoder) layers() []*EncoderLayer {
	return lo.FlatMap(e.groups, func(g *LayerGroup, _ int) []*EncoderLayer { return g.layers })
}
