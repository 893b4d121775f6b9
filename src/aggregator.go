package attnflow

import (
	"github.com/samber/lo"
	"gonum.org/v1/gonum/floats"
)

// RegularizerTree holds the layer regularizers of one encoder pass, one
// inner list per iteration in execution order.
type RegularizerTree struct {
	iterations [][]*Tensor
}

// Append adds the regularizers of one iteration.
func (t *RegularizerTree) Append(inner []*Tensor) {
	t.iterations = append(t.iterations, append([]*Tensor(nil), inner...))
}

// Iterations returns the inner lists.
func (t *RegularizerTree) Iterations() [][]*Tensor { return t.iterations }

// Flatten returns every regularizer in traversal order.
func (t *RegularizerTree) Flatten() []*Tensor { return lo.Flatten(t.iterations) }

func (t *RegularizerTree) Len() int {
	return lo.SumBy(t.iterations, func(inner []*Tensor) int { return len(inner) })
}

// Mean is the arithmetic mean of every regularizer, zero for an empty tree.
func (t *RegularizerTree) Mean() *Tensor {
	flat := t.Flatten()
	if len(flat) == 0 {
		return Scalar(0)
	}
	total := flat[0]
	for _, r := range flat[1:] {
		total = Add(total, r)
	}
	return Scale(total, 1/float64(len(flat)))
}

// Values returns the scalar values with the tree's nesting.
func (t *RegularizerTree) Values() [][]float64 {
	return lo.Map(t.iterations, func(inner []*Tensor, _ int) []float64 {
		return lo.Map(inner, func(r *Tensor, _ int) float64 { return r.Item() })
	})
}

// AggregateValues is the arithmetic mean over all inner values, zero when
// there are none.
func AggregateValues(values [][]float64) float64 {
	flat := lo.Flatten(values)
	if len(flat) == 0 {
		return 0
	}
	return floats.Sum(flat) / float64(len(flat))
}
