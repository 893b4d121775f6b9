package attnflow

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
)

// Tensor is a dense row-major float64 array that records the operations
// producing it, so gradients can flow back to its inputs.
type Tensor struct {
	data  []float64
	shape []int
	grad  []float64

	requiresGrad bool
	parents      []*Tensor
	backwardFn   func(grad []float64)
	op           string
}

// NewTensor returns a zero-filled tensor. Every dimension must be positive.
func NewTensor(shape ...int) *Tensor {
	return &Tensor{
		data:  make([]float64, checkedNumel("NewTensor", shape)),
		shape: append([]int(nil), shape...),
		op:    "leaf",
	}
}

// FromData wraps data (not copied) as a tensor of the given shape.
func FromData(data []float64, shape ...int) (*Tensor, error) {
	for _, s := range shape {
		if s <= 0 {
			return nil, shapeError("Tensor", "build", "positive dimensions", "shape %v has a non-positive dimension", shape)
		}
	}
	if n := numel(shape); n != len(data) {
		return nil, shapeError("Tensor", "build", fmt.Sprintf("%d elements for shape %v", n, shape), "got %d elements", len(data))
	}
	return &Tensor{data: data, shape: append([]int(nil), shape...), op: "leaf"}, nil
}

// MustFromData is FromData that panics on a size mismatch.
func MustFromData(data []float64, shape ...int) *Tensor {
	t, err := FromData(data, shape...)
	if err != nil {
		panic(err)
	}
	return t
}

// Scalar returns a rank-0 constant.
func Scalar(v float64) *Tensor {
	return &Tensor{data: []float64{v}, shape: []int{}, op: "leaf"}
}

// Full returns a constant tensor filled with v.
func Full(v float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	t.fill(v)
	return t
}

// Parameter returns a zero-filled leaf that accumulates gradients.
func Parameter(shape ...int) *Tensor {
	t := NewTensor(shape...)
	t.requiresGrad = true
	return t
}

// RandNormal fills a new tensor with N(mean, std²) samples from rng.
func RandNormal(rng *rand.Rand, mean, std float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	t.fillRandNorm(mean, std, rng)
	return t
}

// RandUniform fills a new tensor with U(low, high) samples from rng.
func RandUniform(rng *rand.Rand, low, high float64, shape ...int) *Tensor {
	t := NewTensor(shape...)
	t.fillRandUniform(low, high, rng)
	return t
}

func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }
func (t *Tensor) Dims() int    { return len(t.shape) }
func (t *Tensor) Len() int     { return len(t.data) }

// Data returns the backing slice. Mutating it on a tensor that is part of a
// recorded graph invalidates the gradients computed from it.
func (t *Tensor) Data() []float64 { return t.data }

// Grad returns the accumulated gradient, or nil if none has reached t.
func (t *Tensor) Grad() []float64 { return t.grad }

func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

// Item returns the only element of a single-element tensor.
func (t *Tensor) Item() float64 {
	if len(t.data) != 1 {
		panic(shapeError("Tensor", "read", "1 element", "Item on tensor of shape %v", t.shape))
	}
	return t.data[0]
}

// At returns the element at the given coordinates.
func (t *Tensor) At(indices ...int) float64 {
	idx := 0
	stride := stridesOf(t.shape)
	for i, v := range indices {
		idx += v * stride[i]
	}
	return t.data[idx]
}

// SetRequiresGrad marks a leaf as trainable.
func (t *Tensor) SetRequiresGrad(v bool) *Tensor {
	if t.backwardFn != nil {
		panic(&Error{Component: "Tensor", ErrorType: "invalid use", LayerIndex: -1,
			Cause: "SetRequiresGrad on a non-leaf tensor (" + t.op + ")"})
	}
	t.requiresGrad = v
	return t
}

// ZeroGrad clears the accumulated gradient.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// Clone copies the data into a new leaf without gradient tracking.
func (t *Tensor) Clone() *Tensor {
	nt := &Tensor{data: make([]float64, len(t.data)), shape: t.Shape(), op: "leaf"}
	copy(nt.data, t.data)
	return nt
}

func (t *Tensor) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Tensor%v[", t.shape)
	for i, v := range t.data {
		if i == 8 {
			fmt.Fprintf(&b, " ... (%d more)", len(t.data)-8)
			break
		}
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%.4g", v)
	}
	b.WriteByte(']')
	return b.String()
}

// Backward propagates gradients from t to every tensor it was computed from.
// The seed gradient is one for every element of t, so t is normally a scalar.
func (t *Tensor) Backward() error {
	if !t.requiresGrad {
		return &Error{
			Component:  "Tensor",
			ErrorType:  "no gradient",
			Phase:      "backward",
			LayerIndex: -1,
			Cause:      fmt.Sprintf("tensor produced by %q does not depend on any parameter", t.op),
		}
	}

	order := t.topo()
	g := t.ensureGrad()
	for i := range g {
		g[i] += 1
	}
	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		if node.backwardFn != nil && node.grad != nil {
			node.backwardFn(node.grad)
			// non-leaf gradients are consumed once; only leaves keep them
			node.grad = nil
		}
	}
	return nil
}

// topo returns the graph below t in post-order (inputs before outputs).
func (t *Tensor) topo() []*Tensor {
	visited := make(map[*Tensor]bool)
	var order []*Tensor
	var visit func(n *Tensor)
	visit = func(n *Tensor) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, p := range n.parents {
			if p.requiresGrad {
				visit(p)
			}
		}
		order = append(order, n)
	}
	visit(t)
	return order
}

func (t *Tensor) ensureGrad() []float64 {
	if t.grad == nil {
		t.grad = make([]float64, len(t.data))
	}
	return t.grad
}

// newResult wraps op output. The tape is recorded only when an input needs it.
func newResult(op string, data []float64, shape []int, parents ...*Tensor) *Tensor {
	res := &Tensor{data: data, shape: shape, op: op}
	for _, p := range parents {
		if p.requiresGrad {
			res.requiresGrad = true
			break
		}
	}
	if res.requiresGrad {
		res.parents = parents
	}
	return res
}

func (t *Tensor) setBackward(fn func(grad []float64)) {
	if t.requiresGrad {
		t.backwardFn = fn
	}
}

func (t *Tensor) fill(value float64) {
	for i := range t.data {
		t.data[i] = value
	}
}

func (t *Tensor) fillRandNorm(mean, std float64, rng *rand.Rand) {
	for i := range t.data {
		t.data[i] = rng.NormFloat64()*std + mean
	}
}

func (t *Tensor) fillRandUniform(low, high float64, rng *rand.Rand) {
	for i := range t.data {
		t.data[i] = rng.Float64()*(high-low) + low
	}
}

func numel(shape []int) int {
	n := 1
	for _, s := range shape {
		n *= s
	}
	return n
}

func checkedNumel(component string, shape []int) int {
	for _, s := range shape {
		if s <= 0 {
			panic(shapeError(component, "build", "positive dimensions", "shape %v has a non-positive dimension", shape))
		}
	}
	return numel(shape)
}

func stridesOf(shape []int) []int {
	stride := make([]int, len(shape))
	acc := 1
	for i := len(shape) - 1; i >= 0; i-- {
		stride[i] = acc
		acc *= shape[i]
	}
	return stride
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// maxAbsDiff is used by tests and debug checks to compare tensors.
func maxAbsDiff(a, b []float64) float64 {
	m := 0.0
	for i := range a {
		m = math.Max(m, math.Abs(a[i]-b[i]))
	}
	return m
}
