package attnflow

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/mathext"
)

// =============================================================================
// Elementwise
// =============================================================================

func unary(op string, x *Tensor, f func(v float64) float64, df func(v, out float64) float64) *Tensor {
	out := make([]float64, len(x.data))
	for i, v := range x.data {
		out[i] = f(v)
	}
	res := newResult(op, out, x.Shape(), x)
	res.setBackward(func(g []float64) {
		xg := x.ensureGrad()
		for i, gi := range g {
			xg[i] += gi * df(x.data[i], out[i])
		}
	})
	return res
}

func binary(op string, a, b *Tensor, f func(x, y float64) float64, da, db func(x, y, z float64) float64) *Tensor {
	shape, ok := broadcastShape(a.shape, b.shape)
	if !ok {
		panic(shapeError(op, "forward", fmt.Sprintf("shapes broadcastable with %v", a.shape),
			"cannot broadcast %v with %v", a.shape, b.shape))
	}
	ia := broadcastIndex(shape, a.shape)
	ib := broadcastIndex(shape, b.shape)
	out := make([]float64, len(ia))
	for i := range out {
		out[i] = f(a.data[ia[i]], b.data[ib[i]])
	}
	res := newResult(op, out, shape, a, b)
	res.setBackward(func(g []float64) {
		if a.requiresGrad {
			ag := a.ensureGrad()
			for i, gi := range g {
				ag[ia[i]] += gi * da(a.data[ia[i]], b.data[ib[i]], out[i])
			}
		}
		if b.requiresGrad {
			bg := b.ensureGrad()
			for i, gi := range g {
				bg[ib[i]] += gi * db(a.data[ia[i]], b.data[ib[i]], out[i])
			}
		}
	})
	return res
}

// Add returns a + b with broadcasting.
func Add(a, b *Tensor) *Tensor {
	return binary("add", a, b,
		func(x, y float64) float64 { return x + y },
		func(x, y, z float64) float64 { return 1 },
		func(x, y, z float64) float64 { return 1 })
}

// Sub returns a - b with broadcasting.
func Sub(a, b *Tensor) *Tensor {
	return binary("sub", a, b,
		func(x, y float64) float64 { return x - y },
		func(x, y, z float64) float64 { return 1 },
		func(x, y, z float64) float64 { return -1 })
}

// Mul returns a * b elementwise with broadcasting.
func Mul(a, b *Tensor) *Tensor {
	return binary("mul", a, b,
		func(x, y float64) float64 { return x * y },
		func(x, y, z float64) float64 { return y },
		func(x, y, z float64) float64 { return x })
}

// Div returns a / b elementwise with broadcasting. Callers guard b away from zero.
func Div(a, b *Tensor) *Tensor {
	return binary("div", a, b,
		func(x, y float64) float64 { return x / y },
		func(x, y, z float64) float64 { return 1 / y },
		func(x, y, z float64) float64 { return -z / y })
}

// Scale multiplies every element by s.
func Scale(t *Tensor, s float64) *Tensor {
	return unary("scale", t,
		func(v float64) float64 { return v * s },
		func(v, out float64) float64 { return s })
}

// Shift adds s to every element.
func Shift(t *Tensor, s float64) *Tensor {
	return unary("shift", t,
		func(v float64) float64 { return v + s },
		func(v, out float64) float64 { return 1 })
}

func Neg(t *Tensor) *Tensor { return Scale(t, -1) }

func Exp(t *Tensor) *Tensor {
	return unary("exp", t, math.Exp, func(v, out float64) float64 { return out })
}

// Log is the natural logarithm. Add an epsilon first when t may hold zeros.
func Log(t *Tensor) *Tensor {
	return unary("log", t, math.Log, func(v, out float64) float64 { return 1 / v })
}

func Sqrt(t *Tensor) *Tensor {
	return unary("sqrt", t, math.Sqrt, func(v, out float64) float64 {
		if out == 0 {
			return 0
		}
		return 0.5 / out
	})
}

func Square(t *Tensor) *Tensor {
	return unary("square", t,
		func(v float64) float64 { return v * v },
		func(v, out float64) float64 { return 2 * v })
}

// Lgamma is log|Γ(x)| with the digamma function as derivative.
func Lgamma(t *Tensor) *Tensor {
	return unary("lgamma", t,
		func(v float64) float64 {
			lg, _ := math.Lgamma(v)
			return lg
		},
		func(v, out float64) float64 { return mathext.Digamma(v) })
}

// ClampMin replaces values below floor with floor. No gradient flows
// through clamped entries.
func ClampMin(t *Tensor, floor float64) *Tensor {
	return unary("clamp_min", t,
		func(v float64) float64 { return math.Max(v, floor) },
		func(v, out float64) float64 {
			if v > floor {
				return 1
			}
			return 0
		})
}

// Detach returns t's data without its history.
func Detach(t *Tensor) *Tensor {
	return &Tensor{data: t.data, shape: t.Shape(), op: "detach"}
}

// =============================================================================
// Shape manipulation
// =============================================================================

// Reshape returns t with a new shape. One dimension may be -1.
func Reshape(t *Tensor, shape ...int) *Tensor {
	shape = append([]int(nil), shape...)
	infer, known := -1, 1
	for i, s := range shape {
		if s == -1 {
			infer = i
		} else {
			known *= s
		}
	}
	if infer >= 0 && known > 0 {
		shape[infer] = len(t.data) / known
	}
	if numel(shape) != len(t.data) {
		panic(shapeError("reshape", "forward", fmt.Sprintf("%d elements", len(t.data)),
			"cannot reshape %v to %v", t.shape, shape))
	}
	res := newResult("reshape", t.data, shape, t)
	res.setBackward(func(g []float64) {
		tg := t.ensureGrad()
		for i, gi := range g {
			tg[i] += gi
		}
	})
	return res
}

// Permute reorders axes: output axis d is input axis perm[d].
func Permute(t *Tensor, perm ...int) *Tensor {
	n := len(t.shape)
	if len(perm) != n {
		panic(shapeError("permute", "forward", fmt.Sprintf("%d axes", n), "got permutation %v", perm))
	}
	outShape := make([]int, n)
	for d, p := range perm {
		outShape[d] = t.shape[p]
	}
	inStride := stridesOf(t.shape)
	size := len(t.data)
	src := make([]int, size)
	coord := make([]int, n)
	for i := 0; i < size; i++ {
		j := 0
		for d := 0; d < n; d++ {
			j += coord[d] * inStride[perm[d]]
		}
		src[i] = j
		for d := n - 1; d >= 0; d-- {
			coord[d]++
			if coord[d] < outShape[d] {
				break
			}
			coord[d] = 0
		}
	}
	out := make([]float64, size)
	for i, j := range src {
		out[i] = t.data[j]
	}
	res := newResult("permute", out, outShape, t)
	res.setBackward(func(g []float64) {
		tg := t.ensureGrad()
		for i, j := range src {
			tg[j] += g[i]
		}
	})
	return res
}

// Transpose swaps two axes. Negative axes count from the end.
func Transpose(t *Tensor, a, b int) *Tensor {
	n := len(t.shape)
	a, b = normAxis(a, n), normAxis(b, n)
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	perm[a], perm[b] = perm[b], perm[a]
	return Permute(t, perm...)
}

// =============================================================================
// Reductions
// =============================================================================

// Sum reduces every element to a rank-0 tensor.
func Sum(t *Tensor) *Tensor {
	s := 0.0
	for _, v := range t.data {
		s += v
	}
	res := newResult("sum", []float64{s}, []int{}, t)
	res.setBackward(func(g []float64) {
		tg := t.ensureGrad()
		for i := range tg {
			tg[i] += g[0]
		}
	})
	return res
}

// Mean averages every element to a rank-0 tensor.
func Mean(t *Tensor) *Tensor {
	return Scale(Sum(t), 1/float64(len(t.data)))
}

// SumAxis sums over one axis.
func SumAxis(t *Tensor, axis int, keepDim bool) *Tensor {
	axis = normAxis(axis, len(t.shape))
	outer, n, inner := axisSplit(t.shape, axis)
	out := make([]float64, outer*inner)
	for o := 0; o < outer; o++ {
		for k := 0; k < n; k++ {
			base := (o*n + k) * inner
			for i := 0; i < inner; i++ {
				out[o*inner+i] += t.data[base+i]
			}
		}
	}
	res := newResult("sum_axis", out, reducedShape(t.shape, axis, keepDim), t)
	res.setBackward(func(g []float64) {
		tg := t.ensureGrad()
		for o := 0; o < outer; o++ {
			for k := 0; k < n; k++ {
				base := (o*n + k) * inner
				for i := 0; i < inner; i++ {
					tg[base+i] += g[o*inner+i]
				}
			}
		}
	})
	return res
}

// MeanAxis averages over one axis.
func MeanAxis(t *Tensor, axis int, keepDim bool) *Tensor {
	n := t.shape[normAxis(axis, len(t.shape))]
	return Scale(SumAxis(t, axis, keepDim), 1/float64(n))
}

// Softmax normalizes exp(t) along axis.
func Softmax(t *Tensor, axis int) *Tensor {
	axis = normAxis(axis, len(t.shape))
	outer, n, inner := axisSplit(t.shape, axis)
	out := make([]float64, len(t.data))
	for o := 0; o < outer; o++ {
		for i := 0; i < inner; i++ {
			base := o*n*inner + i
			maxVal := math.Inf(-1)
			for k := 0; k < n; k++ {
				maxVal = math.Max(maxVal, t.data[base+k*inner])
			}
			sumExp := 0.0
			for k := 0; k < n; k++ {
				e := math.Exp(t.data[base+k*inner] - maxVal)
				out[base+k*inner] = e
				sumExp += e
			}
			for k := 0; k < n; k++ {
				out[base+k*inner] /= sumExp
			}
		}
	}
	res := newResult("softmax", out, t.Shape(), t)
	res.setBackward(func(g []float64) {
		tg := t.ensureGrad()
		// dScore = p * (dP - sum(p * dP))
		for o := 0; o < outer; o++ {
			for i := 0; i < inner; i++ {
				base := o*n*inner + i
				dot := 0.0
				for k := 0; k < n; k++ {
					dot += out[base+k*inner] * g[base+k*inner]
				}
				for k := 0; k < n; k++ {
					idx := base + k*inner
					tg[idx] += out[idx] * (g[idx] - dot)
				}
			}
		}
	})
	return res
}

// L2Normalize divides each vector along the last axis by its norm plus eps.
func L2Normalize(t *Tensor, eps float64) *Tensor {
	norm := Sqrt(SumAxis(Square(t), -1, true))
	return Div(t, Shift(norm, eps))
}

// =============================================================================
// Matrix products
// =============================================================================

// MatMul multiplies the last two axes: (..., m, k) @ (..., k, n). b may
// instead be a rank-2 (k, n) matrix shared by every leading index of a.
func MatMul(a, b *Tensor) *Tensor {
	if len(a.shape) < 2 || len(b.shape) < 2 {
		panic(shapeError("matmul", "forward", "rank >= 2", "got %v @ %v", a.shape, b.shape))
	}
	k := a.shape[len(a.shape)-1]
	if b.shape[len(b.shape)-2] != k {
		panic(shapeError("matmul", "forward", fmt.Sprintf("inner dimension %d", k),
			"cannot multiply %v @ %v", a.shape, b.shape))
	}
	n := b.shape[len(b.shape)-1]

	if len(b.shape) == 2 {
		rows := len(a.data) / k
		out := make([]float64, rows*n)
		A := mat.NewDense(rows, k, a.data)
		B := mat.NewDense(k, n, b.data)
		mat.NewDense(rows, n, out).Mul(A, B)

		outShape := append(a.Shape()[:len(a.shape)-1], n)
		res := newResult("matmul", out, outShape, a, b)
		res.setBackward(func(g []float64) {
			G := mat.NewDense(rows, n, g)
			if a.requiresGrad {
				var dA mat.Dense
				dA.Mul(G, B.T())
				addDense(a.ensureGrad(), &dA)
			}
			if b.requiresGrad {
				var dB mat.Dense
				dB.Mul(A.T(), G)
				addDense(b.ensureGrad(), &dB)
			}
		})
		return res
	}

	lead := a.shape[:len(a.shape)-2]
	if !sameShape(lead, b.shape[:len(b.shape)-2]) {
		panic(shapeError("matmul", "forward", fmt.Sprintf("leading dims %v", lead),
			"cannot multiply %v @ %v", a.shape, b.shape))
	}
	m := a.shape[len(a.shape)-2]
	batches := numel(lead)
	out := make([]float64, batches*m*n)
	for bi := 0; bi < batches; bi++ {
		A := mat.NewDense(m, k, a.data[bi*m*k:(bi+1)*m*k])
		B := mat.NewDense(k, n, b.data[bi*k*n:(bi+1)*k*n])
		mat.NewDense(m, n, out[bi*m*n:(bi+1)*m*n]).Mul(A, B)
	}
	outShape := append(append([]int(nil), lead...), m, n)
	res := newResult("matmul", out, outShape, a, b)
	res.setBackward(func(g []float64) {
		for bi := 0; bi < batches; bi++ {
			G := mat.NewDense(m, n, g[bi*m*n:(bi+1)*m*n])
			A := mat.NewDense(m, k, a.data[bi*m*k:(bi+1)*m*k])
			B := mat.NewDense(k, n, b.data[bi*k*n:(bi+1)*k*n])
			if a.requiresGrad {
				var dA mat.Dense
				dA.Mul(G, B.T())
				addDense(a.ensureGrad()[bi*m*k:(bi+1)*m*k], &dA)
			}
			if b.requiresGrad {
				var dB mat.Dense
				dB.Mul(A.T(), G)
				addDense(b.ensureGrad()[bi*k*n:(bi+1)*k*n], &dB)
			}
		}
	})
	return res
}

// addDense accumulates a dense matrix into a row-major slice.
func addDense(dst []float64, m *mat.Dense) {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		row := dst[i*c : (i+1)*c]
		for j := range row {
			row[j] += m.At(i, j)
		}
	}
}

// =============================================================================
// Stochastic and fused ops
// =============================================================================

// Dropout zeroes elements with probability p and rescales the rest.
// It is the identity outside training or when p is zero.
func Dropout(t *Tensor, p float64, rng *rand.Rand, training bool) *Tensor {
	if !training || p <= 0 {
		return t
	}
	mask := NewTensor(t.shape...)
	scale := 1.0 / (1.0 - p)
	for i := range mask.data {
		if rng.Float64() >= p {
			mask.data[i] = scale
		}
	}
	return Mul(t, mask)
}

// BCEWithLogits is the mean binary cross-entropy between sigmoid(logits)
// and a constant target, computed in the overflow-free form.
func BCEWithLogits(logits *Tensor, target float64) *Tensor {
	n := float64(len(logits.data))
	loss := 0.0
	for _, x := range logits.data {
		loss += math.Max(x, 0) - x*target + math.Log1p(math.Exp(-math.Abs(x)))
	}
	res := newResult("bce_with_logits", []float64{loss / n}, []int{}, logits)
	res.setBackward(func(g []float64) {
		lg := logits.ensureGrad()
		for i, x := range logits.data {
			lg[i] += g[0] * (sigmoid(x) - target) / n
		}
	})
	return res
}

func sigmoid(v float64) float64 {
	if v >= 0 {
		return 1.0 / (1.0 + math.Exp(-v))
	}
	e := math.Exp(v)
	return e / (1.0 + e)
}

// =============================================================================
// Index helpers
// =============================================================================

func normAxis(axis, rank int) int {
	if axis < 0 {
		axis += rank
	}
	if axis < 0 || axis >= rank {
		panic(shapeError("axis", "forward", fmt.Sprintf("axis in [%d, %d)", -rank, rank), "got axis %d", axis))
	}
	return axis
}

// axisSplit views shape as (outer, n, inner) around axis.
func axisSplit(shape []int, axis int) (outer, n, inner int) {
	return numel(shape[:axis]), shape[axis], numel(shape[axis+1:])
}

func reducedShape(shape []int, axis int, keepDim bool) []int {
	out := make([]int, 0, len(shape))
	for d, s := range shape {
		if d == axis {
			if keepDim {
				out = append(out, 1)
			}
			continue
		}
		out = append(out, s)
	}
	return out
}

func broadcastShape(a, b []int) ([]int, bool) {
	n := max(len(a), len(b))
	out := make([]int, n)
	for i := 1; i <= n; i++ {
		da, db := 1, 1
		if i <= len(a) {
			da = a[len(a)-i]
		}
		if i <= len(b) {
			db = b[len(b)-i]
		}
		switch {
		case da == db:
			out[n-i] = da
		case da == 1:
			out[n-i] = db
		case db == 1:
			out[n-i] = da
		default:
			return nil, false
		}
	}
	return out, true
}

// broadcastIndex maps every flat index of shape out to a flat index of in.
func broadcastIndex(out, in []int) []int {
	size := numel(out)
	idx := make([]int, size)
	if sameShape(out, in) {
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	n := len(out)
	off := n - len(in)
	inStride := stridesOf(in)
	stride := make([]int, n)
	for d := off; d < n; d++ {
		if in[d-off] != 1 {
			stride[d] = inStride[d-off]
		}
	}
	coord := make([]int, n)
	for i := 0; i < size; i++ {
		j := 0
		for d := 0; d < n; d++ {
			j += coord[d] * stride[d]
		}
		idx[i] = j
		for d := n - 1; d >= 0; d-- {
			coord[d]++
			if coord[d] < out[d] {
				break
			}
			coord[d] = 0
		}
	}
	return idx
}
