package attnflow

import (
	"fmt"
	"math"
)

// FastCdist returns pairwise Euclidean distances between the rows of x1
// (..., n, d) and x2 (..., m, d) as a (..., n, m) tensor. Both sets are
// centered on the mean of x1 and expanded as |a|² - 2a·b + |b|²; round-off
// below cdistFloor is clamped before the square root.
func FastCdist(x1, x2 *Tensor) *Tensor {
	checkPointSets("FastCdist", x1, x2)
	adjustment := MeanAxis(x1, -2, true)
	a := Sub(x1, adjustment)
	b := Sub(x2, adjustment)

	aNorm := SumAxis(Square(a), -1, true)                 // (..., n, 1)
	bNorm := Transpose(SumAxis(Square(b), -1, true), -2, -1) // (..., 1, m)
	cross := Scale(MatMul(a, Transpose(b, -2, -1)), -2)

	res := Add(Add(cross, aNorm), bNorm)
	return Sqrt(ClampMin(res, cdistFloor))
}

// CostMatrix returns C[..., i, j] = Σ_d |x_id - y_jd|^p for point sets
// x (..., n, d) and y (..., m, d) with identical leading dimensions.
func CostMatrix(x, y *Tensor, p float64) *Tensor {
	checkPointSets("CostMatrix", x, y)
	if !sameShape(x.shape[:len(x.shape)-2], y.shape[:len(y.shape)-2]) {
		panic(shapeError("CostMatrix", "forward", fmt.Sprintf("leading dims %v", x.shape[:len(x.shape)-2]),
			"point sets %v and %v", x.shape, y.shape))
	}
	r := len(x.shape)
	n, m, d := x.shape[r-2], y.shape[r-2], x.shape[r-1]
	batches := numel(x.shape[:r-2])

	out := make([]float64, batches*n*m)
	for bi := 0; bi < batches; bi++ {
		xs := x.data[bi*n*d : (bi+1)*n*d]
		ys := y.data[bi*m*d : (bi+1)*m*d]
		for i := 0; i < n; i++ {
			for j := 0; j < m; j++ {
				s := 0.0
				for k := 0; k < d; k++ {
					s += math.Pow(math.Abs(xs[i*d+k]-ys[j*d+k]), p)
				}
				out[(bi*n+i)*m+j] = s
			}
		}
	}

	shape := append(x.Shape()[:r-1], m)
	res := newResult("cost_matrix", out, shape, x, y)
	res.setBackward(func(g []float64) {
		var xg, yg []float64
		if x.requiresGrad {
			xg = x.ensureGrad()
		}
		if y.requiresGrad {
			yg = y.ensureGrad()
		}
		for bi := 0; bi < batches; bi++ {
			for i := 0; i < n; i++ {
				for j := 0; j < m; j++ {
					gij := g[(bi*n+i)*m+j]
					if gij == 0 {
						continue
					}
					for k := 0; k < d; k++ {
						xi := (bi*n+i)*d + k
						yj := (bi*m+j)*d + k
						diff := x.data[xi] - y.data[yj]
						if diff == 0 {
							continue
						}
						dd := gij * p * math.Pow(math.Abs(diff), p-1) * math.Copysign(1, diff)
						if xg != nil {
							xg[xi] += dd
						}
						if yg != nil {
							yg[yj] -= dd
						}
					}
				}
			}
		}
	})
	return res
}

func checkPointSets(component string, x, y *Tensor) {
	rx, ry := len(x.shape), len(y.shape)
	if rx < 2 || rx != ry || x.shape[rx-1] != y.shape[ry-1] {
		panic(shapeError(component, "forward", "(..., n, d) and (..., m, d)",
			"point sets %v and %v", x.shape, y.shape))
	}
}
