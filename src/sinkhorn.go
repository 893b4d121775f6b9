package attnflow

import (
	"context"
	"fmt"
	"math"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// Reduction selects how per-batch transport distances are combined.
type Reduction string

const (
	ReductionNone Reduction = "none"
	ReductionMean Reduction = "mean"
	ReductionSum  Reduction = "sum"
)

// SinkhornConfig holds the entropic OT solver settings.
type SinkhornConfig struct {
	Epsilon   float64   // entropic regularization strength
	MaxIter   int       // iteration cap; the solver always stops here
	Threshold float64   // early exit when mean_b Σ_i |u - u_prev| drops below it
	P         float64   // exponent of the ground cost used by Solve
	Reduction Reduction // none keeps one distance per batch
	Workers   int       // concurrent batch updates; <= 0 means one per batch
}

// DefaultSinkhornConfig matches the settings used by the "ot" adversary.
func DefaultSinkhornConfig() SinkhornConfig {
	return SinkhornConfig{
		Epsilon:   0.01,
		MaxIter:   100,
		Threshold: 1e-1,
		P:         2,
		Reduction: ReductionMean,
	}
}

func (c SinkhornConfig) Validate() error {
	if c.Epsilon <= 0 {
		return configError("sinkhorn epsilon must be positive, got %g", c.Epsilon)
	}
	if c.MaxIter <= 0 {
		return configError("sinkhorn max_iter must be positive, got %d", c.MaxIter)
	}
	if c.Threshold < 0 {
		return configError("sinkhorn threshold must be non-negative, got %g", c.Threshold)
	}
	if c.P <= 0 {
		return configError("sinkhorn cost exponent must be positive, got %g", c.P)
	}
	switch c.Reduction {
	case ReductionNone, ReductionMean, ReductionSum:
	default:
		return variantError("reduction", string(c.Reduction), []string{"none", "mean", "sum"})
	}
	return nil
}

// SinkhornSolver computes entropic-regularized optimal transport between
// point clouds with log-domain dual updates.
type SinkhornSolver struct {
	cfg SinkhornConfig
}

// SinkhornResult is the outcome of one solve.
type SinkhornResult struct {
	Distance *Tensor // (B) for ReductionNone on batched input, otherwise rank 0
	Plan     *Tensor // same shape as Cost
	Cost     *Tensor
	U, V     [][]float64 // dual potentials per batch
	// Iterations is the number of dual updates performed.
	Iterations int
	Converged  bool
}

func NewSinkhorn(cfg SinkhornConfig) (*SinkhornSolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &SinkhornSolver{cfg: cfg}, nil
}

func (s *SinkhornSolver) Config() SinkhornConfig { return s.cfg }

// Solve transports x (..., n, d) onto y (..., m, d) with uniform marginals
// and ground cost |x_i - y_j|^P.
func (s *SinkhornSolver) Solve(ctx context.Context, x, y *Tensor) (*SinkhornResult, error) {
	rx, ry := len(x.shape), len(y.shape)
	if rx < 2 || rx > 3 || rx != ry || x.shape[rx-1] != y.shape[ry-1] ||
		(rx == 3 && x.shape[0] != y.shape[0]) {
		return nil, shapeError("Sinkhorn", "solve", "(n, d) and (m, d), optionally batched",
			"point clouds %v and %v", x.shape, y.shape)
	}
	cost := CostMatrix(x, y, s.cfg.P)
	return s.SolveCost(ctx, cost, uniform(x.shape[rx-2]), uniform(y.shape[ry-2]))
}

// SolveCost runs the dual iterations on a precomputed (n, m) or (B, n, m)
// cost. The marginals are shared across the batch. Potentials are treated as
// constants, so gradients reach the cost only through the final plan.
func (s *SinkhornSolver) SolveCost(ctx context.Context, cost *Tensor, mu, nu []float64) (*SinkhornResult, error) {
	batched := len(cost.shape) == 3
	if len(cost.shape) != 2 && !batched {
		return nil, shapeError("Sinkhorn", "solve", "cost of shape (n, m) or (B, n, m)", "got %v", cost.shape)
	}
	r := len(cost.shape)
	n, m := cost.shape[r-2], cost.shape[r-1]
	if len(mu) != n || len(nu) != m {
		return nil, shapeError("Sinkhorn", "solve", fmt.Sprintf("marginals of length %d and %d", n, m),
			"got %d and %d", len(mu), len(nu))
	}
	batches := 1
	if batched {
		batches = cost.shape[0]
	}

	eps := s.cfg.Epsilon
	logMu := make([]float64, n)
	logNu := make([]float64, m)
	for i, w := range mu {
		logMu[i] = math.Log(w + epsMarg)
	}
	for j, w := range nu {
		logNu[j] = math.Log(w + epsMarg)
	}

	u := make([][]float64, batches)
	v := make([][]float64, batches)
	for b := range u {
		u[b] = make([]float64, n)
		v[b] = make([]float64, m)
	}
	delta := make([]float64, batches)

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = batches
	}

	iterations, converged := 0, false
	for iterations < s.cfg.MaxIter {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(workers)
		for b := 0; b < batches; b++ {
			b := b
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				c := cost.data[b*n*m : (b+1)*n*m]
				delta[b] = sinkhornStep(c, u[b], v[b], logMu, logNu, eps)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		iterations++
		if floats.Sum(delta)/float64(batches) < s.cfg.Threshold {
			converged = true
			break
		}
	}
	logger.Debug("sinkhorn finished", "iterations", iterations, "converged", converged,
		"batches", batches, "epsilon", eps)

	// Plan = exp((-C + u_i + v_j) / eps), differentiable through C.
	uT := MustFromData(lo.Flatten(u), append(cost.Shape()[:r-1], 1)...)
	vShape := append(cost.Shape()[:r-2], 1, m)
	vT := MustFromData(lo.Flatten(v), vShape...)
	plan := Exp(Scale(Sub(Add(uT, vT), cost), 1/eps))

	perBatch := SumAxis(Reshape(Mul(plan, cost), batches, n*m), -1, false)
	var distance *Tensor
	switch {
	case s.cfg.Reduction == ReductionMean:
		distance = Mean(perBatch)
	case s.cfg.Reduction == ReductionSum || !batched:
		distance = Sum(perBatch)
	default:
		distance = perBatch
	}

	return &SinkhornResult{
		Distance:   distance,
		Plan:       plan,
		Cost:       cost,
		U:          u,
		V:          v,
		Iterations: iterations,
		Converged:  converged,
	}, nil
}

// sinkhornStep performs one u then v update for a single (n, m) cost in place
// and returns Σ_i |u_i - u_prev_i|.
func sinkhornStep(c, u, v, logMu, logNu []float64, eps float64) float64 {
	n, m := len(u), len(v)
	row := make([]float64, m)
	delta := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			row[j] = (-c[i*m+j] + u[i] + v[j]) / eps
		}
		prev := u[i]
		u[i] = eps*(logMu[i]-floats.LogSumExp(row)) + u[i]
		delta += math.Abs(u[i] - prev)
	}
	col := make([]float64, n)
	for j := 0; j < m; j++ {
		for i := 0; i < n; i++ {
			col[i] = (-c[i*m+j] + u[i] + v[j]) / eps
		}
		v[j] = eps*(logNu[j]-floats.LogSumExp(col)) + v[j]
	}
	return delta
}

func uniform(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 / float64(n)
	}
	return w
}
