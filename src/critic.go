package attnflow

import (
	"context"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
)

// adversary computes the adversarial regularizer from query and key head
// tensors of shape (b, h, s, d).
type adversary interface {
	regularizer(ctx context.Context, query, key *Tensor, training bool) (*Tensor, Diagnostics, error)
	parameters() []*Tensor
}

// =============================================================================
// Sub-networks
// =============================================================================

// highway gates between a rectified projection and the identity:
// g·relu(h) + (1-g)·x with h = Wx + b and g = σ(h).
type highway struct {
	proj *Linear
}

func (hw *highway) forward(x *Tensor) *Tensor {
	h := hw.proj.Forward(x)
	g := sigmoidOp(h)
	return Add(Mul(g, relu(h)), Mul(Sub(Scalar(1), g), x))
}

// mlp - Linear → nonlinearity → Linear
type mlp struct {
	first, second *Linear
	act           Activation
}

func newMLP(in, hid, out int, act Activation, rng *rand.Rand) *mlp {
	return &mlp{
		first:  newLinear(in, hid, FanInNormal(1), rng),
		second: newLinear(hid, out, FanInNormal(1), rng),
		act:    act,
	}
}

func (m *mlp) forward(x *Tensor) *Tensor {
	return m.second.Forward(m.act.apply(m.first.Forward(x)))
}

func (m *mlp) parameters() []*Tensor {
	return append(m.first.Parameters(), m.second.Parameters()...)
}

// scorer is a highway block followed by an MLP. With unit output width it is
// the GAN discriminator; with normalize set it is the transport critic that
// embeds vectors on the unit sphere.
type scorer struct {
	hw        *highway
	body      *mlp
	dropout   float64
	normalize bool
	rng       *rand.Rand
}

func newScorer(cfg Config, out int, normalize bool, rng *rand.Rand) *scorer {
	d := cfg.HeadSize()
	return &scorer{
		hw:        &highway{proj: newLinear(d, d, Normal(cfg.InitializerRange), rng)},
		body:      newMLP(d, cfg.AttSEHidSize, out, cfg.AttSENonlinear.activation(), rng),
		dropout:   cfg.AttentionProbsDropout,
		normalize: normalize,
		rng:       rng,
	}
}

func (s *scorer) forward(x *Tensor, training bool) *Tensor {
	pred := s.body.forward(Dropout(s.hw.forward(x), s.dropout, s.rng, training))
	if s.normalize {
		pred = L2Normalize(pred, epsNorm)
	}
	return pred
}

func (s *scorer) parameters() []*Tensor {
	return append(s.hw.proj.Parameters(), s.body.parameters()...)
}

// navigator embeds vectors for the similarity that defines the soft
// transport maps.
type navigator struct {
	body *mlp
}

func newNavigator(cfg Config, rng *rand.Rand) *navigator {
	d := cfg.HeadSize()
	return &navigator{body: newMLP(d, cfg.AttSEHidSize, cfg.AttSEHidSize, cfg.AttSENonlinear.activation(), rng)}
}

func (n *navigator) forward(x *Tensor) *Tensor {
	return L2Normalize(n.body.forward(x), epsNorm)
}

// transportObjective is -((1-ρ)·E[Σ_i cost·M_b] + ρ·E[Σ_j cost·M_f]) where
// M_b and M_f are the softmax of the similarity d over the source and target
// axes.
func transportObjective(cost, d *Tensor, rho float64) *Tensor {
	mBackward := Softmax(d, -2)
	mForward := Softmax(d, -1)
	backward := Mean(SumAxis(Mul(cost, mBackward), -2, false))
	forward := Mean(SumAxis(Mul(cost, mForward), -1, false))
	return Neg(Add(Scale(backward, 1-rho), Scale(forward, rho)))
}

// headsAsPoints moves the head axis next to the features: (b, h, s, d) to
// (b, s, h, d), so each token position becomes a cloud of head vectors.
func headsAsPoints(t *Tensor) *Tensor { return Permute(t, 0, 2, 1, 3) }

// =============================================================================
// Objectives
// =============================================================================

// ganAdversary trains a discriminator to tell keys (real) from queries
// (fake) through gradient reversal.
type ganAdversary struct {
	disc *scorer
	beta float64
}

func (g *ganAdversary) regularizer(_ context.Context, query, key *Tensor, training bool) (*Tensor, Diagnostics, error) {
	keyR := reverseGrad(key, g.beta)
	queryR := reverseGrad(query, g.beta)
	lossReal := BCEWithLogits(g.disc.forward(keyR, training), 1)
	lossFake := BCEWithLogits(g.disc.forward(Detach(queryR), training), 0)
	return Add(lossReal, lossFake), Diagnostics{}, nil
}

func (g *ganAdversary) parameters() []*Tensor { return g.disc.parameters() }

// mmdAdversary is the Gaussian multi-kernel maximum mean discrepancy between
// the query and key clouds of each (batch, head). Keys are detached.
type mmdAdversary struct {
	kernelMul float64
	kernelNum int
}

func (m *mmdAdversary) regularizer(_ context.Context, query, key *Tensor, _ bool) (*Tensor, Diagnostics, error) {
	x, y := query, Detach(key)
	dxx := squaredDistances(x, x)
	dyy := squaredDistances(y, y)
	dxy := squaredDistances(x, y)

	// bandwidth from all pairwise distances of the joint cloud, held constant
	b, h, s := x.shape[0], x.shape[1], x.shape[2]
	pairs := float64(4*s*s - 2*s)
	bw := NewTensor(b, h, 1, 1)
	for i := range bw.data {
		from, to := i*s*s, (i+1)*s*s
		total := floats.Sum(dxx.data[from:to]) + floats.Sum(dyy.data[from:to]) + 2*floats.Sum(dxy.data[from:to])
		bw.data[i] = total/pairs/math.Pow(m.kernelMul, float64(m.kernelNum/2)) + epsMarg
	}

	kernel := func(dist *Tensor) *Tensor {
		var sum *Tensor
		for i := 0; i < m.kernelNum; i++ {
			k := Exp(Neg(Div(dist, Scale(bw, math.Pow(m.kernelMul, float64(i))))))
			if sum == nil {
				sum = k
			} else {
				sum = Add(sum, k)
			}
		}
		return Reshape(sum, b, h, s*s)
	}
	kxx := MeanAxis(kernel(dxx), -1, false)
	kyy := MeanAxis(kernel(dyy), -1, false)
	kxy := MeanAxis(kernel(dxy), -1, false)
	return Mean(Sub(Add(kxx, kyy), Scale(kxy, 2))), Diagnostics{}, nil
}

func (m *mmdAdversary) parameters() []*Tensor { return nil }

// squaredDistances returns |a_i - b_j|² for (..., n, d) and (..., m, d).
func squaredDistances(a, b *Tensor) *Tensor {
	aNorm := SumAxis(Square(a), -1, true)
	bNorm := Transpose(SumAxis(Square(b), -1, true), -2, -1)
	cross := Scale(MatMul(a, Transpose(b, -2, -1)), -2)
	return ClampMin(Add(Add(cross, aNorm), bNorm), 0)
}

// actAdversary is the adversarial conditional transport objective over the
// head clouds of each token. The test form also reverses the critic outputs
// and feeds the navigator unreversed tensors.
type actAdversary struct {
	critic *scorer
	nav    *navigator
	rho    float64
	beta   float64
	test   bool
}

func (a *actAdversary) regularizer(_ context.Context, query, key *Tensor, training bool) (*Tensor, Diagnostics, error) {
	keyR := reverseGrad(key, a.beta)
	queryR := reverseGrad(query, a.beta)
	realOut := a.critic.forward(keyR, training)
	fakeOut := a.critic.forward(queryR, training)
	navKey, navQuery := keyR, queryR
	if a.test {
		realOut = reverseGrad(realOut, a.beta)
		fakeOut = reverseGrad(fakeOut, a.beta)
		navKey, navQuery = key, query
	}
	cost := FastCdist(headsAsPoints(realOut), headsAsPoints(fakeOut))

	nx := headsAsPoints(a.nav.forward(navKey))
	ny := headsAsPoints(a.nav.forward(navQuery))
	d := MatMul(nx, Transpose(ny, -2, -1))
	return transportObjective(cost, d, a.rho), Diagnostics{}, nil
}

func (a *actAdversary) parameters() []*Tensor {
	return append(a.critic.parameters(), a.nav.body.parameters()...)
}

// combineAdversary sums the transport objective over token clouds of each
// head and over head clouds of each token.
type combineAdversary struct {
	nav, navHead *navigator
	rho          float64
	beta         float64
}

func (c *combineAdversary) regularizer(_ context.Context, query, key *Tensor, _ bool) (*Tensor, Diagnostics, error) {
	keyR := reverseGrad(key, c.beta)
	queryR := reverseGrad(query, c.beta)

	cost := FastCdist(keyR, queryR)
	d := MatMul(c.nav.forward(keyR), Transpose(c.nav.forward(queryR), -2, -1))

	costHead := FastCdist(headsAsPoints(keyR), headsAsPoints(queryR))
	nx := headsAsPoints(c.navHead.forward(keyR))
	ny := headsAsPoints(c.navHead.forward(queryR))
	dHead := MatMul(nx, Transpose(ny, -2, -1))

	reg := Add(transportObjective(cost, d, c.rho), transportObjective(costHead, dHead, c.rho))
	return reg, Diagnostics{}, nil
}

func (c *combineAdversary) parameters() []*Tensor {
	return append(c.nav.body.parameters(), c.navHead.body.parameters()...)
}

// otAdversary is the entropic transport distance between the query and key
// token clouds of every (batch, head).
type otAdversary struct {
	solver *SinkhornSolver
}

func (o *otAdversary) regularizer(ctx context.Context, query, key *Tensor, _ bool) (*Tensor, Diagnostics, error) {
	s, d := key.shape[2], key.shape[3]
	res, err := o.solver.Solve(ctx, Reshape(query, -1, s, d), Reshape(key, -1, s, d))
	if err != nil {
		return nil, Diagnostics{}, err
	}
	reg := res.Distance
	if reg.Len() > 1 {
		reg = Mean(reg)
	}
	return reg, Diagnostics{SinkhornIterations: res.Iterations, SinkhornConverged: res.Converged}, nil
}

func (o *otAdversary) parameters() []*Tensor { return nil }

// newAdversary builds only the sub-networks the selected objective uses.
// talking_head and none carry no adversarial term.
func newAdversary(cfg Config, rng *rand.Rand) (adversary, error) {
	switch cfg.AdverType {
	case AdverNone, AdverTalkingHead:
		return nil, nil
	case AdverGAN:
		return &ganAdversary{disc: newScorer(cfg, 1, false, rng), beta: cfg.GradReverseBeta}, nil
	case AdverMMD:
		return &mmdAdversary{kernelMul: cfg.MMDKernelMul, kernelNum: cfg.MMDKernelNum}, nil
	case AdverACT, AdverACTTest:
		return &actAdversary{
			critic: newScorer(cfg, cfg.AttSEHidSize, true, rng),
			nav:    newNavigator(cfg, rng),
			rho:    cfg.Rho,
			beta:   cfg.GradReverseBeta,
			test:   cfg.AdverType == AdverACTTest,
		}, nil
	case AdverCombine:
		return &combineAdversary{
			nav:     newNavigator(cfg, rng),
			navHead: newNavigator(cfg, rng),
			rho:     cfg.Rho,
			beta:    cfg.GradReverseBeta,
		}, nil
	case AdverOT:
		solver, err := NewSinkhorn(cfg.Sinkhorn)
		if err != nil {
			return nil, err
		}
		return &otAdversary{solver: solver}, nil
	}
	return nil, variantError("adver_type", cfg.AdverType.String(), adverTypeNames)
}
