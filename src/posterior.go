package attnflow

import (
	"math"
	"math/rand"
)

// eulerGamma is the Euler–Mascheroni constant.
const eulerGamma = 0.57721566490153286060651209008240243104215933593992

// WeibullGammaKL is KL(Weibull(k, λ) ‖ Gamma(α, β)) with β a rate.
func WeibullGammaKL(k, lambda, alpha, beta float64) float64 {
	lgAlpha, _ := math.Lgamma(alpha + epsLog)
	return eulerGamma*alpha/k - alpha*math.Log(lambda+epsLog) + math.Log(k+epsLog) +
		beta*lambda*math.Gamma(1+1/k) - eulerGamma - 1 -
		alpha*math.Log(beta+epsLog) + lgAlpha
}

// LogNormalKL is KL(N(μq, σq²) ‖ N(μp, σp²)) of the log-weights.
func LogNormalKL(muQ, sigmaQ, muP, sigmaP float64) float64 {
	d := muQ - muP
	return math.Log(sigmaP/sigmaQ+epsLog) + (sigmaQ*sigmaQ+d*d)/(2*sigmaP*sigmaP) - 0.5
}

// variational turns log attention probabilities into sampled weights and the
// mean KL to its prior. prior is the contextual prior distribution
// (b, h, 1, s), or nil when the prior parameters are not contextual.
type variational interface {
	forward(logprobs, prior *Tensor, rng *rand.Rand) (weights, kl *Tensor)
	parameters() []*Tensor
}

// weibullPosterior treats exp(logprobs) as the mean of a Weibull with shape k
// against a Gamma(α, β) prior.
type weibullPosterior struct {
	k     *Tensor // scalar, trainable with LearnWeibullShape
	alpha *Tensor // scalar, trainable with PriorParameter
	beta  float64
}

func newWeibullPosterior(cfg Config) *weibullPosterior {
	w := &weibullPosterior{
		k:     Full(cfg.KWeibull),
		alpha: Full(cfg.AlphaGamma),
		beta:  cfg.BetaGamma,
	}
	w.k.SetRequiresGrad(cfg.LearnWeibullShape)
	w.alpha.SetRequiresGrad(cfg.AttPriorType == PriorParameter)
	return w
}

func (w *weibullPosterior) forward(logprobs, prior *Tensor, rng *rand.Rand) (*Tensor, *Tensor) {
	invK := Div(Scalar(1), w.k)
	lgK := Lgamma(Shift(invK, 1))
	logLambda := Sub(logprobs, lgK)

	noise := NewTensor(logprobs.shape...)
	for i := range noise.data {
		u := rng.Float64()
		noise.data[i] = math.Log(-math.Log(1-u+epsLog) + epsLog)
	}
	weights := Softmax(Add(logLambda, Mul(invK, noise)), -1)

	alpha := w.alpha
	if prior != nil {
		alpha = Scale(prior, w.beta)
	}
	// λΓ(1+1/k) is the posterior mean, i.e. the attention probability.
	mean := Exp(Add(logLambda, lgK))
	kl := Sub(Mul(Scalar(eulerGamma), Div(alpha, w.k)), Mul(alpha, logLambda))
	kl = Add(kl, Log(Shift(w.k, epsLog)))
	kl = Add(kl, Scale(mean, w.beta))
	kl = Shift(kl, -eulerGamma-1)
	kl = Sub(kl, Scale(alpha, math.Log(w.beta+epsLog)))
	kl = Add(kl, Lgamma(Shift(alpha, epsLog)))
	return weights, Mean(kl)
}

func (w *weibullPosterior) parameters() []*Tensor {
	var params []*Tensor
	for _, p := range []*Tensor{w.k, w.alpha} {
		if p.requiresGrad {
			params = append(params, p)
		}
	}
	return params
}

// logNormalPosterior perturbs the log-probabilities with Gaussian noise of
// fixed scale against a Gaussian prior on the log-weights.
type logNormalPosterior struct {
	sigmaQ     float64
	sigmaPrior *Tensor // scalar, trainable with PriorParameter
}

func newLogNormalPosterior(cfg Config) *logNormalPosterior {
	l := &logNormalPosterior{
		sigmaQ:     cfg.SigmaNormalPosterior,
		sigmaPrior: Full(cfg.SigmaNormalPrior),
	}
	l.sigmaPrior.SetRequiresGrad(cfg.AttPriorType == PriorParameter)
	return l
}

func (l *logNormalPosterior) forward(logprobs, prior *Tensor, rng *rand.Rand) (*Tensor, *Tensor) {
	sq := l.sigmaQ
	muQ := Shift(logprobs, -sq*sq/2)
	noise := RandNormal(rng, 0, sq, logprobs.shape...)
	weights := Softmax(Add(muQ, noise), -1)

	muP := Scalar(0)
	if prior != nil {
		muP = Log(Shift(prior, epsLog))
	}
	sp := l.sigmaPrior
	logRatio := Log(Shift(Scale(sp, 1/sq), epsLog))
	quad := Div(Shift(Square(Sub(muQ, muP)), sq*sq), Scale(Square(sp), 2))
	kl := Shift(Add(logRatio, quad), -0.5)
	return weights, Mean(kl)
}

func (l *logNormalPosterior) parameters() []*Tensor {
	if l.sigmaPrior.requiresGrad {
		return []*Tensor{l.sigmaPrior}
	}
	return nil
}

// contextualPrior maps each key vector to a prior logit; the logits are
// masked and softmaxed over the key axis like the attention scores.
type contextualPrior struct {
	first  *Linear
	second *Linear // nil for the single-projection form
	act    Activation
}

func newContextualPrior(cfg Config, rng *rand.Rand) *contextualPrior {
	d := cfg.HeadSize()
	if !cfg.AttContextualSE {
		return &contextualPrior{first: newLinear(d, 1, FanInNormal(1), rng)}
	}
	return &contextualPrior{
		first:  newLinear(d, cfg.AttSEHidSize, FanInNormal(1), rng),
		second: newLinear(cfg.AttSEHidSize, 1, FanInNormal(1), rng),
		act:    cfg.AttSENonlinear.activation(),
	}
}

// forward maps key (b, h, s, d) to prior weights (b, h, 1, s).
func (c *contextualPrior) forward(key, mask *Tensor) *Tensor {
	logits := c.first.Forward(key)
	if c.second != nil {
		logits = c.second.Forward(c.act.apply(logits))
	}
	logits = Transpose(logits, 2, 3)
	if mask != nil {
		logits = Add(logits, mask)
	}
	return Softmax(logits, -1)
}

func (c *contextualPrior) parameters() []*Tensor {
	params := c.first.Parameters()
	if c.second != nil {
		params = append(params, c.second.Parameters()...)
	}
	return params
}
