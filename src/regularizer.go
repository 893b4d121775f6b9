package attnflow

// WeightRegularizer adds a penalty on parameter values to a training loss.
// It is independent of the attention regularizers, which act on
// activations.
type WeightRegularizer interface {
	Penalty(params []*Tensor) *Tensor
	Name() string
}

// L1Regularizer - Lasso regularization
type L1Regularizer struct {
	Lambda float64
}

func L1(lambda float64) WeightRegularizer {
	return &L1Regularizer{Lambda: lambda}
}

func (l *L1Regularizer) Penalty(params []*Tensor) *Tensor {
	return Scale(sumOver(params, absOp), l.Lambda)
}

func (l *L1Regularizer) Name() string { return "l1" }

// L2Regularizer - Ridge regularization, 0.5·λ·Σw²
type L2Regularizer struct {
	Lambda float64
}

func L2(lambda float64) WeightRegularizer {
	return &L2Regularizer{Lambda: lambda}
}

func (l *L2Regularizer) Penalty(params []*Tensor) *Tensor {
	return Scale(sumOver(params, Square), 0.5*l.Lambda)
}

func (l *L2Regularizer) Name() string { return "l2" }

// ElasticNetRegularizer - L1 + L2
type ElasticNetRegularizer struct {
	L1Lambda float64
	L2Lambda float64
	L1Ratio  float64
}

func ElasticNet(l1Lambda, l2Lambda, l1Ratio float64) WeightRegularizer {
	return &ElasticNetRegularizer{
		L1Lambda: l1Lambda,
		L2Lambda: l2Lambda,
		L1Ratio:  l1Ratio,
	}
}

func (e *ElasticNetRegularizer) Penalty(params []*Tensor) *Tensor {
	l1 := Scale(sumOver(params, absOp), e.L1Ratio*e.L1Lambda)
	l2 := Scale(sumOver(params, Square), (1-e.L1Ratio)*0.5*e.L2Lambda)
	return Add(l1, l2)
}

func (e *ElasticNetRegularizer) Name() string { return "elastic_net" }

// NoRegularizer - no regularization
type NoRegularizer struct{}

func NoReg() WeightRegularizer { return &NoRegularizer{} }

func (n *NoRegularizer) Penalty(params []*Tensor) *Tensor { return Scalar(0) }
func (n *NoRegularizer) Name() string                     { return "none" }

// WeightRegularizerByName resolves "l1", "l2" and "none" with strength lambda.
func WeightRegularizerByName(name string, lambda float64) (WeightRegularizer, error) {
	switch name {
	case "l1":
		return L1(lambda), nil
	case "l2":
		return L2(lambda), nil
	case "none", "":
		return NoReg(), nil
	}
	return nil, variantError("weight_regularizer", name, []string{"l1", "l2", "none"})
}

func sumOver(params []*Tensor, f func(*Tensor) *Tensor) *Tensor {
	total := Scalar(0)
	for _, p := range params {
		total = Add(total, Sum(f(p)))
	}
	return total
}

func absOp(t *Tensor) *Tensor {
	return unary("abs", t,
		func(v float64) float64 {
			if v < 0 {
				return -v
			}
			return v
		},
		func(v, out float64) float64 {
			switch {
			case v > 0:
				return 1
			case v < 0:
				return -1
			}
			return 0
		})
}
