package attnflow

import "fmt"

// Loss maps predictions and targets of the same shape to a scalar.
type Loss interface {
	Compute(pred, target *Tensor) (*Tensor, error)
	Name() string
}

// MSELoss - Mean Squared Error
type MSELoss struct {
	Reduction Reduction // "mean" or "sum"
}

type MSEConfig struct {
	Reduction Reduction
}

func MSE(config MSEConfig) Loss {
	return &MSELoss{Reduction: config.Reduction}
}

func (m *MSELoss) Compute(pred, target *Tensor) (*Tensor, error) {
	if err := sameShapes("MSELoss", pred, target); err != nil {
		return nil, err
	}
	sq := Square(Sub(pred, target))
	if m.Reduction == ReductionSum {
		return Sum(sq), nil
	}
	return Mean(sq), nil
}

func (m *MSELoss) Name() string { return "mse" }

// BinaryCrossEntropyLoss - mean BCE on logits against 0/1 targets
type BinaryCrossEntropyLoss struct{}

func BinaryCrossEntropy() Loss { return &BinaryCrossEntropyLoss{} }

func (b *BinaryCrossEntropyLoss) Compute(logits, target *Tensor) (*Tensor, error) {
	if err := sameShapes("BinaryCrossEntropyLoss", logits, target); err != nil {
		return nil, err
	}
	// max(x,0) - x·y + log(1 + e^-|x|), written with differentiable ops
	pos := relu(logits)
	softplus := Log(Shift(Exp(Neg(absOp(logits))), 1))
	return Mean(Add(Sub(pos, Mul(logits, Detach(target))), softplus)), nil
}

func (b *BinaryCrossEntropyLoss) Name() string { return "binary_cross_entropy" }

// LossByName resolves "mse" and "bce".
func LossByName(name string) (Loss, error) {
	switch name {
	case "mse":
		return MSE(MSEConfig{Reduction: ReductionMean}), nil
	case "bce", "binary_cross_entropy":
		return BinaryCrossEntropy(), nil
	}
	return nil, variantError("loss", name, []string{"mse", "bce"})
}

func sameShapes(component string, pred, target *Tensor) error {
	if !sameShape(pred.shape, target.shape) {
		return shapeError(component, "loss", fmt.Sprintf("target of shape %v", pred.shape),
			"target has shape %v", target.shape)
	}
	return nil
}
