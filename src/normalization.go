package attnflow

// LayerNormLayer - Layer Normalization over the last axis
// Normalizes across features, not batch
type LayerNormLayer struct {
	epsilon  float64
	gamma    *Tensor
	beta     *Tensor
	features int
}

type LayerNormBuilder struct {
	epsilon float64
}

func LayerNorm(epsilon float64) *LayerNormBuilder {
	return &LayerNormBuilder{epsilon: epsilon}
}

// Build allocates gamma (ones) and beta (zeros) for the given width.
func (b *LayerNormBuilder) Build(features int) (*LayerNormLayer, error) {
	if features <= 0 {
		return nil, configError("LayerNorm requires a positive feature count, got %d", features)
	}
	if b.epsilon <= 0 {
		return nil, configError("LayerNorm requires epsilon > 0, got %g", b.epsilon)
	}
	ln := &LayerNormLayer{
		epsilon:  b.epsilon,
		gamma:    Parameter(features),
		beta:     Parameter(features),
		features: features,
	}
	ln.gamma.fill(1.0)
	return ln, nil
}

func (ln *LayerNormLayer) Forward(x *Tensor) *Tensor {
	mean := MeanAxis(x, -1, true)
	centered := Sub(x, mean)
	variance := MeanAxis(Square(centered), -1, true)
	normalized := Div(centered, Sqrt(Shift(variance, ln.epsilon)))
	return Add(Mul(normalized, ln.gamma), ln.beta)
}

func (ln *LayerNormLayer) Parameters() []*Tensor { return []*Tensor{ln.gamma, ln.beta} }
