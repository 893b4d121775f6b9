package attnflow

import (
	"math/rand"
)

// ShuffleRows shuffles inputs and targets in place along axis 0, keeping
// rows paired.
func ShuffleRows(inputs, targets *Tensor, rng *rand.Rand) {
	n := inputs.shape[0]
	inputCols := len(inputs.data) / n
	targetCols := len(targets.data) / n

	for i := n - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		for k := 0; k < inputCols; k++ {
			inputs.data[i*inputCols+k], inputs.data[j*inputCols+k] =
				inputs.data[j*inputCols+k], inputs.data[i*inputCols+k]
		}
		for k := 0; k < targetCols; k++ {
			targets.data[i*targetCols+k], targets.data[j*targetCols+k] =
				targets.data[j*targetCols+k], targets.data[i*targetCols+k]
		}
	}
}

// GetBatch copies rows [start, start+batchSize) of data, clipped at the end.
func GetBatch(data *Tensor, start, batchSize int) *Tensor {
	total := data.shape[0]
	end := min(start+batchSize, total)
	batchShape := append([]int{end - start}, data.shape[1:]...)
	batch := NewTensor(batchShape...)
	perSample := len(data.data) / total
	copy(batch.data, data.data[start*perSample:end*perSample])
	return batch
}

// PaddingMask returns a (batch, seq) 0/1 mask with ones on the first
// lengths[b] positions of row b.
func PaddingMask(lengths []int, seq int) [][]float64 {
	mask := make([][]float64, len(lengths))
	for b, n := range lengths {
		mask[b] = make([]float64, seq)
		for j := 0; j < min(n, seq); j++ {
			mask[b][j] = 1
		}
	}
	return mask
}
