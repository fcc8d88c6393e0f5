package embeddings

import "fmt"

// MeanPool averages each row's hidden states over its unmasked positions.
// mask is the flattened [batch, seq] attention mask. A row whose mask sums
// to zero gets a nil vector and a PoolingFailure in rowErrs; other rows are
// unaffected. err is set only when the shapes disagree.
func MeanPool(hidden *HiddenState, mask []int64) (vectors [][]float32, rowErrs []error, err error) {
	if hidden == nil {
		return nil, nil, fmt.Errorf("no hidden state")
	}
	if len(mask) != hidden.BatchSize*hidden.SeqLen {
		return nil, nil, fmt.Errorf("mask holds %d values, want %d", len(mask), hidden.BatchSize*hidden.SeqLen)
	}

	dim := hidden.HiddenSize
	vectors = make([][]float32, hidden.BatchSize)
	rowErrs = make([]error, hidden.BatchSize)

	for b := 0; b < hidden.BatchSize; b++ {
		rowMask := mask[b*hidden.SeqLen : (b+1)*hidden.SeqLen]
		row := hidden.Row(b)

		sum := make([]float64, dim)
		var count float64
		for s, m := range rowMask {
			if m == 0 {
				continue
			}
			w := float64(m)
			count += w
			offset := s * dim
			for d := 0; d < dim; d++ {
				sum[d] += float64(row[offset+d]) * w
			}
		}

		if count == 0 {
			rowErrs[b] = wrapErrorf(ErrPoolingFailed, "row %d has no unmasked positions", b)
			continue
		}

		out := make([]float32, dim)
		for d := range out {
			out[d] = float32(sum[d] / count)
		}
		vectors[b] = out
	}

	return vectors, rowErrs, nil
}
