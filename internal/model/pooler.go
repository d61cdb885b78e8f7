package model

import (
	"github.com/chewxy/math32"
	"gorgonia.org/tensor"

	"github.com/turtacn/selfexplain/pkg/errors"
)

// Pooling selects how a sequence of hidden states collapses to one sentence
// vector.
type Pooling string

const (
	// PoolLast takes the hidden state at the last unmasked position, the
	// convention for XLNet-style encoders whose summary token sits at the
	// sequence end.
	PoolLast Pooling = "Last"
	// PoolFirst takes position 0, the BERT-style [CLS] convention.
	PoolFirst Pooling = "First"
	// PoolMean averages the unmasked positions.
	PoolMean Pooling = "Mean"
)

// ParsePooling validates a pooling name from configuration.
func ParsePooling(s string) (Pooling, error) {
	switch Pooling(s) {
	case PoolLast, PoolFirst, PoolMean:
		return Pooling(s), nil
	default:
		return "", errors.Newf(errors.CodeConfigInvalid, "unknown pooling strategy %q", s)
	}
}

// summaryWeights builds the [B, 1, T] selection matrix that reduces hidden
// states [B, T, D] to the pooled input [B, 1, D] under a batched matmul.
// Expressing all three strategies as one matmul keeps the pooling step on
// the same machinery as the phrase aggregation.
func summaryWeights(strategy Pooling, mask *tensor.Dense) *tensor.Dense {
	b, t := mask.Shape()[0], mask.Shape()[1]
	m := mask.Data().([]float32)
	backing := make([]float32, b*t)

	for bi := 0; bi < b; bi++ {
		row := m[bi*t : (bi+1)*t]
		switch strategy {
		case PoolFirst:
			backing[bi*t] = 1
		case PoolLast:
			last := 0
			for ti := 0; ti < t; ti++ {
				if row[ti] != 0 {
					last = ti
				}
			}
			backing[bi*t+last] = 1
		case PoolMean:
			var total float32
			for ti := 0; ti < t; ti++ {
				total += row[ti]
			}
			for ti := 0; ti < t; ti++ {
				backing[bi*t+ti] = row[ti] / total
			}
		}
	}
	return tensor.New(tensor.WithShape(b, 1, t), tensor.WithBacking(backing))
}

// pooledQuery mirrors the graph-side pooler numerically:
//
//	tanh(summary·hidden·W + b) ⊙ dropMask
//
// The concept retrieval needs the pooled vector before the graph runs, and
// top-k selection is not differentiable anyway, so the query is computed
// here on the exact same weights and dropout mask the graph will use.  The
// retrieved indices are then fed back into the graph as constants.
func pooledQuery(hidden, summary *tensor.Dense, p *Params, dropMask *tensor.Dense) *tensor.Dense {
	b := hidden.Shape()[0]
	t := hidden.Shape()[1]
	d := hidden.Shape()[2]

	h := hidden.Data().([]float32)
	s := summary.Data().([]float32)
	w := p.PoolerW.Data().([]float32)
	bias := p.PoolerB.Data().([]float32)
	drop := dropMask.Data().([]float32)

	pooled := make([]float32, b*d)
	for bi := 0; bi < b; bi++ {
		for ti := 0; ti < t; ti++ {
			weight := s[bi*t+ti]
			if weight == 0 {
				continue
			}
			hr := h[(bi*t+ti)*d : (bi*t+ti+1)*d]
			pr := pooled[bi*d : (bi+1)*d]
			for di := range pr {
				pr[di] += weight * hr[di]
			}
		}
	}

	out := make([]float32, b*d)
	for bi := 0; bi < b; bi++ {
		pr := pooled[bi*d : (bi+1)*d]
		or := out[bi*d : (bi+1)*d]
		for do := 0; do < d; do++ {
			var acc float32
			for di := 0; di < d; di++ {
				acc += pr[di] * w[di*d+do]
			}
			or[do] = math32.Tanh(acc+bias[do]) * drop[bi*d+do]
		}
	}
	return tensor.New(tensor.WithShape(b, d), tensor.WithBacking(out))
}
