package data

import (
	"math/rand"

	"gorgonia.org/tensor"

	"github.com/turtacn/selfexplain/internal/config"
	"github.com/turtacn/selfexplain/internal/model"
)

// Batcher turns examples into padded model batches.  Every batch is padded
// to its own longest sequence and largest phrase count, not a global
// maximum, so short batches stay small.
type Batcher struct {
	batchSize  int
	maxSeqLen  int
	maxPhrases int
}

func NewBatcher(cfg config.TrainingConfig) *Batcher {
	return &Batcher{
		batchSize:  cfg.BatchSize,
		maxSeqLen:  cfg.MaxSeqLen,
		maxPhrases: cfg.MaxPhrases,
	}
}

// Batches slices the examples in order.  The final batch may be smaller
// than the configured size.
func (b *Batcher) Batches(examples []Example) []*model.Batch {
	var out []*model.Batch
	for start := 0; start < len(examples); start += b.batchSize {
		end := start + b.batchSize
		if end > len(examples) {
			end = len(examples)
		}
		out = append(out, b.pack(examples[start:end]))
	}
	return out
}

// Shuffled returns a shuffled copy of the examples.  A fixed seed gives a
// reproducible epoch order.
func Shuffled(examples []Example, seed int64) []Example {
	out := append([]Example(nil), examples...)
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(out), func(i, j int) {
		out[i], out[j] = out[j], out[i]
	})
	return out
}

func (b *Batcher) pack(examples []Example) *model.Batch {
	bs := len(examples)

	seqLen := 1
	phrases := 1
	for _, ex := range examples {
		if n := b.clampSeq(len(ex.Tokens)); n > seqLen {
			seqLen = n
		}
		if n := b.clampPhrases(len(ex.Phrases)); n > phrases {
			phrases = n
		}
	}

	tokens := make([]int, bs*seqLen)
	mask := make([]float32, bs*seqLen)
	span := make([]float32, bs*phrases*seqLen)

	for bi, ex := range examples {
		n := b.clampSeq(len(ex.Tokens))
		for ti := 0; ti < n; ti++ {
			tokens[bi*seqLen+ti] = ex.Tokens[ti]
			mask[bi*seqLen+ti] = 1
		}
		np := b.clampPhrases(len(ex.Phrases))
		for pi := 0; pi < np; pi++ {
			lo, hi := ex.Phrases[pi][0], ex.Phrases[pi][1]
			if hi > n {
				hi = n
			}
			for ti := lo; ti < hi; ti++ {
				span[(bi*phrases+pi)*seqLen+ti] = 1
			}
		}
	}

	labels := make([]int, bs)
	for bi, ex := range examples {
		labels[bi] = ex.Label
	}

	return &model.Batch{
		Tokens:     tensor.New(tensor.WithShape(bs, seqLen), tensor.WithBacking(tokens)),
		TokensMask: tensor.New(tensor.WithShape(bs, seqLen), tensor.WithBacking(mask)),
		SpanMatrix: tensor.New(tensor.WithShape(bs, phrases, seqLen), tensor.WithBacking(span)),
		Labels:     labels,
	}
}

func (b *Batcher) clampSeq(n int) int {
	if b.maxSeqLen > 0 && n > b.maxSeqLen {
		return b.maxSeqLen
	}
	return n
}

func (b *Batcher) clampPhrases(n int) int {
	if b.maxPhrases > 0 && n > b.maxPhrases {
		return b.maxPhrases
	}
	return n
}
