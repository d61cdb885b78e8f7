// Package model implements the self-explaining classifier: a pooled
// sentence representation over frozen encoder states, a phrase-level
// relevance head driven by span indicator matrices, and a concept-level
// head driven by retrieval from the frozen concept store.
package model

import (
	"fmt"

	"gorgonia.org/tensor"

	"github.com/turtacn/selfexplain/pkg/errors"
)

// Batch is one padded minibatch ready for the forward pass.
//
//	Tokens     [B, T] int      token ids, 0 past the sequence end
//	TokensMask [B, T] float32  1 at real tokens, 0 at padding
//	SpanMatrix [B, P, T] float32  row p selects the tokens of phrase p;
//	                              all-zero rows are padding phrase slots
//	Labels     length B        gold class per example
//
// The mask does double duty downstream: it is handed to the encoder as both
// the attention mask and the token type ids, matching the upstream
// pipeline the model weights were trained against.
type Batch struct {
	Tokens     *tensor.Dense
	TokensMask *tensor.Dense
	SpanMatrix *tensor.Dense
	Labels     []int
}

// Size returns (B, T, P).
func (b *Batch) Size() (batch, seqLen, phrases int) {
	s := b.SpanMatrix.Shape()
	return s[0], s[2], s[1]
}

// Validate checks the cross-tensor shape contract and label range before
// any graph work happens.
func (b *Batch) Validate(numClasses int) error {
	if b.Tokens == nil || b.TokensMask == nil || b.SpanMatrix == nil {
		return errors.InvalidInput("batch tensors must be non-nil")
	}
	if b.Tokens.Dims() != 2 || b.Tokens.Dtype() != tensor.Int {
		return errors.ShapeMismatch(
			fmt.Sprintf("tokens must be 2-D int, got %v %v", b.Tokens.Shape(), b.Tokens.Dtype()))
	}
	bs, t := b.Tokens.Shape()[0], b.Tokens.Shape()[1]
	if bs == 0 || t == 0 {
		return errors.InvalidInput("empty batch")
	}
	if b.TokensMask.Dims() != 2 || b.TokensMask.Shape()[0] != bs || b.TokensMask.Shape()[1] != t {
		return errors.ShapeMismatch(
			fmt.Sprintf("mask shape %v does not match tokens [%d %d]", b.TokensMask.Shape(), bs, t))
	}
	if b.SpanMatrix.Dims() != 3 || b.SpanMatrix.Shape()[0] != bs || b.SpanMatrix.Shape()[2] != t {
		return errors.ShapeMismatch(
			fmt.Sprintf("span matrix shape %v does not match [%d P %d]", b.SpanMatrix.Shape(), bs, t))
	}
	if b.SpanMatrix.Shape()[1] == 0 {
		return errors.InvalidInput("span matrix has no phrase slots")
	}
	if len(b.Labels) != bs {
		return errors.ShapeMismatch(
			fmt.Sprintf("got %d labels for batch size %d", len(b.Labels), bs))
	}
	for i, l := range b.Labels {
		if l < 0 || l >= numClasses {
			return errors.InvalidInput(
				fmt.Sprintf("label %d at row %d out of range [0,%d)", l, i, numClasses))
		}
	}
	mask := b.TokensMask.Data().([]float32)
	for bi := 0; bi < bs; bi++ {
		var any bool
		for ti := 0; ti < t; ti++ {
			if mask[bi*t+ti] != 0 {
				any = true
				break
			}
		}
		if !any {
			return errors.InvalidInput(fmt.Sprintf("row %d is fully masked", bi))
		}
	}
	return nil
}

// oneHotLabels builds the [B, C] float32 target matrix for the
// cross-entropy term.
func oneHotLabels(labels []int, numClasses int) *tensor.Dense {
	backing := make([]float32, len(labels)*numClasses)
	for i, l := range labels {
		backing[i*numClasses+l] = 1
	}
	return tensor.New(
		tensor.WithShape(len(labels), numClasses),
		tensor.WithBacking(backing),
	)
}
