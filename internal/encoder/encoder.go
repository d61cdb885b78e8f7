// Package encoder adapts an opaque pretrained sequence encoder for the
// selfexplain forward pass.  The backbone itself is an external artifact
// (a deterministic in-process fixture or a remote encoder service) and is
// never reimplemented here; the adapter's contract is token ids plus
// masks in, all per-layer hidden states out.
package encoder

import (
	"context"
	"fmt"

	"gorgonia.org/tensor"

	"github.com/turtacn/selfexplain/internal/config"
	"github.com/turtacn/selfexplain/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/selfexplain/pkg/errors"
)

// Encoding contains the raw encoder hidden states for one batch, one tensor
// of shape [B, T, D] per layer, embedding layer first and final encoder
// layer last.
type Encoding struct {
	LayerStates []*tensor.Dense
}

// Last returns the final layer's hidden states, the ones consumed by the
// pooler and the phrase aggregator.
func (e *Encoding) Last() *tensor.Dense {
	return e.LayerStates[len(e.LayerStates)-1]
}

// Encoder is the adapter contract for the pretrained backbone.
//
// tokens is an Int tensor [B, T]; attentionMask and tokenTypeIDs are Float32
// tensors [B, T].  Implementations must return one hidden-state tensor per
// layer, every one shaped [B, T, HiddenDim()].
type Encoder interface {
	Encode(ctx context.Context, tokens, attentionMask, tokenTypeIDs *tensor.Dense) (*Encoding, error)

	// HiddenDim is the hidden size D of every returned layer.
	HiddenDim() int

	// NumLayers is the number of hidden-state tensors Encode returns.
	NumLayers() int
}

// New selects the backend named by the configuration.
func New(cfg config.EncoderConfig, modelName string, logger logging.Logger) (Encoder, error) {
	switch cfg.Backend {
	case "fixture":
		return NewFixtureEncoder(cfg), nil
	case "remote":
		return NewRemoteEncoder(cfg, modelName, logger), nil
	default:
		return nil, errors.Newf(errors.CodeConfigInvalid, "unknown encoder backend %q", cfg.Backend)
	}
}

// validateInputs enforces the shared input contract for all Encoder
// implementations: 2-D tensors, aligned shapes, integer token ids.
func validateInputs(tokens, attentionMask, tokenTypeIDs *tensor.Dense) (b, t int, err error) {
	if tokens == nil || attentionMask == nil || tokenTypeIDs == nil {
		return 0, 0, errors.InvalidInput("encoder inputs must be non-nil")
	}
	if tokens.Dims() != 2 {
		return 0, 0, errors.ShapeMismatch(
			fmt.Sprintf("tokens must be 2-D [B,T], got shape %v", tokens.Shape()))
	}
	if tokens.Dtype() != tensor.Int {
		return 0, 0, errors.ShapeMismatch(
			fmt.Sprintf("tokens must have dtype int, got %v", tokens.Dtype()))
	}
	b, t = tokens.Shape()[0], tokens.Shape()[1]
	for name, m := range map[string]*tensor.Dense{
		"attention_mask": attentionMask,
		"token_type_ids": tokenTypeIDs,
	} {
		if m.Dims() != 2 || m.Shape()[0] != b || m.Shape()[1] != t {
			return 0, 0, errors.ShapeMismatch(
				fmt.Sprintf("%s shape %v does not match tokens shape [%d %d]", name, m.Shape(), b, t))
		}
	}
	return b, t, nil
}
