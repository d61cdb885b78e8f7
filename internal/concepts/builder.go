package concepts

import (
	"context"

	"github.com/nlpodyssey/cybertron/pkg/tasks"
	"github.com/nlpodyssey/cybertron/pkg/tasks/textencoding"
	"gorgonia.org/tensor"

	"github.com/turtacn/selfexplain/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/selfexplain/pkg/errors"
)

// TextEmbedder produces one sentence embedding per input phrase.  The
// production implementation wraps a cybertron text-encoding model; tests
// substitute a deterministic stub.
type TextEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// CybertronEmbedder loads a pretrained sentence encoder into the process
// and pools each phrase to a single vector.
type CybertronEmbedder struct {
	model textencoding.Interface
}

// meanPooling selects mean pooling over token embeddings when encoding a
// phrase.
const meanPooling = 0

// NewCybertronEmbedder downloads the named model into modelsDir on first
// use and keeps it resident for the lifetime of the embedder.
func NewCybertronEmbedder(modelsDir, modelName string) (*CybertronEmbedder, error) {
	m, err := tasks.Load[textencoding.Interface](&tasks.Config{
		ModelsDir: modelsDir,
		ModelName: modelName,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeEncoderUnavailable, "load text encoding model")
	}
	return &CybertronEmbedder{model: m}, nil
}

func (e *CybertronEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := e.model.Encode(ctx, text, meanPooling)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeEncoderResponse, "encode concept phrase")
	}
	data := result.Vector.Data().F64()
	out := make([]float32, len(data))
	for i, v := range data {
		out[i] = float32(v)
	}
	return out, nil
}

// Build embeds every phrase and assembles the [C, D] concept store.  Phrase
// order is preserved, so row i of the store always corresponds to
// phrases[i].
func Build(ctx context.Context, embedder TextEmbedder, phrases []string, logger logging.Logger) (*Store, error) {
	if len(phrases) == 0 {
		return nil, errors.InvalidInput("no concept phrases to embed")
	}

	var backing []float32
	dim := 0
	for i, phrase := range phrases {
		vec, err := embedder.Embed(ctx, phrase)
		if err != nil {
			return nil, err
		}
		if dim == 0 {
			dim = len(vec)
			backing = make([]float32, 0, len(phrases)*dim)
		} else if len(vec) != dim {
			return nil, errors.New(errors.CodeConceptDimMismatch,
				"embedder returned vectors of different widths")
		}
		backing = append(backing, vec...)
		if (i+1)%500 == 0 {
			logger.Info("embedding concept phrases",
				logging.Int("done", i+1),
				logging.Int("total", len(phrases)))
		}
	}

	emb := tensor.New(tensor.WithShape(len(phrases), dim), tensor.WithBacking(backing))
	return NewStore(emb, phrases)
}
