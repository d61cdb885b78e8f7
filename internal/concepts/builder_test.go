package concepts

import (
	"context"
	"testing"

	"github.com/turtacn/selfexplain/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/selfexplain/pkg/errors"
)

// stubEmbedder hashes each phrase to a fixed-width vector without loading
// any model.
type stubEmbedder struct {
	dim  int
	fail bool
}

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if s.fail {
		return nil, errors.New(errors.CodeEncoderUnavailable, "stub failure")
	}
	vec := make([]float32, s.dim)
	for i := range vec {
		vec[i] = float32(len(text)+i) / 10
	}
	return vec, nil
}

func TestBuildPreservesPhraseOrder(t *testing.T) {
	phrases := []string{"a", "longer phrase", "mid one"}
	s, err := Build(context.Background(), &stubEmbedder{dim: 4}, phrases, logging.NewNop())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if s.NumConcepts() != 3 || s.Dim() != 4 {
		t.Fatalf("store is %dx%d, want 3x4", s.NumConcepts(), s.Dim())
	}
	for i, p := range phrases {
		if s.Text(i) != p {
			t.Errorf("Text(%d) = %q, want %q", i, s.Text(i), p)
		}
	}
}

func TestBuildEmptyPhrases(t *testing.T) {
	_, err := Build(context.Background(), &stubEmbedder{dim: 4}, nil, logging.NewNop())
	if !errors.IsCode(err, errors.CodeInvalidInput) {
		t.Errorf("got %v, want COMMON_002", err)
	}
}

func TestBuildPropagatesEmbedderErrors(t *testing.T) {
	_, err := Build(context.Background(), &stubEmbedder{dim: 4, fail: true}, []string{"x"}, logging.NewNop())
	if !errors.IsCode(err, errors.CodeEncoderUnavailable) {
		t.Errorf("got %v, want ENC_001", err)
	}
}
