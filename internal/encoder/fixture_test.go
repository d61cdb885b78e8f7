package encoder

import (
	"context"
	"testing"

	"gorgonia.org/tensor"

	"github.com/turtacn/selfexplain/internal/config"
	"github.com/turtacn/selfexplain/pkg/errors"
)

func fixtureConfig() config.EncoderConfig {
	return config.EncoderConfig{
		Backend:   "fixture",
		HiddenDim: 8,
		NumLayers: 3,
		Seed:      42,
	}
}

func makeInputs(t *testing.T, ids []int, mask []float32, b, seqLen int) (*tensor.Dense, *tensor.Dense, *tensor.Dense) {
	t.Helper()
	tokens := tensor.New(tensor.WithShape(b, seqLen), tensor.WithBacking(ids))
	attn := tensor.New(tensor.WithShape(b, seqLen), tensor.WithBacking(mask))
	types := tensor.New(tensor.WithShape(b, seqLen), tensor.WithBacking(append([]float32(nil), mask...)))
	return tokens, attn, types
}

func TestFixtureEncoderShapes(t *testing.T) {
	enc := NewFixtureEncoder(fixtureConfig())
	tokens, attn, types := makeInputs(t,
		[]int{10, 11, 12, 0, 20, 21, 0, 0},
		[]float32{1, 1, 1, 0, 1, 1, 0, 0},
		2, 4)

	out, err := enc.Encode(context.Background(), tokens, attn, types)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(out.LayerStates) != 3 {
		t.Fatalf("layer count = %d, want 3", len(out.LayerStates))
	}
	for i, layer := range out.LayerStates {
		want := tensor.Shape{2, 4, 8}
		if !layer.Shape().Eq(want) {
			t.Errorf("layer %d shape = %v, want %v", i, layer.Shape(), want)
		}
	}
	if out.Last() != out.LayerStates[2] {
		t.Error("Last() did not return the final layer")
	}
}

func TestFixtureEncoderDeterministic(t *testing.T) {
	enc := NewFixtureEncoder(fixtureConfig())
	ids := []int{10, 11, 12, 0}
	mask := []float32{1, 1, 1, 0}

	tokens1, attn1, types1 := makeInputs(t, append([]int(nil), ids...), append([]float32(nil), mask...), 1, 4)
	tokens2, attn2, types2 := makeInputs(t, append([]int(nil), ids...), append([]float32(nil), mask...), 1, 4)

	a, err := enc.Encode(context.Background(), tokens1, attn1, types1)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := enc.Encode(context.Background(), tokens2, attn2, types2)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for li := range a.LayerStates {
		av := a.LayerStates[li].Data().([]float32)
		bv := b.LayerStates[li].Data().([]float32)
		for i := range av {
			if av[i] != bv[i] {
				t.Fatalf("layer %d position %d differs: %v vs %v", li, i, av[i], bv[i])
			}
		}
	}
}

func TestFixtureEncoderPaddingIsZero(t *testing.T) {
	enc := NewFixtureEncoder(fixtureConfig())
	tokens, attn, types := makeInputs(t,
		[]int{10, 11, 0, 0},
		[]float32{1, 1, 0, 0},
		1, 4)

	out, err := enc.Encode(context.Background(), tokens, attn, types)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	last := out.Last().Data().([]float32)
	for ti := 2; ti < 4; ti++ {
		for d := 0; d < 8; d++ {
			if v := last[ti*8+d]; v != 0 {
				t.Fatalf("padding position %d dim %d = %v, want 0", ti, d, v)
			}
		}
	}
	// Non-padding positions must carry signal.
	var nonzero bool
	for d := 0; d < 8; d++ {
		if last[d] != 0 {
			nonzero = true
		}
	}
	if !nonzero {
		t.Error("first token encoded to all zeros")
	}
}

func TestFixtureEncoderSeedChangesOutput(t *testing.T) {
	cfgA := fixtureConfig()
	cfgB := fixtureConfig()
	cfgB.Seed = 7

	tokensA, attnA, typesA := makeInputs(t, []int{10, 11}, []float32{1, 1}, 1, 2)
	tokensB, attnB, typesB := makeInputs(t, []int{10, 11}, []float32{1, 1}, 1, 2)

	a, err := NewFixtureEncoder(cfgA).Encode(context.Background(), tokensA, attnA, typesA)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b, err := NewFixtureEncoder(cfgB).Encode(context.Background(), tokensB, attnB, typesB)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	av := a.Last().Data().([]float32)
	bv := b.Last().Data().([]float32)
	same := true
	for i := range av {
		if av[i] != bv[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different seeds produced identical encodings")
	}
}

func TestFixtureEncoderRejectsBadShapes(t *testing.T) {
	enc := NewFixtureEncoder(fixtureConfig())

	tokens := tensor.New(tensor.WithShape(1, 4), tensor.WithBacking([]int{1, 2, 3, 4}))
	shortMask := tensor.New(tensor.WithShape(1, 3), tensor.WithBacking([]float32{1, 1, 1}))
	okMask := tensor.New(tensor.WithShape(1, 4), tensor.WithBacking([]float32{1, 1, 1, 1}))

	if _, err := enc.Encode(context.Background(), tokens, shortMask, okMask); !errors.IsCode(err, errors.CodeShapeMismatch) {
		t.Errorf("mismatched mask: got %v, want SHAPE_001", err)
	}

	floatTokens := tensor.New(tensor.WithShape(1, 4), tensor.WithBacking([]float32{1, 2, 3, 4}))
	if _, err := enc.Encode(context.Background(), floatTokens, okMask, okMask); !errors.IsCode(err, errors.CodeShapeMismatch) {
		t.Errorf("float tokens: got %v, want SHAPE_001", err)
	}
}
