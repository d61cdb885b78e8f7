package concepts

import (
	"testing"

	"gorgonia.org/tensor"

	"github.com/turtacn/selfexplain/pkg/errors"
)

func newTestStore(t *testing.T, rows [][]float32) *Store {
	t.Helper()
	d := len(rows[0])
	backing := make([]float32, 0, len(rows)*d)
	for _, r := range rows {
		backing = append(backing, r...)
	}
	emb := tensor.New(tensor.WithShape(len(rows), d), tensor.WithBacking(backing))
	s, err := NewStore(emb, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := s.Relocate(DeviceCPU); err != nil {
		t.Fatalf("Relocate: %v", err)
	}
	return s
}

func queries(rows [][]float32) *tensor.Dense {
	d := len(rows[0])
	backing := make([]float32, 0, len(rows)*d)
	for _, r := range rows {
		backing = append(backing, r...)
	}
	return tensor.New(tensor.WithShape(len(rows), d), tensor.WithBacking(backing))
}

func TestNewStoreRejectsBadShapes(t *testing.T) {
	cube := tensor.New(tensor.WithShape(2, 2, 2), tensor.WithBacking(make([]float32, 8)))
	if _, err := NewStore(cube, nil); !errors.IsCode(err, errors.CodeShapeMismatch) {
		t.Errorf("3-D store: got %v", err)
	}

	f64 := tensor.New(tensor.WithShape(2, 2), tensor.WithBacking(make([]float64, 4)))
	if _, err := NewStore(f64, nil); !errors.IsCode(err, errors.CodeShapeMismatch) {
		t.Errorf("float64 store: got %v", err)
	}

	emb := tensor.New(tensor.WithShape(2, 2), tensor.WithBacking(make([]float32, 4)))
	if _, err := NewStore(emb, []string{"only one"}); !errors.IsCode(err, errors.CodeInvalidInput) {
		t.Errorf("mismatched texts: got %v", err)
	}
}

func TestTopKOrdersByScore(t *testing.T) {
	s := newTestStore(t, [][]float32{
		{1, 0}, // concept 0
		{0, 1}, // concept 1
		{2, 0}, // concept 2
		{0, 3}, // concept 3
	})

	idx, err := s.TopK(queries([][]float32{{1, 0}}), 2)
	if err != nil {
		t.Fatalf("TopK: %v", err)
	}
	// Scores against the query are [1, 0, 2, 0]; concept 2 wins, then 0.
	want := []int{2, 0}
	if len(idx) != 1 || idx[0][0] != want[0] || idx[0][1] != want[1] {
		t.Errorf("TopK = %v, want [%v]", idx, want)
	}
}

func TestTopKTieBreaksToLowestIndex(t *testing.T) {
	s := newTestStore(t, [][]float32{
		{1, 1},
		{1, 1},
		{1, 1},
	})

	idx, err := s.TopK(queries([][]float32{{1, 0}}), 2)
	if err != nil {
		t.Fatalf("TopK: %v", err)
	}
	if idx[0][0] != 0 || idx[0][1] != 1 {
		t.Errorf("tied scores returned %v, want [0 1]", idx[0])
	}
}

func TestTopKPerRow(t *testing.T) {
	s := newTestStore(t, [][]float32{
		{1, 0},
		{0, 1},
	})

	idx, err := s.TopK(queries([][]float32{{5, 0}, {0, 5}}), 1)
	if err != nil {
		t.Fatalf("TopK: %v", err)
	}
	if idx[0][0] != 0 || idx[1][0] != 1 {
		t.Errorf("per-row retrieval = %v, want [[0] [1]]", idx)
	}
}

func TestTopKFullStoreIsValid(t *testing.T) {
	s := newTestStore(t, [][]float32{{1, 0}, {0, 1}})

	idx, err := s.TopK(queries([][]float32{{1, 1}}), 2)
	if err != nil {
		t.Fatalf("TopK with k == C: %v", err)
	}
	if len(idx[0]) != 2 {
		t.Errorf("got %d indices, want 2", len(idx[0]))
	}
}

func TestTopKRangeAndDimErrors(t *testing.T) {
	s := newTestStore(t, [][]float32{{1, 0}, {0, 1}})

	if _, err := s.TopK(queries([][]float32{{1, 1}}), 3); !errors.IsCode(err, errors.CodeTopKOutOfRange) {
		t.Errorf("k > C: got %v", err)
	}
	if _, err := s.TopK(queries([][]float32{{1, 1}}), 0); !errors.IsCode(err, errors.CodeTopKOutOfRange) {
		t.Errorf("k == 0: got %v", err)
	}
	if _, err := s.TopK(queries([][]float32{{1, 1, 1}}), 1); !errors.IsCode(err, errors.CodeConceptDimMismatch) {
		t.Errorf("dim mismatch: got %v", err)
	}
}

func TestTopKRequiresResidentStore(t *testing.T) {
	emb := tensor.New(tensor.WithShape(2, 2), tensor.WithBacking([]float32{1, 0, 0, 1}))
	s, err := NewStore(emb, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := s.TopK(queries([][]float32{{1, 0}}), 1); !errors.IsCode(err, errors.CodeStoreNotResident) {
		t.Errorf("unrelocated store: got %v", err)
	}
}

func TestGatherShapesAndValues(t *testing.T) {
	s := newTestStore(t, [][]float32{
		{1, 2},
		{3, 4},
		{5, 6},
	})

	got, err := s.Gather([][]int{{2, 0}, {1, 1}})
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if !got.Shape().Eq(tensor.Shape{2, 2, 2}) {
		t.Fatalf("shape = %v, want [2 2 2]", got.Shape())
	}
	want := []float32{5, 6, 1, 2, 3, 4, 3, 4}
	data := got.Data().([]float32)
	for i := range want {
		if data[i] != want[i] {
			t.Errorf("gathered[%d] = %v, want %v", i, data[i], want[i])
		}
	}
}

func TestGatherRejectsOutOfRange(t *testing.T) {
	s := newTestStore(t, [][]float32{{1, 2}, {3, 4}})
	if _, err := s.Gather([][]int{{2}}); !errors.IsCode(err, errors.CodeInvalidInput) {
		t.Errorf("out-of-range index: got %v", err)
	}
}

func TestParseDevice(t *testing.T) {
	if d, err := ParseDevice("cpu"); err != nil || d != DeviceCPU {
		t.Errorf("cpu: got %v, %v", d, err)
	}
	if _, err := ParseDevice("cuda"); !errors.IsCode(err, errors.CodeConfigInvalid) {
		t.Errorf("cuda: got %v", err)
	}
	if _, err := ParseDevice("tpu"); !errors.IsCode(err, errors.CodeConfigInvalid) {
		t.Errorf("tpu: got %v", err)
	}
}

func TestStoreTexts(t *testing.T) {
	emb := tensor.New(tensor.WithShape(2, 2), tensor.WithBacking([]float32{1, 0, 0, 1}))
	s, err := NewStore(emb, []string{"rising prices", "falling demand"})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if got := s.Text(1); got != "falling demand" {
		t.Errorf("Text(1) = %q", got)
	}

	bare, err := NewStore(emb, nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if got := bare.Text(0); got != "" {
		t.Errorf("Text without sidecar = %q, want empty", got)
	}
}
