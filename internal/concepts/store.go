// Package concepts holds the frozen concept store and its retrieval
// primitives.  The store is a [C, D] matrix of precomputed concept
// embeddings; it is never trained, only queried.
package concepts

import (
	"fmt"
	"sort"

	"gorgonia.org/tensor"

	"github.com/turtacn/selfexplain/pkg/errors"
)

// Device names where the store may reside.  Only the CPU backend is wired;
// the type exists so call sites state placement explicitly instead of
// relying on whatever device the last caller left the store on.
type Device string

const (
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// ParseDevice validates a device string from configuration.
func ParseDevice(s string) (Device, error) {
	switch Device(s) {
	case DeviceCPU:
		return DeviceCPU, nil
	case DeviceCUDA:
		return "", errors.New(errors.CodeConfigInvalid, "cuda concept store is not supported in this build")
	default:
		return "", errors.Newf(errors.CodeConfigInvalid, "unknown device %q", s)
	}
}

// Store is an immutable bank of concept embeddings.  Texts is optional and,
// when present, carries the source phrase of each row for interpretability
// output; len(Texts) is either 0 or C.
type Store struct {
	embeddings *tensor.Dense
	texts      []string
	device     Device
	resident   bool
}

// NewStore wraps a [C, D] float32 tensor.  The tensor is owned by the store
// afterwards and must not be mutated by the caller.
func NewStore(embeddings *tensor.Dense, texts []string) (*Store, error) {
	if embeddings == nil {
		return nil, errors.InvalidInput("concept embeddings must be non-nil")
	}
	if embeddings.Dims() != 2 {
		return nil, errors.ShapeMismatch(
			fmt.Sprintf("concept store must be 2-D [C,D], got shape %v", embeddings.Shape()))
	}
	if embeddings.Dtype() != tensor.Float32 {
		return nil, errors.ShapeMismatch(
			fmt.Sprintf("concept store must be float32, got %v", embeddings.Dtype()))
	}
	c := embeddings.Shape()[0]
	if c == 0 {
		return nil, errors.InvalidInput("concept store has no rows")
	}
	if len(texts) != 0 && len(texts) != c {
		return nil, errors.InvalidInput(
			fmt.Sprintf("got %d concept texts for %d embeddings", len(texts), c))
	}
	return &Store{embeddings: embeddings, texts: texts}, nil
}

// NumConcepts is C, the number of rows.
func (s *Store) NumConcepts() int { return s.embeddings.Shape()[0] }

// Dim is D, the embedding width.
func (s *Store) Dim() int { return s.embeddings.Shape()[1] }

// Embeddings exposes the raw [C, D] matrix for serialization.  Callers
// must treat it as read-only.
func (s *Store) Embeddings() *tensor.Dense { return s.embeddings }

// Text returns the source phrase of concept i, or "" when texts were not
// loaded alongside the embeddings.
func (s *Store) Text(i int) string {
	if len(s.texts) == 0 {
		return ""
	}
	return s.texts[i]
}

// Relocate pins the store to a device.  It must be called exactly once,
// before the first retrieval; the forward pass never moves the store.
func (s *Store) Relocate(d Device) error {
	if d != DeviceCPU {
		return errors.Newf(errors.CodeConfigInvalid, "cannot relocate concept store to %q", d)
	}
	s.device = d
	s.resident = true
	return nil
}

// AssertResident is the cheap hot-path check that Relocate already ran for
// the expected device.
func (s *Store) AssertResident(d Device) error {
	if !s.resident || s.device != d {
		return errors.Newf(errors.CodeStoreNotResident,
			"concept store not resident on %q (resident=%v device=%q)", d, s.resident, s.device)
	}
	return nil
}

// TopK scores every concept against each query row by raw inner product and
// returns the indices of the k best concepts per row, ordered by descending
// score.  Equal scores resolve to the lowest concept index, so retrieval is
// deterministic for a fixed store and query.
//
// queries must be a [B, D] float32 tensor with D == s.Dim().
func (s *Store) TopK(queries *tensor.Dense, k int) ([][]int, error) {
	if err := s.AssertResident(DeviceCPU); err != nil {
		return nil, err
	}
	if queries == nil || queries.Dims() != 2 {
		return nil, errors.ShapeMismatch("queries must be a 2-D [B,D] tensor")
	}
	b, d := queries.Shape()[0], queries.Shape()[1]
	if d != s.Dim() {
		return nil, errors.New(errors.CodeConceptDimMismatch,
			fmt.Sprintf("query dim %d does not match concept dim %d", d, s.Dim()))
	}
	c := s.NumConcepts()
	if k < 1 || k > c {
		return nil, errors.Newf(errors.CodeTopKOutOfRange,
			"topk %d out of range [1,%d]", k, c)
	}

	q := queries.Data().([]float32)
	emb := s.embeddings.Data().([]float32)

	out := make([][]int, b)
	scores := make([]float32, c)
	order := make([]int, c)
	for bi := 0; bi < b; bi++ {
		row := q[bi*d : (bi+1)*d]
		for ci := 0; ci < c; ci++ {
			var dot float32
			crow := emb[ci*d : (ci+1)*d]
			for di := range row {
				dot += row[di] * crow[di]
			}
			scores[ci] = dot
			order[ci] = ci
		}
		sort.SliceStable(order, func(i, j int) bool {
			return scores[order[i]] > scores[order[j]]
		})
		out[bi] = append([]int(nil), order[:k]...)
	}
	return out, nil
}

// Gather materializes the selected concept rows as a [B, K, D] tensor for
// the relevance head.
func (s *Store) Gather(indices [][]int) (*tensor.Dense, error) {
	if len(indices) == 0 {
		return nil, errors.InvalidInput("no index rows to gather")
	}
	k := len(indices[0])
	d := s.Dim()
	c := s.NumConcepts()
	emb := s.embeddings.Data().([]float32)

	backing := make([]float32, len(indices)*k*d)
	for bi, row := range indices {
		if len(row) != k {
			return nil, errors.ShapeMismatch(
				fmt.Sprintf("ragged index rows: row %d has %d entries, want %d", bi, len(row), k))
		}
		for ki, ci := range row {
			if ci < 0 || ci >= c {
				return nil, errors.InvalidInput(
					fmt.Sprintf("concept index %d out of range [0,%d)", ci, c))
			}
			copy(backing[(bi*k+ki)*d:(bi*k+ki+1)*d], emb[ci*d:(ci+1)*d])
		}
	}
	return tensor.New(
		tensor.WithShape(len(indices), k, d),
		tensor.WithBacking(backing),
	), nil
}
