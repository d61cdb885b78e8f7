package concepts

import (
	"bufio"
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"gorgonia.org/tensor"

	"github.com/turtacn/selfexplain/pkg/errors"
)

// Load reads a concept store artifact, dispatching on file extension:
//
//	.pt   torch-serialized tensor (the upstream pipeline's native format)
//	.npy  numpy array
//	.gob  gob-encoded dense tensor written by SaveGob
//
// If a sibling file with the same base name and a .txt extension exists, it
// is read as one concept phrase per line.
func Load(path string) (*Store, error) {
	emb, err := LoadEmbeddings(path)
	if err != nil {
		return nil, err
	}
	texts, err := loadSidecarTexts(path)
	if err != nil {
		return nil, err
	}
	return NewStore(emb, texts)
}

// LoadEmbeddings reads just the [C, D] embedding matrix.
func LoadEmbeddings(path string) (*tensor.Dense, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".pt":
		return loadTorch(path)
	case ".npy":
		return loadNpy(path)
	case ".gob":
		return loadGob(path)
	default:
		return nil, errors.Newf(errors.CodeArtifactUnsupported,
			"unsupported concept store format %q", ext)
	}
}

// SaveGob writes the embedding matrix in the gob format Load understands.
// Used by the concepts build command, which has no reason to round-trip
// through torch serialization.
func SaveGob(path string, emb *tensor.Dense) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "create concept store file")
	}
	defer f.Close()

	zw := gzip.NewWriter(f)
	if err := gob.NewEncoder(zw).Encode(emb); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "encode concept store")
	}
	if err := zw.Close(); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "flush concept store")
	}
	return nil
}

// SaveTexts writes the sidecar phrase file next to a store artifact.
func SaveTexts(storePath string, texts []string) error {
	f, err := os.Create(sidecarPath(storePath))
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "create concept texts file")
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, t := range texts {
		if _, err := fmt.Fprintln(w, t); err != nil {
			return errors.Wrap(err, errors.CodeInternal, "write concept text")
		}
	}
	return w.Flush()
}

func sidecarPath(storePath string) string {
	return strings.TrimSuffix(storePath, filepath.Ext(storePath)) + ".txt"
}

func loadSidecarTexts(storePath string) ([]string, error) {
	f, err := os.Open(sidecarPath(storePath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.CodeInternal, "open concept texts file")
	}
	defer f.Close()

	var texts []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		texts = append(texts, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeArtifactCorrupt, "read concept texts file")
	}
	return texts, nil
}

func loadGob(path string) (*tensor.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeNotFound, "open concept store")
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeArtifactCorrupt, "read concept store header")
	}
	defer zr.Close()

	emb := new(tensor.Dense)
	if err := gob.NewDecoder(zr).Decode(emb); err != nil {
		return nil, errors.Wrap(err, errors.CodeArtifactCorrupt, "decode concept store")
	}
	return asFloat32Matrix(emb)
}

func loadNpy(path string) (*tensor.Dense, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeNotFound, "open concept store")
	}
	defer f.Close()

	emb := new(tensor.Dense)
	if err := emb.ReadNpy(f); err != nil {
		return nil, errors.Wrap(err, errors.CodeArtifactCorrupt, "parse npy concept store")
	}
	return asFloat32Matrix(emb)
}

// loadTorch unpickles a torch artifact and extracts the embedding tensor.
// The artifact is either a bare tensor or a dict; for dicts the first
// tensor-valued entry wins.
func loadTorch(path string) (*tensor.Dense, error) {
	obj, err := pytorch.Load(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeArtifactCorrupt, "unpickle concept store")
	}
	pt, err := findTorchTensor(obj)
	if err != nil {
		return nil, err
	}
	return torchToDense(pt)
}

func findTorchTensor(obj interface{}) (*pytorch.Tensor, error) {
	switch v := obj.(type) {
	case *pytorch.Tensor:
		return v, nil
	case *types.OrderedDict:
		for el := v.List.Front(); el != nil; el = el.Next() {
			entry := el.Value.(*types.OrderedDictEntry)
			if t, ok := entry.Value.(*pytorch.Tensor); ok {
				return t, nil
			}
		}
	case *types.Dict:
		for _, entry := range *v {
			if t, ok := entry.Value.(*pytorch.Tensor); ok {
				return t, nil
			}
		}
	}
	return nil, errors.New(errors.CodeArtifactCorrupt,
		"torch artifact does not contain a tensor")
}

func torchToDense(pt *pytorch.Tensor) (*tensor.Dense, error) {
	if len(pt.Size) != 2 {
		return nil, errors.ShapeMismatch(
			fmt.Sprintf("torch concept tensor must be 2-D, got size %v", pt.Size))
	}
	storage, ok := pt.Source.(*pytorch.FloatStorage)
	if !ok {
		return nil, errors.Newf(errors.CodeArtifactUnsupported,
			"torch concept tensor has storage %T, want float32", pt.Source)
	}
	c, d := pt.Size[0], pt.Size[1]
	backing := make([]float32, c*d)
	offset := int(pt.StorageOffset)
	for ci := 0; ci < c; ci++ {
		for di := 0; di < d; di++ {
			src := offset + ci*pt.Stride[0] + di*pt.Stride[1]
			if src >= len(storage.Data) {
				return nil, errors.New(errors.CodeArtifactCorrupt,
					"torch tensor strides point past the end of storage")
			}
			backing[ci*d+di] = storage.Data[src]
		}
	}
	return tensor.New(tensor.WithShape(c, d), tensor.WithBacking(backing)), nil
}

// asFloat32Matrix checks rank and narrows float64 payloads, which numpy
// emits by default, down to the float32 the model computes in.
func asFloat32Matrix(emb *tensor.Dense) (*tensor.Dense, error) {
	if emb.Dims() != 2 {
		return nil, errors.ShapeMismatch(
			fmt.Sprintf("concept store must be 2-D, got shape %v", emb.Shape()))
	}
	switch data := emb.Data().(type) {
	case []float32:
		return emb, nil
	case []float64:
		backing := make([]float32, len(data))
		for i, v := range data {
			backing[i] = float32(v)
		}
		return tensor.New(
			tensor.WithShape(emb.Shape()...),
			tensor.WithBacking(backing),
		), nil
	default:
		return nil, errors.Newf(errors.CodeArtifactUnsupported,
			"concept store has dtype %v, want float32", emb.Dtype())
	}
}
