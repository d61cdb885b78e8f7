package model

import (
	"compress/gzip"
	"encoding/gob"
	"math"
	"math/rand"
	"os"

	"gorgonia.org/tensor"

	"github.com/turtacn/selfexplain/pkg/errors"
)

// Params holds the trainable weights.  Every field is a plain dense tensor
// shared across all compiled graphs, so a solver step through any graph is
// visible to every subsequent forward pass.
type Params struct {
	PoolerW *tensor.Dense // [D, D]
	PoolerB *tensor.Dense // [1, D]
	ClfW    *tensor.Dense // [D, C]
	ClfB    *tensor.Dense // [1, C]
	LilW    *tensor.Dense // [D, C]
	LilB    *tensor.Dense // [1, C]
	GilW    *tensor.Dense // [D, C]
	GilB    *tensor.Dense // [1, C]
}

// NewParams initializes weights with seeded Glorot-uniform draws and biases
// with zeros.  A fixed seed reproduces the exact same starting point.
func NewParams(dim, numClasses int, seed int64) *Params {
	rng := rand.New(rand.NewSource(seed))
	return &Params{
		PoolerW: glorotMatrix(rng, dim, dim),
		PoolerB: zeroRow(dim),
		ClfW:    glorotMatrix(rng, dim, numClasses),
		ClfB:    zeroRow(numClasses),
		LilW:    glorotMatrix(rng, dim, numClasses),
		LilB:    zeroRow(numClasses),
		GilW:    glorotMatrix(rng, dim, numClasses),
		GilB:    zeroRow(numClasses),
	}
}

// ordered returns the weights in the fixed order shared by graph
// construction and the solver, so optimizer state stays attached to the
// same parameter across differently shaped batches.
func (p *Params) ordered() []*tensor.Dense {
	return []*tensor.Dense{
		p.PoolerW, p.PoolerB,
		p.ClfW, p.ClfB,
		p.LilW, p.LilB,
		p.GilW, p.GilB,
	}
}

func glorotMatrix(rng *rand.Rand, fanIn, fanOut int) *tensor.Dense {
	limit := float32(math.Sqrt(6.0 / float64(fanIn+fanOut)))
	backing := make([]float32, fanIn*fanOut)
	for i := range backing {
		backing[i] = (rng.Float32()*2 - 1) * limit
	}
	return tensor.New(tensor.WithShape(fanIn, fanOut), tensor.WithBacking(backing))
}

func zeroRow(n int) *tensor.Dense {
	return tensor.New(tensor.WithShape(1, n), tensor.WithBacking(make([]float32, n)))
}

// checkpoint is the gob form of Params.
type checkpoint struct {
	PoolerW, PoolerB *tensor.Dense
	ClfW, ClfB       *tensor.Dense
	LilW, LilB       *tensor.Dense
	GilW, GilB       *tensor.Dense
}

// Save writes a checkpoint of the current weights.
func (p *Params) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "create checkpoint file")
	}
	defer f.Close()

	zw := gzip.NewWriter(f)
	ckpt := checkpoint{
		PoolerW: p.PoolerW, PoolerB: p.PoolerB,
		ClfW: p.ClfW, ClfB: p.ClfB,
		LilW: p.LilW, LilB: p.LilB,
		GilW: p.GilW, GilB: p.GilB,
	}
	if err := gob.NewEncoder(zw).Encode(&ckpt); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "encode checkpoint")
	}
	return zw.Close()
}

// LoadParams restores weights from a checkpoint written by Save and checks
// them against the expected dimensions.
func LoadParams(path string, dim, numClasses int) (*Params, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeNotFound, "open checkpoint file")
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeArtifactCorrupt, "read checkpoint header")
	}
	defer zr.Close()

	var ckpt checkpoint
	if err := gob.NewDecoder(zr).Decode(&ckpt); err != nil {
		return nil, errors.Wrap(err, errors.CodeArtifactCorrupt, "decode checkpoint")
	}
	p := &Params{
		PoolerW: ckpt.PoolerW, PoolerB: ckpt.PoolerB,
		ClfW: ckpt.ClfW, ClfB: ckpt.ClfB,
		LilW: ckpt.LilW, LilB: ckpt.LilB,
		GilW: ckpt.GilW, GilB: ckpt.GilB,
	}
	for _, w := range p.ordered() {
		if w == nil {
			return nil, errors.New(errors.CodeArtifactCorrupt, "checkpoint is missing weights")
		}
	}
	if s := p.PoolerW.Shape(); s[0] != dim || s[1] != dim {
		return nil, errors.ShapeMismatch("checkpoint pooler does not match the configured hidden dim")
	}
	if s := p.ClfW.Shape(); s[0] != dim || s[1] != numClasses {
		return nil, errors.ShapeMismatch("checkpoint classifier does not match the configured class count")
	}
	return p, nil
}
