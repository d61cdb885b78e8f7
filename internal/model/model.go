package model

import (
	"context"
	"fmt"
	"math/rand"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/turtacn/selfexplain/internal/concepts"
	"github.com/turtacn/selfexplain/internal/config"
	"github.com/turtacn/selfexplain/internal/encoder"
	"github.com/turtacn/selfexplain/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/selfexplain/pkg/errors"
)

// Output is the result of one forward pass.  Alongside the fused logits it
// keeps the per-branch values that make a prediction explainable: the base
// classifier logits, the per-phrase logits, and the retrieved concept rows.
type Output struct {
	Logits         *tensor.Dense // [B, C]
	BaseLogits     *tensor.Dense // [B, C]
	PhraseLogits   *tensor.Dense // [B, P, C]
	ConceptIndices [][]int       // [B][K]
	Predicted      []int         // [B]
	Loss           float32
	Accuracy       float32
}

// Model wires the frozen encoder, the frozen concept store and the
// trainable heads into one classifier.
//
// Each distinct batch geometry (B, T, P) gets its own compiled graph; all
// graphs share the same parameter tensors, so training through one is
// visible to the others.  Gradients stop at the encoder hidden states and
// at the gathered concept rows, which enter the graphs as plain inputs.
type Model struct {
	cfg     config.ModelConfig
	enc     encoder.Encoder
	store   *concepts.Store
	params  *Params
	pooling Pooling
	device  concepts.Device

	graphs map[graphKey]*compiled
	rng    *rand.Rand
	logger logging.Logger
}

type graphKey struct {
	b, t, p int
}

// compiled is one shape-specialized graph with its tape machine and the
// value handles read back after every run.
type compiled struct {
	graph   *gorgonia.ExprGraph
	machine gorgonia.VM

	hidden, summary, span *gorgonia.Node
	conceptsIn, dropMask  *gorgonia.Node
	targets               *gorgonia.Node
	learnables            gorgonia.Nodes

	logitsVal, baseVal gorgonia.Value
	phraseVal, lossVal gorgonia.Value
}

// New builds the model, relocates the concept store onto the configured
// device and validates every cross-component dimension once, so the
// forward pass can limit itself to per-batch checks.
func New(cfg config.ModelConfig, enc encoder.Encoder, store *concepts.Store, device concepts.Device, seed int64, logger logging.Logger) (*Model, error) {
	pooling, err := ParsePooling(cfg.Pooling)
	if err != nil {
		return nil, err
	}
	if store.Dim() != enc.HiddenDim() {
		return nil, errors.New(errors.CodeConceptDimMismatch,
			fmt.Sprintf("concept dim %d does not match encoder hidden dim %d", store.Dim(), enc.HiddenDim()))
	}
	if cfg.TopK < 1 || cfg.TopK > store.NumConcepts() {
		return nil, errors.Newf(errors.CodeTopKOutOfRange,
			"topk %d out of range [1,%d]", cfg.TopK, store.NumConcepts())
	}
	if err := store.Relocate(device); err != nil {
		return nil, err
	}
	return &Model{
		cfg:     cfg,
		enc:     enc,
		store:   store,
		params:  NewParams(enc.HiddenDim(), cfg.NumClasses, seed),
		pooling: pooling,
		device:  device,
		graphs:  make(map[graphKey]*compiled),
		rng:     rand.New(rand.NewSource(seed)),
		logger:  logger.Named("model"),
	}, nil
}

// Params exposes the weight tensors for checkpointing.
func (m *Model) Params() *Params { return m.params }

// SetParams replaces the weights, typically with a loaded checkpoint.
// Compiled graphs are discarded so the next forward pass rebinds.
func (m *Model) SetParams(p *Params) {
	m.params = p
	m.resetGraphs()
}

// Forward runs one batch.  In training mode a fresh dropout mask is drawn;
// in eval mode the mask is all ones and the pass is deterministic.
func (m *Model) Forward(ctx context.Context, batch *Batch, train bool) (*Output, error) {
	if err := batch.Validate(m.cfg.NumClasses); err != nil {
		return nil, err
	}
	if err := m.store.AssertResident(m.device); err != nil {
		return nil, err
	}
	b, t, p := batch.Size()

	// The mask is passed as both the attention mask and the token type
	// ids.  The pretrained pipeline this model mirrors feeds the encoder
	// exactly this way, and the weights expect it.
	enc, err := m.enc.Encode(ctx, batch.Tokens, batch.TokensMask, batch.TokensMask)
	if err != nil {
		return nil, err
	}
	hidden := enc.Last()
	if !hidden.Shape().Eq(tensor.Shape{b, t, m.enc.HiddenDim()}) {
		return nil, errors.ShapeMismatch(
			fmt.Sprintf("encoder returned shape %v, want [%d %d %d]", hidden.Shape(), b, t, m.enc.HiddenDim()))
	}

	summary := summaryWeights(m.pooling, batch.TokensMask)
	dropMask := m.dropoutMask(b, train)

	// Top-k selection is not differentiable, so the retrieval query is the
	// pooled vector computed numerically on the same weights and dropout
	// mask the graph uses.  The gathered rows then enter the graph as
	// constants; with a frozen store that loses no gradient.
	query := pooledQuery(hidden, summary, m.params, dropMask)
	indices, err := m.store.TopK(query, m.cfg.TopK)
	if err != nil {
		return nil, err
	}
	gathered, err := m.store.Gather(indices)
	if err != nil {
		return nil, err
	}

	c, err := m.compiledFor(graphKey{b: b, t: t, p: p})
	if err != nil {
		return nil, err
	}

	for node, val := range map[*gorgonia.Node]*tensor.Dense{
		c.hidden:     hidden,
		c.summary:    summary,
		c.span:       batch.SpanMatrix,
		c.conceptsIn: gathered,
		c.dropMask:   dropMask,
		c.targets:    oneHotLabels(batch.Labels, m.cfg.NumClasses),
	} {
		if err := gorgonia.Let(node, val); err != nil {
			return nil, errors.Wrap(err, errors.CodeInternal, "bind graph input")
		}
	}

	if err := c.machine.RunAll(); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "run forward pass")
	}

	out, err := m.buildOutput(c, batch, indices)
	if err != nil {
		return nil, err
	}
	c.machine.Reset()
	return out, nil
}

// ValueGrads returns the weights paired with the gradients of the most
// recent training run on the given batch geometry, in solver order.
func (m *Model) ValueGrads(batch *Batch) ([]gorgonia.ValueGrad, error) {
	b, t, p := batch.Size()
	c, ok := m.graphs[graphKey{b: b, t: t, p: p}]
	if !ok {
		return nil, errors.New(errors.CodeInternal, "no compiled graph for this batch geometry")
	}
	return gorgonia.NodesToValueGrads(c.learnables), nil
}

// Close releases every compiled tape machine.
func (m *Model) Close() error {
	var first error
	for _, c := range m.graphs {
		if err := c.machine.Close(); err != nil && first == nil {
			first = err
		}
	}
	m.graphs = make(map[graphKey]*compiled)
	return first
}

func (m *Model) resetGraphs() {
	for _, c := range m.graphs {
		c.machine.Close()
	}
	m.graphs = make(map[graphKey]*compiled)
}

// dropoutMask draws the inverted-scale Bernoulli mask shared by the numeric
// retrieval query and the graph.
func (m *Model) dropoutMask(b int, train bool) *tensor.Dense {
	d := m.enc.HiddenDim()
	backing := make([]float32, b*d)
	if !train || m.cfg.DropoutRate == 0 {
		for i := range backing {
			backing[i] = 1
		}
	} else {
		keep := 1 - float32(m.cfg.DropoutRate)
		scale := 1 / keep
		for i := range backing {
			if m.rng.Float32() < keep {
				backing[i] = scale
			}
		}
	}
	return tensor.New(tensor.WithShape(b, d), tensor.WithBacking(backing))
}

func (m *Model) buildOutput(c *compiled, batch *Batch, indices [][]int) (*Output, error) {
	logits, ok := c.logitsVal.(*tensor.Dense)
	if !ok {
		return nil, errors.New(errors.CodeInternal, "logits were not materialized")
	}
	base, ok := c.baseVal.(*tensor.Dense)
	if !ok {
		return nil, errors.New(errors.CodeInternal, "base logits were not materialized")
	}
	phrase, ok := c.phraseVal.(*tensor.Dense)
	if !ok {
		return nil, errors.New(errors.CodeInternal, "phrase logits were not materialized")
	}
	loss := c.lossVal.Data().(float32)

	logitsCopy := logits.Clone().(*tensor.Dense)
	data := logitsCopy.Data().([]float32)
	nc := m.cfg.NumClasses

	predicted := make([]int, len(batch.Labels))
	correct := 0
	for bi := range predicted {
		best := 0
		for ci := 1; ci < nc; ci++ {
			if data[bi*nc+ci] > data[bi*nc+best] {
				best = ci
			}
		}
		predicted[bi] = best
		if best == batch.Labels[bi] {
			correct++
		}
	}

	return &Output{
		Logits:         logitsCopy,
		BaseLogits:     base.Clone().(*tensor.Dense),
		PhraseLogits:   phrase.Clone().(*tensor.Dense),
		ConceptIndices: indices,
		Predicted:      predicted,
		Loss:           loss,
		Accuracy:       float32(correct) / float32(len(predicted)),
	}, nil
}

func (m *Model) compiledFor(key graphKey) (*compiled, error) {
	if c, ok := m.graphs[key]; ok {
		return c, nil
	}
	c, err := m.compile(key)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("compiled forward graph",
		logging.Int("batch", key.b),
		logging.Int("seq_len", key.t),
		logging.Int("phrases", key.p))
	m.graphs[key] = c
	return c, nil
}
