package model

import (
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/turtacn/selfexplain/pkg/errors"
)

// compile builds the forward and backward graph for one batch geometry.
// Parameter nodes are bound to the shared weight tensors via Let, so the
// solver mutates the same backing arrays every compiled graph sees.
func (m *Model) compile(key graphKey) (*compiled, error) {
	b, t, p := key.b, key.t, key.p
	d := m.enc.HiddenDim()
	nc := m.cfg.NumClasses
	k := m.cfg.TopK

	g := gorgonia.NewGraph()

	c := &compiled{graph: g}
	c.hidden = gorgonia.NewTensor(g, tensor.Float32, 3, gorgonia.WithShape(b, t, d), gorgonia.WithName("hidden"))
	c.summary = gorgonia.NewTensor(g, tensor.Float32, 3, gorgonia.WithShape(b, 1, t), gorgonia.WithName("summary"))
	c.span = gorgonia.NewTensor(g, tensor.Float32, 3, gorgonia.WithShape(b, p, t), gorgonia.WithName("span"))
	c.conceptsIn = gorgonia.NewTensor(g, tensor.Float32, 3, gorgonia.WithShape(b, k, d), gorgonia.WithName("concepts"))
	c.dropMask = gorgonia.NewMatrix(g, tensor.Float32, gorgonia.WithShape(b, d), gorgonia.WithName("dropout_mask"))
	c.targets = gorgonia.NewMatrix(g, tensor.Float32, gorgonia.WithShape(b, nc), gorgonia.WithName("targets"))

	poolerW := gorgonia.NewMatrix(g, tensor.Float32, gorgonia.WithShape(d, d), gorgonia.WithName("pooler_w"))
	poolerB := gorgonia.NewMatrix(g, tensor.Float32, gorgonia.WithShape(1, d), gorgonia.WithName("pooler_b"))
	clfW := gorgonia.NewMatrix(g, tensor.Float32, gorgonia.WithShape(d, nc), gorgonia.WithName("clf_w"))
	clfB := gorgonia.NewMatrix(g, tensor.Float32, gorgonia.WithShape(1, nc), gorgonia.WithName("clf_b"))
	lilW := gorgonia.NewMatrix(g, tensor.Float32, gorgonia.WithShape(d, nc), gorgonia.WithName("lil_w"))
	lilB := gorgonia.NewMatrix(g, tensor.Float32, gorgonia.WithShape(1, nc), gorgonia.WithName("lil_b"))
	gilW := gorgonia.NewMatrix(g, tensor.Float32, gorgonia.WithShape(d, nc), gorgonia.WithName("gil_w"))
	gilB := gorgonia.NewMatrix(g, tensor.Float32, gorgonia.WithShape(1, nc), gorgonia.WithName("gil_b"))

	c.learnables = gorgonia.Nodes{poolerW, poolerB, clfW, clfB, lilW, lilB, gilW, gilB}
	for i, w := range m.params.ordered() {
		if err := gorgonia.Let(c.learnables[i], w); err != nil {
			return nil, errors.Wrap(err, errors.CodeInternal, "bind parameter tensor")
		}
	}

	// Sentence branch: pool, project, squash, drop.
	pooledRaw, err := gorgonia.BatchedMatMul(c.summary, c.hidden)
	if err != nil {
		return nil, compileErr(err)
	}
	pooledFlat, err := gorgonia.Reshape(pooledRaw, tensor.Shape{b, d})
	if err != nil {
		return nil, compileErr(err)
	}
	pooledLin, err := linear(pooledFlat, poolerW, poolerB)
	if err != nil {
		return nil, compileErr(err)
	}
	pooledAct, err := gorgonia.Tanh(pooledLin)
	if err != nil {
		return nil, compileErr(err)
	}
	pooled, err := gorgonia.HadamardProd(pooledAct, c.dropMask)
	if err != nil {
		return nil, compileErr(err)
	}
	baseLogits, err := linear(pooled, clfW, clfB)
	if err != nil {
		return nil, compileErr(err)
	}

	// Phrase branch: every span row sums its token states, then a shared
	// linear head scores each phrase.
	phraseHidden, err := gorgonia.BatchedMatMul(c.span, c.hidden)
	if err != nil {
		return nil, compileErr(err)
	}
	phraseAct, err := gorgonia.Rectify(phraseHidden)
	if err != nil {
		return nil, compileErr(err)
	}
	phraseLogits, err := slotLinear(phraseAct, lilW, lilB, b, p, d, nc)
	if err != nil {
		return nil, compileErr(err)
	}
	// The mean runs over every phrase slot, padding included.  Padded
	// slots contribute the head bias, exactly as the reference weights
	// were trained.
	lilMean, err := gorgonia.Mean(phraseLogits, 1)
	if err != nil {
		return nil, compileErr(err)
	}

	// Concept branch: the gathered store rows are scored by their own
	// linear head and averaged.
	conceptLogits, err := slotLinear(c.conceptsIn, gilW, gilB, b, k, d, nc)
	if err != nil {
		return nil, compileErr(err)
	}
	gilMean, err := gorgonia.Mean(conceptLogits, 1)
	if err != nil {
		return nil, compileErr(err)
	}

	logits, err := fuse(baseLogits, lilMean, gilMean, float32(m.cfg.Lamda), float32(m.cfg.Gamma))
	if err != nil {
		return nil, compileErr(err)
	}

	loss, err := crossEntropy(logits, c.targets)
	if err != nil {
		return nil, compileErr(err)
	}

	gorgonia.Read(logits, &c.logitsVal)
	gorgonia.Read(baseLogits, &c.baseVal)
	gorgonia.Read(phraseLogits, &c.phraseVal)
	gorgonia.Read(loss, &c.lossVal)

	if _, err := gorgonia.Grad(loss, c.learnables...); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "build backward graph")
	}

	c.machine = gorgonia.NewTapeMachine(g, gorgonia.BindDualValues(c.learnables...))
	return c, nil
}

func compileErr(err error) error {
	return errors.Wrap(err, errors.CodeInternal, "compile forward graph")
}

// linear is x·W + b with the bias row broadcast over the batch.
func linear(x, w, bias *gorgonia.Node) (*gorgonia.Node, error) {
	xw, err := gorgonia.Mul(x, w)
	if err != nil {
		return nil, err
	}
	return gorgonia.BroadcastAdd(xw, bias, nil, []byte{0})
}

// slotLinear applies one linear head independently to every slot of a
// [b, slots, d] tensor, returning [b, slots, out].
func slotLinear(x, w, bias *gorgonia.Node, b, slots, d, out int) (*gorgonia.Node, error) {
	flat, err := gorgonia.Reshape(x, tensor.Shape{b * slots, d})
	if err != nil {
		return nil, err
	}
	scored, err := linear(flat, w, bias)
	if err != nil {
		return nil, err
	}
	return gorgonia.Reshape(scored, tensor.Shape{b, slots, out})
}

// fuse combines the three branches: base + lamda·phrase + gamma·concept.
func fuse(base, lilMean, gilMean *gorgonia.Node, lamda, gamma float32) (*gorgonia.Node, error) {
	scaledLil, err := gorgonia.Mul(gorgonia.NewConstant(lamda, gorgonia.WithName("lamda")), lilMean)
	if err != nil {
		return nil, err
	}
	scaledGil, err := gorgonia.Mul(gorgonia.NewConstant(gamma, gorgonia.WithName("gamma")), gilMean)
	if err != nil {
		return nil, err
	}
	sum, err := gorgonia.Add(base, scaledLil)
	if err != nil {
		return nil, err
	}
	return gorgonia.Add(sum, scaledGil)
}

// crossEntropy is the mean negative log likelihood of the one-hot targets
// under a row softmax.
func crossEntropy(logits, targets *gorgonia.Node) (*gorgonia.Node, error) {
	probs, err := gorgonia.SoftMax(logits, 1)
	if err != nil {
		return nil, err
	}
	logProbs, err := gorgonia.Log(probs)
	if err != nil {
		return nil, err
	}
	picked, err := gorgonia.HadamardProd(targets, logProbs)
	if err != nil {
		return nil, err
	}
	perExample, err := gorgonia.Sum(picked, 1)
	if err != nil {
		return nil, err
	}
	meanLL, err := gorgonia.Mean(perExample)
	if err != nil {
		return nil, err
	}
	return gorgonia.Neg(meanLL)
}
