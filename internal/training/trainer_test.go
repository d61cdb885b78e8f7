package training

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"gorgonia.org/tensor"

	"github.com/turtacn/selfexplain/internal/concepts"
	"github.com/turtacn/selfexplain/internal/config"
	"github.com/turtacn/selfexplain/internal/encoder"
	"github.com/turtacn/selfexplain/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/selfexplain/internal/model"
	"github.com/turtacn/selfexplain/pkg/errors"
)

const testDim = 8

type stepRecord struct {
	phase       string
	epoch, step int
	batchSize   int
	loss, acc   float64
	duration    time.Duration
}

type epochRecord struct {
	phase     string
	epoch     int
	loss, acc float64
}

// captureRecorder collects everything recorded so tests can assert on the
// exact call sequence.
type captureRecorder struct {
	steps  []stepRecord
	epochs []epochRecord
}

func (c *captureRecorder) RecordStep(phase string, epoch, step, batchSize int, loss, acc float64, duration time.Duration) {
	c.steps = append(c.steps, stepRecord{phase, epoch, step, batchSize, loss, acc, duration})
}

func (c *captureRecorder) RecordEpoch(phase string, epoch int, loss, acc float64) {
	c.epochs = append(c.epochs, epochRecord{phase, epoch, loss, acc})
}

func newTestModel(t *testing.T) *model.Model {
	t.Helper()
	enc := encoder.NewFixtureEncoder(config.EncoderConfig{
		HiddenDim: testDim,
		NumLayers: 2,
		Seed:      42,
	})

	rng := rand.New(rand.NewSource(9))
	backing := make([]float32, 4*testDim)
	for i := range backing {
		backing[i] = rng.Float32()*2 - 1
	}
	store, err := concepts.NewStore(
		tensor.New(tensor.WithShape(4, testDim), tensor.WithBacking(backing)), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	cfg := config.ModelConfig{
		NumClasses:  2,
		TopK:        2,
		Lamda:       0.01,
		Gamma:       0.01,
		Pooling:     "Last",
		DropoutRate: 0.1,
	}
	m, err := model.New(cfg, enc, store, concepts.DeviceCPU, 1, logging.NewNop())
	if err != nil {
		t.Fatalf("model.New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func testBatch(seed int) *model.Batch {
	rng := rand.New(rand.NewSource(int64(seed)))
	tokens := make([]int, 2*4)
	for i := range tokens {
		tokens[i] = rng.Intn(50) + 1
	}
	return &model.Batch{
		Tokens:     tensor.New(tensor.WithShape(2, 4), tensor.WithBacking(tokens)),
		TokensMask: tensor.New(tensor.WithShape(2, 4), tensor.WithBacking([]float32{1, 1, 1, 1, 1, 1, 1, 0})),
		SpanMatrix: tensor.New(tensor.WithShape(2, 2, 4), tensor.WithBacking([]float32{
			1, 1, 0, 0,
			0, 0, 1, 1,
			1, 0, 0, 0,
			0, 1, 1, 0,
		})),
		Labels: []int{seed % 2, (seed + 1) % 2},
	}
}

func newTestTrainer(t *testing.T, rec Recorder) *Trainer {
	t.Helper()
	optCfg := config.OptimizerConfig{LR: 5e-4, WeightDecay: 0.01}
	return New(newTestModel(t), optCfg, rec, logging.NewNop())
}

func TestTrainStepRecordsTrainPhase(t *testing.T) {
	rec := &captureRecorder{}
	tr := newTestTrainer(t, rec)

	res, err := tr.TrainStep(context.Background(), testBatch(1), 0, 0)
	if err != nil {
		t.Fatalf("TrainStep: %v", err)
	}
	if res.Loss <= 0 {
		t.Errorf("loss = %v, want > 0 for a fresh model", res.Loss)
	}
	if len(rec.steps) != 1 {
		t.Fatalf("recorded %d steps, want 1", len(rec.steps))
	}
	got := rec.steps[0]
	if got.phase != PhaseTrain || got.epoch != 0 || got.step != 0 || got.batchSize != 2 {
		t.Errorf("recorded step = %+v", got)
	}
	if got.loss != float64(res.Loss) || got.acc != float64(res.Accuracy) {
		t.Errorf("recorded values %+v do not match result %+v", got, res)
	}
	if got.duration <= 0 {
		t.Errorf("recorded duration = %v, want > 0", got.duration)
	}
}

func TestValidateStepRecordsValPhase(t *testing.T) {
	rec := &captureRecorder{}
	tr := newTestTrainer(t, rec)

	if _, err := tr.ValidateStep(context.Background(), testBatch(1), 2, 5); err != nil {
		t.Fatalf("ValidateStep: %v", err)
	}
	if len(rec.steps) != 1 || rec.steps[0].phase != PhaseVal || rec.steps[0].epoch != 2 || rec.steps[0].step != 5 {
		t.Errorf("recorded steps = %+v", rec.steps)
	}
}

func TestTestStepRecordsNothing(t *testing.T) {
	rec := &captureRecorder{}
	tr := newTestTrainer(t, rec)

	res, err := tr.TestStep(context.Background(), testBatch(1))
	if err != nil {
		t.Fatalf("TestStep: %v", err)
	}
	if res.Loss <= 0 {
		t.Errorf("loss = %v, want > 0", res.Loss)
	}
	if len(rec.steps) != 0 || len(rec.epochs) != 0 {
		t.Errorf("test step must not record metrics; got %d steps, %d epochs", len(rec.steps), len(rec.epochs))
	}
}

func TestTrainEpochAggregates(t *testing.T) {
	rec := &captureRecorder{}
	tr := newTestTrainer(t, rec)

	batches := []*model.Batch{testBatch(1), testBatch(2), testBatch(3)}
	res, err := tr.TrainEpoch(context.Background(), batches, 0)
	if err != nil {
		t.Fatalf("TrainEpoch: %v", err)
	}
	if res.Steps != 3 || res.Examples != 6 {
		t.Errorf("aggregate = %+v, want 3 steps over 6 examples", res)
	}
	if len(rec.steps) != 3 {
		t.Errorf("recorded %d steps, want 3", len(rec.steps))
	}
	if len(rec.epochs) != 1 || rec.epochs[0].phase != PhaseTrain {
		t.Fatalf("recorded epochs = %+v", rec.epochs)
	}
	if rec.epochs[0].loss != float64(res.Loss) {
		t.Errorf("epoch loss %v does not match aggregate %v", rec.epochs[0].loss, res.Loss)
	}

	// The weighted mean of step losses must match the epoch loss.
	var want float32
	for _, s := range rec.steps {
		want += float32(s.loss) * 2
	}
	want /= 6
	if diff := res.Loss - want; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("epoch loss = %v, weighted mean of steps = %v", res.Loss, want)
	}
}

func TestFitRunsEpochsAndValidation(t *testing.T) {
	rec := &captureRecorder{}
	tr := newTestTrainer(t, rec)

	train := []*model.Batch{testBatch(1), testBatch(2)}
	val := []*model.Batch{testBatch(3)}
	if _, err := tr.Fit(context.Background(), train, val, 2); err != nil {
		t.Fatalf("Fit: %v", err)
	}

	// 2 epochs x (2 train + 1 val) steps.
	if len(rec.steps) != 6 {
		t.Errorf("recorded %d steps, want 6", len(rec.steps))
	}
	// 2 epochs x (train + val) aggregates.
	if len(rec.epochs) != 4 {
		t.Errorf("recorded %d epoch aggregates, want 4", len(rec.epochs))
	}
	phases := map[string]int{}
	for _, e := range rec.epochs {
		phases[e.phase]++
	}
	if phases[PhaseTrain] != 2 || phases[PhaseVal] != 2 {
		t.Errorf("epoch phases = %v", phases)
	}
}

func TestFitRejectsEmptyInput(t *testing.T) {
	tr := newTestTrainer(t, nil)
	if _, err := tr.Fit(context.Background(), nil, nil, 1); !errors.IsCode(err, errors.CodeInvalidInput) {
		t.Errorf("empty train set: got %v", err)
	}
	if _, err := tr.Fit(context.Background(), []*model.Batch{testBatch(1)}, nil, 0); !errors.IsCode(err, errors.CodeInvalidInput) {
		t.Errorf("zero epochs: got %v", err)
	}
}

func TestFitStopsOnCanceledContext(t *testing.T) {
	tr := newTestTrainer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tr.Fit(ctx, []*model.Batch{testBatch(1)}, nil, 1); err == nil {
		t.Fatal("expected error from canceled context")
	}
}

func TestRunIDsAreUnique(t *testing.T) {
	a := newTestTrainer(t, nil)
	b := newTestTrainer(t, nil)
	if a.RunID() == "" || a.RunID() == b.RunID() {
		t.Errorf("run ids %q and %q must be distinct and non-empty", a.RunID(), b.RunID())
	}
}
