// Package training drives the fit and evaluation loops: one solver step per
// training batch, epoch-level aggregation, and metric recording.
package training

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorgonia.org/gorgonia"

	"github.com/turtacn/selfexplain/internal/config"
	"github.com/turtacn/selfexplain/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/selfexplain/internal/model"
	"github.com/turtacn/selfexplain/pkg/errors"
)

// Phase names used in logs and metric labels.
const (
	PhaseTrain = "train"
	PhaseVal   = "val"
	PhaseTest  = "test"
)

// Recorder receives step and epoch metrics.  Implementations must be cheap;
// they run on the hot path of every step.
type Recorder interface {
	RecordStep(phase string, epoch, step, batchSize int, loss, accuracy float64, duration time.Duration)
	RecordEpoch(phase string, epoch int, loss, accuracy float64)
}

// NopRecorder discards all metrics.
type NopRecorder struct{}

func (NopRecorder) RecordStep(string, int, int, int, float64, float64, time.Duration) {}
func (NopRecorder) RecordEpoch(string, int, float64, float64)                         {}

// StepResult is what one batch produced.
type StepResult struct {
	Loss     float32
	Accuracy float32
}

// EpochResult aggregates a full pass over a split.
type EpochResult struct {
	Phase    string
	Epoch    int
	Loss     float32
	Accuracy float32
	Steps    int
	Examples int
}

// Trainer owns the solver and the bookkeeping around the model's forward
// pass.  Each Trainer gets a fresh run id so concurrent experiments are
// distinguishable in logs.
type Trainer struct {
	model    *model.Model
	solver   gorgonia.Solver
	recorder Recorder
	logger   logging.Logger
	runID    string
}

// New builds a trainer with an AdamW-style solver configured from cfg.
func New(m *model.Model, cfg config.OptimizerConfig, recorder Recorder, logger logging.Logger) *Trainer {
	if recorder == nil {
		recorder = NopRecorder{}
	}
	runID := uuid.NewString()
	t := &Trainer{
		model:    m,
		solver:   newSolver(cfg),
		recorder: recorder,
		logger:   logger.Named("training").With(logging.String("run_id", runID)),
		runID:    runID,
	}
	if cfg.WarmupProp > 0 {
		// The solver's learning rate is fixed at construction; a warmup
		// schedule would need solver support that gorgonia's Adam does not
		// offer.  Surface the mismatch instead of silently ignoring it.
		t.logger.Warn("warmup_prop is set but only a constant learning rate is applied",
			logging.Float64("warmup_prop", cfg.WarmupProp))
	}
	return t
}

// RunID identifies this trainer's lifetime in logs and artifacts.
func (t *Trainer) RunID() string { return t.runID }

// TrainStep runs one batch forward, applies a solver step and records the
// training accuracy and loss.
func (t *Trainer) TrainStep(ctx context.Context, batch *model.Batch, epoch, step int) (*StepResult, error) {
	start := time.Now()
	out, err := t.model.Forward(ctx, batch, true)
	if err != nil {
		return nil, err
	}
	grads, err := t.model.ValueGrads(batch)
	if err != nil {
		return nil, err
	}
	if err := t.solver.Step(grads); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "solver step")
	}

	t.recorder.RecordStep(PhaseTrain, epoch, step, len(batch.Labels), float64(out.Loss), float64(out.Accuracy), time.Since(start))
	t.logger.Debug("train step",
		logging.Int("epoch", epoch),
		logging.Int("step", step),
		logging.Float64("loss", float64(out.Loss)),
		logging.Float64("train_acc", float64(out.Accuracy)))
	return &StepResult{Loss: out.Loss, Accuracy: out.Accuracy}, nil
}

// ValidateStep runs one batch in eval mode and records validation loss and
// accuracy.
func (t *Trainer) ValidateStep(ctx context.Context, batch *model.Batch, epoch, step int) (*StepResult, error) {
	start := time.Now()
	out, err := t.model.Forward(ctx, batch, false)
	if err != nil {
		return nil, err
	}
	t.recorder.RecordStep(PhaseVal, epoch, step, len(batch.Labels), float64(out.Loss), float64(out.Accuracy), time.Since(start))
	t.logger.Debug("validation step",
		logging.Int("epoch", epoch),
		logging.Int("step", step),
		logging.Float64("val_loss", float64(out.Loss)),
		logging.Float64("val_acc", float64(out.Accuracy)))
	return &StepResult{Loss: out.Loss, Accuracy: out.Accuracy}, nil
}

// TestStep runs one batch in eval mode and returns the loss.  Test batches
// are not recorded step by step.
func (t *Trainer) TestStep(ctx context.Context, batch *model.Batch) (*StepResult, error) {
	out, err := t.model.Forward(ctx, batch, false)
	if err != nil {
		return nil, err
	}
	return &StepResult{Loss: out.Loss, Accuracy: out.Accuracy}, nil
}

// TrainEpoch runs every batch through TrainStep and records the epoch
// aggregate.
func (t *Trainer) TrainEpoch(ctx context.Context, batches []*model.Batch, epoch int) (*EpochResult, error) {
	return t.runEpoch(ctx, batches, epoch, PhaseTrain, func(b *model.Batch, step int) (*StepResult, error) {
		return t.TrainStep(ctx, b, epoch, step)
	})
}

// ValidateEpoch runs every batch through ValidateStep and records the epoch
// aggregate.
func (t *Trainer) ValidateEpoch(ctx context.Context, batches []*model.Batch, epoch int) (*EpochResult, error) {
	return t.runEpoch(ctx, batches, epoch, PhaseVal, func(b *model.Batch, step int) (*StepResult, error) {
		return t.ValidateStep(ctx, b, epoch, step)
	})
}

// Test runs a full pass over the test split and returns the aggregate.
// Nothing is recorded; the result is the caller's to report.
func (t *Trainer) Test(ctx context.Context, batches []*model.Batch) (*EpochResult, error) {
	if len(batches) == 0 {
		return nil, errors.InvalidInput("no test batches")
	}
	agg := &EpochResult{Phase: PhaseTest}
	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := t.TestStep(ctx, b)
		if err != nil {
			return nil, err
		}
		agg.accumulate(res, len(b.Labels))
	}
	agg.finalize()
	return agg, nil
}

// Fit interleaves training and validation for the configured number of
// epochs.  valBatches may be empty, in which case validation is skipped.
func (t *Trainer) Fit(ctx context.Context, trainBatches, valBatches []*model.Batch, epochs int) (*EpochResult, error) {
	if len(trainBatches) == 0 {
		return nil, errors.InvalidInput("no training batches")
	}
	if epochs < 1 {
		return nil, errors.InvalidInput("epochs must be at least 1")
	}

	var last *EpochResult
	for epoch := 0; epoch < epochs; epoch++ {
		trainRes, err := t.TrainEpoch(ctx, trainBatches, epoch)
		if err != nil {
			return nil, err
		}
		last = trainRes

		fields := []logging.Field{
			logging.Int("epoch", epoch),
			logging.Float64("train_loss", float64(trainRes.Loss)),
			logging.Float64("train_acc", float64(trainRes.Accuracy)),
		}
		if len(valBatches) > 0 {
			valRes, err := t.ValidateEpoch(ctx, valBatches, epoch)
			if err != nil {
				return nil, err
			}
			last = valRes
			fields = append(fields,
				logging.Float64("val_loss", float64(valRes.Loss)),
				logging.Float64("val_acc", float64(valRes.Accuracy)))
		}
		t.logger.Info("epoch complete", fields...)
	}
	return last, nil
}

func (t *Trainer) runEpoch(ctx context.Context, batches []*model.Batch, epoch int, phase string, step func(*model.Batch, int) (*StepResult, error)) (*EpochResult, error) {
	if len(batches) == 0 {
		return nil, errors.InvalidInput("no batches in epoch")
	}
	agg := &EpochResult{Phase: phase, Epoch: epoch}
	for i, b := range batches {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := step(b, i)
		if err != nil {
			return nil, err
		}
		agg.accumulate(res, len(b.Labels))
	}
	agg.finalize()
	t.recorder.RecordEpoch(phase, epoch, float64(agg.Loss), float64(agg.Accuracy))
	return agg, nil
}

// accumulate weights each batch by its example count, so ragged final
// batches do not skew the epoch mean.
func (e *EpochResult) accumulate(res *StepResult, batchSize int) {
	e.Loss += res.Loss * float32(batchSize)
	e.Accuracy += res.Accuracy * float32(batchSize)
	e.Steps++
	e.Examples += batchSize
}

func (e *EpochResult) finalize() {
	if e.Examples > 0 {
		e.Loss /= float32(e.Examples)
		e.Accuracy /= float32(e.Examples)
	}
}
