package cli

import (
	"github.com/spf13/cobra"

	"github.com/turtacn/selfexplain/internal/data"
	"github.com/turtacn/selfexplain/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/selfexplain/internal/model"
	"github.com/turtacn/selfexplain/internal/training"
)

type trainOptions struct {
	trainPath      string
	valPath        string
	checkpointPath string
	metricsAddr    string
}

func newTrainCmd() *cobra.Command {
	opts := &trainOptions{}

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the classifier on a tokenized JSONL dataset",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.trainPath, "train", "", "training split (JSONL)")
	f.StringVar(&opts.valPath, "val", "", "validation split (JSONL, optional)")
	f.StringVar(&opts.checkpointPath, "checkpoint", "weights.gob", "where to write the trained weights")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address (e.g. :9090)")
	cmd.MarkFlagRequired("train")

	return cmd
}

func runTrain(cmd *cobra.Command, opts *trainOptions) error {
	cliCtx, err := GetCLIContext(cmd)
	if err != nil {
		return err
	}
	cfg := cliCtx.Config
	logger := cliCtx.Logger

	m, _, err := buildModel(cfg, logger)
	if err != nil {
		return err
	}
	defer m.Close()

	trainExamples, err := data.ReadJSONL(opts.trainPath, cfg.Model.NumClasses)
	if err != nil {
		return err
	}
	batcher := data.NewBatcher(cfg.Training)
	trainBatches := batcher.Batches(data.Shuffled(trainExamples, cfg.Training.Seed))

	var valBatches []*model.Batch
	if opts.valPath != "" {
		valExamples, err := data.ReadJSONL(opts.valPath, cfg.Model.NumClasses)
		if err != nil {
			return err
		}
		valBatches = batcher.Batches(valExamples)
	}

	recorder, err := buildRecorder(cfg, opts.metricsAddr, logger)
	if err != nil {
		return err
	}

	trainer := training.New(m, cfg.Optimizer, recorder, logger)
	logger.Info("starting training",
		logging.String("run_id", trainer.RunID()),
		logging.Int("train_batches", len(trainBatches)),
		logging.Int("val_batches", len(valBatches)),
		logging.Int("epochs", cfg.Training.Epochs))

	result, err := trainer.Fit(cmd.Context(), trainBatches, valBatches, cfg.Training.Epochs)
	if err != nil {
		return err
	}

	if err := m.Params().Save(opts.checkpointPath); err != nil {
		return err
	}
	logger.Info("wrote checkpoint", logging.String("path", opts.checkpointPath))

	return printJSON(cmd, map[string]interface{}{
		"run_id":   trainer.RunID(),
		"phase":    result.Phase,
		"loss":     result.Loss,
		"accuracy": result.Accuracy,
		"examples": result.Examples,
	})
}
