package cli

import (
	"github.com/spf13/cobra"

	"github.com/turtacn/selfexplain/internal/data"
	"github.com/turtacn/selfexplain/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/selfexplain/internal/model"
	"github.com/turtacn/selfexplain/internal/training"
)

type evaluateOptions struct {
	testPath       string
	checkpointPath string
}

func newEvaluateCmd() *cobra.Command {
	opts := &evaluateOptions{}

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate a trained checkpoint on a test split",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvaluate(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.testPath, "test", "", "test split (JSONL)")
	f.StringVar(&opts.checkpointPath, "checkpoint", "", "trained weights to load")
	cmd.MarkFlagRequired("test")
	cmd.MarkFlagRequired("checkpoint")

	return cmd
}

func runEvaluate(cmd *cobra.Command, opts *evaluateOptions) error {
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

	params, err := model.LoadParams(opts.checkpointPath, cfg.Encoder.HiddenDim, cfg.Model.NumClasses)
	if err != nil {
		return err
	}
	m.SetParams(params)

	examples, err := data.ReadJSONL(opts.testPath, cfg.Model.NumClasses)
	if err != nil {
		return err
	}
	batches := data.NewBatcher(cfg.Training).Batches(examples)

	trainer := training.New(m, cfg.Optimizer, training.NopRecorder{}, logger)
	result, err := trainer.Test(cmd.Context(), batches)
	if err != nil {
		return err
	}

	logger.Info("evaluation complete",
		logging.Int("examples", result.Examples),
		logging.Float64("loss", float64(result.Loss)),
		logging.Float64("accuracy", float64(result.Accuracy)))

	return printJSON(cmd, map[string]interface{}{
		"loss":     result.Loss,
		"accuracy": result.Accuracy,
		"examples": result.Examples,
	})
}
