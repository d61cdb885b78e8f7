package training

import (
	"gorgonia.org/gorgonia"

	"github.com/turtacn/selfexplain/internal/config"
)

// newSolver builds the Adam solver with the betas and epsilon the model was
// tuned with.  Weight decay is applied as L2 regularization through the
// solver.
func newSolver(cfg config.OptimizerConfig) gorgonia.Solver {
	opts := []gorgonia.SolverOpt{
		gorgonia.WithLearnRate(cfg.LR),
		gorgonia.WithBeta1(0.9),
		gorgonia.WithBeta2(0.99),
		gorgonia.WithEps(1e-8),
	}
	if cfg.WeightDecay > 0 {
		opts = append(opts, gorgonia.WithL2Reg(cfg.WeightDecay))
	}
	return gorgonia.NewAdamSolver(opts...)
}
