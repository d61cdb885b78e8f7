package cli

import (
	"bufio"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/turtacn/selfexplain/internal/concepts"
	"github.com/turtacn/selfexplain/internal/data"
	"github.com/turtacn/selfexplain/internal/model"
	"github.com/turtacn/selfexplain/pkg/errors"
)

type explainOptions struct {
	inputPath      string
	checkpointPath string
	outputPath     string
}

// explanation is one JSONL output line: the prediction plus the evidence
// behind it.
type explanation struct {
	Predicted      int         `json:"predicted"`
	Label          int         `json:"label"`
	Logits         []float32   `json:"logits"`
	BaseLogits     []float32   `json:"base_logits"`
	PhraseScores   [][]float32 `json:"phrase_scores"`
	ConceptIndices []int       `json:"concept_indices"`
	ConceptTexts   []string    `json:"concept_texts,omitempty"`
}

func newExplainCmd() *cobra.Command {
	opts := &explainOptions{}

	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Run inference and dump per-example explanations",
		Long:  "explain runs the classifier over a dataset and writes one JSON line per\nexample: the fused and base logits, the relevance score of every phrase,\nand the concepts retrieved from the store.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExplain(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.inputPath, "input", "", "dataset to explain (JSONL)")
	f.StringVar(&opts.checkpointPath, "checkpoint", "", "trained weights to load")
	f.StringVar(&opts.outputPath, "out", "explanations.jsonl", "where to write explanations")
	cmd.MarkFlagRequired("input")
	cmd.MarkFlagRequired("checkpoint")

	return cmd
}

func runExplain(cmd *cobra.Command, opts *explainOptions) error {
	cliCtx, err := GetCLIContext(cmd)
	if err != nil {
		return err
	}
	cfg := cliCtx.Config
	logger := cliCtx.Logger

	m, store, err := buildModel(cfg, logger)
	if err != nil {
		return err
	}
	defer m.Close()

	params, err := model.LoadParams(opts.checkpointPath, cfg.Encoder.HiddenDim, cfg.Model.NumClasses)
	if err != nil {
		return err
	}
	m.SetParams(params)

	examples, err := data.ReadJSONL(opts.inputPath, cfg.Model.NumClasses)
	if err != nil {
		return err
	}
	batches := data.NewBatcher(cfg.Training).Batches(examples)

	out, err := os.Create(opts.outputPath)
	if err != nil {
		return errors.Wrap(err, errors.CodeInternal, "create explanation file")
	}
	defer out.Close()
	w := bufio.NewWriter(out)

	written := 0
	for _, batch := range batches {
		result, err := m.Forward(cmd.Context(), batch, false)
		if err != nil {
			return err
		}
		if err := writeExplanations(w, batch, result, store, cfg.Model.NumClasses); err != nil {
			return err
		}
		written += len(batch.Labels)
	}
	if err := w.Flush(); err != nil {
		return errors.Wrap(err, errors.CodeInternal, "flush explanation file")
	}

	return printJSON(cmd, map[string]interface{}{
		"examples": written,
		"out":      opts.outputPath,
	})
}

func writeExplanations(w *bufio.Writer, batch *model.Batch, out *model.Output, store *concepts.Store, numClasses int) error {
	_, _, phrases := batch.Size()
	logits := out.Logits.Data().([]float32)
	base := out.BaseLogits.Data().([]float32)
	phrase := out.PhraseLogits.Data().([]float32)

	enc := json.NewEncoder(w)
	for bi := range batch.Labels {
		ex := explanation{
			Predicted:      out.Predicted[bi],
			Label:          batch.Labels[bi],
			Logits:         logits[bi*numClasses : (bi+1)*numClasses],
			BaseLogits:     base[bi*numClasses : (bi+1)*numClasses],
			ConceptIndices: out.ConceptIndices[bi],
		}
		for pi := 0; pi < phrases; pi++ {
			offset := (bi*phrases + pi) * numClasses
			ex.PhraseScores = append(ex.PhraseScores, phrase[offset:offset+numClasses])
		}
		for _, ci := range out.ConceptIndices[bi] {
			if text := store.Text(ci); text != "" {
				ex.ConceptTexts = append(ex.ConceptTexts, text)
			}
		}
		if err := enc.Encode(&ex); err != nil {
			return errors.Wrap(err, errors.CodeInternal, "write explanation")
		}
	}
	return nil
}
