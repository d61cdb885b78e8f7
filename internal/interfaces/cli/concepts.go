package cli

import (
	"bufio"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/turtacn/selfexplain/internal/concepts"
	"github.com/turtacn/selfexplain/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/selfexplain/pkg/errors"
)

func newConceptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "concepts",
		Short: "Build and inspect concept stores",
	}
	cmd.AddCommand(newConceptsBuildCmd(), newConceptsInspectCmd())
	return cmd
}

type conceptsBuildOptions struct {
	phrasesPath string
	outputPath  string
	modelsDir   string
	modelName   string
}

func newConceptsBuildCmd() *cobra.Command {
	opts := &conceptsBuildOptions{}

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Embed concept phrases into a frozen store artifact",
		Long:  "build reads one concept phrase per line, embeds each with a pretrained\nsentence encoder and writes the resulting embedding matrix plus a phrase\nsidecar next to it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConceptsBuild(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.phrasesPath, "phrases", "", "file with one concept phrase per line")
	f.StringVar(&opts.outputPath, "out", "concepts.gob", "output store artifact")
	f.StringVar(&opts.modelsDir, "models-dir", "./models", "directory for downloaded encoder models")
	f.StringVar(&opts.modelName, "model", "sentence-transformers/all-MiniLM-L6-v2", "sentence encoder model name")
	cmd.MarkFlagRequired("phrases")

	return cmd
}

func runConceptsBuild(cmd *cobra.Command, opts *conceptsBuildOptions) error {
	cliCtx, err := GetCLIContext(cmd)
	if err != nil {
		return err
	}
	logger := cliCtx.Logger

	phrases, err := readPhrases(opts.phrasesPath)
	if err != nil {
		return err
	}
	logger.Info("building concept store",
		logging.Int("phrases", len(phrases)),
		logging.String("model", opts.modelName))

	embedder, err := concepts.NewCybertronEmbedder(opts.modelsDir, opts.modelName)
	if err != nil {
		return err
	}
	store, err := concepts.Build(cmd.Context(), embedder, phrases, logger)
	if err != nil {
		return err
	}

	if err := concepts.SaveGob(opts.outputPath, store.Embeddings()); err != nil {
		return err
	}
	if err := concepts.SaveTexts(opts.outputPath, phrases); err != nil {
		return err
	}
	logger.Info("wrote concept store",
		logging.String("path", opts.outputPath),
		logging.Int("concepts", store.NumConcepts()),
		logging.Int("dim", store.Dim()))

	return printJSON(cmd, map[string]interface{}{
		"path":     opts.outputPath,
		"concepts": store.NumConcepts(),
		"dim":      store.Dim(),
	})
}

func newConceptsInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect <store>",
		Short: "Print the geometry of a store artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := concepts.Load(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]interface{}{
				"path":      args[0],
				"concepts":  store.NumConcepts(),
				"dim":       store.Dim(),
				"has_texts": store.Text(0) != "",
			})
		},
	}
	return cmd
}

func readPhrases(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeNotFound, "open phrases file")
	}
	defer f.Close()

	var phrases []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			phrases = append(phrases, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "read phrases file")
	}
	if len(phrases) == 0 {
		return nil, errors.InvalidInput("phrases file is empty")
	}
	return phrases, nil
}
