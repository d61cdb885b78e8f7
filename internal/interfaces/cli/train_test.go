package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/turtacn/selfexplain/internal/concepts"
)

// writeFixtureWorkspace lays out everything a training run needs: a concept
// store, train and test splits, and a config pointing the encoder at the
// fixture backend.
func writeFixtureWorkspace(t *testing.T) (dir, cfgPath string) {
	t.Helper()
	dir = t.TempDir()

	// Concept store: 4 concepts of width 8.
	rng := rand.New(rand.NewSource(11))
	backing := make([]float32, 4*8)
	for i := range backing {
		backing[i] = rng.Float32()*2 - 1
	}
	storePath := filepath.Join(dir, "concepts.gob")
	require.NoError(t, concepts.SaveGob(storePath,
		tensor.New(tensor.WithShape(4, 8), tensor.WithBacking(backing))))
	require.NoError(t, concepts.SaveTexts(storePath,
		[]string{"rising prices", "falling demand", "strong growth", "weak outlook"}))

	// Tiny dataset: 6 examples, two phrases each.
	var sb strings.Builder
	for i := 0; i < 6; i++ {
		fmt.Fprintf(&sb,
			`{"tokens":[%d,%d,%d,%d],"phrases":[[0,2],[2,4]],"label":%d}`+"\n",
			i+1, i+2, i+3, i+4, i%2)
	}
	dataPath := filepath.Join(dir, "train.jsonl")
	require.NoError(t, os.WriteFile(dataPath, []byte(sb.String()), 0o644))

	cfgPath = filepath.Join(dir, "selfexplain.yaml")
	cfg := fmt.Sprintf(`model:
  topk: 2
encoder:
  backend: fixture
  hidden_dim: 8
  num_layers: 2
concepts:
  path: %s
training:
  batch_size: 2
  epochs: 1
`, storePath)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))
	return dir, cfgPath
}

func TestTrainEvaluateExplainRoundTrip(t *testing.T) {
	dir, cfgPath := writeFixtureWorkspace(t)
	dataPath := filepath.Join(dir, "train.jsonl")
	ckptPath := filepath.Join(dir, "weights.gob")

	out, _, err := execute(t,
		"--config", cfgPath,
		"train", "--train", dataPath, "--checkpoint", ckptPath)
	require.NoError(t, err)

	var trainResult struct {
		RunID    string  `json:"run_id"`
		Loss     float64 `json:"loss"`
		Examples int     `json:"examples"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &trainResult))
	assert.NotEmpty(t, trainResult.RunID)
	assert.Greater(t, trainResult.Loss, 0.0)
	assert.Equal(t, 6, trainResult.Examples)

	if _, err := os.Stat(ckptPath); err != nil {
		t.Fatalf("checkpoint not written: %v", err)
	}

	out, _, err = execute(t,
		"--config", cfgPath,
		"evaluate", "--test", dataPath, "--checkpoint", ckptPath)
	require.NoError(t, err)

	var evalResult struct {
		Loss     float64 `json:"loss"`
		Accuracy float64 `json:"accuracy"`
		Examples int     `json:"examples"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &evalResult))
	assert.Greater(t, evalResult.Loss, 0.0)
	assert.Equal(t, 6, evalResult.Examples)

	explainPath := filepath.Join(dir, "explanations.jsonl")
	_, _, err = execute(t,
		"--config", cfgPath,
		"explain", "--input", dataPath, "--checkpoint", ckptPath, "--out", explainPath)
	require.NoError(t, err)

	f, err := os.Open(explainPath)
	require.NoError(t, err)
	defer f.Close()

	lines := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines++
		var ex struct {
			Predicted      int         `json:"predicted"`
			Logits         []float32   `json:"logits"`
			PhraseScores   [][]float32 `json:"phrase_scores"`
			ConceptIndices []int       `json:"concept_indices"`
			ConceptTexts   []string    `json:"concept_texts"`
		}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ex))
		assert.Len(t, ex.Logits, 2)
		assert.Len(t, ex.PhraseScores, 2)
		assert.Len(t, ex.ConceptIndices, 2)
		assert.Len(t, ex.ConceptTexts, 2)
	}
	assert.Equal(t, 6, lines)
}

func TestConceptsInspect(t *testing.T) {
	dir, cfgPath := writeFixtureWorkspace(t)

	out, _, err := execute(t,
		"--config", cfgPath,
		"concepts", "inspect", filepath.Join(dir, "concepts.gob"))
	require.NoError(t, err)

	var info struct {
		Concepts int  `json:"concepts"`
		Dim      int  `json:"dim"`
		HasTexts bool `json:"has_texts"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, 4, info.Concepts)
	assert.Equal(t, 8, info.Dim)
	assert.True(t, info.HasTexts)
}
