// Package data reads tokenized classification datasets and packs them into
// padded batches.  A dataset is a JSONL file with one example per line:
//
//	{"tokens": [17, 2054, 903], "phrases": [[0, 2], [2, 3]], "label": 1}
//
// phrases are half-open [start, end) token ranges produced upstream by a
// constituency parse; they drive the span indicator matrices of the phrase
// head.
package data

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/turtacn/selfexplain/pkg/errors"
)

// Example is one decoded dataset line.
type Example struct {
	Tokens  []int    `json:"tokens"`
	Phrases [][2]int `json:"phrases"`
	Label   int      `json:"label"`
}

func (e *Example) validate(lineNo, numClasses int) error {
	if len(e.Tokens) == 0 {
		return errors.InvalidInput(fmt.Sprintf("line %d: example has no tokens", lineNo))
	}
	if e.Label < 0 || e.Label >= numClasses {
		return errors.InvalidInput(
			fmt.Sprintf("line %d: label %d out of range [0,%d)", lineNo, e.Label, numClasses))
	}
	for pi, span := range e.Phrases {
		if span[0] < 0 || span[1] > len(e.Tokens) || span[0] >= span[1] {
			return errors.InvalidInput(
				fmt.Sprintf("line %d: phrase %d has invalid range [%d,%d) over %d tokens",
					lineNo, pi, span[0], span[1], len(e.Tokens)))
		}
	}
	return nil
}

// ReadJSONL loads and validates a whole dataset file.
func ReadJSONL(path string, numClasses int) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeNotFound, "open dataset file")
	}
	defer f.Close()
	return readJSONL(f, numClasses)
}

func readJSONL(r io.Reader, numClasses int) ([]Example, error) {
	var examples []Example
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 256*1024), 8*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ex Example
		if err := json.Unmarshal(line, &ex); err != nil {
			return nil, errors.Wrap(err, errors.CodeArtifactCorrupt,
				fmt.Sprintf("parse dataset line %d", lineNo))
		}
		if err := ex.validate(lineNo, numClasses); err != nil {
			return nil, err
		}
		examples = append(examples, ex)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeArtifactCorrupt, "read dataset file")
	}
	if len(examples) == 0 {
		return nil, errors.InvalidInput("dataset file contains no examples")
	}
	return examples, nil
}
