// Package config defines the configuration surface of the selfexplain
// module.  No I/O or parsing logic lives in this file, only plain data
// types, defaults, and validation.
//
// A Config is resolved exactly once, at construction, and is treated as
// immutable afterwards: components receive it (or a sub-struct) by value or
// read-only reference and never mutate shared configuration state.
package config

import (
	"fmt"
	"math"

	"github.com/turtacn/selfexplain/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/selfexplain/pkg/errors"
)

// Encoder backend identifiers.
const (
	EncoderBackendFixture = "fixture"
	EncoderBackendRemote  = "remote"
)

// ModelConfig holds the hyperparameters consumed by the forward composition.
//
// The reserved fields (HDim, NHeads, KQVDim) belong to the recognised
// hyperparameter surface but are not consumed by the core; they are accepted
// and validated so that existing experiment configs keep parsing.
type ModelConfig struct {
	// ModelName identifies the pretrained encoder artifact, e.g.
	// "xlnet-base-cased".
	ModelName string `mapstructure:"model_name"`

	// NumClasses is the width of every logit head.
	NumClasses int `mapstructure:"num_classes"`

	// TopK is the number of concept-store rows retrieved per example by the
	// global interpretable layer.  Must not exceed the store row count; that
	// constraint is checked against the loaded store at model construction.
	TopK int `mapstructure:"topk"`

	// Lamda scales the local (phrase-level) logit contribution.  Fixed, not
	// learned.
	Lamda float64 `mapstructure:"lamda"`

	// Gamma scales the global (concept-level) logit contribution.  Fixed,
	// not learned.
	Gamma float64 `mapstructure:"gamma"`

	// Pooling selects the sequence-summary strategy: "Last", "First" or
	// "Mean".
	Pooling string `mapstructure:"pooling"`

	// DropoutRate is applied to the pooled summary in training mode.
	DropoutRate float64 `mapstructure:"dropout_rate"`

	// Reserved surface, accepted but unused by the core.
	HDim   int `mapstructure:"h_dim"`
	NHeads int `mapstructure:"n_heads"`
	KQVDim int `mapstructure:"kqv_dim"`
}

// OptimizerConfig holds the optimizer settings exposed to the training loop.
// MinLR and WarmupProp are part of the recognised surface and reserved for
// the surrounding scheduler infrastructure.
type OptimizerConfig struct {
	LR          float64 `mapstructure:"lr"`
	MinLR       float64 `mapstructure:"min_lr"`
	WeightDecay float64 `mapstructure:"weight_decay"`
	WarmupProp  float64 `mapstructure:"warmup_prop"`
}

// EncoderConfig selects and parameterises the encoder backend.
type EncoderConfig struct {
	// Backend is "fixture" (deterministic in-process encoder) or "remote"
	// (HTTP encoder service).
	Backend string `mapstructure:"backend"`

	// BaseURL of the remote encoder service; required when Backend is
	// "remote".
	BaseURL string `mapstructure:"base_url"`

	// HiddenDim is the encoder hidden size D.
	HiddenDim int `mapstructure:"hidden_dim"`

	// NumLayers is the number of encoder layers; the adapter exposes
	// exactly NumLayers hidden-state tensors.
	NumLayers int `mapstructure:"num_layers"`

	// Seed drives the fixture backend.
	Seed int64 `mapstructure:"seed"`

	// TimeoutMs bounds a single remote encode call.
	TimeoutMs int `mapstructure:"timeout_ms"`

	// RetryMax is the number of retries for transient remote failures.
	RetryMax int `mapstructure:"retry_max"`
}

// ConceptsConfig locates the frozen concept store artifact.
type ConceptsConfig struct {
	// Path to the store artifact (.pt, .npy or .gob).
	Path string `mapstructure:"path"`

	// Device on which the store is made resident at construction.
	Device string `mapstructure:"device"`
}

// TrainingConfig holds batching and loop parameters.
type TrainingConfig struct {
	BatchSize  int   `mapstructure:"batch_size"`
	MaxSeqLen  int   `mapstructure:"max_seq_len"`
	MaxPhrases int   `mapstructure:"max_phrases"`
	Epochs     int   `mapstructure:"epochs"`
	Seed       int64 `mapstructure:"seed"`
}

// MetricsConfig controls the prometheus recorder.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// Config is the root configuration object.
type Config struct {
	Model     ModelConfig       `mapstructure:"model"`
	Optimizer OptimizerConfig   `mapstructure:"optimizer"`
	Encoder   EncoderConfig     `mapstructure:"encoder"`
	Concepts  ConceptsConfig    `mapstructure:"concepts"`
	Training  TrainingConfig    `mapstructure:"training"`
	Metrics   MetricsConfig     `mapstructure:"metrics"`
	Log       logging.LogConfig `mapstructure:"log"`
}

// validPooling is the set of accepted sequence-summary strategies.  The
// string values intentionally match the model package constants.
var validPooling = map[string]bool{
	"Last":  true,
	"First": true,
	"Mean":  true,
}

// Validate checks every field for consistency and returns the first error
// found.  A Config that fails validation must never reach a component
// constructor.
func (c *Config) Validate() error {
	if c.Model.ModelName == "" {
		return errors.ConfigInvalid("model.model_name is required")
	}
	if c.Model.NumClasses < 2 {
		return errors.ConfigInvalid(
			fmt.Sprintf("model.num_classes must be >= 2, got %d", c.Model.NumClasses))
	}
	if c.Model.TopK < 1 {
		return errors.ConfigInvalid(
			fmt.Sprintf("model.topk must be >= 1, got %d", c.Model.TopK))
	}
	if math.IsNaN(c.Model.Lamda) || math.IsInf(c.Model.Lamda, 0) {
		return errors.ConfigInvalid("model.lamda must be finite")
	}
	if math.IsNaN(c.Model.Gamma) || math.IsInf(c.Model.Gamma, 0) {
		return errors.ConfigInvalid("model.gamma must be finite")
	}
	if !validPooling[c.Model.Pooling] {
		return errors.ConfigInvalid(
			fmt.Sprintf("model.pooling must be one of [Last, First, Mean], got %q", c.Model.Pooling))
	}
	if c.Model.DropoutRate < 0 || c.Model.DropoutRate >= 1 {
		return errors.ConfigInvalid(
			fmt.Sprintf("model.dropout_rate must be in [0,1), got %g", c.Model.DropoutRate))
	}

	if c.Optimizer.LR <= 0 {
		return errors.ConfigInvalid(fmt.Sprintf("optimizer.lr must be positive, got %g", c.Optimizer.LR))
	}
	if c.Optimizer.WeightDecay < 0 {
		return errors.ConfigInvalid("optimizer.weight_decay must be >= 0")
	}
	if c.Optimizer.MinLR < 0 {
		return errors.ConfigInvalid("optimizer.min_lr must be >= 0")
	}
	if c.Optimizer.WarmupProp < 0 || c.Optimizer.WarmupProp > 1 {
		return errors.ConfigInvalid("optimizer.warmup_prop must be in [0,1]")
	}

	switch c.Encoder.Backend {
	case EncoderBackendFixture:
	case EncoderBackendRemote:
		if c.Encoder.BaseURL == "" {
			return errors.ConfigInvalid("encoder.base_url is required for the remote backend")
		}
	default:
		return errors.ConfigInvalid(
			fmt.Sprintf("encoder.backend must be %q or %q, got %q",
				EncoderBackendFixture, EncoderBackendRemote, c.Encoder.Backend))
	}
	if c.Encoder.HiddenDim <= 0 {
		return errors.ConfigInvalid("encoder.hidden_dim must be positive")
	}
	if c.Encoder.NumLayers <= 0 {
		return errors.ConfigInvalid("encoder.num_layers must be positive")
	}
	if c.Encoder.TimeoutMs <= 0 {
		return errors.ConfigInvalid("encoder.timeout_ms must be positive")
	}
	if c.Encoder.RetryMax < 0 {
		return errors.ConfigInvalid("encoder.retry_max must be >= 0")
	}

	if c.Training.BatchSize <= 0 {
		return errors.ConfigInvalid("training.batch_size must be positive")
	}
	if c.Training.MaxSeqLen <= 0 {
		return errors.ConfigInvalid("training.max_seq_len must be positive")
	}
	if c.Training.MaxPhrases <= 0 {
		return errors.ConfigInvalid("training.max_phrases must be positive")
	}
	if c.Training.Epochs <= 0 {
		return errors.ConfigInvalid("training.epochs must be positive")
	}

	return nil
}
