package config

// ApplyDefaults fills every unset field of cfg with the module default.  The
// hyperparameter defaults mirror the reference experiment setup for binary
// sentence classification with an XLNet-class encoder.
func ApplyDefaults(cfg *Config) {
	if cfg.Model.ModelName == "" {
		cfg.Model.ModelName = "xlnet-base-cased"
	}
	if cfg.Model.NumClasses == 0 {
		cfg.Model.NumClasses = 2
	}
	if cfg.Model.TopK == 0 {
		cfg.Model.TopK = 5
	}
	if cfg.Model.Lamda == 0 {
		cfg.Model.Lamda = 0.01
	}
	if cfg.Model.Gamma == 0 {
		cfg.Model.Gamma = 0.01
	}
	if cfg.Model.Pooling == "" {
		cfg.Model.Pooling = "Last"
	}
	if cfg.Model.DropoutRate == 0 {
		cfg.Model.DropoutRate = 0.1
	}
	if cfg.Model.HDim == 0 {
		cfg.Model.HDim = 768
	}
	if cfg.Model.NHeads == 0 {
		cfg.Model.NHeads = 1
	}
	if cfg.Model.KQVDim == 0 {
		cfg.Model.KQVDim = 256
	}

	if cfg.Optimizer.LR == 0 {
		cfg.Optimizer.LR = 5e-4
	}
	if cfg.Optimizer.WeightDecay == 0 {
		cfg.Optimizer.WeightDecay = 0.01
	}

	if cfg.Encoder.Backend == "" {
		cfg.Encoder.Backend = EncoderBackendFixture
	}
	if cfg.Encoder.HiddenDim == 0 {
		cfg.Encoder.HiddenDim = 768
	}
	if cfg.Encoder.NumLayers == 0 {
		cfg.Encoder.NumLayers = 12
	}
	if cfg.Encoder.Seed == 0 {
		cfg.Encoder.Seed = 42
	}
	if cfg.Encoder.TimeoutMs == 0 {
		cfg.Encoder.TimeoutMs = 3000
	}
	if cfg.Encoder.RetryMax == 0 {
		cfg.Encoder.RetryMax = 2
	}

	if cfg.Concepts.Device == "" {
		cfg.Concepts.Device = "cpu"
	}

	if cfg.Training.BatchSize == 0 {
		cfg.Training.BatchSize = 16
	}
	if cfg.Training.MaxSeqLen == 0 {
		cfg.Training.MaxSeqLen = 128
	}
	if cfg.Training.MaxPhrases == 0 {
		cfg.Training.MaxPhrases = 24
	}
	if cfg.Training.Epochs == 0 {
		cfg.Training.Epochs = 3
	}
	if cfg.Training.Seed == 0 {
		cfg.Training.Seed = 42
	}

	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "selfexplain"
	}
}

// DefaultConfig returns a fully-defaulted Config that passes Validate.
func DefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}
