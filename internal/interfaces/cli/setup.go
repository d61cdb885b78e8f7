package cli

import (
	"net/http"

	"github.com/turtacn/selfexplain/internal/concepts"
	"github.com/turtacn/selfexplain/internal/config"
	"github.com/turtacn/selfexplain/internal/encoder"
	"github.com/turtacn/selfexplain/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/selfexplain/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/selfexplain/internal/model"
	"github.com/turtacn/selfexplain/internal/training"
)

// buildModel assembles the full inference stack: concept store, encoder
// backend and classifier.
func buildModel(cfg *config.Config, logger logging.Logger) (*model.Model, *concepts.Store, error) {
	device, err := concepts.ParseDevice(cfg.Concepts.Device)
	if err != nil {
		return nil, nil, err
	}
	store, err := concepts.Load(cfg.Concepts.Path)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("loaded concept store",
		logging.String("path", cfg.Concepts.Path),
		logging.Int("concepts", store.NumConcepts()),
		logging.Int("dim", store.Dim()))

	enc, err := encoder.New(cfg.Encoder, cfg.Model.ModelName, logger)
	if err != nil {
		return nil, nil, err
	}

	m, err := model.New(cfg.Model, enc, store, device, cfg.Training.Seed, logger)
	if err != nil {
		return nil, nil, err
	}
	return m, store, nil
}

// buildRecorder wires the prometheus recorder when metrics are enabled and
// optionally serves the scrape endpoint.
func buildRecorder(cfg *config.Config, metricsAddr string, logger logging.Logger) (training.Recorder, error) {
	if !cfg.Metrics.Enabled {
		return training.NopRecorder{}, nil
	}
	collector, err := prometheus.NewMetricsCollector(prometheus.CollectorConfig{
		Namespace: cfg.Metrics.Namespace,
	}, logger)
	if err != nil {
		return nil, err
	}
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", collector.Handler())
		go func() {
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Warn("metrics endpoint stopped", logging.Err(err))
			}
		}()
		logger.Info("serving metrics", logging.String("addr", metricsAddr))
	}
	return prometheus.NewRecorder(prometheus.NewTrainingMetrics(collector)), nil
}
