package prometheus

import "time"

// TrainingMetrics holds the metrics emitted while fitting and evaluating
// the classifier.
type TrainingMetrics struct {
	StepsTotal    CounterVec
	ExamplesTotal CounterVec
	StepLoss      GaugeVec
	StepAccuracy  GaugeVec
	EpochLoss     GaugeVec
	EpochAccuracy GaugeVec
	StepDuration  HistogramVec
}

var DefaultStepDurationBuckets = []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// NewTrainingMetrics registers all training metrics on the collector.
func NewTrainingMetrics(collector MetricsCollector) *TrainingMetrics {
	m := &TrainingMetrics{}
	m.StepsTotal = collector.RegisterCounter("steps_total", "Completed steps", "phase")
	m.ExamplesTotal = collector.RegisterCounter("examples_total", "Examples seen", "phase")
	m.StepLoss = collector.RegisterGauge("step_loss", "Loss of the most recent step", "phase")
	m.StepAccuracy = collector.RegisterGauge("step_accuracy", "Accuracy of the most recent step", "phase")
	m.EpochLoss = collector.RegisterGauge("epoch_loss", "Mean loss of the most recent epoch", "phase")
	m.EpochAccuracy = collector.RegisterGauge("epoch_accuracy", "Mean accuracy of the most recent epoch", "phase")
	m.StepDuration = collector.RegisterHistogram("step_duration_seconds", "Step wall time", DefaultStepDurationBuckets, "phase")
	return m
}

// Recorder adapts TrainingMetrics to the step and epoch callbacks the
// trainer invokes.
type Recorder struct {
	metrics *TrainingMetrics
}

func NewRecorder(metrics *TrainingMetrics) *Recorder {
	return &Recorder{metrics: metrics}
}

func (r *Recorder) RecordStep(phase string, epoch, step, batchSize int, loss, accuracy float64, duration time.Duration) {
	r.metrics.StepsTotal.WithLabelValues(phase).Inc()
	r.metrics.ExamplesTotal.WithLabelValues(phase).Add(float64(batchSize))
	r.metrics.StepLoss.WithLabelValues(phase).Set(loss)
	r.metrics.StepAccuracy.WithLabelValues(phase).Set(accuracy)
	r.metrics.StepDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

func (r *Recorder) RecordEpoch(phase string, epoch int, loss, accuracy float64) {
	r.metrics.EpochLoss.WithLabelValues(phase).Set(loss)
	r.metrics.EpochAccuracy.WithLabelValues(phase).Set(accuracy)
}
