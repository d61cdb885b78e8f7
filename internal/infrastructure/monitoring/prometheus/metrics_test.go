package prometheus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/turtacn/selfexplain/internal/infrastructure/monitoring/logging"
)

func newTestCollector(t *testing.T) MetricsCollector {
	t.Helper()
	c, err := NewMetricsCollector(CollectorConfig{Namespace: "selfexplain"}, logging.NewNop())
	if err != nil {
		t.Fatalf("NewMetricsCollector: %v", err)
	}
	return c
}

func scrape(t *testing.T, c MetricsCollector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func TestNewMetricsCollectorRequiresNamespace(t *testing.T) {
	if _, err := NewMetricsCollector(CollectorConfig{}, logging.NewNop()); err == nil {
		t.Fatal("expected error for empty namespace")
	}
}

func TestCounterAppearsInScrape(t *testing.T) {
	c := newTestCollector(t)
	counter := c.RegisterCounter("test_events_total", "Test events", "kind")
	counter.WithLabelValues("a").Inc()
	counter.WithLabelValues("a").Add(2)

	body := scrape(t, c)
	if !strings.Contains(body, `selfexplain_test_events_total{kind="a"} 3`) {
		t.Errorf("scrape missing counter:\n%s", body)
	}
}

func TestDuplicateRegistrationReturnsExisting(t *testing.T) {
	c := newTestCollector(t)
	a := c.RegisterGauge("dup_gauge", "first", "l")
	b := c.RegisterGauge("dup_gauge", "second", "l")
	a.WithLabelValues("x").Set(1)
	b.WithLabelValues("x").Set(5)

	body := scrape(t, c)
	if !strings.Contains(body, `selfexplain_dup_gauge{l="x"} 5`) {
		t.Errorf("duplicate registration did not share state:\n%s", body)
	}
}

func TestTrainingMetricsRecorder(t *testing.T) {
	c := newTestCollector(t)
	rec := NewRecorder(NewTrainingMetrics(c))

	rec.RecordStep("train", 0, 0, 16, 0.9, 0.5, 250*time.Millisecond)
	rec.RecordStep("train", 0, 1, 16, 0.7, 0.75, 250*time.Millisecond)
	rec.RecordEpoch("train", 0, 0.8, 0.625)
	rec.RecordStep("val", 0, 0, 16, 1.1, 0.4, 125*time.Millisecond)

	body := scrape(t, c)
	for _, want := range []string{
		`selfexplain_steps_total{phase="train"} 2`,
		`selfexplain_examples_total{phase="train"} 32`,
		`selfexplain_step_loss{phase="train"} 0.7`,
		`selfexplain_step_accuracy{phase="train"} 0.75`,
		`selfexplain_epoch_loss{phase="train"} 0.8`,
		`selfexplain_epoch_accuracy{phase="train"} 0.625`,
		`selfexplain_step_loss{phase="val"} 1.1`,
		`selfexplain_step_duration_seconds_count{phase="train"} 2`,
		`selfexplain_step_duration_seconds_sum{phase="train"} 0.5`,
		`selfexplain_step_duration_seconds_count{phase="val"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}
