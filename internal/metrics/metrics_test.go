package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)
	if rec.Code != 200 {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read scrape body: %v", err)
	}
	return string(body)
}

func TestMetricsExposition(t *testing.T) {
	m := New()

	m.RunFinished("enhanced", "succeeded")
	m.RunFinished("enhanced", "failed")
	m.RecordsTransformed("enhanced", 9)
	m.RecordsDeadLettered("enhanced", 1)
	m.RawAppended(10)
	m.SetPendingLag("enhanced", 4)

	body := scrape(t, m)
	for _, want := range []string{
		`refinery_task_runs_total{consumer="enhanced",status="succeeded"} 1`,
		`refinery_task_runs_total{consumer="enhanced",status="failed"} 1`,
		`refinery_records_transformed_total{consumer="enhanced"} 9`,
		`refinery_dead_letters_total{consumer="enhanced"} 1`,
		`refinery_raw_appends_total 10`,
		`refinery_pending_lag{consumer="enhanced"} 4`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestZeroCountsAreNotRecorded(t *testing.T) {
	m := New()

	m.RecordsTransformed("enhanced", 0)
	m.RecordsDeadLettered("enhanced", 0)
	m.RawAppended(0)

	body := scrape(t, m)
	// No label set should have been materialized by zero-count calls.
	if strings.Contains(body, `refinery_records_transformed_total{consumer="enhanced"}`) {
		t.Error("zero transform count materialized a series")
	}
	if strings.Contains(body, `refinery_dead_letters_total{consumer="enhanced"}`) {
		t.Error("zero dead-letter count materialized a series")
	}
}

func TestPendingLagIsAGauge(t *testing.T) {
	m := New()

	m.SetPendingLag("enhanced", 10)
	m.SetPendingLag("enhanced", 2)

	body := scrape(t, m)
	if !strings.Contains(body, `refinery_pending_lag{consumer="enhanced"} 2`) {
		t.Errorf("gauge did not keep the latest value:\n%s", body)
	}
}
