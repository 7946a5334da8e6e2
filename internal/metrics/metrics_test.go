package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T) string {
	t.Helper()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics endpoint returned %d", w.Code)
	}
	return w.Body.String()
}

func TestHandler(t *testing.T) {
	RecordJob("success", 1*time.Second)
	UpdatePoolMetrics(3, 2, 1, 0)
	UpdateInFlight(1)

	body := scrape(t)
	for _, metric := range []string{
		"crawlworker_pool_max_sessions",
		"crawlworker_pool_idle_sessions",
		"crawlworker_pool_busy_sessions",
		"crawlworker_pool_degraded_slots",
		"crawlworker_jobs_in_flight",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("Expected metric %q not found in output", metric)
		}
	}
}

func TestRecordJob(t *testing.T) {
	RecordJob("success", 1*time.Second)
	RecordJob("timeout", 30*time.Second)
	RecordJob("navigation_error", 500*time.Millisecond)

	body := scrape(t)
	if !strings.Contains(body, "crawlworker_jobs_total") {
		t.Error("Expected crawlworker_jobs_total metric")
	}
	if !strings.Contains(body, `outcome="timeout"`) {
		t.Error("Expected timeout outcome label")
	}
	if !strings.Contains(body, "crawlworker_job_duration_seconds") {
		t.Error("Expected crawlworker_job_duration_seconds metric")
	}
}

func TestRecordBlockSignal(t *testing.T) {
	RecordBlockSignal("rate_limit")
	RecordBlockSignal("captcha")

	body := scrape(t)
	if !strings.Contains(body, "crawlworker_block_signals_total") {
		t.Error("Expected crawlworker_block_signals_total metric")
	}
	if !strings.Contains(body, `category="rate_limit"`) {
		t.Error("Expected rate_limit category label")
	}
}

func TestSetBuildInfo(t *testing.T) {
	SetBuildInfo("1.0.0", "go1.24")

	body := scrape(t)
	if !strings.Contains(body, "crawlworker_build_info") {
		t.Error("Expected crawlworker_build_info metric")
	}
	if !strings.Contains(body, "version=\"1.0.0\"") {
		t.Error("Expected version label in build_info")
	}
}

func TestUpdatePoolMetrics(t *testing.T) {
	UpdatePoolMetrics(4, 2, 1, 1)

	body := scrape(t)
	if !strings.Contains(body, "crawlworker_pool_max_sessions 4") {
		t.Error("Expected pool_max_sessions to be 4")
	}
	if !strings.Contains(body, "crawlworker_pool_idle_sessions 2") {
		t.Error("Expected pool_idle_sessions to be 2")
	}
	if !strings.Contains(body, "crawlworker_pool_degraded_slots 1") {
		t.Error("Expected pool_degraded_slots to be 1")
	}
}

func TestStartMemoryCollector(t *testing.T) {
	stopCh := make(chan struct{})
	go StartMemoryCollector(50*time.Millisecond, stopCh)

	time.Sleep(150 * time.Millisecond)
	close(stopCh)

	body := scrape(t)
	if !strings.Contains(body, "crawlworker_memory_usage_bytes") {
		t.Error("Expected crawlworker_memory_usage_bytes metric")
	}
	if !strings.Contains(body, "crawlworker_goroutines") {
		t.Error("Expected crawlworker_goroutines metric")
	}
}
