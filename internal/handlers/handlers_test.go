package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shield4u/crawl-worker/internal/config"
	"github.com/shield4u/crawl-worker/internal/health"
	"github.com/shield4u/crawl-worker/internal/policy"
	"github.com/shield4u/crawl-worker/internal/security"
	"github.com/shield4u/crawl-worker/internal/types"
)

type fakeDispatcher struct {
	result  types.Result
	err     error
	lastJob types.Job
	called  bool
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, job types.Job) (types.Result, error) {
	f.called = true
	f.lastJob = job
	res := f.result
	if res.JobID == "" {
		res.JobID = job.ID
	}
	return res, f.err
}

func (f *fakeDispatcher) Snapshot() types.QueueStatus {
	return types.QueueStatus{MaxInFlight: 4, InFlight: 1, Admitted: 10, Rejected: 2, Completed: 9}
}

type fakePool struct{}

func (fakePool) Snapshot() types.PoolStatus {
	return types.PoolStatus{MaxSessions: 3, Idle: 1, Busy: 1, Created: 5}
}

type fakeHealth struct {
	status health.Status
}

func (f *fakeHealth) Current() health.Status { return f.status }

func newTestHandler(t *testing.T, d *fakeDispatcher, hs health.Status) *Handler {
	t.Helper()
	policies, err := policy.NewManager("", false)
	if err != nil {
		t.Fatalf("policy.NewManager() error = %v", err)
	}
	t.Cleanup(func() { policies.Close() })

	cfg := &config.Config{
		DefaultTimeout: 60 * time.Second,
		MaxTimeout:     300 * time.Second,
	}
	return New(d, fakePool{}, &fakeHealth{status: hs}, cfg, policies, security.NewRedactor(policies))
}

func successResult() types.Result {
	return types.Result{
		Outcome: types.OutcomeSuccess,
		Page: &types.PageResult{
			Meta: types.PageMeta{URL: "http://example.com/", FinalURL: "http://example.com/", Status: 200},
			HTML: "<html><body>hi</body></html>",
		},
		TimingMs: 120,
	}
}

func postCrawl(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/crawl", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) types.CrawlResponse {
	t.Helper()
	var resp types.CrawlResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("response is not valid JSON: %v\nbody: %s", err, w.Body.String())
	}
	return resp
}

func TestHandleCrawlSuccess(t *testing.T) {
	d := &fakeDispatcher{result: successResult()}
	h := newTestHandler(t, d, health.Status{Healthy: true})

	w := postCrawl(t, h, `{"target_url":"http://example.com/","job_id":"job-7","return_html":true}`)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", w.Code, w.Body.String())
	}
	resp := decodeResponse(t, w)
	if resp.Status != types.StatusOK {
		t.Errorf("Status = %q, want ok", resp.Status)
	}
	if resp.Outcome != types.OutcomeSuccess {
		t.Errorf("Outcome = %q, want success", resp.Outcome)
	}
	if resp.JobID != "job-7" {
		t.Errorf("JobID = %q, want job-7", resp.JobID)
	}
	if resp.Result == nil || resp.Result.HTML == "" {
		t.Error("Result HTML missing despite return_html")
	}
	if d.lastJob.Options.Wait != types.WaitLoad {
		t.Errorf("Wait = %q, want load default", d.lastJob.Options.Wait)
	}
}

func TestHandleCrawlDropsHTMLByDefault(t *testing.T) {
	d := &fakeDispatcher{result: successResult()}
	h := newTestHandler(t, d, health.Status{Healthy: true})

	w := postCrawl(t, h, `{"target_url":"http://example.com/"}`)

	resp := decodeResponse(t, w)
	if resp.Result == nil {
		t.Fatal("Result missing")
	}
	if resp.Result.HTML != "" {
		t.Error("HTML returned without return_html flag")
	}
}

func TestHandleCrawlGeneratesJobID(t *testing.T) {
	d := &fakeDispatcher{result: successResult()}
	h := newTestHandler(t, d, health.Status{Healthy: true})

	postCrawl(t, h, `{"target_url":"http://example.com/"}`)

	if d.lastJob.ID == "" {
		t.Error("job ID not generated for request without one")
	}
}

func TestHandleCrawlTimeoutCapped(t *testing.T) {
	d := &fakeDispatcher{result: successResult()}
	h := newTestHandler(t, d, health.Status{Healthy: true})

	start := time.Now()
	postCrawl(t, h, `{"target_url":"http://example.com/","max_timeout_ms":500000}`)

	budget := d.lastJob.Deadline.Sub(start)
	if budget > 301*time.Second {
		t.Errorf("job budget = %v, want capped at 300s", budget)
	}
}

func TestHandleCrawlInvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{{{`},
		{"missing url", `{}`},
		{"bad scheme", `{"target_url":"ftp://example.com/"}`},
		{"loopback target", `{"target_url":"http://127.0.0.1/"}`},
		{"metadata target", `{"target_url":"http://169.254.169.254/latest/meta-data/"}`},
		{"bad wait", `{"target_url":"http://example.com/","wait":"forever"}`},
		{"blacklisted path", `{"target_url":"http://example.com/logout"}`},
		{"destructive path segment", `{"target_url":"http://example.com/api/delete/42"}`},
		{"blacklisted extension", `{"target_url":"http://example.com/report.pdf"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDispatcher{result: successResult()}
			h := newTestHandler(t, d, health.Status{Healthy: true})

			w := postCrawl(t, h, tt.body)

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if d.called {
				t.Error("dispatcher called for invalid request")
			}
		})
	}
}

func TestHandleCrawlOutcomeStatusCodes(t *testing.T) {
	tests := []struct {
		outcome    types.Outcome
		err        error
		wantStatus int
	}{
		{types.OutcomeRejected, types.ErrAdmissionRejected, http.StatusTooManyRequests},
		{types.OutcomeTimeout, nil, http.StatusGatewayTimeout},
		{types.OutcomeSessionFailure, nil, http.StatusBadGateway},
		{types.OutcomeNavigationError, nil, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			d := &fakeDispatcher{
				result: types.Result{Outcome: tt.outcome, Error: "job failed"},
				err:    tt.err,
			}
			h := newTestHandler(t, d, health.Status{Healthy: true})

			w := postCrawl(t, h, `{"target_url":"http://example.com/"}`)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			resp := decodeResponse(t, w)
			if resp.Status != types.StatusError {
				t.Errorf("Status = %q, want error", resp.Status)
			}
			if resp.Outcome != tt.outcome {
				t.Errorf("Outcome = %q, want %q", resp.Outcome, tt.outcome)
			}
		})
	}
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name       string
		status     health.Status
		wantCode   int
		wantStatus string
	}{
		{"healthy", health.Status{Healthy: true}, http.StatusOK, "ok"},
		{"unhealthy", health.Status{Healthy: false, Reason: "no usable session slots"}, http.StatusServiceUnavailable, "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t, &fakeDispatcher{}, tt.status)

			req := httptest.NewRequest("GET", "/health", nil)
			w := httptest.NewRecorder()
			h.Router().ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			var resp types.HealthResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("health response not JSON: %v", err)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("Status = %q, want %q", resp.Status, tt.wantStatus)
			}
			if !tt.status.Healthy && resp.Reason == "" {
				t.Error("Reason missing on unhealthy response")
			}
		})
	}
}

func TestHandleStatus(t *testing.T) {
	h := newTestHandler(t, &fakeDispatcher{}, health.Status{Healthy: true})

	req := httptest.NewRequest("GET", "/status", nil)
	w := httptest.NewRecorder()
	h.Router().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp types.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("status response not JSON: %v", err)
	}
	if !resp.Healthy {
		t.Error("Healthy = false, want true")
	}
	if resp.Pool.MaxSessions != 3 {
		t.Errorf("Pool.MaxSessions = %d, want 3", resp.Pool.MaxSessions)
	}
	if resp.Queue.MaxInFlight != 4 {
		t.Errorf("Queue.MaxInFlight = %d, want 4", resp.Queue.MaxInFlight)
	}
	if resp.Version == "" {
		t.Error("Version is empty")
	}
}

func TestRouterMethodAndPathHandling(t *testing.T) {
	h := newTestHandler(t, &fakeDispatcher{result: successResult()}, health.Status{Healthy: true})

	tests := []struct {
		method   string
		path     string
		wantCode int
	}{
		{"GET", "/crawl", http.StatusMethodNotAllowed},
		{"POST", "/health", http.StatusMethodNotAllowed},
		{"POST", "/status", http.StatusMethodNotAllowed},
		{"GET", "/nope", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, bytes.NewReader(nil))
			w := httptest.NewRecorder()
			h.Router().ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
		})
	}
}
