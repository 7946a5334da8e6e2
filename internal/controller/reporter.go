// Package controller pushes worker state back to the crawl controller:
// periodic heartbeats with pool and queue snapshots, and per-job outcome
// records. Everything here is best effort; the controller also learns
// outcomes from the synchronous /crawl response, so a lost POST costs
// nothing but freshness.
package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shield4u/crawl-worker/internal/dispatch"
	"github.com/shield4u/crawl-worker/internal/types"
	"github.com/shield4u/crawl-worker/pkg/version"
)

const requestTimeout = 10 * time.Second

// StatusFunc supplies the current worker snapshot for heartbeats.
type StatusFunc func() types.StatusResponse

// Reporter talks to the controller.
type Reporter struct {
	baseURL  string
	workerID string
	interval time.Duration
	status   StatusFunc
	client   *http.Client

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// heartbeat is the wire form of one heartbeat POST.
type heartbeat struct {
	WorkerID string               `json:"worker_id"`
	Version  string               `json:"version"`
	SentAt   string               `json:"sent_at"` // RFC 3339, UTC
	Status   types.StatusResponse `json:"status"`
}

// outcomeRecord is the wire form of one job outcome POST. Page content is
// deliberately absent; the controller already received it synchronously.
type outcomeRecord struct {
	WorkerID string        `json:"worker_id"`
	JobID    string        `json:"job_id"`
	Outcome  types.Outcome `json:"outcome"`
	Error    string        `json:"error,omitempty"`
	TimingMs int64         `json:"timing_ms"`
}

// New creates a reporter for the controller at baseURL.
func New(baseURL, workerID string, interval time.Duration, status StatusFunc) *Reporter {
	return &Reporter{
		baseURL:  baseURL,
		workerID: workerID,
		interval: interval,
		status:   status,
		client:   &http.Client{Timeout: requestTimeout},
		stopCh:   make(chan struct{}),
	}
}

// Start launches the heartbeat loop. One heartbeat is sent immediately so
// the controller sees the worker as soon as it is up.
func (r *Reporter) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.sendHeartbeat()

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.sendHeartbeat()
			}
		}
	}()
}

// Close stops the heartbeat loop and waits for in-flight sends.
func (r *Reporter) Close() {
	r.closeOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
}

func (r *Reporter) sendHeartbeat() {
	hb := heartbeat{
		WorkerID: r.workerID,
		Version:  version.Full(),
		SentAt:   time.Now().UTC().Format(time.RFC3339),
		Status:   r.status(),
	}
	if err := r.post(r.baseURL+"/workers/heartbeat", hb); err != nil {
		log.Warn().Err(err).Msg("Heartbeat delivery failed")
	}
}

// ReportResult pushes one job outcome to the controller.
func (r *Reporter) ReportResult(result *types.Result) {
	rec := outcomeRecord{
		WorkerID: r.workerID,
		JobID:    result.JobID,
		Outcome:  result.Outcome,
		Error:    result.Error,
		TimingMs: result.TimingMs,
	}
	if err := r.post(r.baseURL+"/results", rec); err != nil {
		log.Warn().Err(err).Str("job_id", result.JobID).Msg("Result delivery failed")
	}
}

func (r *Reporter) post(url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("controller returned %d", resp.StatusCode)
	}
	return nil
}

// reportingRunner decorates a runner so every terminated job is pushed to
// the controller in the background.
type reportingRunner struct {
	next     dispatch.Runner
	reporter *Reporter
}

// WrapRunner returns a runner that reports each result after execution.
func (r *Reporter) WrapRunner(next dispatch.Runner) dispatch.Runner {
	return &reportingRunner{next: next, reporter: r}
}

func (rr *reportingRunner) Execute(ctx context.Context, job types.Job) types.Result {
	result := rr.next.Execute(ctx, job)

	rr.reporter.wg.Add(1)
	go func() {
		defer rr.reporter.wg.Done()
		rr.reporter.ReportResult(&result)
	}()

	return result
}
