package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/shield4u/crawl-worker/internal/config"
	"github.com/shield4u/crawl-worker/internal/health"
	"github.com/shield4u/crawl-worker/internal/metrics"
	"github.com/shield4u/crawl-worker/internal/policy"
	"github.com/shield4u/crawl-worker/internal/security"
	"github.com/shield4u/crawl-worker/internal/types"
	"github.com/shield4u/crawl-worker/pkg/version"
)

// JobDispatcher admits and runs jobs.
type JobDispatcher interface {
	Dispatch(ctx context.Context, job types.Job) (types.Result, error)
	Snapshot() types.QueueStatus
}

// PoolInspector exposes session pool state for /status.
type PoolInspector interface {
	Snapshot() types.PoolStatus
}

// HealthSource reports the worker health verdict.
type HealthSource interface {
	Current() health.Status
}

// Handler handles all worker API requests.
type Handler struct {
	dispatcher JobDispatcher
	pool       PoolInspector
	health     HealthSource
	config     *config.Config
	policies   *policy.Manager
	redactor   *security.Redactor
	startedAt  time.Time
}

// New creates a new Handler.
func New(dispatcher JobDispatcher, pool PoolInspector, healthSrc HealthSource, cfg *config.Config, policies *policy.Manager, redactor *security.Redactor) *Handler {
	return &Handler{
		dispatcher: dispatcher,
		pool:       pool,
		health:     healthSrc,
		config:     cfg,
		policies:   policies,
		redactor:   redactor,
		startedAt:  time.Now(),
	}
}

// HandleCrawl handles POST /crawl: validate, admit, execute, respond.
func (h *Handler) HandleCrawl(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	// Limit request body size to prevent memory exhaustion.
	const maxBodySize = 1 << 20 // 1MB
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	buf := getBuffer()
	defer putBuffer(buf)

	if _, err := io.Copy(buf, r.Body); err != nil {
		log.Warn().Err(err).Msg("Failed to read request body")
		h.writeError(w, http.StatusBadRequest, "Failed to read request", startTime)
		return
	}

	var req types.CrawlRequest
	if err := json.Unmarshal(buf.Bytes(), &req); err != nil {
		log.Warn().Err(err).Msg("Failed to decode request")
		h.writeError(w, http.StatusBadRequest, "Invalid JSON request", startTime)
		return
	}

	if err := req.Validate(); err != nil {
		log.Warn().Err(err).Str("url", h.redactor.URL(req.TargetURL)).Msg("Request validation failed")
		h.writeError(w, http.StatusBadRequest, err.Error(), startTime)
		return
	}

	if err := security.ValidateTargetURL(req.TargetURL); err != nil {
		log.Warn().Err(err).Str("url", h.redactor.URL(req.TargetURL)).Msg("Target URL rejected")
		h.writeError(w, http.StatusBadRequest, "Invalid URL: "+err.Error(), startTime)
		return
	}

	if err := h.policies.Get().CheckTarget(req.TargetURL); err != nil {
		log.Warn().Err(err).Str("url", h.redactor.URL(req.TargetURL)).Msg("Target URL outside crawl policy")
		h.writeError(w, http.StatusBadRequest, "URL not crawlable: "+err.Error(), startTime)
		return
	}

	job := h.buildJob(&req, startTime)

	log.Info().
		Str("job_id", job.ID).
		Str("url", h.redactor.URL(req.TargetURL)).
		Strs("cookie_names", h.redactor.CookieNames(req.Cookies)).
		Dur("budget", job.Deadline.Sub(startTime)).
		Msg("Job received")

	result, err := h.dispatcher.Dispatch(r.Context(), job)
	metrics.RecordJob(string(result.Outcome), time.Since(startTime))
	if result.Page != nil && result.Page.BlockSignal != nil {
		metrics.RecordBlockSignal(string(result.Page.BlockSignal.Category))
	}

	if err != nil && result.Outcome != types.OutcomeRejected {
		h.writeError(w, http.StatusInternalServerError, err.Error(), startTime)
		return
	}

	if result.Page != nil && !req.ReturnHTML {
		result.Page.HTML = ""
	}

	h.writeResult(w, &result, startTime)
}

// buildJob converts a validated request into an immutable job with an
// absolute deadline.
func (h *Handler) buildJob(req *types.CrawlRequest, now time.Time) types.Job {
	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}

	timeout := h.config.DefaultTimeout
	if req.MaxTimeoutMs > 0 {
		timeout = time.Duration(req.MaxTimeoutMs) * time.Millisecond
	}
	if timeout > h.config.MaxTimeout {
		timeout = h.config.MaxTimeout
	}

	opts := types.RenderOptions{
		Cookies:        req.Cookies,
		Headers:        req.Headers,
		Wait:           types.WaitCondition(strings.ToLower(req.Wait)),
		WaitExtra:      time.Duration(req.WaitExtraSeconds) * time.Second,
		DisableMedia:   req.DisableMedia,
		CollectStorage: req.CollectStorage,
		MaxDepth:       req.MaxDepth,
	}
	if opts.Wait == "" {
		opts.Wait = types.WaitLoad
	}
	if req.Viewport != nil {
		opts.ViewportWidth = req.Viewport.Width
		opts.ViewportHeight = req.Viewport.Height
	}

	return types.Job{
		ID:          jobID,
		URL:         req.TargetURL,
		Options:     opts,
		Deadline:    now.Add(timeout),
		SubmittedAt: now,
	}
}

// HandleHealth handles GET /health.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	verdict := h.health.Current()

	resp := types.HealthResponse{
		Status:  "ok",
		Version: version.Full(),
	}
	statusCode := http.StatusOK
	if !verdict.Healthy {
		resp.Status = "unhealthy"
		resp.Reason = verdict.Reason
		statusCode = http.StatusServiceUnavailable
	}
	h.writeJSONResponse(w, statusCode, resp)
}

// HandleStatus handles GET /status.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	verdict := h.health.Current()

	resp := types.StatusResponse{
		Version:       version.Full(),
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Healthy:       verdict.Healthy,
		HealthReason:  verdict.Reason,
		Pool:          h.pool.Snapshot(),
		Queue:         h.dispatcher.Snapshot(),
	}
	h.writeJSONResponse(w, http.StatusOK, resp)
}

// HandleMethodNotAllowed handles requests with unsupported HTTP methods.
func (h *Handler) HandleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, http.StatusMethodNotAllowed, "Method not allowed", time.Now())
}

// HandleNotFound handles requests to unknown paths.
func (h *Handler) HandleNotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, http.StatusNotFound, "Not found", time.Now())
}

// outcomeHTTPStatus maps job outcomes to response status codes. A
// navigation error is a definitive job result, not a worker fault, so it
// stays 200 and clients read the outcome field.
func outcomeHTTPStatus(outcome types.Outcome) int {
	switch outcome {
	case types.OutcomeSuccess, types.OutcomeNavigationError:
		return http.StatusOK
	case types.OutcomeRejected:
		return http.StatusTooManyRequests
	case types.OutcomeTimeout:
		return http.StatusGatewayTimeout
	case types.OutcomeSessionFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeResult(w http.ResponseWriter, result *types.Result, startTime time.Time) {
	resp := types.CrawlResponse{
		Status:    types.StatusOK,
		JobID:     result.JobID,
		Outcome:   result.Outcome,
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
		Result:    result.Page,
	}
	if result.Outcome != types.OutcomeSuccess {
		resp.Status = types.StatusError
		resp.Message = result.Error
	}
	h.writeJSONResponse(w, outcomeHTTPStatus(result.Outcome), resp)
}

func (h *Handler) writeError(w http.ResponseWriter, statusCode int, message string, startTime time.Time) {
	resp := types.CrawlResponse{
		Status:    types.StatusError,
		Message:   message,
		StartTime: startTime.UnixMilli(),
		EndTime:   time.Now().UnixMilli(),
		Version:   version.Full(),
	}
	h.writeJSONResponse(w, statusCode, resp)
}

// writeJSONResponse buffers JSON before writing so encoding errors are
// caught before headers are sent.
func (h *Handler) writeJSONResponse(w http.ResponseWriter, statusCode int, resp interface{}) {
	buf := getResponseBuffer()
	defer putResponseBuffer(buf)

	if err := json.NewEncoder(buf).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status":"error","message":"internal encoding error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if statusCode != http.StatusOK {
		w.WriteHeader(statusCode)
	}
	_, _ = w.Write(buf.Bytes())
}
