// Package executor runs admitted jobs against pooled browser sessions and
// turns every termination into exactly one classified result.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/shield4u/crawl-worker/internal/browser"
	"github.com/shield4u/crawl-worker/internal/parse"
	"github.com/shield4u/crawl-worker/internal/policy"
	"github.com/shield4u/crawl-worker/internal/ratelimit"
	"github.com/shield4u/crawl-worker/internal/security"
	"github.com/shield4u/crawl-worker/internal/types"
	"github.com/shield4u/crawl-worker/internal/urlutil"
)

// Session is the part of a browser session the executor uses.
type Session interface {
	Render(ctx context.Context, targetURL string, opts types.RenderOptions) (*types.PageResult, error)
}

// Pool mediates session checkout and return.
type Pool interface {
	Acquire(ctx context.Context) (Session, error)
	Release(s Session, healthy bool)
}

// NewBrowserPool adapts a *browser.Pool to the Pool interface.
func NewBrowserPool(p *browser.Pool) Pool {
	return &rodPool{p: p}
}

type rodPool struct {
	p *browser.Pool
}

func (r *rodPool) Acquire(ctx context.Context) (Session, error) {
	s, err := r.p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *rodPool) Release(s Session, healthy bool) {
	if bs, ok := s.(*browser.Session); ok {
		r.p.Release(bs, healthy)
	}
}

// Executor executes jobs. Safe for concurrent use; per-job state lives on
// the stack.
type Executor struct {
	pool     Pool
	redactor *security.Redactor
	policies *policy.Manager
}

// New creates an executor backed by the given pool. The policy manager
// supplies the link-normalization and scope rules applied to parsed pages.
func New(pool Pool, redactor *security.Redactor, policies *policy.Manager) *Executor {
	return &Executor{pool: pool, redactor: redactor, policies: policies}
}

// Execute runs one job to completion and returns its result. The job
// deadline is the sole cancellation trigger: it bounds session acquisition
// and rendering together, so a long wait in the pool eats into the render
// budget rather than extending it.
func (e *Executor) Execute(ctx context.Context, job types.Job) types.Result {
	start := time.Now()
	logger := log.With().
		Str("job_id", job.ID).
		Str("url", e.redactor.URL(job.URL)).
		Logger()

	if job.RemainingBudget(start) <= 0 {
		logger.Warn().Msg("Job deadline passed before execution started")
		return e.finish(job, start, types.OutcomeTimeout, "deadline passed before execution", nil)
	}

	jobCtx, cancel := context.WithDeadline(ctx, job.Deadline)
	defer cancel()

	session, err := e.pool.Acquire(jobCtx)
	if err != nil {
		logger.Warn().Err(err).Msg("Session acquisition failed")
		return e.finish(job, start, classify(err), err.Error(), nil)
	}

	page, err := session.Render(jobCtx, job.URL, job.Options)
	e.pool.Release(session, !sessionDamaged(err))
	if err != nil {
		logger.Warn().Err(err).Dur("elapsed", time.Since(start)).Msg("Render failed")
		return e.finish(job, start, classify(err), err.Error(), nil)
	}

	e.enrich(page, &logger)

	logger.Info().
		Int("status", page.Meta.Status).
		Dur("elapsed", time.Since(start)).
		Msg("Job completed")
	return e.finish(job, start, types.OutcomeSuccess, "", page)
}

func (e *Executor) finish(job types.Job, start time.Time, outcome types.Outcome, errMsg string, page *types.PageResult) types.Result {
	return types.Result{
		JobID:    job.ID,
		Outcome:  outcome,
		Error:    errMsg,
		Page:     page,
		TimingMs: time.Since(start).Milliseconds(),
	}
}

// enrich attaches parsed structure and block-signal detection to a rendered
// page. Enrichment failures degrade the result, never fail the job.
func (e *Executor) enrich(page *types.PageResult, logger *zerolog.Logger) {
	if signal := ratelimit.Detect(page.Meta.Status, page.HTML); signal.Detected {
		page.BlockSignal = &signal
		logger.Info().
			Str("error_code", signal.ErrorCode).
			Str("category", string(signal.Category)).
			Msg("Block signal detected on rendered page")
	}

	if page.HTML == "" {
		return
	}
	doc, err := parse.Parse(page.Meta.FinalURL, page.HTML)
	if err != nil {
		logger.Warn().Err(err).Msg("Page parse failed, returning raw result")
		return
	}
	e.applyLinkPolicy(page.Meta.FinalURL, doc)
	page.Parsed = doc
}

// applyLinkPolicy annotates extracted link targets with their normalized
// form and an in-scope flag per the active crawl policy, so the controller
// can deduplicate and filter its frontier without re-deriving the rules.
func (e *Executor) applyLinkPolicy(finalURL string, doc *parse.Document) {
	pol := e.policies.Get()
	normOpts := urlutil.NormalizeOptions{RemoveParams: pol.ParamsToRemove}
	scopeOpts := urlutil.ScopeOptions{
		PathBlacklist:      pol.PathBlacklist,
		ExtensionBlacklist: pol.ExtensionBlacklist,
	}

	for i := range doc.DOM.LinkTargets {
		target := &doc.DOM.LinkTargets[i]
		if normalized, err := urlutil.Normalize(target.Full, normOpts); err == nil {
			target.Normalized = normalized
		}
		target.InScope = urlutil.WithinScope(finalURL, target.Full, scopeOpts)
	}
}

// sessionDamaged reports whether the render error indicates the browser
// itself is broken. Navigation failures and timeouts leave the session
// reusable.
func sessionDamaged(err error) bool {
	return errors.Is(err, types.ErrSessionCrashed) || errors.Is(err, types.ErrSessionClosed)
}

// classify maps an execution error to the job outcome taxonomy.
func classify(err error) types.Outcome {
	switch {
	case errors.Is(err, types.ErrPoolTimeout),
		errors.Is(err, types.ErrNavigationTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return types.OutcomeTimeout
	case errors.Is(err, types.ErrPoolDegraded),
		errors.Is(err, types.ErrPoolClosed),
		errors.Is(err, types.ErrLaunch),
		errors.Is(err, types.ErrSessionCrashed),
		errors.Is(err, types.ErrSessionClosed):
		return types.OutcomeSessionFailure
	default:
		return types.OutcomeNavigationError
	}
}
