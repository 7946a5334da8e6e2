package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shield4u/crawl-worker/internal/policy"
	"github.com/shield4u/crawl-worker/internal/security"
	"github.com/shield4u/crawl-worker/internal/types"
)

type fakeSession struct {
	page *types.PageResult
	err  error
}

func (f *fakeSession) Render(ctx context.Context, targetURL string, opts types.RenderOptions) (*types.PageResult, error) {
	return f.page, f.err
}

type fakePool struct {
	session    Session
	acquireErr error

	released        bool
	releasedHealthy bool
}

func (f *fakePool) Acquire(ctx context.Context) (Session, error) {
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	return f.session, nil
}

func (f *fakePool) Release(s Session, healthy bool) {
	f.released = true
	f.releasedHealthy = healthy
}

func newTestExecutor(t *testing.T, pool Pool) *Executor {
	t.Helper()
	policies, err := policy.NewManager("", false)
	if err != nil {
		t.Fatalf("policy.NewManager() error = %v", err)
	}
	t.Cleanup(func() { policies.Close() })
	return New(pool, security.NewRedactor(policies), policies)
}

func testJob(budget time.Duration) types.Job {
	now := time.Now()
	return types.Job{
		ID:          "job-1",
		URL:         "http://example.com/",
		Deadline:    now.Add(budget),
		SubmittedAt: now,
	}
}

func successPage() *types.PageResult {
	return &types.PageResult{
		Meta: types.PageMeta{
			URL:      "http://example.com/",
			FinalURL: "http://example.com/",
			Status:   200,
		},
		HTML: "<html><head><title>ok</title></head><body><p>hello</p></body></html>",
	}
}

func TestExecuteSuccess(t *testing.T) {
	pool := &fakePool{session: &fakeSession{page: successPage()}}
	e := newTestExecutor(t, pool)

	res := e.Execute(context.Background(), testJob(5*time.Second))

	if res.Outcome != types.OutcomeSuccess {
		t.Fatalf("Outcome = %q, want success (err: %s)", res.Outcome, res.Error)
	}
	if res.JobID != "job-1" {
		t.Errorf("JobID = %q, want job-1", res.JobID)
	}
	if res.Page == nil {
		t.Fatal("Page is nil on success")
	}
	if res.Page.Parsed == nil {
		t.Error("Parsed is nil, want enriched document")
	}
	if res.Page.Parsed != nil && res.Page.Parsed.DOM.Title != "ok" {
		t.Errorf("Parsed.DOM.Title = %q, want ok", res.Page.Parsed.DOM.Title)
	}
	if !pool.released || !pool.releasedHealthy {
		t.Errorf("released=%v healthy=%v, want session released healthy", pool.released, pool.releasedHealthy)
	}
}

func TestExecuteBlockSignalEnrichment(t *testing.T) {
	page := successPage()
	page.Meta.Status = 429
	pool := &fakePool{session: &fakeSession{page: page}}
	e := newTestExecutor(t, pool)

	res := e.Execute(context.Background(), testJob(5*time.Second))

	if res.Outcome != types.OutcomeSuccess {
		t.Fatalf("Outcome = %q, want success", res.Outcome)
	}
	if res.Page.BlockSignal == nil {
		t.Fatal("BlockSignal is nil for a 429 response")
	}
	if res.Page.BlockSignal.ErrorCode != "HTTP_429" {
		t.Errorf("BlockSignal.ErrorCode = %q, want HTTP_429", res.Page.BlockSignal.ErrorCode)
	}
}

func TestExecuteLinkPolicyApplied(t *testing.T) {
	page := successPage()
	page.HTML = `<html><head><title>ok</title></head><body>
		<a href="/next?utm_source=mail&id=7">next</a>
		<a href="/logout">logout</a>
	</body></html>`
	pool := &fakePool{session: &fakeSession{page: page}}
	e := newTestExecutor(t, pool)

	res := e.Execute(context.Background(), testJob(5*time.Second))

	if res.Outcome != types.OutcomeSuccess {
		t.Fatalf("Outcome = %q, want success", res.Outcome)
	}
	if res.Page.Parsed == nil {
		t.Fatal("Parsed is nil")
	}

	targets := res.Page.Parsed.DOM.LinkTargets
	byPath := make(map[string]int, len(targets))
	for i, target := range targets {
		byPath[target.Path] = i
	}

	next, ok := byPath["/next"]
	if !ok {
		t.Fatalf("no link target for /next; targets: %+v", targets)
	}
	if targets[next].Normalized != "http://example.com/next?id=7" {
		t.Errorf("Normalized = %q, want tracking param stripped", targets[next].Normalized)
	}
	if !targets[next].InScope {
		t.Error("/next marked out of scope")
	}

	logout, ok := byPath["/logout"]
	if !ok {
		t.Fatalf("no link target for /logout; targets: %+v", targets)
	}
	if targets[logout].InScope {
		t.Error("/logout marked in scope despite path blacklist")
	}
}

func TestExecuteDeadlineAlreadyPassed(t *testing.T) {
	pool := &fakePool{session: &fakeSession{page: successPage()}}
	e := newTestExecutor(t, pool)

	res := e.Execute(context.Background(), testJob(-time.Second))

	if res.Outcome != types.OutcomeTimeout {
		t.Errorf("Outcome = %q, want timeout", res.Outcome)
	}
	if pool.released {
		t.Error("pool touched for a job whose deadline already passed")
	}
}

func TestExecuteOutcomeClassification(t *testing.T) {
	tests := []struct {
		name        string
		acquireErr  error
		renderErr   error
		wantOutcome types.Outcome
		wantHealthy bool
	}{
		{
			name:        "pool timeout",
			acquireErr:  types.NewPoolAcquireError("acquire timeout", types.ErrPoolTimeout),
			wantOutcome: types.OutcomeTimeout,
		},
		{
			name:        "pool degraded",
			acquireErr:  types.NewPoolAcquireError("all session slots degraded", types.ErrPoolDegraded),
			wantOutcome: types.OutcomeSessionFailure,
		},
		{
			name:        "pool closed",
			acquireErr:  types.ErrPoolClosed,
			wantOutcome: types.OutcomeSessionFailure,
		},
		{
			name:        "navigation timeout",
			renderErr:   types.NewNavigationTimeoutError("http://example.com/"),
			wantOutcome: types.OutcomeTimeout,
			wantHealthy: true,
		},
		{
			name:        "navigation failure",
			renderErr:   types.NewNavigationError("http://example.com/", errors.New("net::ERR_NAME_NOT_RESOLVED")),
			wantOutcome: types.OutcomeNavigationError,
			wantHealthy: true,
		},
		{
			name:        "session crash",
			renderErr:   types.NewSessionCrashError("http://example.com/", errors.New("websocket: close 1006")),
			wantOutcome: types.OutcomeSessionFailure,
			wantHealthy: false,
		},
		{
			name:        "session closed",
			renderErr:   types.ErrSessionClosed,
			wantOutcome: types.OutcomeSessionFailure,
			wantHealthy: false,
		},
		{
			name:        "unclassified render error",
			renderErr:   errors.New("something odd"),
			wantOutcome: types.OutcomeNavigationError,
			wantHealthy: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := &fakePool{
				session:    &fakeSession{err: tt.renderErr},
				acquireErr: tt.acquireErr,
			}
			e := newTestExecutor(t, pool)

			res := e.Execute(context.Background(), testJob(5*time.Second))

			if res.Outcome != tt.wantOutcome {
				t.Errorf("Outcome = %q, want %q", res.Outcome, tt.wantOutcome)
			}
			if res.Error == "" {
				t.Error("Error is empty for a failed job")
			}
			if res.Page != nil {
				t.Error("Page set on a failed job")
			}
			if tt.renderErr != nil {
				if !pool.released {
					t.Error("session not released after render error")
				}
				if pool.releasedHealthy != tt.wantHealthy {
					t.Errorf("released healthy=%v, want %v", pool.releasedHealthy, tt.wantHealthy)
				}
			}
		})
	}
}

func TestExecuteTimingRecorded(t *testing.T) {
	pool := &fakePool{session: &fakeSession{page: successPage()}}
	e := newTestExecutor(t, pool)

	res := e.Execute(context.Background(), testJob(5*time.Second))

	if res.TimingMs < 0 {
		t.Errorf("TimingMs = %d, want >= 0", res.TimingMs)
	}
}
