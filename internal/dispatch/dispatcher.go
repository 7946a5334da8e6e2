// Package dispatch enforces admission control: a fixed number of jobs may
// execute at once and anything beyond that is rejected immediately, never
// queued. Rejection is cheap for the controller to retry elsewhere; silent
// queueing would stretch job deadlines instead.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shield4u/crawl-worker/internal/types"
)

// rejectionWindowSpan bounds how far back the rejection rate looks.
const rejectionWindowSpan = 60 * time.Second

// Runner executes one admitted job.
type Runner interface {
	Execute(ctx context.Context, job types.Job) types.Result
}

// Dispatcher admits jobs up to a fixed in-flight limit.
type Dispatcher struct {
	runner      Runner
	maxInFlight int
	slots       chan struct{}

	admitted  atomic.Int64
	rejected  atomic.Int64
	completed atomic.Int64

	window decisionWindow
}

// New creates a dispatcher running jobs through runner with at most
// maxInFlight executing concurrently.
func New(runner Runner, maxInFlight int) *Dispatcher {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &Dispatcher{
		runner:      runner,
		maxInFlight: maxInFlight,
		slots:       make(chan struct{}, maxInFlight),
	}
}

// Dispatch admits and runs one job. When the worker is already at its
// in-flight limit it returns ErrAdmissionRejected and a rejected result
// without blocking.
func (d *Dispatcher) Dispatch(ctx context.Context, job types.Job) (types.Result, error) {
	select {
	case d.slots <- struct{}{}:
	default:
		d.rejected.Add(1)
		d.window.record(time.Now(), true)
		log.Warn().
			Str("job_id", job.ID).
			Int("max_in_flight", d.maxInFlight).
			Msg("Job rejected, worker at capacity")
		return types.Result{
			JobID:   job.ID,
			Outcome: types.OutcomeRejected,
			Error:   types.ErrAdmissionRejected.Error(),
		}, types.ErrAdmissionRejected
	}

	d.admitted.Add(1)
	d.window.record(time.Now(), false)
	defer func() {
		<-d.slots
		d.completed.Add(1)
	}()

	return d.runner.Execute(ctx, job), nil
}

// InFlight returns how many jobs are currently executing.
func (d *Dispatcher) InFlight() int {
	return len(d.slots)
}

// RejectionRate returns the fraction of admission decisions in the recent
// window that were rejections. Returns 0 when no decisions were recorded.
func (d *Dispatcher) RejectionRate() float64 {
	return d.window.rejectionRate(time.Now())
}

// Snapshot returns a point-in-time view for /status.
func (d *Dispatcher) Snapshot() types.QueueStatus {
	return types.QueueStatus{
		MaxInFlight: d.maxInFlight,
		InFlight:    len(d.slots),
		Admitted:    d.admitted.Load(),
		Rejected:    d.rejected.Load(),
		Completed:   d.completed.Load(),
	}
}

// decisionWindow tracks recent admission decisions for health evaluation.
type decisionWindow struct {
	mu        sync.Mutex
	decisions []decision
}

type decision struct {
	at       time.Time
	rejected bool
}

func (w *decisionWindow) record(now time.Time, rejected bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	w.decisions = append(w.decisions, decision{at: now, rejected: rejected})
}

func (w *decisionWindow) rejectionRate(now time.Time) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(now)
	if len(w.decisions) == 0 {
		return 0
	}
	rejected := 0
	for _, d := range w.decisions {
		if d.rejected {
			rejected++
		}
	}
	return float64(rejected) / float64(len(w.decisions))
}

// prune requires w.mu held.
func (w *decisionWindow) prune(now time.Time) {
	cutoff := now.Add(-rejectionWindowSpan)
	i := 0
	for i < len(w.decisions) && w.decisions[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.decisions = append(w.decisions[:0], w.decisions[i:]...)
	}
}
