// Package health decides whether the worker should keep receiving jobs.
// The controller probes GET /health and drains a worker that reports
// unhealthy, so the signal errs toward staying in service: only conditions
// that make progress impossible flip it.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shield4u/crawl-worker/internal/types"
)

// Defaults for evaluator tuning.
const (
	DefaultRejectionThreshold = 0.95
	DefaultCheckInterval      = 15 * time.Second
	DefaultProbeInterval      = 60 * time.Second
	probeTimeout              = 30 * time.Second
	staleFactor               = 3
)

// PoolProbe reports pool capacity and can run one probe navigation.
type PoolProbe interface {
	UsableSlots() int
	Probe(ctx context.Context) error
}

// AdmissionProbe reports the recent admission rejection rate.
type AdmissionProbe interface {
	RejectionRate() float64
}

// Status is one health verdict.
type Status struct {
	Healthy bool
	Reason  string // empty when healthy
}

// Evaluator combines pool and admission signals into a single verdict. A
// background loop re-evaluates periodically so state transitions are logged
// even when nobody polls /health.
type Evaluator struct {
	pool       PoolProbe
	admissions AdmissionProbe

	rejectionThreshold float64
	checkInterval      time.Duration
	probeInterval      time.Duration

	mu        sync.Mutex
	last      Status
	lastCheck time.Time
	lastProbe time.Time
	probeErr  error

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates an evaluator. Pass rejectionThreshold <= 0 or
// checkInterval <= 0 to use the defaults.
func New(pool PoolProbe, admissions AdmissionProbe, rejectionThreshold float64, checkInterval time.Duration) *Evaluator {
	if rejectionThreshold <= 0 {
		rejectionThreshold = DefaultRejectionThreshold
	}
	if checkInterval <= 0 {
		checkInterval = DefaultCheckInterval
	}
	e := &Evaluator{
		pool:               pool,
		admissions:         admissions,
		rejectionThreshold: rejectionThreshold,
		checkInterval:      checkInterval,
		probeInterval:      DefaultProbeInterval,
		stopCh:             make(chan struct{}),
	}
	e.last = e.Evaluate()
	e.lastCheck = time.Now()
	return e
}

// Start launches the periodic self-check loop: frequent counter checks plus
// a slower probe navigation through the pool.
func (e *Evaluator) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.checkInterval)
		defer ticker.Stop()
		probeTicker := time.NewTicker(e.probeInterval)
		defer probeTicker.Stop()
		for {
			select {
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.record(e.Evaluate(), time.Now())
			case <-probeTicker.C:
				e.runProbe()
				e.record(e.Evaluate(), time.Now())
			}
		}
	}()
}

// runProbe drives one navigation through the pool. A pool busy serving jobs
// skips the probe without penalty; real jobs completing is stronger evidence
// of progress than an about:blank render.
func (e *Evaluator) runProbe() {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	err := e.pool.Probe(ctx)
	if errors.Is(err, types.ErrPoolTimeout) {
		err = nil
	}
	if err != nil {
		log.Warn().Err(err).Msg("Health probe navigation failed")
	}

	e.mu.Lock()
	e.probeErr = err
	if err == nil {
		e.lastProbe = time.Now()
	}
	e.mu.Unlock()
}

// Close stops the self-check loop.
func (e *Evaluator) Close() {
	e.closeOnce.Do(func() {
		close(e.stopCh)
	})
	e.wg.Wait()
}

// Evaluate computes a fresh verdict from the current probes.
func (e *Evaluator) Evaluate() Status {
	if slots := e.pool.UsableSlots(); slots <= 0 {
		return Status{Healthy: false, Reason: "no usable session slots"}
	}
	if rate := e.admissions.RejectionRate(); rate >= e.rejectionThreshold {
		return Status{
			Healthy: false,
			Reason:  fmt.Sprintf("rejection rate %.0f%% over recent window", rate*100),
		}
	}

	e.mu.Lock()
	probeErr, lastProbe := e.probeErr, e.lastProbe
	e.mu.Unlock()
	if probeErr != nil {
		return Status{Healthy: false, Reason: "self-check navigation failed: " + probeErr.Error()}
	}
	if !lastProbe.IsZero() && time.Since(lastProbe) > staleFactor*e.probeInterval {
		return Status{Healthy: false, Reason: "self-check navigation overdue"}
	}
	return Status{Healthy: true}
}

// Current returns the last self-check verdict. A verdict older than three
// check intervals means the loop itself is wedged, which is reported as
// unhealthy.
func (e *Evaluator) Current() Status {
	e.mu.Lock()
	last, checked := e.last, e.lastCheck
	e.mu.Unlock()

	if time.Since(checked) > staleFactor*e.checkInterval {
		return Status{Healthy: false, Reason: "health self-check stale"}
	}
	return last
}

func (e *Evaluator) record(s Status, now time.Time) {
	e.mu.Lock()
	prev := e.last
	e.last = s
	e.lastCheck = now
	e.mu.Unlock()

	if prev.Healthy != s.Healthy {
		if s.Healthy {
			log.Info().Msg("Worker healthy again")
		} else {
			log.Warn().Str("reason", s.Reason).Msg("Worker unhealthy")
		}
	}
}
