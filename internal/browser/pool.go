package browser

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/shield4u/crawl-worker/internal/metrics"
	"github.com/shield4u/crawl-worker/internal/types"
)

// degradedRetryInterval is how often the pool attempts to bring degraded
// slots back into service.
const degradedRetryInterval = 30 * time.Second

// launchBackoffBase is the delay after the first failed launch attempt;
// subsequent attempts double it.
const launchBackoffBase = 250 * time.Millisecond

// Pool manages browser sessions up to a fixed capacity. Sessions are created
// lazily on demand, never ahead of it: a worker that receives no jobs holds
// no browsers. Waiters for a session are served in arrival order through the
// idle channel's receive queue.
//
// A slot whose launch fails repeatedly is marked degraded and taken out of
// service; a background loop retries degraded slots so capacity recovers
// without a restart.
type Pool struct {
	cfg Config

	mu       sync.Mutex
	live     map[string]*Session // every launched, not-yet-closed session
	creating int                 // launches in progress
	degraded int                 // slots out of service after launch failures

	idle   chan *Session
	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup

	created     atomic.Int64
	recycled    atomic.Int64
	destroyed   atomic.Int64
	launchFails atomic.Int64

	// newSession creates one session. Tests replace it to run the pool
	// without Chrome.
	newSession func(ctx context.Context) (*Session, error)
}

// NewPool creates a session pool. No browsers are launched until the first
// Acquire.
func NewPool(cfg Config) *Pool {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1
	}
	if cfg.LaunchRetries <= 0 {
		cfg.LaunchRetries = 3
	}

	p := &Pool{
		cfg:    cfg,
		live:   make(map[string]*Session, cfg.MaxSessions),
		idle:   make(chan *Session, cfg.MaxSessions),
		stopCh: make(chan struct{}),
	}
	p.newSession = p.launchRealSession

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.degradedRetryLoop()
	}()

	log.Info().
		Int("max_sessions", cfg.MaxSessions).
		Bool("headless", cfg.Headless).
		Dur("max_session_age", cfg.MaxSessionAge).
		Int("max_session_uses", cfg.MaxSessionUses).
		Msg("Session pool ready, sessions created on demand")

	return p
}

func (p *Pool) launchRealSession(ctx context.Context) (*Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	b, err := launchBrowser(p.cfg)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:        uuid.NewString(),
		browser:   b,
		createdAt: time.Now(),
		userAgent: p.cfg.UserAgent,
	}
	s.setState(StateIdle)
	return s, nil
}

// Acquire returns a session ready to serve a job, launching one if the pool
// has spare capacity and none is idle. Blocks until a session frees up, the
// context fires, or the acquire timeout elapses. Callers must hand the
// session back through Release.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	for {
		if p.closed.Load() {
			return nil, types.ErrPoolClosed
		}

		// Idle session available right now.
		select {
		case s, ok := <-p.idle:
			if !ok {
				return nil, types.ErrPoolClosed
			}
			if ready := p.validate(ctx, s); ready != nil {
				return ready, nil
			}
			continue
		default:
		}

		// No idle session; create one if a slot is free.
		if p.reserveSlot() {
			s, err := p.launchWithRetry(ctx)
			p.finishSlot()
			if err != nil {
				p.markDegraded()
				if p.usable() == 0 {
					return nil, types.NewPoolAcquireError("all session slots degraded", types.ErrPoolDegraded)
				}
				continue
			}
			p.adopt(s)
			s.setState(StateBusy)
			return s, nil
		}

		if p.usable() == 0 {
			return nil, types.NewPoolAcquireError("all session slots degraded", types.ErrPoolDegraded)
		}

		// At capacity: wait for a release. Blocked receivers are served in
		// FIFO order, which keeps job latency fair under load. The job
		// deadline bounds the wait; AcquireTimeout applies only when the
		// context carries no deadline.
		waitTimeout := p.cfg.AcquireTimeout
		if waitTimeout <= 0 {
			waitTimeout = 30 * time.Second
		}
		if deadline, ok := ctx.Deadline(); ok {
			waitTimeout = time.Until(deadline)
			if waitTimeout < 0 {
				waitTimeout = 0
			}
		}
		timer := time.NewTimer(waitTimeout)
		select {
		case s, ok := <-p.idle:
			timer.Stop()
			if !ok {
				return nil, types.ErrPoolClosed
			}
			if ready := p.validate(ctx, s); ready != nil {
				return ready, nil
			}
		case <-ctx.Done():
			timer.Stop()
			return nil, types.NewPoolAcquireError("context done while waiting", types.ErrPoolTimeout)
		case <-timer.C:
			return nil, types.NewPoolAcquireError("acquire timeout", types.ErrPoolTimeout)
		case <-p.stopCh:
			timer.Stop()
			return nil, types.ErrPoolClosed
		}
	}
}

// validate checks an idle session before handing it out. Expired or
// unhealthy sessions are destroyed; the freed slot is refilled lazily by the
// next Acquire iteration. Returns nil when the session was not usable.
func (p *Pool) validate(ctx context.Context, s *Session) *Session {
	if p.expired(s, time.Now()) {
		log.Debug().
			Str("session_id", s.ID).
			Int64("jobs_served", s.JobsServed()).
			Dur("age", s.Age(time.Now())).
			Msg("Recycling session past its budget")
		p.recycled.Add(1)
		metrics.SessionsRecycled.Inc()
		p.destroy(s)
		return nil
	}
	if !s.Healthy(ctx) {
		log.Warn().Str("session_id", s.ID).Msg("Idle session failed health probe, destroying")
		p.destroy(s)
		return nil
	}
	s.setState(StateBusy)
	return s
}

// Release hands a session back after a job. Unhealthy sessions and sessions
// past their use or age budget are closed instead of returning to the idle
// set.
func (p *Pool) Release(s *Session, healthy bool) {
	if s == nil {
		return
	}

	if !healthy {
		log.Debug().Str("session_id", s.ID).Msg("Session returned unhealthy, destroying")
		s.setState(StateUnhealthy)
		p.destroy(s)
		return
	}

	if p.expired(s, time.Now()) {
		log.Debug().
			Str("session_id", s.ID).
			Int64("jobs_served", s.JobsServed()).
			Msg("Session served its budget, recycling")
		p.recycled.Add(1)
		metrics.SessionsRecycled.Inc()
		p.destroy(s)
		return
	}

	s.setState(StateIdle)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		p.destroyLocked(s)
		return
	}
	select {
	case p.idle <- s:
	default:
		// Capacity invariant violated; close rather than leak.
		log.Warn().Str("session_id", s.ID).Msg("Idle channel full on release, destroying session")
		p.destroyLocked(s)
	}
}

func (p *Pool) expired(s *Session, now time.Time) bool {
	if p.cfg.MaxSessionUses > 0 && s.JobsServed() >= int64(p.cfg.MaxSessionUses) {
		return true
	}
	if p.cfg.MaxSessionAge > 0 && s.Age(now) >= p.cfg.MaxSessionAge {
		return true
	}
	return false
}

func (p *Pool) reserveSlot() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.live)+p.creating+p.degraded >= p.cfg.MaxSessions {
		return false
	}
	p.creating++
	return true
}

func (p *Pool) finishSlot() {
	p.mu.Lock()
	p.creating--
	p.mu.Unlock()
}

func (p *Pool) markDegraded() {
	p.mu.Lock()
	p.degraded++
	degraded := p.degraded
	p.mu.Unlock()
	log.Error().Int("degraded_slots", degraded).Msg("Session slot degraded after repeated launch failures")
}

func (p *Pool) usable() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.MaxSessions - p.degraded
}

// UsableSlots returns how many slots can currently serve jobs. Zero means
// the worker cannot make progress and should report unhealthy.
func (p *Pool) UsableSlots() int {
	return p.usable()
}

func (p *Pool) adopt(s *Session) {
	p.mu.Lock()
	p.live[s.ID] = s
	p.mu.Unlock()
	p.created.Add(1)
	metrics.SessionsCreated.Inc()
	log.Debug().Str("session_id", s.ID).Msg("Session launched")
}

// launchWithRetry attempts a launch up to the configured retry budget with
// doubling backoff between attempts.
func (p *Pool) launchWithRetry(ctx context.Context) (*Session, error) {
	var lastErr error
	backoff := launchBackoffBase

	for attempt := 0; attempt < p.cfg.LaunchRetries; attempt++ {
		s, err := p.newSession(ctx)
		if err == nil {
			return s, nil
		}
		lastErr = err
		p.launchFails.Add(1)
		metrics.LaunchFailures.Inc()
		log.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", p.cfg.LaunchRetries).
			Msg("Browser launch failed")

		if attempt < p.cfg.LaunchRetries-1 {
			if !sleepWithContext(ctx, backoff) {
				break
			}
			backoff *= 2
		}
	}
	return nil, types.NewLaunchError(lastErr)
}

func (p *Pool) destroy(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyLocked(s)
}

// destroyLocked requires p.mu held.
func (p *Pool) destroyLocked(s *Session) {
	delete(p.live, s.ID)
	p.destroyed.Add(1)
	go func() {
		if err := s.Close(); err != nil {
			log.Warn().Err(err).Str("session_id", s.ID).Msg("Error closing session")
		}
	}()
}

// degradedRetryLoop periodically attempts to return degraded slots to
// service.
func (p *Pool) degradedRetryLoop() {
	ticker := time.NewTicker(degradedRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.retryDegraded()
		}
	}
}

func (p *Pool) retryDegraded() {
	p.mu.Lock()
	if p.degraded == 0 || p.closed.Load() {
		p.mu.Unlock()
		return
	}
	p.degraded--
	p.creating++
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := p.launchWithRetry(ctx)
	p.finishSlot()
	if err != nil {
		p.markDegraded()
		return
	}

	p.adopt(s)
	log.Info().Str("session_id", s.ID).Msg("Degraded slot recovered")
	p.Release(s, true)
}

// Probe acquires a session and runs its health navigation, exercising the
// acquire path and the browser end to end. The session goes back to the
// pool afterwards, or is destroyed if the navigation failed.
func (p *Pool) Probe(ctx context.Context) error {
	s, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	ok := s.Healthy(ctx)
	p.Release(s, ok)
	if !ok {
		return types.ErrSessionCrashed
	}
	return nil
}

// Snapshot returns a point-in-time view of the pool for /status and health
// evaluation.
func (p *Pool) Snapshot() types.PoolStatus {
	p.mu.Lock()
	idle, busy := 0, 0
	for _, s := range p.live {
		switch s.State() {
		case StateIdle:
			idle++
		case StateBusy:
			busy++
		}
	}
	degraded := p.degraded
	p.mu.Unlock()

	return types.PoolStatus{
		MaxSessions: p.cfg.MaxSessions,
		Idle:        idle,
		Busy:        busy,
		Degraded:    degraded,
		Created:     p.created.Load(),
		Recycled:    p.recycled.Load(),
		Destroyed:   p.destroyed.Load(),
		LaunchFails: p.launchFails.Load(),
	}
}

// Close shuts down the pool and every live session. Safe to call multiple
// times; Acquire fails with ErrPoolClosed afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed.Swap(true) {
		p.mu.Unlock()
		return nil
	}
	close(p.idle)
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	// Drain sessions parked in the idle channel.
	for s := range p.idle {
		if s != nil {
			p.mu.Lock()
			delete(p.live, s.ID)
			p.mu.Unlock()
			_ = s.Close()
		}
	}

	p.mu.Lock()
	remaining := make([]*Session, 0, len(p.live))
	for _, s := range p.live {
		remaining = append(remaining, s)
	}
	p.live = map[string]*Session{}
	p.mu.Unlock()

	eg := new(errgroup.Group)
	eg.SetLimit(4)
	for _, s := range remaining {
		sess := s
		eg.Go(func() error {
			return sess.Close()
		})
	}
	err := eg.Wait()

	log.Info().
		Int64("created", p.created.Load()).
		Int64("recycled", p.recycled.Load()).
		Int64("destroyed", p.destroyed.Load()).
		Msg("Session pool closed")

	return err
}
