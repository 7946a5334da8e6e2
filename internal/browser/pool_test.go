package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shield4u/crawl-worker/internal/types"
)

// newFakePool builds a pool whose sessions are plain structs with a stubbed
// health probe, so pool logic runs without Chrome.
func newFakePool(t *testing.T, cfg Config) (*Pool, *atomic.Int32) {
	t.Helper()
	if cfg.AcquireTimeout == 0 {
		cfg.AcquireTimeout = 100 * time.Millisecond
	}

	var launches atomic.Int32
	p := NewPool(cfg)
	p.newSession = func(ctx context.Context) (*Session, error) {
		launches.Add(1)
		s := &Session{
			ID:        uuid.NewString(),
			createdAt: time.Now(),
			probe:     func(context.Context) bool { return true },
		}
		s.setState(StateIdle)
		return s, nil
	}
	t.Cleanup(func() { p.Close() })
	return p, &launches
}

func TestPoolLazyCreation(t *testing.T) {
	p, launches := newFakePool(t, Config{MaxSessions: 3})

	if got := p.Snapshot().Created; got != 0 {
		t.Errorf("Created = %d before any Acquire, want 0", got)
	}
	if launches.Load() != 0 {
		t.Errorf("launches = %d before any Acquire, want 0", launches.Load())
	}

	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if s.State() != StateBusy {
		t.Errorf("acquired session state = %v, want busy", s.State())
	}
	if launches.Load() != 1 {
		t.Errorf("launches = %d after first Acquire, want 1", launches.Load())
	}
	p.Release(s, true)
}

func TestPoolReusesIdleSession(t *testing.T) {
	p, launches := newFakePool(t, Config{MaxSessions: 3})

	s1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	p.Release(s1, true)

	s2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second Acquire() error = %v", err)
	}
	defer p.Release(s2, true)

	if s2.ID != s1.ID {
		t.Errorf("second Acquire created a new session, want reuse of %s", s1.ID)
	}
	if launches.Load() != 1 {
		t.Errorf("launches = %d, want 1", launches.Load())
	}
}

func TestPoolAcquireTimeoutAtCapacity(t *testing.T) {
	p, _ := newFakePool(t, Config{MaxSessions: 1, AcquireTimeout: 50 * time.Millisecond})

	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer p.Release(s, true)

	_, err = p.Acquire(context.Background())
	if !errors.Is(err, types.ErrPoolTimeout) {
		t.Errorf("Acquire() at capacity = %v, want ErrPoolTimeout", err)
	}
}

func TestPoolAcquireContextDeadline(t *testing.T) {
	p, _ := newFakePool(t, Config{MaxSessions: 1, AcquireTimeout: 10 * time.Second})

	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer p.Release(s, true)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	if !errors.Is(err, types.ErrPoolTimeout) {
		t.Errorf("Acquire() with expired context = %v, want ErrPoolTimeout", err)
	}
}

func TestPoolReleaseUnhealthyDestroys(t *testing.T) {
	p, launches := newFakePool(t, Config{MaxSessions: 2})

	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	p.Release(s, false)

	snap := p.Snapshot()
	if snap.Destroyed != 1 {
		t.Errorf("Destroyed = %d, want 1", snap.Destroyed)
	}

	s2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() after destroy error = %v", err)
	}
	defer p.Release(s2, true)

	if s2.ID == s.ID {
		t.Error("destroyed session was handed out again")
	}
	if launches.Load() != 2 {
		t.Errorf("launches = %d, want 2", launches.Load())
	}
}

func TestPoolRecyclesAfterUseBudget(t *testing.T) {
	p, _ := newFakePool(t, Config{MaxSessions: 1, MaxSessionUses: 2})

	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	s.jobsServed.Store(2)
	p.Release(s, true)

	snap := p.Snapshot()
	if snap.Recycled != 1 {
		t.Errorf("Recycled = %d, want 1", snap.Recycled)
	}

	s2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() after recycle error = %v", err)
	}
	defer p.Release(s2, true)
	if s2.ID == s.ID {
		t.Error("recycled session was handed out again")
	}
}

func TestPoolRecyclesAfterMaxAge(t *testing.T) {
	p, _ := newFakePool(t, Config{MaxSessions: 1, MaxSessionAge: time.Minute})

	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	s.createdAt = time.Now().Add(-2 * time.Minute)
	p.Release(s, true)

	if got := p.Snapshot().Recycled; got != 1 {
		t.Errorf("Recycled = %d, want 1", got)
	}
}

func TestPoolUnhealthyIdleSessionNotHandedOut(t *testing.T) {
	p, _ := newFakePool(t, Config{MaxSessions: 2})

	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	s.probe = func(context.Context) bool { return false }
	p.Release(s, true)

	s2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer p.Release(s2, true)
	if s2.ID == s.ID {
		t.Error("session failing its health probe was handed out")
	}
}

func TestPoolDegradedAfterLaunchFailures(t *testing.T) {
	p, _ := newFakePool(t, Config{MaxSessions: 1, LaunchRetries: 2})
	p.newSession = func(ctx context.Context) (*Session, error) {
		return nil, fmt.Errorf("chrome exploded")
	}

	_, err := p.Acquire(context.Background())
	if !errors.Is(err, types.ErrPoolDegraded) {
		t.Fatalf("Acquire() = %v, want ErrPoolDegraded", err)
	}

	snap := p.Snapshot()
	if snap.Degraded != 1 {
		t.Errorf("Degraded = %d, want 1", snap.Degraded)
	}
	if snap.LaunchFails != 2 {
		t.Errorf("LaunchFails = %d, want 2 (one per attempt)", snap.LaunchFails)
	}
	if p.UsableSlots() != 0 {
		t.Errorf("UsableSlots = %d, want 0", p.UsableSlots())
	}
}

func TestPoolDegradedSlotRecovers(t *testing.T) {
	p, _ := newFakePool(t, Config{MaxSessions: 1, LaunchRetries: 1})

	var fail atomic.Bool
	fail.Store(true)
	p.newSession = func(ctx context.Context) (*Session, error) {
		if fail.Load() {
			return nil, fmt.Errorf("launch refused")
		}
		s := &Session{
			ID:        uuid.NewString(),
			createdAt: time.Now(),
			probe:     func(context.Context) bool { return true },
		}
		s.setState(StateIdle)
		return s, nil
	}

	if _, err := p.Acquire(context.Background()); !errors.Is(err, types.ErrPoolDegraded) {
		t.Fatalf("Acquire() = %v, want ErrPoolDegraded", err)
	}

	fail.Store(false)
	p.retryDegraded()

	if p.UsableSlots() != 1 {
		t.Fatalf("UsableSlots = %d after recovery, want 1", p.UsableSlots())
	}
	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() after recovery error = %v", err)
	}
	p.Release(s, true)
}

func TestPoolClose(t *testing.T) {
	p, _ := newFakePool(t, Config{MaxSessions: 2})

	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	p.Release(s, true)

	if err := p.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	if _, err := p.Acquire(context.Background()); !errors.Is(err, types.ErrPoolClosed) {
		t.Errorf("Acquire() after Close = %v, want ErrPoolClosed", err)
	}
}

func TestPoolReleaseAfterClose(t *testing.T) {
	p, _ := newFakePool(t, Config{MaxSessions: 1})

	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Must not panic or block.
	p.Release(s, true)
	p.Release(nil, true)
}

func TestPoolDeadlineOutlivesAcquireTimeout(t *testing.T) {
	p, _ := newFakePool(t, Config{MaxSessions: 1, AcquireTimeout: 20 * time.Millisecond})

	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		p.Release(s, true)
	}()

	// The waiter's deadline extends past AcquireTimeout; the session freed
	// at 100ms must still serve it.
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	s2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire() with live deadline = %v, want session from the release", err)
	}
	p.Release(s2, true)
}

func TestPoolConcurrentAcquireRelease(t *testing.T) {
	const maxSessions = 3
	const jobs = 20

	p, _ := newFakePool(t, Config{MaxSessions: maxSessions, AcquireTimeout: 2 * time.Second})

	var busy atomic.Int32
	var maxBusy atomic.Int32
	var completed atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			s, err := p.Acquire(ctx)
			if err != nil {
				t.Errorf("Acquire() error = %v", err)
				return
			}

			now := busy.Add(1)
			for {
				prev := maxBusy.Load()
				if now <= prev || maxBusy.CompareAndSwap(prev, now) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			busy.Add(-1)

			p.Release(s, true)
			completed.Add(1)
		}()
	}
	wg.Wait()

	if completed.Load() != jobs {
		t.Errorf("completed = %d, want %d", completed.Load(), jobs)
	}
	if got := maxBusy.Load(); got > maxSessions {
		t.Errorf("max concurrent busy = %d, exceeds capacity %d", got, maxSessions)
	}

	snap := p.Snapshot()
	if snap.Busy != 0 {
		t.Errorf("Busy = %d after all jobs finished, want 0", snap.Busy)
	}
	if snap.Idle > maxSessions {
		t.Errorf("Idle = %d, exceeds capacity %d", snap.Idle, maxSessions)
	}
	if snap.Idle == 0 {
		t.Error("Idle = 0 after healthy releases, want pooled sessions retained")
	}
}

func TestPoolProbe(t *testing.T) {
	p, _ := newFakePool(t, Config{MaxSessions: 2})

	if err := p.Probe(context.Background()); err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	snap := p.Snapshot()
	if snap.Busy != 0 || snap.Idle != 1 {
		t.Errorf("after Probe: busy=%d idle=%d, want session back idle", snap.Busy, snap.Idle)
	}
}

func TestPoolProbeDestroysFailingSession(t *testing.T) {
	p, _ := newFakePool(t, Config{MaxSessions: 2})

	var healthy atomic.Bool
	healthy.Store(true)
	p.newSession = func(ctx context.Context) (*Session, error) {
		s := &Session{
			ID:        uuid.NewString(),
			createdAt: time.Now(),
			probe:     func(context.Context) bool { return healthy.Load() },
		}
		s.setState(StateIdle)
		return s, nil
	}

	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	p.Release(s, true)

	healthy.Store(false)
	err = p.Probe(context.Background())
	if !errors.Is(err, types.ErrSessionCrashed) {
		t.Errorf("Probe() with failing session = %v, want ErrSessionCrashed", err)
	}
}

func TestSessionStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateBusy, "busy"},
		{StateUnhealthy, "unhealthy"},
		{StateTerminating, "terminating"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestIsCrashError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"websocket", errors.New("websocket: close 1006"), true},
		{"target closed", errors.New("rod: target closed"), true},
		{"closed conn", errors.New("use of closed network connection"), true},
		{"dns", errors.New("net::ERR_NAME_NOT_RESOLVED"), false},
		{"refused", errors.New("net::ERR_CONNECTION_REFUSED"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isCrashError(tt.err); got != tt.want {
				t.Errorf("isCrashError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
