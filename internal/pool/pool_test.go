package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/pinewright/pinewright/api/schemas"
	"github.com/pinewright/pinewright/internal/config"
)

type fakeSession struct {
	id      string
	created time.Time

	mu     sync.Mutex
	state  schemas.SessionState
	served int

	healthy bool
	closed  atomic.Bool
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id, created: time.Now(), state: schemas.StateInitializing, healthy: true}
}

func (f *fakeSession) ID() string { return f.id }
func (f *fakeSession) State() schemas.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}
func (f *fakeSession) MarkBusy() {
	f.mu.Lock()
	f.state = schemas.StateBusy
	f.mu.Unlock()
}
func (f *fakeSession) MarkIdle() {
	f.mu.Lock()
	f.served++
	f.state = schemas.StateIdle
	f.mu.Unlock()
}
func (f *fakeSession) MarkReady() {
	f.mu.Lock()
	f.state = schemas.StateIdle
	f.mu.Unlock()
}
func (f *fakeSession) MarkError() {
	f.mu.Lock()
	f.state = schemas.StateError
	f.mu.Unlock()
}
func (f *fakeSession) ServedRequests() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.served
}
func (f *fakeSession) Age() time.Duration             { return time.Since(f.created) }
func (f *fakeSession) Healthy(_ context.Context) bool { return f.healthy }
func (f *fakeSession) Close() error                   { f.closed.Store(true); return nil }

func testPoolConfig() config.PoolConfig {
	return config.PoolConfig{
		MaxServedRequests: 100,
		MaxSessionAge:     time.Hour,
		IdleTimeout:       0, // disabled unless a test opts in
		AcquireTimeout:    2 * time.Second,
		WarmReadyTimeout:  2 * time.Second,
	}
}

func countingFactory(counter *atomic.Int32) Factory {
	return func(ctx context.Context) (Session, error) {
		n := counter.Add(1)
		return newFakeSession(fmt.Sprintf("sess-%d", n)), nil
	}
}

func TestAcquireCreatesSessionOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	var created atomic.Int32
	p := New(testPoolConfig(), countingFactory(&created), NewMetrics(nil), zap.NewNop())
	defer p.Shutdown(context.Background())

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := p.Acquire(context.Background())
			require.NoError(t, err)
			p.Release(s, nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load(), "concurrent acquirers must share one launch")
}

func TestWaitersServedInArrivalOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	var created atomic.Int32
	p := New(testPoolConfig(), countingFactory(&created), NewMetrics(nil), zap.NewNop())
	defer p.Shutdown(context.Background())

	holder, err := p.Acquire(context.Background())
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	const waiters = 5
	for i := 0; i < waiters; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := p.Acquire(context.Background())
			require.NoError(t, err)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			p.Release(s, nil)
		}()
		// Each waiter must be enqueued before the next one starts, otherwise
		// arrival order itself is racy.
		require.Eventually(t, func() bool {
			return p.Stats().QueueLength == i+1
		}, time.Second, time.Millisecond)
	}

	p.Release(holder, nil)
	wg.Wait()

	require.Len(t, order, waiters)
	for i, got := range order {
		assert.Equal(t, i, got, "waiter %d served out of order", i)
	}
}

func TestSessionRecycledAfterUsageLimit(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testPoolConfig()
	cfg.MaxServedRequests = 2

	var created atomic.Int32
	p := New(cfg, countingFactory(&created), NewMetrics(nil), zap.NewNop())
	defer p.Shutdown(context.Background())

	var firstID string
	for i := 0; i < 2; i++ {
		s, err := p.Acquire(context.Background())
		require.NoError(t, err)
		firstID = s.ID()
		p.Release(s, nil)
	}

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(s, nil)

	assert.NotEqual(t, firstID, s.ID(), "expected a fresh session after the usage limit")
	assert.Equal(t, int32(2), created.Load())
	assert.Zero(t, s.ServedRequests(), "replacement session starts with a clean counter")
}

func TestFailedReleasePoisonsSessionAndRejectsWaiters(t *testing.T) {
	defer goleak.VerifyNone(t)

	var created atomic.Int32
	p := New(testPoolConfig(), countingFactory(&created), NewMetrics(nil), zap.NewNop())
	defer p.Shutdown(context.Background())

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	fake := s.(*fakeSession)

	waitErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		waitErr <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().QueueLength == 1 }, time.Second, time.Millisecond)

	p.Release(s, errors.New("tab crashed"))

	select {
	case err := <-waitErr:
		assert.ErrorIs(t, err, ErrSessionPoisoned)
	case <-time.After(time.Second):
		t.Fatal("waiter was not rejected")
	}
	require.Eventually(t, func() bool { return fake.closed.Load() }, time.Second, time.Millisecond)
}

func TestUnhealthyIdleSessionReplacedOnAcquire(t *testing.T) {
	defer goleak.VerifyNone(t)

	var created atomic.Int32
	p := New(testPoolConfig(), countingFactory(&created), NewMetrics(nil), zap.NewNop())
	defer p.Shutdown(context.Background())

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	first := s.(*fakeSession)
	p.Release(s, nil)

	// The browser dies while the session sits idle.
	first.healthy = false

	replacement, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(replacement, nil)

	assert.NotEqual(t, first.ID(), replacement.ID(), "a dead session must not be served again")
	assert.True(t, first.closed.Load(), "the dead session must be torn down")
	assert.Equal(t, int32(2), created.Load())
}

func TestAcquireTimesOutWhileSessionBusy(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testPoolConfig()
	cfg.AcquireTimeout = 50 * time.Millisecond

	var created atomic.Int32
	p := New(cfg, countingFactory(&created), NewMetrics(nil), zap.NewNop())
	defer p.Shutdown(context.Background())

	holder, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(holder, nil)

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrAcquireTimeout)
	assert.Zero(t, p.Stats().QueueLength, "timed-out waiter must leave the queue")
}

func TestFactoryFailureRejectsAllWaiters(t *testing.T) {
	defer goleak.VerifyNone(t)

	launchErr := errors.New("browser would not start")
	p := New(testPoolConfig(), func(ctx context.Context) (Session, error) {
		return nil, launchErr
	}, NewMetrics(nil), zap.NewNop())
	defer p.Shutdown(context.Background())

	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, launchErr)
}

func TestShutdownRejectsPendingAndFutureAcquires(t *testing.T) {
	defer goleak.VerifyNone(t)

	var created atomic.Int32
	p := New(testPoolConfig(), countingFactory(&created), NewMetrics(nil), zap.NewNop())

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	fake := s.(*fakeSession)

	waitErr := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		waitErr <- err
	}()
	require.Eventually(t, func() bool { return p.Stats().QueueLength == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Shutdown(context.Background()))

	assert.ErrorIs(t, <-waitErr, ErrPoolClosed)

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)

	// The held session is discarded on the release that follows shutdown.
	p.Release(s, nil)
	require.Eventually(t, func() bool { return fake.closed.Load() }, time.Second, time.Millisecond)
}

func TestIdleSessionShutsDownAfterWindow(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testPoolConfig()
	cfg.IdleTimeout = 30 * time.Millisecond

	var created atomic.Int32
	p := New(cfg, countingFactory(&created), NewMetrics(nil), zap.NewNop())
	defer p.Shutdown(context.Background())

	require.NoError(t, p.WarmUp(context.Background()))
	require.Equal(t, schemas.StateIdle, p.Stats().State)

	require.Eventually(t, func() bool {
		return p.Stats().State == "none"
	}, time.Second, 5*time.Millisecond, "idle session should be torn down")
}

func TestShutdownCancelsIdleTimer(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testPoolConfig()
	cfg.IdleTimeout = time.Hour

	var created atomic.Int32
	p := New(cfg, countingFactory(&created), NewMetrics(nil), zap.NewNop())

	require.NoError(t, p.WarmUp(context.Background()))
	p.lock()
	require.NotNil(t, p.idleTimer, "an idle session should carry a pending teardown timer")
	p.unlock()

	require.NoError(t, p.Shutdown(context.Background()))
	p.lock()
	assert.Nil(t, p.idleTimer, "shutdown must cancel the pending idle timer")
	p.unlock()
}

func TestWarmUpIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)

	var created atomic.Int32
	p := New(testPoolConfig(), countingFactory(&created), NewMetrics(nil), zap.NewNop())
	defer p.Shutdown(context.Background())

	require.NoError(t, p.WarmUp(context.Background()))
	require.NoError(t, p.WarmUp(context.Background()))
	assert.Equal(t, int32(1), created.Load())
}

func TestStatsReflectSessionLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	var created atomic.Int32
	p := New(testPoolConfig(), countingFactory(&created), NewMetrics(nil), zap.NewNop())
	defer p.Shutdown(context.Background())

	assert.Equal(t, schemas.SessionState("none"), p.Stats().State)

	s, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schemas.StateBusy, p.Stats().State)

	p.Release(s, nil)
	st := p.Stats()
	assert.Equal(t, schemas.StateIdle, st.State)
	assert.Equal(t, 1, st.ServedRequests)
	assert.GreaterOrEqual(t, st.AgeMs, int64(0))
}
