// internal/pool/pool.go

// Package pool manages a warm browser session shared across requests.
// Launching a browser and logging into the editor costs tens of seconds, so
// the pool keeps one authenticated session alive between requests, hands it
// to exactly one caller at a time, queues everyone else in arrival order, and
// retires the session once it has served enough requests or grown too old.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pinewright/pinewright/api/schemas"
	"github.com/pinewright/pinewright/internal/config"
)

var (
	// ErrPoolClosed is returned once Shutdown has been called.
	ErrPoolClosed = errors.New("session pool is closed")
	// ErrAcquireTimeout is returned when no session became available within
	// the configured acquire window. Callers may retry or fall back to a
	// dedicated cold session.
	ErrAcquireTimeout = errors.New("timed out waiting for a pooled session")
	// ErrSessionPoisoned is returned to queued waiters when the session they
	// were waiting on was discarded after a failed release. The condition is
	// transient; a retry triggers a fresh launch.
	ErrSessionPoisoned = errors.New("pooled session was discarded; retry")
)

// Session is the slice of a browser session the pool needs. The concrete
// implementation lives in the browser package; tests use lightweight fakes.
type Session interface {
	ID() string
	State() schemas.SessionState
	MarkBusy()
	MarkIdle()
	MarkReady()
	MarkError()
	ServedRequests() int
	Age() time.Duration
	Healthy(ctx context.Context) bool
	Close() error
}

// Factory launches and fully prepares a session: browser up, credentials
// installed, editor page loaded.
type Factory func(ctx context.Context) (Session, error)

type acquireResult struct {
	sess Session
	err  error
}

type waiter struct {
	ch chan acquireResult
}

// Pool serializes access to a single warm session. State transitions are
// driven by explicit fields under one mutex rather than channels-as-state,
// which keeps the creation single-flight and the waiter queue inspectable.
type Pool struct {
	cfg     config.PoolConfig
	factory Factory
	logger  *zap.Logger
	metrics *Metrics

	mu        sync.Mutex
	current   Session
	creating  bool
	waiters   []*waiter
	closed    bool
	idleGen   uint64
	idleTimer *time.Timer
}

// New builds a pool around a session factory. No session is launched until
// the first Acquire or an explicit WarmUp.
func New(cfg config.PoolConfig, factory Factory, metrics *Metrics, logger *zap.Logger) *Pool {
	return &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  logger.Named("pool"),
		metrics: metrics,
	}
}

func (p *Pool) lock()   { p.mu.Lock() }
func (p *Pool) unlock() { p.mu.Unlock() }

// Acquire returns the warm session, launching one if needed. Callers are
// served strictly in arrival order. The wait is bounded by the smaller of the
// caller's context and the configured acquire timeout.
func (p *Pool) Acquire(ctx context.Context) (Session, error) {
	start := time.Now()
	defer func() { p.metrics.AcquireWait.Observe(time.Since(start).Seconds()) }()

	p.lock()
	if p.closed {
		p.unlock()
		return nil, ErrPoolClosed
	}

	// Fast path: the session is idle and nobody is ahead of us.
	if p.current != nil && len(p.waiters) == 0 && p.current.State() == schemas.StateIdle {
		if p.dueForRecycleLocked(p.current) {
			p.retireLocked(p.current, "usage limit")
		} else {
			s := p.current
			p.idleGen++
			s.MarkBusy()
			p.unlock()
			// Probe outside the lock; the browser can die while the session
			// sits idle, and the round-trip must not block other acquirers.
			if s.Healthy(ctx) {
				return s, nil
			}
			p.lock()
			p.logger.Warn("idle session failed health probe",
				zap.String("session_id", s.ID()))
			s.MarkError()
			p.metrics.SessionsPoisoned.Inc()
			p.discardLocked(s)
			if p.closed {
				p.unlock()
				return nil, ErrPoolClosed
			}
		}
	}

	w := &waiter{ch: make(chan acquireResult, 1)}
	p.waiters = append(p.waiters, w)
	p.metrics.QueueLength.Set(float64(len(p.waiters)))
	if p.current == nil && !p.creating {
		p.startCreateLocked()
	}
	p.unlock()

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()
	select {
	case res := <-w.ch:
		return res.sess, res.err
	case <-ctx.Done():
		p.abandonWaiter(w)
		return nil, ctx.Err()
	case <-timer.C:
		p.abandonWaiter(w)
		return nil, ErrAcquireTimeout
	}
}

// abandonWaiter removes a waiter from the queue; if the waiter was served in
// the race, the session is released back so it is not leaked.
func (p *Pool) abandonWaiter(w *waiter) {
	p.lock()
	for i, q := range p.waiters {
		if q == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.metrics.QueueLength.Set(float64(len(p.waiters)))
			p.unlock()
			return
		}
	}
	p.unlock()

	select {
	case res := <-w.ch:
		if res.sess != nil {
			p.Release(res.sess, nil)
		}
	default:
	}
}

// Release returns a session after use. A nil opErr marks the request served
// and hands the session straight to the next waiter; a non-nil opErr poisons
// the session, which is closed, and rejects everyone queued behind it.
func (p *Pool) Release(s Session, opErr error) {
	p.lock()
	defer p.unlock()

	if opErr != nil {
		s.MarkError()
		p.logger.Warn("session poisoned on release",
			zap.String("session_id", s.ID()), zap.Error(opErr))
		p.metrics.SessionsPoisoned.Inc()
		p.discardLocked(s)
		p.rejectWaitersLocked(ErrSessionPoisoned)
		return
	}

	s.MarkIdle()
	if p.closed {
		p.discardLocked(s)
		return
	}
	if p.dueForRecycleLocked(s) {
		p.retireLocked(s, "usage limit")
		if len(p.waiters) > 0 && !p.creating {
			p.startCreateLocked()
		}
		return
	}
	if len(p.waiters) > 0 {
		// Hand off directly; the session never rests between queued callers.
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.metrics.QueueLength.Set(float64(len(p.waiters)))
		s.MarkBusy()
		w.ch <- acquireResult{sess: s}
		return
	}
	p.armIdleShutdownLocked(s)
}

// WarmUp launches the session ahead of the first request. It is a no-op if a
// session already exists or one is being created.
func (p *Pool) WarmUp(ctx context.Context) error {
	p.lock()
	if p.closed {
		p.unlock()
		return ErrPoolClosed
	}
	if p.current != nil || p.creating {
		p.unlock()
		return nil
	}
	p.creating = true
	p.unlock()

	s, err := p.factory(ctx)

	p.lock()
	defer p.unlock()
	p.creating = false
	if err != nil {
		p.rejectWaitersLocked(err)
		return err
	}
	p.metrics.SessionsCreated.Inc()
	if p.closed {
		_ = s.Close()
		return ErrPoolClosed
	}
	p.installLocked(s)
	return nil
}

// Shutdown closes the warm session and rejects queued waiters. The pool does
// not serve requests afterwards.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.lock()
	defer p.unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.stopIdleTimerLocked()
	p.rejectWaitersLocked(ErrPoolClosed)
	if p.current != nil {
		err := p.current.Close()
		p.current = nil
		return err
	}
	return nil
}

// Stats snapshots the pool for diagnostics.
func (p *Pool) Stats() schemas.PoolStats {
	p.lock()
	defer p.unlock()
	st := schemas.PoolStats{QueueLength: len(p.waiters)}
	switch {
	case p.current != nil:
		st.State = p.current.State()
		st.ServedRequests = p.current.ServedRequests()
		st.AgeMs = p.current.Age().Milliseconds()
	case p.creating:
		st.State = schemas.StateInitializing
	default:
		st.State = "none"
	}
	return st
}

func (p *Pool) dueForRecycleLocked(s Session) bool {
	if p.cfg.MaxServedRequests > 0 && s.ServedRequests() >= p.cfg.MaxServedRequests {
		return true
	}
	if p.cfg.MaxSessionAge > 0 && s.Age() >= p.cfg.MaxSessionAge {
		return true
	}
	return false
}

func (p *Pool) retireLocked(s Session, reason string) {
	p.logger.Info("recycling session",
		zap.String("session_id", s.ID()),
		zap.String("reason", reason),
		zap.Int("served_requests", s.ServedRequests()),
		zap.Duration("age", s.Age()))
	p.metrics.SessionsRecycled.Inc()
	p.discardLocked(s)
}

func (p *Pool) discardLocked(s Session) {
	if p.current == s {
		p.current = nil
	}
	p.idleGen++
	p.stopIdleTimerLocked()
	// Close only cancels the session's contexts; the browser teardown itself
	// proceeds asynchronously, so holding the pool lock here is fine.
	if err := s.Close(); err != nil {
		p.logger.Warn("session close failed", zap.Error(err))
	}
}

func (p *Pool) rejectWaitersLocked(err error) {
	for _, w := range p.waiters {
		w.ch <- acquireResult{err: err}
	}
	p.waiters = nil
	p.metrics.QueueLength.Set(0)
}

// startCreateLocked launches the factory exactly once; concurrent acquirers
// share its outcome.
func (p *Pool) startCreateLocked() {
	p.creating = true
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WarmReadyTimeout)
		defer cancel()
		s, err := p.factory(ctx)

		p.lock()
		defer p.unlock()
		p.creating = false
		if err != nil {
			p.logger.Error("session launch failed", zap.Error(err))
			p.rejectWaitersLocked(err)
			return
		}
		p.metrics.SessionsCreated.Inc()
		if p.closed {
			_ = s.Close()
			return
		}
		p.installLocked(s)
	}()
}

// installLocked adopts a freshly created session, serving the head of the
// queue immediately if anyone is waiting.
func (p *Pool) installLocked(s Session) {
	p.current = s
	if len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.metrics.QueueLength.Set(float64(len(p.waiters)))
		p.idleGen++
		s.MarkBusy()
		w.ch <- acquireResult{sess: s}
		return
	}
	// Ready but unused; MarkIdle would count a request that never happened.
	s.MarkReady()
	p.armIdleShutdownLocked(s)
}

func (p *Pool) stopIdleTimerLocked() {
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
}

// armIdleShutdownLocked schedules teardown of a session that sits unused for
// the idle window. Shutdown and discard stop the timer outright; a timer that
// fires anyway after an acquisition finds a stale generation and does nothing.
func (p *Pool) armIdleShutdownLocked(s Session) {
	if p.cfg.IdleTimeout <= 0 {
		return
	}
	p.stopIdleTimerLocked()
	p.idleGen++
	gen := p.idleGen
	p.idleTimer = time.AfterFunc(p.cfg.IdleTimeout, func() {
		p.lock()
		defer p.unlock()
		if p.closed || p.current != s || p.idleGen != gen {
			return
		}
		if s.State() != schemas.StateIdle {
			return
		}
		p.logger.Info("shutting down idle session",
			zap.String("session_id", s.ID()),
			zap.Duration("idle_timeout", p.cfg.IdleTimeout))
		p.discardLocked(s)
	})
}
