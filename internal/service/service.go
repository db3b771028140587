// internal/service/service.go

// Package service is the composition root: it wires credentials, the session
// pool, the editor surface, the repair client and the deduplicator into the
// single caller-facing API.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pinewright/pinewright/api/schemas"
	"github.com/pinewright/pinewright/internal/auth"
	"github.com/pinewright/pinewright/internal/browser"
	"github.com/pinewright/pinewright/internal/config"
	"github.com/pinewright/pinewright/internal/dedupe"
	"github.com/pinewright/pinewright/internal/editor"
	"github.com/pinewright/pinewright/internal/orchestrator"
	"github.com/pinewright/pinewright/internal/pool"
	"github.com/pinewright/pinewright/internal/repair"
)

// Service exposes the orchestration API over an owned session pool.
type Service struct {
	cfg    *config.Config
	logger *zap.Logger

	pool     *pool.Pool
	orch     *orchestrator.Orchestrator
	dedupe   *dedupe.Deduplicator
	editor   *editor.Controller
	creds    auth.Bootstrap
	registry *prometheus.Registry
}

// New wires the full stack from configuration. The pool stays cold until
// StartWarmPool or the first request.
func New(cfg *config.Config, logger *zap.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &Service{
		cfg:    cfg,
		logger: logger,
		dedupe: dedupe.New(logger),
		editor: editor.NewController(cfg.Editor, logger),
		creds:  auth.NewStaticProvider(cfg.Auth, logger),
	}

	// Each Service owns its registry so repeated construction (tests, embedding
	// callers) never collides on metric registration.
	s.registry = prometheus.NewRegistry()
	s.pool = pool.New(cfg.Pool, s.launchSession, pool.NewMetrics(s.registry), logger)

	var repairer repair.Service
	if cfg.Repair.Enabled {
		client, err := repair.NewGeminiClient(cfg.Repair, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to build repair client: %w", err)
		}
		repairer = client
	} else {
		logger.Info("automated repair disabled by configuration")
	}

	s.orch = orchestrator.New(
		&warmSource{pool: s.pool},
		&coldLauncher{svc: s},
		s.editor,
		repairer,
		cfg.Repair.MinOutputLength,
		logger,
	)
	return s, nil
}

// Orchestrate validates the script, repairs it once if the budget allows,
// and publishes it when an intent is supplied. Concurrent calls with
// byte-identical scripts share one underlying run.
func (s *Service) Orchestrate(ctx context.Context, script string, retryBudget int, intent *schemas.PublishIntent) *schemas.OrchestrationResult {
	policy := orchestrator.Policy{
		WarmPathEnabled: true,
		RetryBudget:     retryBudget,
		Publish:         intent,
	}
	return s.dedupe.Submit(ctx, script, func(runCtx context.Context, sc string) *schemas.OrchestrationResult {
		return s.orch.Run(runCtx, sc, policy)
	})
}

// StartWarmPool launches and authenticates the pooled session ahead of
// traffic, bounded by the configured readiness window.
func (s *Service) StartWarmPool(ctx context.Context) error {
	warmCtx, cancel := context.WithTimeout(ctx, s.cfg.Pool.WarmReadyTimeout)
	defer cancel()
	return s.pool.WarmUp(warmCtx)
}

// ShutdownWarmPool tears the pool down; queued waiters are rejected.
func (s *Service) ShutdownWarmPool(ctx context.Context) error {
	return s.pool.Shutdown(ctx)
}

// PoolStats snapshots the pool for operational visibility.
func (s *Service) PoolStats() schemas.PoolStats {
	return s.pool.Stats()
}

// MetricsRegistry exposes the service's metric registry for callers that
// mount an exposition endpoint.
func (s *Service) MetricsRegistry() *prometheus.Registry {
	return s.registry
}

// launchSession is the shared session recipe for both the warm pool and cold
// fallbacks: start a browser, install credentials if any are available, and
// leave the tab parked on an open editor.
func (s *Service) launchSession(ctx context.Context) (pool.Session, error) {
	sess, err := browser.NewSession(ctx, s.cfg.Browser, s.logger)
	if err != nil {
		return nil, err
	}

	creds, err := s.creds.GetCredentials(ctx)
	if err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("credential lookup failed: %w", err)
	}
	switch {
	case creds == nil:
		s.logger.Warn("no credentials available; session will run unauthenticated")
	case creds.Expired(time.Now()):
		s.logger.Warn("credentials are expired; refreshing source and running unauthenticated",
			zap.Time("expires_at", creds.ExpiresAt))
		s.creds.InvalidateCredentials()
	default:
		if err := sess.InstallCredentials(ctx, creds, s.cfg.Auth.CookieDomain); err != nil {
			_ = sess.Close()
			return nil, fmt.Errorf("failed to install credentials: %w", err)
		}
	}

	if err := s.editor.Prepare(ctx, sess.Driver()); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("failed to prepare editor page: %w", err)
	}
	return sess, nil
}

// warmSource adapts the pool to the orchestrator's session contract.
type warmSource struct {
	pool *pool.Pool
}

func (w *warmSource) Acquire(ctx context.Context) (orchestrator.Session, error) {
	s, err := w.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	bs, ok := s.(*browser.Session)
	if !ok {
		w.pool.Release(s, fmt.Errorf("unexpected session type %T", s))
		return nil, fmt.Errorf("pool produced unexpected session type %T", s)
	}
	return bs, nil
}

func (w *warmSource) Release(s orchestrator.Session, opErr error) {
	if ps, ok := s.(pool.Session); ok {
		w.pool.Release(ps, opErr)
	}
}

// coldLauncher creates single-use sessions for runs the pool cannot serve.
type coldLauncher struct {
	svc *Service
}

func (c *coldLauncher) Launch(ctx context.Context) (orchestrator.Session, error) {
	s, err := c.svc.launchSession(ctx)
	if err != nil {
		return nil, err
	}
	return s.(*browser.Session), nil
}
