// internal/orchestrator/orchestrator.go

// Package orchestrator runs the validate → fix → publish state machine for a
// single script against a borrowed browser session.
package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/pinewright/pinewright/api/schemas"
	"github.com/pinewright/pinewright/internal/browser"
	"github.com/pinewright/pinewright/internal/repair"
)

// Session is the slice of a browser session an orchestration run needs.
type Session interface {
	ID() string
	Driver() *browser.Driver
	Close() error
}

// SessionSource hands out warm, already-authenticated sessions. Release must
// be called exactly once per successful Acquire; a non-nil opErr tells the
// source the session can no longer be trusted.
type SessionSource interface {
	Acquire(ctx context.Context) (Session, error)
	Release(s Session, opErr error)
}

// Launcher creates a single-use cold session. The orchestrator closes it
// when the run ends, regardless of outcome.
type Launcher interface {
	Launch(ctx context.Context) (Session, error)
}

// Surface is the editor interaction layer.
type Surface interface {
	Validate(ctx context.Context, d *browser.Driver, script string) (*schemas.ValidationOutcome, error)
	Publish(ctx context.Context, d *browser.Driver, intent *schemas.PublishIntent) (string, error)
}

// Policy captures the per-run knobs. One orchestrator serves every caller;
// behavioural variants are policy values, not separate code paths.
type Policy struct {
	// WarmPathEnabled selects whether to try the pooled session first.
	// When false every run launches its own cold session.
	WarmPathEnabled bool
	// RetryBudget bounds automated repair. The machine executes at most one
	// repair attempt per run regardless; the budget's only decision today is
	// zero (never fix) versus nonzero (fix once).
	RetryBudget int
	// Publish, when set, asks for the script to be published if it ends the
	// run valid.
	Publish *schemas.PublishIntent
}

// Orchestrator drives one script through validation, optional repair and
// optional publication. Run never panics and never returns an error: every
// outcome, including infrastructure faults, is folded into the result.
type Orchestrator struct {
	warm            SessionSource
	cold            Launcher
	surface         Surface
	repairer        repair.Service
	minRepairOutput int
	logger          *zap.Logger
}

func New(warm SessionSource, cold Launcher, surface Surface, repairer repair.Service, minRepairOutput int, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		warm:            warm,
		cold:            cold,
		surface:         surface,
		repairer:        repairer,
		minRepairOutput: minRepairOutput,
		logger:          logger.Named("orchestrator"),
	}
}

// Run executes the full state machine for one script.
func (o *Orchestrator) Run(ctx context.Context, script string, policy Policy) *schemas.OrchestrationResult {
	res := &schemas.OrchestrationResult{FinalScript: script}

	sess, release, err := o.obtainSession(ctx, policy)
	if err != nil {
		return o.fail(res, fmt.Sprintf("no browser session available: %v", err))
	}
	var infraErr error
	defer func() { release(infraErr) }()

	log := o.logger.With(zap.String("session_id", sess.ID()))
	d := sess.Driver()

	// Validating.
	log.Info("validating script", zap.Int("script_bytes", len(script)))
	outcome, err := o.surface.Validate(ctx, d, script)
	res.IterationCount = 1
	if err != nil {
		infraErr = err
		return o.fail(res, fmt.Sprintf("validation aborted: %v", err))
	}
	res.IsValid = outcome.IsValid
	res.FinalErrors = outcome.Errors
	res.RawOutput = outcome.RawOutput

	if !outcome.IsValid && policy.RetryBudget > 0 && o.repairer != nil {
		// Fixing.
		res.FixAttempted = true
		fixed, repairErr := o.attemptRepair(ctx, script, outcome.Errors)
		if repairErr != nil {
			log.Warn("repair attempt failed", zap.Error(repairErr))
			// Original errors stay on the result; the run is terminal here.
			return res
		}

		// Revalidating. One pass only, whatever the remaining budget says.
		log.Info("revalidating repaired script", zap.Int("script_bytes", len(fixed)))
		second, err := o.surface.Validate(ctx, d, fixed)
		res.IterationCount = 2
		if err != nil {
			infraErr = err
			return o.fail(res, fmt.Sprintf("revalidation aborted: %v", err))
		}
		res.FinalScript = fixed
		res.IsValid = second.IsValid
		res.FixSucceeded = second.IsValid
		res.FinalErrors = second.Errors
		res.RawOutput = second.RawOutput
	}

	if !res.IsValid {
		return res
	}

	// Publishing. Capture failures are soft: the script is valid either way.
	if policy.Publish != nil {
		log.Info("publishing script", zap.String("title", policy.Publish.Title))
		url, err := o.surface.Publish(ctx, d, policy.Publish)
		if err != nil {
			log.Warn("publish did not complete", zap.Error(err))
			res.PublishError = err.Error()
		} else {
			res.PublishedURL = url
		}
	}
	return res
}

// attemptRepair calls the repair collaborator and applies the minimum-length
// guard against empty or truncated responses.
func (o *Orchestrator) attemptRepair(ctx context.Context, script string, errs []schemas.ScriptError) (string, error) {
	fixed, err := o.repairer.Repair(ctx, script, repair.FormatErrors(errs))
	if err != nil {
		return "", err
	}
	if len(fixed) < o.minRepairOutput {
		return "", fmt.Errorf("%w: got %d bytes, need %d", repair.ErrOutputTooShort, len(fixed), o.minRepairOutput)
	}
	return fixed, nil
}

// obtainSession tries the warm pool first, waiting out its bounded acquire
// window, and only then launches a cold single-use session. Two concurrent
// browser launches would contend for memory, so the fallback is sequential,
// never raced.
func (o *Orchestrator) obtainSession(ctx context.Context, policy Policy) (Session, func(error), error) {
	if policy.WarmPathEnabled && o.warm != nil {
		s, err := o.warm.Acquire(ctx)
		if err == nil {
			return s, func(opErr error) { o.warm.Release(s, opErr) }, nil
		}
		if ctx.Err() != nil {
			return nil, nil, err
		}
		o.logger.Warn("warm path unavailable, falling back to cold launch", zap.Error(err))
	}
	if o.cold == nil {
		return nil, nil, fmt.Errorf("no cold launcher configured")
	}
	s, err := o.cold.Launch(ctx)
	if err != nil {
		return nil, nil, err
	}
	return s, func(error) {
		if cerr := s.Close(); cerr != nil {
			o.logger.Warn("cold session close failed", zap.Error(cerr))
		}
	}, nil
}

// fail marks the result invalid with a descriptive entry. Used for
// infrastructure faults, which are never eligible for automated repair.
func (o *Orchestrator) fail(res *schemas.OrchestrationResult, msg string) *schemas.OrchestrationResult {
	res.IsValid = false
	res.FinalErrors = append(res.FinalErrors, schemas.ScriptError{
		Severity: schemas.SeverityError,
		Message:  msg,
	})
	return res
}
