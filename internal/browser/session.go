// internal/browser/session.go
package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pinewright/pinewright/api/schemas"
	"github.com/pinewright/pinewright/internal/config"
)

// Session owns one browser instance and the CDP connection to its primary
// tab. It tracks lifecycle state and usage counters so a pool can decide when
// the instance is due for recycling, and exposes a Driver bound to its tab.
type Session struct {
	id        string
	cfg       config.BrowserConfig
	logger    *zap.Logger
	createdAt time.Time

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	mu       sync.Mutex
	state    schemas.SessionState
	served   int
	lastUsed time.Time

	closeOnce sync.Once
	closeErr  error

	// newTargetURLs receives the URL of every tab the page spawns, used to
	// observe navigations that open in a fresh window.
	newTargetURLs chan string

	driver *Driver
}

// NewSession launches a browser process and attaches to its first tab. The
// returned session starts in the Initializing state; callers install
// credentials and navigate before marking it idle.
func NewSession(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Session, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	for _, arg := range cfg.Args {
		opts = append(opts, chromedp.Flag(arg, true))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	id := uuid.NewString()
	s := &Session{
		id:            id,
		cfg:           cfg,
		logger:        logger.Named("session").With(zap.String("session_id", id)),
		createdAt:     time.Now(),
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		state:         schemas.StateInitializing,
		lastUsed:      time.Now(),
		newTargetURLs: make(chan string, 8),
	}

	// Editor pages throw confirmation dialogs (unsaved changes, overwrite
	// prompts); accept them so a modal never wedges the tab.
	chromedp.ListenTarget(browserCtx, func(ev interface{}) {
		if _, ok := ev.(*page.EventJavascriptDialogOpening); ok {
			go func() {
				if err := chromedp.Run(browserCtx, page.HandleJavaScriptDialog(true)); err != nil {
					s.logger.Warn("failed to dismiss dialog", zap.Error(err))
				}
			}()
		}
	})

	chromedp.ListenBrowser(browserCtx, func(ev interface{}) {
		var url string
		switch e := ev.(type) {
		case *target.EventTargetCreated:
			url = e.TargetInfo.URL
		case *target.EventTargetInfoChanged:
			url = e.TargetInfo.URL
		default:
			return
		}
		if url == "" || url == "about:blank" {
			return
		}
		select {
		case s.newTargetURLs <- url:
		default:
			// Channel full; the consumer only cares about the next one.
		}
	})

	// Force the browser process up front so launch failures surface here
	// rather than on the first real action.
	startCtx, cancel := context.WithTimeout(browserCtx, cfg.NavigationTimeout)
	defer cancel()
	if err := chromedp.Run(startCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	exec := newCDPExecutor(s, s.logger)
	s.driver = NewDriver(exec, cfg, s.logger)

	s.logger.Info("browser session launched", zap.Bool("headless", cfg.Headless))
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Driver returns the automation driver bound to this session's tab.
func (s *Session) Driver() *Driver { return s.driver }

// RunActions executes chromedp actions against the session tab under a
// context that honours both the session's lifetime and the caller's deadline.
func (s *Session) RunActions(ctx context.Context, actions ...chromedp.Action) error {
	combined, cancel := CombineContext(s.browserCtx, ctx)
	defer cancel()
	return chromedp.Run(combined, actions...)
}

// State returns the current lifecycle state.
func (s *Session) State() schemas.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MarkBusy transitions the session into active use.
func (s *Session) MarkBusy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = schemas.StateBusy
	s.lastUsed = time.Now()
}

// MarkIdle records a completed request and returns the session to the idle
// state.
func (s *Session) MarkIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.served++
	s.state = schemas.StateIdle
	s.lastUsed = time.Now()
}

// MarkReady parks the session idle without counting a served request; used
// when a freshly launched session has nobody to serve yet.
func (s *Session) MarkReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = schemas.StateIdle
	s.lastUsed = time.Now()
}

// MarkError flags the session as unusable; the pool discards it on release.
func (s *Session) MarkError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = schemas.StateError
}

// ServedRequests reports how many requests this session has completed.
func (s *Session) ServedRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.served
}

// Age reports time since launch.
func (s *Session) Age() time.Duration { return time.Since(s.createdAt) }

// IdleSince reports the last time the session finished work.
func (s *Session) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// InstallCredentials sets the authentication cookies on the browser profile
// so subsequent navigations land in a logged-in editor.
func (s *Session) InstallCredentials(ctx context.Context, creds *schemas.Credentials, cookieDomain string) error {
	if creds == nil {
		return fmt.Errorf("no credentials to install")
	}
	return s.RunActions(ctx, chromedp.ActionFunc(func(c context.Context) error {
		cookies := []struct{ name, value string }{
			{"sessionid", creds.SessionToken},
			{"sessionid_sign", creds.Signature},
		}
		for _, ck := range cookies {
			if ck.value == "" {
				continue
			}
			err := network.SetCookie(ck.name, ck.value).
				WithDomain(cookieDomain).
				WithPath("/").
				WithSecure(true).
				WithHTTPOnly(true).
				Do(c)
			if err != nil {
				return fmt.Errorf("failed to set %s cookie: %w", ck.name, err)
			}
		}
		return nil
	}))
}

// Healthy probes the browser connection with a cheap protocol call. A dead
// process, a detached tab, or a probe timeout all report unhealthy.
func (s *Session) Healthy(ctx context.Context) bool {
	if s.browserCtx.Err() != nil {
		return false
	}
	if s.State() == schemas.StateError {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.HealthProbeTimeout)
	defer cancel()
	err := s.RunActions(probeCtx, chromedp.ActionFunc(func(c context.Context) error {
		_, err := dom.GetDocument().Do(c)
		return err
	}))
	if err != nil {
		s.logger.Warn("health probe failed", zap.Error(err))
		return false
	}
	return true
}

// Close tears down the tab and the browser process. Safe to call repeatedly.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.logger.Info("closing browser session",
			zap.Int("served_requests", s.ServedRequests()),
			zap.Duration("age", s.Age()))
		s.browserCancel()
		s.allocCancel()
	})
	return s.closeErr
}

// CombineContext derives a context that is cancelled as soon as either parent
// is done, while inheriting values and deadline behaviour from primary.
func CombineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	stop := make(chan struct{})
	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		case <-stop:
		}
	}()
	var once sync.Once
	return combined, func() {
		once.Do(func() { close(stop) })
		cancel()
	}
}

// saturation is a process-wide hint that the target page's scripting context
// is likely to be unresponsive. Drivers consult it to route operations away
// from in-page evaluation.
type saturation struct {
	flag atomic.Bool
}

func (s *saturation) Set(v bool) { s.flag.Store(v) }
func (s *saturation) Get() bool  { return s.flag.Load() }
