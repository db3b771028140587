// internal/browser/driver.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"go.uber.org/zap"

	"github.com/pinewright/pinewright/api/schemas"
	"github.com/pinewright/pinewright/internal/config"
)

// ConditionState is the tri-state answer of a polled readiness probe.
type ConditionState int

const (
	// ConditionPending means the probe ran but the condition has not been
	// met yet; polling continues.
	ConditionPending ConditionState = iota
	// ConditionResolved means the condition holds and polling stops.
	ConditionResolved
	// ConditionFailed means the condition can never hold (the page reached a
	// terminal contradictory state); polling stops with a failure.
	ConditionFailed
)

// ConditionProbe inspects the page once and reports whether a condition has
// resolved, is still pending, or has terminally failed.
type ConditionProbe func(ctx context.Context) (ConditionState, error)

// Driver exposes the page operations the rest of the system needs, hiding a
// two-tier execution strategy. Each operation can run either through in-page
// script evaluation or through direct DOM/Input protocol calls. In-page
// evaluation is preferred while the page is responsive, but the editor's
// compiler saturates the page main thread for long stretches, during which
// evaluation calls queue indefinitely. Once saturation is flagged, every
// operation that has a protocol-level equivalent uses it instead.
//
// Element absence and deadline expiry are outcomes, not failures: they come
// back as a status on AutomationResult. Returned errors always mean the
// browser connection itself is broken.
type Driver struct {
	exec   Executor
	cfg    config.BrowserConfig
	logger *zap.Logger
	sat    saturation
}

// NewDriver builds a driver over an executor. Production code obtains one
// from Session.Driver; tests inject a fake executor.
func NewDriver(exec Executor, cfg config.BrowserConfig, logger *zap.Logger) *Driver {
	return &Driver{exec: exec, cfg: cfg, logger: logger.Named("driver")}
}

// SetSaturated flips the page-saturation hint. Callers set it before kicking
// off work that monopolises the page main thread and clear it afterwards.
func (d *Driver) SetSaturated(v bool) {
	if d.sat.Get() != v {
		d.logger.Debug("page saturation flag changed", zap.Bool("saturated", v))
	}
	d.sat.Set(v)
}

// Saturated reports whether operations are routed through protocol calls.
func (d *Driver) Saturated() bool { return d.sat.Get() }

func (d *Driver) opCtx(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = d.cfg.OperationTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// outcome converts an operation error into an AutomationResult, folding
// deadline expiry into the Timeout status and passing real failures through.
func outcome(err error) (schemas.AutomationResult, error) {
	if err == nil {
		return schemas.AutomationResult{Status: schemas.OutcomeOK}, nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schemas.AutomationResult{Status: schemas.OutcomeTimeout}, nil
	}
	return schemas.AutomationResult{}, err
}

// resolve walks a locator's selector alternatives in order and returns the
// first matching node. A zero node with nil error means nothing matched.
func (d *Driver) resolve(ctx context.Context, loc Locator) (cdp.NodeID, string, error) {
	for _, sel := range loc.Alternatives {
		id, err := d.exec.QuerySelector(ctx, sel)
		if err != nil {
			return 0, "", err
		}
		if id != 0 {
			return id, sel, nil
		}
	}
	return 0, "", nil
}

// FindFirst locates an element right now, without waiting.
func (d *Driver) FindFirst(ctx context.Context, loc Locator) (schemas.AutomationResult, error) {
	opCtx, cancel := d.opCtx(ctx, 0)
	defer cancel()

	id, _, err := d.resolve(opCtx, loc)
	if err != nil {
		return outcome(err)
	}
	if id == 0 {
		return schemas.AutomationResult{Status: schemas.OutcomeNotFound}, nil
	}
	return schemas.AutomationResult{Status: schemas.OutcomeOK}, nil
}

// FindAll counts the elements matching any of the locator's selectors.
func (d *Driver) FindAll(ctx context.Context, loc Locator) (int, error) {
	opCtx, cancel := d.opCtx(ctx, 0)
	defer cancel()

	for _, sel := range loc.Alternatives {
		ids, err := d.exec.QuerySelectorAll(opCtx, sel)
		if err != nil {
			return 0, err
		}
		if len(ids) > 0 {
			return len(ids), nil
		}
	}
	return 0, nil
}

// WaitForElement polls for an element until it appears or the timeout lapses.
func (d *Driver) WaitForElement(ctx context.Context, loc Locator, timeout time.Duration) (schemas.AutomationResult, error) {
	if timeout <= 0 {
		timeout = d.cfg.OperationTimeout
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		id, _, err := d.resolve(opCtx, loc)
		if err != nil {
			return outcome(err)
		}
		if id != 0 {
			return schemas.AutomationResult{Status: schemas.OutcomeOK}, nil
		}
		select {
		case <-opCtx.Done():
			return schemas.AutomationResult{Status: schemas.OutcomeTimeout}, nil
		case <-ticker.C:
		}
	}
}

// WaitForCondition polls an arbitrary tri-state probe until it resolves,
// terminally fails, or the timeout lapses. Probe errors abort immediately.
func (d *Driver) WaitForCondition(ctx context.Context, probe ConditionProbe, interval, timeout time.Duration) (schemas.AutomationResult, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = d.cfg.OperationTimeout
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		state, err := probe(opCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return schemas.AutomationResult{Status: schemas.OutcomeTimeout}, nil
			}
			return schemas.AutomationResult{}, err
		}
		switch state {
		case ConditionResolved:
			return schemas.AutomationResult{Status: schemas.OutcomeOK}, nil
		case ConditionFailed:
			return schemas.AutomationResult{Status: schemas.OutcomeNotFound}, nil
		}
		select {
		case <-opCtx.Done():
			return schemas.AutomationResult{Status: schemas.OutcomeTimeout}, nil
		case <-ticker.C:
		}
	}
}

// ReadText extracts the visible text of an element. While the page is
// responsive this is a single in-page read; under saturation the markup is
// pulled over the protocol and stripped locally.
func (d *Driver) ReadText(ctx context.Context, loc Locator) (schemas.AutomationResult, error) {
	opCtx, cancel := d.opCtx(ctx, 0)
	defer cancel()

	id, sel, err := d.resolve(opCtx, loc)
	if err != nil {
		return outcome(err)
	}
	if id == 0 {
		return schemas.AutomationResult{Status: schemas.OutcomeNotFound}, nil
	}

	var text string
	if d.sat.Get() {
		html, err := d.exec.OuterHTML(opCtx, id)
		if err != nil {
			return outcome(err)
		}
		text = stripTags(html)
	} else {
		expr := fmt.Sprintf(`(document.querySelector(%q) || {textContent: ""}).textContent`, sel)
		if err := d.exec.Evaluate(opCtx, expr, &text); err != nil {
			return outcome(err)
		}
	}
	return schemas.AutomationResult{Status: schemas.OutcomeOK, Text: strings.TrimSpace(text)}, nil
}

// ReadOuterHTML returns the raw markup of an element regardless of the
// saturation flag; the protocol path is always safe.
func (d *Driver) ReadOuterHTML(ctx context.Context, loc Locator) (schemas.AutomationResult, error) {
	opCtx, cancel := d.opCtx(ctx, 0)
	defer cancel()

	id, _, err := d.resolve(opCtx, loc)
	if err != nil {
		return outcome(err)
	}
	if id == 0 {
		return schemas.AutomationResult{Status: schemas.OutcomeNotFound}, nil
	}
	html, err := d.exec.OuterHTML(opCtx, id)
	if err != nil {
		return outcome(err)
	}
	return schemas.AutomationResult{Status: schemas.OutcomeOK, Text: html}, nil
}

// InsertText replaces the contents of an editable element with text. Input
// always goes through the protocol layer so the page receives trusted key
// events; rich editors ignore programmatic value writes.
func (d *Driver) InsertText(ctx context.Context, loc Locator, text string) (schemas.AutomationResult, error) {
	opCtx, cancel := d.opCtx(ctx, 0)
	defer cancel()

	id, _, err := d.resolve(opCtx, loc)
	if err != nil {
		return outcome(err)
	}
	if id == 0 {
		return schemas.AutomationResult{Status: schemas.OutcomeNotFound}, nil
	}
	if err := d.exec.Focus(opCtx, id); err != nil {
		return outcome(err)
	}
	if err := d.exec.SelectAll(opCtx); err != nil {
		return outcome(err)
	}
	if err := waitBrief(opCtx); err != nil {
		return outcome(err)
	}
	if err := d.exec.InsertText(opCtx, text); err != nil {
		return outcome(err)
	}
	return schemas.AutomationResult{Status: schemas.OutcomeOK}, nil
}

// Click activates an element. The responsive path calls the element's click
// handler in-page; the saturated path computes the element's box and sends
// real mouse events, which the browser processes off the page main thread.
func (d *Driver) Click(ctx context.Context, loc Locator) (schemas.AutomationResult, error) {
	opCtx, cancel := d.opCtx(ctx, 0)
	defer cancel()

	id, sel, err := d.resolve(opCtx, loc)
	if err != nil {
		return outcome(err)
	}
	if id == 0 {
		return schemas.AutomationResult{Status: schemas.OutcomeNotFound}, nil
	}

	if d.sat.Get() {
		x, y, err := d.exec.NodeCenter(opCtx, id)
		if err != nil {
			return outcome(err)
		}
		if err := d.exec.DispatchClick(opCtx, x, y); err != nil {
			return outcome(err)
		}
		return schemas.AutomationResult{Status: schemas.OutcomeOK}, nil
	}

	expr := fmt.Sprintf(`(() => { const el = document.querySelector(%q); if (!el) return false; el.click(); return true; })()`, sel)
	var clicked bool
	if err := d.exec.Evaluate(opCtx, expr, &clicked); err != nil {
		return outcome(err)
	}
	if !clicked {
		return schemas.AutomationResult{Status: schemas.OutcomeNotFound}, nil
	}
	return schemas.AutomationResult{Status: schemas.OutcomeOK}, nil
}

// Evaluate runs an expression in the page context and decodes the result.
// There is no protocol fallback for arbitrary script, so callers must not use
// this while the page is saturated; doing so returns an error immediately
// instead of hanging on the page event loop.
func (d *Driver) Evaluate(ctx context.Context, expr string, out interface{}) error {
	if d.sat.Get() {
		return fmt.Errorf("refusing in-page evaluation while page is saturated")
	}
	opCtx, cancel := d.opCtx(ctx, 0)
	defer cancel()
	return d.exec.Evaluate(opCtx, expr, out)
}

// Navigate loads a URL under the configured navigation timeout.
func (d *Driver) Navigate(ctx context.Context, url string) error {
	opCtx, cancel := context.WithTimeout(ctx, d.cfg.NavigationTimeout)
	defer cancel()
	d.logger.Debug("navigating", zap.String("url", url))
	return d.exec.Navigate(opCtx, url)
}

// CurrentURL returns the page's present location.
func (d *Driver) CurrentURL(ctx context.Context) (string, error) {
	opCtx, cancel := d.opCtx(ctx, 0)
	defer cancel()
	return d.exec.CurrentURL(opCtx)
}

// AwaitNewTabURL waits for the page to open a fresh tab and returns its URL,
// or a Timeout outcome if none appears in time.
func (d *Driver) AwaitNewTabURL(ctx context.Context, timeout time.Duration) (schemas.AutomationResult, error) {
	opCtx, cancel := d.opCtx(ctx, timeout)
	defer cancel()

	url, err := d.exec.NextNewTargetURL(opCtx)
	if err != nil {
		return outcome(err)
	}
	return schemas.AutomationResult{Status: schemas.OutcomeOK, URL: url}, nil
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// stripTags reduces markup to its text content. Good enough for error panel
// scraping; not a general HTML parser.
func stripTags(html string) string {
	text := tagPattern.ReplaceAllString(html, " ")
	text = strings.ReplaceAll(text, "&lt;", "<")
	text = strings.ReplaceAll(text, "&gt;", ">")
	text = strings.ReplaceAll(text, "&quot;", `"`)
	text = strings.ReplaceAll(text, "&#39;", "'")
	text = strings.ReplaceAll(text, "&nbsp;", " ")
	text = strings.ReplaceAll(text, "&amp;", "&")
	return strings.Join(strings.Fields(text), " ")
}
