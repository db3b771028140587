// internal/editor/controller.go

// Package editor drives the remote script editor page: opening the editor
// panel, compiling a script, harvesting compiler output, and walking the
// publish dialog.
package editor

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pinewright/pinewright/api/schemas"
	"github.com/pinewright/pinewright/internal/browser"
	"github.com/pinewright/pinewright/internal/config"
)

// Controller implements validation and publication against a live editor tab.
type Controller struct {
	cfg    config.EditorConfig
	logger *zap.Logger
}

func NewController(cfg config.EditorConfig, logger *zap.Logger) *Controller {
	return &Controller{cfg: cfg, logger: logger.Named("editor")}
}

// Prepare navigates a fresh session to the editor page and opens the editor
// panel. Session factories run this once at launch so pooled sessions hand
// out a ready surface.
func (c *Controller) Prepare(ctx context.Context, d *browser.Driver) error {
	if err := d.Navigate(ctx, c.cfg.URL); err != nil {
		return fmt.Errorf("failed to load editor page: %w", err)
	}
	return c.ensureEditorOpen(ctx, d)
}

func (c *Controller) ensureEditorOpen(ctx context.Context, d *browser.Driver) error {
	res, err := d.FindFirst(ctx, editorSurface)
	if err != nil {
		return err
	}
	if res.OK() {
		return nil
	}
	if res, err = d.Click(ctx, editorToggle); err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("editor toggle not found (%s)", res.Status)
	}
	if res, err = d.WaitForElement(ctx, editorSurface, c.cfg.ElementWaitTimeout); err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("editor surface did not appear (%s)", res.Status)
	}
	return nil
}

// Validate loads the script into the editor, triggers compilation and
// collects the compiler's verdict. The page main thread is pegged for the
// whole compile, so the driver is flipped to its protocol-only mode before
// the trigger and back once the console has settled.
func (c *Controller) Validate(ctx context.Context, d *browser.Driver, script string) (*schemas.ValidationOutcome, error) {
	if err := c.ensureEditorOpen(ctx, d); err != nil {
		return nil, err
	}

	res, err := d.InsertText(ctx, editorSurface, script)
	if err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, fmt.Errorf("could not write script into editor (%s)", res.Status)
	}

	d.SetSaturated(true)
	defer d.SetSaturated(false)

	if res, err = d.Click(ctx, compileButton); err != nil {
		return nil, err
	}
	if !res.OK() {
		return nil, fmt.Errorf("compile trigger not found (%s)", res.Status)
	}

	// The console clears and repopulates asynchronously; give it a grace
	// period before polling so a stale success marker is not mistaken for
	// this compile's verdict.
	if err := sleepCtx(ctx, c.cfg.CompileSettleWait); err != nil {
		return nil, err
	}

	settled, err := d.WaitForCondition(ctx, func(probeCtx context.Context) (browser.ConditionState, error) {
		for _, loc := range []browser.Locator{errorRows, successMarker} {
			r, ferr := d.FindFirst(probeCtx, loc)
			if ferr != nil {
				return browser.ConditionFailed, ferr
			}
			if r.OK() {
				return browser.ConditionResolved, nil
			}
		}
		return browser.ConditionPending, nil
	}, 500*time.Millisecond, c.cfg.ElementWaitTimeout)
	if err != nil {
		return nil, err
	}
	if settled.Status == schemas.OutcomeTimeout {
		c.logger.Warn("compiler produced no verdict within the wait window")
		return &schemas.ValidationOutcome{
			IsValid: false,
			Errors: []schemas.ScriptError{{
				Severity: schemas.SeverityError,
				Message:  "compilation produced no result before the deadline",
			}},
			RawOutput: "",
		}, nil
	}

	raw, err := d.ReadText(ctx, consolePanel)
	if err != nil {
		return nil, err
	}

	errRes, err := d.FindFirst(ctx, errorRows)
	if err != nil {
		return nil, err
	}
	if !errRes.OK() {
		return &schemas.ValidationOutcome{IsValid: true, RawOutput: raw.Text}, nil
	}

	// Compile finished; the page is scriptable again, so prefer the
	// structured console store over scraping flattened text.
	d.SetSaturated(false)
	out := &schemas.ValidationOutcome{
		Errors:    c.extractErrors(ctx, d, raw.Text),
		RawOutput: raw.Text,
	}
	// Warnings alone do not invalidate a script.
	out.IsValid = out.ErrorCount() == 0
	return out, nil
}

const extractConsoleJS = `(() => {
	const panel = document.querySelector('[data-name="console"]')
		|| document.querySelector('[data-name="pine-console"]')
		|| document.querySelector('.console-messages');
	if (!panel) return [];
	const rows = panel.querySelectorAll('[class*="message"]');
	return Array.from(rows).map(r => ({
		type: r.className || "",
		text: (r.textContent || "").trim(),
		line: 0,
	}));
})()`

func (c *Controller) extractErrors(ctx context.Context, d *browser.Driver, rawText string) []schemas.ScriptError {
	var entries []consoleEntry
	if err := d.Evaluate(ctx, extractConsoleJS, &entries); err == nil {
		if parsed := entriesToErrors(entries); len(parsed) > 0 {
			return parsed
		}
	} else {
		c.logger.Debug("structured console extraction failed, falling back to text scrape", zap.Error(err))
	}
	if parsed := parseConsoleText(rawText); len(parsed) > 0 {
		return parsed
	}
	return []schemas.ScriptError{{
		Severity: schemas.SeverityError,
		Message:  strings.TrimSpace(rawText),
	}}
}

var scriptURLRe = regexp.MustCompile(`https?://[^\s"'<>]*/script/[A-Za-z0-9]+[^\s"'<>]*`)

// Publish walks the publish dialog with the given metadata and returns the
// URL of the published script. The script must already have compiled cleanly
// in this tab.
func (c *Controller) Publish(ctx context.Context, d *browser.Driver, intent *schemas.PublishIntent) (string, error) {
	res, err := d.Click(ctx, publishButton)
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", fmt.Errorf("publish button not found (%s)", res.Status)
	}

	if res, err = d.WaitForElement(ctx, publishDialog, c.cfg.ElementWaitTimeout); err != nil {
		return "", err
	}
	if !res.OK() {
		return "", fmt.Errorf("publish dialog did not open (%s)", res.Status)
	}

	if res, err = d.InsertText(ctx, publishTitle, intent.Title); err != nil {
		return "", err
	}
	if !res.OK() {
		return "", fmt.Errorf("publish title field not found (%s)", res.Status)
	}

	if intent.Description != "" {
		if res, err = d.InsertText(ctx, publishDescription, intent.Description); err != nil {
			return "", err
		}
		if !res.OK() {
			c.logger.Warn("description field not found, publishing without one")
		}
	}

	// Visibility toggles vary across dialog versions; missing one just
	// leaves the dialog's default selected.
	visibility := visibilityPrivate
	if strings.EqualFold(intent.Visibility, "public") {
		visibility = visibilityPublic
	}
	if res, err = d.Click(ctx, visibility); err != nil {
		return "", err
	}
	if !res.OK() {
		c.logger.Debug("visibility toggle not found, keeping dialog default",
			zap.String("requested", intent.Visibility))
	}

	if res, err = d.Click(ctx, publishSubmit); err != nil {
		return "", err
	}
	if !res.OK() {
		return "", fmt.Errorf("publish submit button not found (%s)", res.Status)
	}

	return c.capturePublishedURL(ctx, d)
}

// capturePublishedURL watches for the published script's address after
// submit. The dialog has shipped three behaviours over time: redirecting the
// current tab, opening the script in a new tab, and rendering a link inside a
// confirmation panel. All three are checked each poll.
func (c *Controller) capturePublishedURL(ctx context.Context, d *browser.Driver) (string, error) {
	deadline := time.Now().Add(c.cfg.PublishSubmitTimeout)
	for {
		loc, err := d.CurrentURL(ctx)
		if err != nil {
			return "", err
		}
		if u := scriptURLRe.FindString(loc); u != "" {
			return u, nil
		}

		tab, err := d.AwaitNewTabURL(ctx, time.Second)
		if err != nil {
			return "", err
		}
		if tab.OK() {
			if u := scriptURLRe.FindString(tab.URL); u != "" {
				return u, nil
			}
		}

		link, err := d.ReadOuterHTML(ctx, publishedLink)
		if err != nil {
			return "", err
		}
		if link.OK() {
			if u := scriptURLRe.FindString(link.Text); u != "" {
				return u, nil
			}
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("publish submitted but no script URL appeared within %s", c.cfg.PublishSubmitTimeout)
		}
		if err := sleepCtx(ctx, 500*time.Millisecond); err != nil {
			return "", err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
