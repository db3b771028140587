// internal/browser/executor.go
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// Executor is the contract for raw page interactions, allowing the Driver to
// be exercised against mocks in tests. The methods split into two tiers:
// Evaluate and CallOnNode run inside the page's own scripting context (fast,
// but they queue behind the page event loop and can stall for tens of seconds
// once the target is recompiling), while the remaining methods speak the
// browser's DOM/Input protocol domains directly and stay responsive even when
// the page main thread is saturated.
type Executor interface {
	// Evaluate executes an expression in the page context and decodes the
	// result into out (may be nil to discard).
	Evaluate(ctx context.Context, expr string, out interface{}) error

	// CallOnNode invokes a JS function declaration with the node bound as
	// `this`, decoding the returned value into out.
	CallOnNode(ctx context.Context, id cdp.NodeID, fnDecl string, out interface{}) error

	// QuerySelector resolves the first match for a selector; a zero NodeID
	// means no match.
	QuerySelector(ctx context.Context, sel string) (cdp.NodeID, error)

	// QuerySelectorAll resolves every match for a selector.
	QuerySelectorAll(ctx context.Context, sel string) ([]cdp.NodeID, error)

	// OuterHTML fetches the serialized markup of a node.
	OuterHTML(ctx context.Context, id cdp.NodeID) (string, error)

	// Focus moves input focus to a node.
	Focus(ctx context.Context, id cdp.NodeID) error

	// SelectAll dispatches a select-all keyboard chord to the focused element.
	SelectAll(ctx context.Context) error

	// InsertText types text into the focused element in one protocol call.
	InsertText(ctx context.Context, text string) error

	// NodeCenter returns the viewport coordinates at the center of a node's
	// content box.
	NodeCenter(ctx context.Context, id cdp.NodeID) (x, y float64, err error)

	// DispatchClick synthesizes a full mouse click at viewport coordinates.
	DispatchClick(ctx context.Context, x, y float64) error

	// Navigate loads a URL and waits for the document body to be ready.
	Navigate(ctx context.Context, url string) error

	// CurrentURL returns the page's current location.
	CurrentURL(ctx context.Context) (string, error)

	// NextNewTargetURL blocks until the browser opens a new tab (or ctx ends)
	// and returns its URL.
	NextNewTargetURL(ctx context.Context) (string, error)
}

var jsonFast = jsoniter.ConfigCompatibleWithStandardLibrary

// cdpExecutor is the production Executor backed by a live session's CDP
// connection. All actions are funneled through the session's RunActions so
// they respect both the session lifetime and the caller's deadline.
type cdpExecutor struct {
	sess   *Session
	logger *zap.Logger
}

var _ Executor = (*cdpExecutor)(nil)

func newCDPExecutor(sess *Session, logger *zap.Logger) *cdpExecutor {
	return &cdpExecutor{sess: sess, logger: logger.Named("executor")}
}

func (e *cdpExecutor) Evaluate(ctx context.Context, expr string, out interface{}) error {
	var raw json.RawMessage
	err := e.sess.RunActions(ctx,
		chromedp.Evaluate(expr, &raw, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithReturnByValue(true).WithAwaitPromise(true).WithSilent(true)
		}),
	)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := jsonFast.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode evaluate result: %w", err)
	}
	return nil
}

func (e *cdpExecutor) CallOnNode(ctx context.Context, id cdp.NodeID, fnDecl string, out interface{}) error {
	return e.sess.RunActions(ctx, chromedp.ActionFunc(func(c context.Context) error {
		obj, err := dom.ResolveNode().WithNodeID(id).Do(c)
		if err != nil {
			return fmt.Errorf("failed to resolve node %d: %w", id, err)
		}
		res, exc, err := runtime.CallFunctionOn(fnDecl).
			WithObjectID(obj.ObjectID).
			WithReturnByValue(true).
			WithSilent(true).
			Do(c)
		if err != nil {
			return fmt.Errorf("call on node %d failed: %w", id, err)
		}
		if exc != nil {
			return fmt.Errorf("call on node %d threw: %s", id, exc.Text)
		}
		if out == nil || res == nil || len(res.Value) == 0 {
			return nil
		}
		if err := jsonFast.Unmarshal(res.Value, out); err != nil {
			return fmt.Errorf("failed to decode call result: %w", err)
		}
		return nil
	}))
}

func (e *cdpExecutor) QuerySelector(ctx context.Context, sel string) (cdp.NodeID, error) {
	var id cdp.NodeID
	err := e.sess.RunActions(ctx, chromedp.ActionFunc(func(c context.Context) error {
		root, err := dom.GetDocument().Do(c)
		if err != nil {
			return fmt.Errorf("failed to get document root: %w", err)
		}
		nodeID, err := dom.QuerySelector(root.NodeID, sel).Do(c)
		if err != nil {
			// The DOM domain reports an invalid selector as an error; an
			// absent element comes back as node zero.
			if strings.Contains(err.Error(), "could not find node") {
				return nil
			}
			return fmt.Errorf("querySelector %q failed: %w", sel, err)
		}
		id = nodeID
		return nil
	}))
	return id, err
}

func (e *cdpExecutor) QuerySelectorAll(ctx context.Context, sel string) ([]cdp.NodeID, error) {
	var ids []cdp.NodeID
	err := e.sess.RunActions(ctx, chromedp.ActionFunc(func(c context.Context) error {
		root, err := dom.GetDocument().Do(c)
		if err != nil {
			return fmt.Errorf("failed to get document root: %w", err)
		}
		nodeIDs, err := dom.QuerySelectorAll(root.NodeID, sel).Do(c)
		if err != nil {
			return fmt.Errorf("querySelectorAll %q failed: %w", sel, err)
		}
		ids = nodeIDs
		return nil
	}))
	return ids, err
}

func (e *cdpExecutor) OuterHTML(ctx context.Context, id cdp.NodeID) (string, error) {
	var html string
	err := e.sess.RunActions(ctx, chromedp.ActionFunc(func(c context.Context) error {
		h, err := dom.GetOuterHTML().WithNodeID(id).Do(c)
		if err != nil {
			return fmt.Errorf("failed to get outer HTML for node %d: %w", id, err)
		}
		html = h
		return nil
	}))
	return html, err
}

func (e *cdpExecutor) Focus(ctx context.Context, id cdp.NodeID) error {
	return e.sess.RunActions(ctx, chromedp.ActionFunc(func(c context.Context) error {
		if err := dom.Focus().WithNodeID(id).Do(c); err != nil {
			return fmt.Errorf("failed to focus node %d: %w", id, err)
		}
		return nil
	}))
}

// SelectAll sends Ctrl+A through the Input domain so the subsequent
// InsertText replaces the element's full contents.
func (e *cdpExecutor) SelectAll(ctx context.Context) error {
	return e.sess.RunActions(ctx, chromedp.ActionFunc(func(c context.Context) error {
		down := input.DispatchKeyEvent(input.KeyDown).
			WithModifiers(input.ModifierCtrl).
			WithKey("a").
			WithCode("KeyA")
		if err := down.Do(c); err != nil {
			return fmt.Errorf("select-all keydown failed: %w", err)
		}
		up := input.DispatchKeyEvent(input.KeyUp).
			WithModifiers(input.ModifierCtrl).
			WithKey("a").
			WithCode("KeyA")
		if err := up.Do(c); err != nil {
			return fmt.Errorf("select-all keyup failed: %w", err)
		}
		return nil
	}))
}

func (e *cdpExecutor) InsertText(ctx context.Context, text string) error {
	return e.sess.RunActions(ctx, chromedp.ActionFunc(func(c context.Context) error {
		if err := input.InsertText(text).Do(c); err != nil {
			return fmt.Errorf("protocol text insertion failed: %w", err)
		}
		return nil
	}))
}

func (e *cdpExecutor) NodeCenter(ctx context.Context, id cdp.NodeID) (float64, float64, error) {
	var x, y float64
	err := e.sess.RunActions(ctx, chromedp.ActionFunc(func(c context.Context) error {
		box, err := dom.GetBoxModel().WithNodeID(id).Do(c)
		if err != nil {
			return fmt.Errorf("failed to get box model for node %d: %w", id, err)
		}
		if box == nil || len(box.Content) < 8 {
			return fmt.Errorf("node %d has no content box", id)
		}
		// Content quad is four (x, y) vertices; average them for the center.
		x = (box.Content[0] + box.Content[2] + box.Content[4] + box.Content[6]) / 4
		y = (box.Content[1] + box.Content[3] + box.Content[5] + box.Content[7]) / 4
		return nil
	}))
	return x, y, err
}

func (e *cdpExecutor) DispatchClick(ctx context.Context, x, y float64) error {
	return e.sess.RunActions(ctx, chromedp.ActionFunc(func(c context.Context) error {
		move := input.DispatchMouseEvent(input.MouseMoved, x, y)
		if err := move.Do(c); err != nil {
			return fmt.Errorf("mouse move failed: %w", err)
		}
		press := input.DispatchMouseEvent(input.MousePressed, x, y).
			WithButton(input.Left).
			WithClickCount(1)
		if err := press.Do(c); err != nil {
			return fmt.Errorf("mouse press failed: %w", err)
		}
		release := input.DispatchMouseEvent(input.MouseReleased, x, y).
			WithButton(input.Left).
			WithClickCount(1)
		if err := release.Do(c); err != nil {
			return fmt.Errorf("mouse release failed: %w", err)
		}
		return nil
	}))
}

func (e *cdpExecutor) Navigate(ctx context.Context, url string) error {
	return e.sess.RunActions(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (e *cdpExecutor) CurrentURL(ctx context.Context) (string, error) {
	var loc string
	err := e.sess.RunActions(ctx, chromedp.Location(&loc))
	return loc, err
}

func (e *cdpExecutor) NextNewTargetURL(ctx context.Context) (string, error) {
	select {
	case u := <-e.sess.newTargetURLs:
		return u, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// waitBrief gives freshly dispatched input a moment to propagate before the
// next protocol call. Kept tiny on purpose.
func waitBrief(ctx context.Context) error {
	t := time.NewTimer(50 * time.Millisecond)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
