package browser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pinewright/pinewright/api/schemas"
	"github.com/pinewright/pinewright/internal/config"
)

type fakeExecutor struct {
	mu       sync.Mutex
	nodes    map[string]cdp.NodeID
	allNodes map[string][]cdp.NodeID

	evalText string
	evalBool bool
	evalErr  error

	outerHTML map[cdp.NodeID]string
	protoErr  error

	currentURL string
	newTabURL  string

	calls    []string
	inserted []string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		nodes:     map[string]cdp.NodeID{},
		allNodes:  map[string][]cdp.NodeID{},
		outerHTML: map[cdp.NodeID]string{},
		evalBool:  true,
	}
}

func (f *fakeExecutor) record(name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	f.mu.Unlock()
}

func (f *fakeExecutor) setNode(sel string, id cdp.NodeID) {
	f.mu.Lock()
	f.nodes[sel] = id
	f.mu.Unlock()
}

func (f *fakeExecutor) Evaluate(_ context.Context, expr string, out interface{}) error {
	f.record("evaluate")
	if f.evalErr != nil {
		return f.evalErr
	}
	switch p := out.(type) {
	case *string:
		*p = f.evalText
	case *bool:
		*p = f.evalBool
	}
	return nil
}

func (f *fakeExecutor) CallOnNode(_ context.Context, _ cdp.NodeID, _ string, _ interface{}) error {
	f.record("callOnNode")
	return f.protoErr
}

func (f *fakeExecutor) QuerySelector(_ context.Context, sel string) (cdp.NodeID, error) {
	f.record("querySelector")
	if f.protoErr != nil {
		return 0, f.protoErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes[sel], nil
}

func (f *fakeExecutor) QuerySelectorAll(_ context.Context, sel string) ([]cdp.NodeID, error) {
	f.record("querySelectorAll")
	if f.protoErr != nil {
		return nil, f.protoErr
	}
	return f.allNodes[sel], nil
}

func (f *fakeExecutor) OuterHTML(_ context.Context, id cdp.NodeID) (string, error) {
	f.record("outerHTML")
	return f.outerHTML[id], f.protoErr
}

func (f *fakeExecutor) Focus(_ context.Context, _ cdp.NodeID) error {
	f.record("focus")
	return f.protoErr
}

func (f *fakeExecutor) SelectAll(_ context.Context) error {
	f.record("selectAll")
	return f.protoErr
}

func (f *fakeExecutor) InsertText(_ context.Context, text string) error {
	f.record("insertText")
	f.inserted = append(f.inserted, text)
	return f.protoErr
}

func (f *fakeExecutor) NodeCenter(_ context.Context, _ cdp.NodeID) (float64, float64, error) {
	f.record("nodeCenter")
	return 100, 200, f.protoErr
}

func (f *fakeExecutor) DispatchClick(_ context.Context, x, y float64) error {
	f.record("dispatchClick")
	return f.protoErr
}

func (f *fakeExecutor) Navigate(_ context.Context, _ string) error {
	f.record("navigate")
	return f.protoErr
}

func (f *fakeExecutor) CurrentURL(_ context.Context) (string, error) {
	f.record("currentURL")
	return f.currentURL, f.protoErr
}

func (f *fakeExecutor) NextNewTargetURL(ctx context.Context) (string, error) {
	f.record("nextNewTargetURL")
	if f.newTabURL == "" {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.newTabURL, nil
}

func testDriver(exec Executor) *Driver {
	return NewDriver(exec, config.BrowserConfig{
		NavigationTimeout:  time.Second,
		OperationTimeout:   time.Second,
		HealthProbeTimeout: time.Second,
	}, zap.NewNop())
}

func TestFindFirstWalksAlternativesInOrder(t *testing.T) {
	exec := newFakeExecutor()
	exec.nodes[".fallback"] = 7
	d := testDriver(exec)

	loc := NewLocator("thing", ".preferred", ".fallback")
	res, err := d.FindFirst(context.Background(), loc)
	require.NoError(t, err)
	assert.Equal(t, schemas.OutcomeOK, res.Status)
	// Both selectors probed, preferred one first.
	assert.Equal(t, []string{"querySelector", "querySelector"}, exec.calls)
}

func TestFindFirstReportsNotFound(t *testing.T) {
	exec := newFakeExecutor()
	d := testDriver(exec)

	res, err := d.FindFirst(context.Background(), NewLocator("ghost", ".nope"))
	require.NoError(t, err)
	assert.Equal(t, schemas.OutcomeNotFound, res.Status)
}

func TestInfrastructureErrorsPassThrough(t *testing.T) {
	exec := newFakeExecutor()
	exec.protoErr = errors.New("websocket: close 1006")
	d := testDriver(exec)

	_, err := d.FindFirst(context.Background(), NewLocator("thing", ".sel"))
	assert.ErrorContains(t, err, "websocket")
}

func TestWaitForElementTimesOutAsOutcome(t *testing.T) {
	exec := newFakeExecutor()
	d := testDriver(exec)

	start := time.Now()
	res, err := d.WaitForElement(context.Background(), NewLocator("slow", ".sel"), 300*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, schemas.OutcomeTimeout, res.Status)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestWaitForElementSeesLateElement(t *testing.T) {
	exec := newFakeExecutor()
	d := testDriver(exec)

	go func() {
		time.Sleep(100 * time.Millisecond)
		exec.setNode(".sel", 3)
	}()

	res, err := d.WaitForElement(context.Background(), NewLocator("late", ".sel"), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, schemas.OutcomeOK, res.Status)
}

func TestReadTextPrefersPageEvaluation(t *testing.T) {
	exec := newFakeExecutor()
	exec.nodes[".panel"] = 4
	exec.evalText = "  compiled ok  "
	d := testDriver(exec)

	res, err := d.ReadText(context.Background(), NewLocator("panel", ".panel"))
	require.NoError(t, err)
	assert.Equal(t, "compiled ok", res.Text)
	assert.Contains(t, exec.calls, "evaluate")
	assert.NotContains(t, exec.calls, "outerHTML")
}

func TestReadTextUnderSaturationAvoidsPageContext(t *testing.T) {
	exec := newFakeExecutor()
	exec.nodes[".panel"] = 4
	exec.outerHTML[4] = `<div class="msg">Error at <b>5:3</b> mismatched input</div>`
	d := testDriver(exec)
	d.SetSaturated(true)

	res, err := d.ReadText(context.Background(), NewLocator("panel", ".panel"))
	require.NoError(t, err)
	assert.Equal(t, "Error at 5:3 mismatched input", res.Text)
	assert.NotContains(t, exec.calls, "evaluate")
}

func TestClickRoutesBySaturation(t *testing.T) {
	exec := newFakeExecutor()
	exec.nodes["button"] = 9
	d := testDriver(exec)

	res, err := d.Click(context.Background(), NewLocator("btn", "button"))
	require.NoError(t, err)
	assert.Equal(t, schemas.OutcomeOK, res.Status)
	assert.Contains(t, exec.calls, "evaluate")
	assert.NotContains(t, exec.calls, "dispatchClick")

	exec.calls = nil
	d.SetSaturated(true)

	res, err = d.Click(context.Background(), NewLocator("btn", "button"))
	require.NoError(t, err)
	assert.Equal(t, schemas.OutcomeOK, res.Status)
	assert.Contains(t, exec.calls, "nodeCenter")
	assert.Contains(t, exec.calls, "dispatchClick")
	assert.NotContains(t, exec.calls, "evaluate")
}

func TestInsertTextReplacesViaTrustedInput(t *testing.T) {
	exec := newFakeExecutor()
	exec.nodes["textarea"] = 2
	d := testDriver(exec)

	res, err := d.InsertText(context.Background(), NewLocator("editor", "textarea"), "plot(close)")
	require.NoError(t, err)
	assert.Equal(t, schemas.OutcomeOK, res.Status)
	assert.Equal(t, []string{"plot(close)"}, exec.inserted)

	// Focus and select-all must precede the insertion.
	assert.Equal(t, []string{"querySelector", "focus", "selectAll", "insertText"}, exec.calls)
}

func TestEvaluateRefusedWhileSaturated(t *testing.T) {
	exec := newFakeExecutor()
	d := testDriver(exec)
	d.SetSaturated(true)

	var out string
	err := d.Evaluate(context.Background(), "1+1", &out)
	assert.ErrorContains(t, err, "saturated")
	assert.Empty(t, exec.calls)
}

func TestWaitForConditionTriState(t *testing.T) {
	d := testDriver(newFakeExecutor())

	t.Run("resolves after pending polls", func(t *testing.T) {
		polls := 0
		res, err := d.WaitForCondition(context.Background(), func(ctx context.Context) (ConditionState, error) {
			polls++
			if polls < 3 {
				return ConditionPending, nil
			}
			return ConditionResolved, nil
		}, 10*time.Millisecond, time.Second)
		require.NoError(t, err)
		assert.Equal(t, schemas.OutcomeOK, res.Status)
		assert.Equal(t, 3, polls)
	})

	t.Run("terminal failure stops polling", func(t *testing.T) {
		res, err := d.WaitForCondition(context.Background(), func(ctx context.Context) (ConditionState, error) {
			return ConditionFailed, nil
		}, 10*time.Millisecond, time.Second)
		require.NoError(t, err)
		assert.Equal(t, schemas.OutcomeNotFound, res.Status)
	})

	t.Run("deadline becomes a timeout outcome", func(t *testing.T) {
		res, err := d.WaitForCondition(context.Background(), func(ctx context.Context) (ConditionState, error) {
			return ConditionPending, nil
		}, 10*time.Millisecond, 50*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, schemas.OutcomeTimeout, res.Status)
	})

	t.Run("probe errors abort", func(t *testing.T) {
		boom := errors.New("connection lost")
		_, err := d.WaitForCondition(context.Background(), func(ctx context.Context) (ConditionState, error) {
			return ConditionPending, boom
		}, 10*time.Millisecond, time.Second)
		assert.ErrorIs(t, err, boom)
	})
}

func TestAwaitNewTabURL(t *testing.T) {
	exec := newFakeExecutor()
	exec.newTabURL = "https://example.com/script/XyZ/"
	d := testDriver(exec)

	res, err := d.AwaitNewTabURL(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, schemas.OutcomeOK, res.Status)
	assert.Equal(t, "https://example.com/script/XyZ/", res.URL)

	exec.newTabURL = ""
	res, err = d.AwaitNewTabURL(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, schemas.OutcomeTimeout, res.Status)
}

func TestStripTags(t *testing.T) {
	in := `<div>Error at <span class="pos">5:3</span> expected &quot;)&quot; &amp; more</div>`
	assert.Equal(t, `Error at 5:3 expected ")" & more`, stripTags(in))
}

func TestFindAllCountsMatches(t *testing.T) {
	exec := newFakeExecutor()
	exec.allNodes[".row"] = []cdp.NodeID{1, 2, 3}
	d := testDriver(exec)

	n, err := d.FindAll(context.Background(), NewLocator("rows", ".missing", ".row"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
