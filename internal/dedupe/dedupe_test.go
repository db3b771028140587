package dedupe

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pinewright/pinewright/api/schemas"
)

func TestKeyIsStableAndContentAddressed(t *testing.T) {
	assert.Equal(t, Key("plot(close)"), Key("plot(close)"))
	assert.NotEqual(t, Key("plot(close)"), Key("plot(open)"))
	assert.Len(t, Key(""), 64)
}

func TestConcurrentIdenticalScriptsShareOneRun(t *testing.T) {
	d := New(zap.NewNop())

	var runs atomic.Int32
	started := make(chan struct{})
	proceed := make(chan struct{})

	runner := func(ctx context.Context, script string) *schemas.OrchestrationResult {
		runs.Add(1)
		close(started)
		<-proceed
		return &schemas.OrchestrationResult{FinalScript: script, IsValid: true}
	}

	const callers = 4
	results := make([]*schemas.OrchestrationResult, callers)
	var wg sync.WaitGroup
	wg.Add(callers)
	go func() {
		defer wg.Done()
		results[0] = d.Submit(context.Background(), "plot(close)", runner)
	}()
	<-started // the first run is in flight before the others join

	for i := 1; i < callers; i++ {
		i := i
		go func() {
			defer wg.Done()
			results[i] = d.Submit(context.Background(), "plot(close)", runner)
		}()
	}
	// Give the joiners a moment to attach, then let the run finish.
	time.Sleep(50 * time.Millisecond)
	close(proceed)
	wg.Wait()

	assert.Equal(t, int32(1), runs.Load(), "identical in-flight scripts must share one run")
	for i := 1; i < callers; i++ {
		assert.Same(t, results[0], results[i], "caller %d got a different result object", i)
	}
}

func TestRunSurvivesSubmitterCancellation(t *testing.T) {
	d := New(zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	entered := make(chan context.Context, 1)
	release := make(chan struct{})
	results := make(chan *schemas.OrchestrationResult, 1)

	go func() {
		results <- d.Submit(ctx, "plot(close)", func(runCtx context.Context, script string) *schemas.OrchestrationResult {
			entered <- runCtx
			<-release
			return &schemas.OrchestrationResult{FinalScript: script, IsValid: true}
		})
	}()

	runCtx := <-entered
	cancel()
	// Attached callers share this run; it must not die with the first caller.
	require.NoError(t, runCtx.Err())
	close(release)

	res := <-results
	assert.True(t, res.IsValid)
}

func TestDistinctScriptsRunIndependently(t *testing.T) {
	d := New(zap.NewNop())

	var runs atomic.Int32
	runner := func(ctx context.Context, script string) *schemas.OrchestrationResult {
		runs.Add(1)
		return &schemas.OrchestrationResult{FinalScript: script}
	}

	a := d.Submit(context.Background(), "plot(close)", runner)
	b := d.Submit(context.Background(), "plot(open)", runner)

	assert.Equal(t, int32(2), runs.Load())
	assert.NotSame(t, a, b)
}

func TestResubmissionAfterSettleStartsFreshRun(t *testing.T) {
	d := New(zap.NewNop())

	var runs atomic.Int32
	runner := func(ctx context.Context, script string) *schemas.OrchestrationResult {
		runs.Add(1)
		return &schemas.OrchestrationResult{FinalScript: script}
	}

	first := d.Submit(context.Background(), "plot(close)", runner)
	second := d.Submit(context.Background(), "plot(close)", runner)

	require.Equal(t, int32(2), runs.Load(), "sequential identical submissions are not cached")
	assert.NotSame(t, first, second)
}
