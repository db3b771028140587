// internal/dedupe/dedupe.go

// Package dedupe collapses concurrent orchestration requests for identical
// script content into a single underlying run. It is a concurrency guard,
// not a result cache: once a run settles, an identical resubmission starts
// fresh.
package dedupe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pinewright/pinewright/api/schemas"
)

// Runner executes one orchestration for a script and always yields a result.
type Runner func(ctx context.Context, script string) *schemas.OrchestrationResult

// Deduplicator keys in-flight runs by a content hash of the full script text.
type Deduplicator struct {
	group  singleflight.Group
	logger *zap.Logger
}

func New(logger *zap.Logger) *Deduplicator {
	return &Deduplicator{logger: logger.Named("dedupe")}
}

// Key returns the content-addressed identity of a script.
func Key(script string) string {
	sum := sha256.Sum256([]byte(script))
	return hex.EncodeToString(sum[:])
}

// Submit runs the script through run, unless a run for byte-identical content
// is already in flight, in which case the caller is attached to that run and
// receives its result. The first caller's run parameters win for everyone
// attached to it.
func (d *Deduplicator) Submit(ctx context.Context, script string, run Runner) *schemas.OrchestrationResult {
	key := Key(script)
	v, _, shared := d.group.Do(key, func() (interface{}, error) {
		// The run may be shared with callers that attach later, so it must not
		// die with the first caller's context. Each stage of the run carries
		// its own deadline, which keeps the detached run bounded.
		return run(context.WithoutCancel(ctx), script), nil
	})
	if shared {
		d.logger.Info("joined in-flight run for identical script",
			zap.String("script_hash", key[:12]))
	}
	return v.(*schemas.OrchestrationResult)
}
