// File: internal/observability/logger_test.go
package observability

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/pinewright/pinewright/internal/config"
)

// syncBuffer is a minimal WriteSyncer capturing console output.
type syncBuffer struct {
	strings.Builder
}

func (s *syncBuffer) Sync() error { return nil }

func TestInitializeWritesThroughConfiguredLevel(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	buf := &syncBuffer{}
	Initialize(config.LoggerConfig{
		Level:       "warn",
		Format:      "json",
		ServiceName: "pinewright-test",
	}, zapcore.Lock(buf))

	logger := GetLogger()
	require.NotNil(t, logger)

	logger.Info("should be filtered")
	logger.Warn("should appear")

	out := buf.String()
	assert.NotContains(t, out, "should be filtered")
	assert.Contains(t, out, "should appear")
	assert.Contains(t, out, "pinewright-test")
}

func TestInitializeRunsOnce(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	first := &syncBuffer{}
	second := &syncBuffer{}
	Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "one"}, zapcore.Lock(first))
	Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "two"}, zapcore.Lock(second))

	GetLogger().Info("hello")
	assert.Contains(t, first.String(), "hello")
	assert.Empty(t, second.String(), "second initialization must be a no-op")
}

func TestGetLoggerFallsBackBeforeInitialization(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	assert.NotNil(t, GetLogger())
}

func TestInvalidLevelDefaultsToInfo(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	buf := &syncBuffer{}
	Initialize(config.LoggerConfig{Level: "nonsense", Format: "json", ServiceName: "x"}, zapcore.Lock(buf))

	GetLogger().Info("info passes at the default level")
	assert.Contains(t, buf.String(), "info passes")
}
