package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/scholarai/scholarai/e2e/framework/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel(""))
}

func TestNewLoggerWritesRunLog(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "artifacts")
	logger, err := NewLogger(&config.Config{RunID: "run-9", LogFormat: "json", LogLevel: "info", ArtifactDir: dir})
	require.NoError(t, err)
	logger.Info("scenario finished", zap.String("scenario", "login"))
	_ = logger.Sync()

	data, err := os.ReadFile(filepath.Join(dir, LogFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"run_id":"run-9"`)
	assert.Contains(t, string(data), `"scenario":"login"`)
}

func TestLogrBridge(t *testing.T) {
	assert.NotPanics(t, func() { Logr(nil).Info("discarded") })
	log := Logr(zap.NewNop())
	assert.NotNil(t, log.GetSink())
}
