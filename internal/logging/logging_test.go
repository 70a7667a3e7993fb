package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	_, err := New("chatty", false)
	assert.ErrorContains(t, err, "parse log level")
}

func TestProductionLoggerWritesJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := build(zapcore.InfoLevel, false, zapcore.AddSync(&buf))

	logger.Debug("hidden")
	logger.Named("session").Info("browser session ready", zap.String("state", "ready"))
	require.NoError(t, logger.Sync())

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "session", line["logger"])
	assert.Equal(t, "browser session ready", line["msg"])
	assert.Equal(t, "ready", line["state"])
}

func TestDevelopmentLoggerIsReadable(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := build(zapcore.DebugLevel, true, zapcore.AddSync(&buf))
	logger.Debug("recovering browser session", zap.String("reason", "session_timeout"))

	assert.Contains(t, buf.String(), "recovering browser session")
	assert.Contains(t, buf.String(), `{"reason": "session_timeout"}`)
}
