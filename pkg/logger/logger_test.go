package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNew(t *testing.T) {
	logger := New()
	assert.NotNil(t, logger)
	assert.NotNil(t, logger.base)
	assert.NotNil(t, logger.sugar)
}

func TestLogger_Formatting(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := wrap(zap.New(core))

	logger.Info("User %s logged in with ID %d", "john", 123)
	logger.Error("Failed to process request %d: %s", 404, "not found")
	logger.Warn("Warning: %s count is %d", "items", 5)
	logger.Debug("debug %v", true)

	entries := logs.All()
	if assert.Len(t, entries, 4) {
		assert.Equal(t, "User john logged in with ID 123", entries[0].Message)
		assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
		assert.Equal(t, "Failed to process request 404: not found", entries[1].Message)
		assert.Equal(t, zapcore.ErrorLevel, entries[1].Level)
		assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
		assert.Equal(t, zapcore.DebugLevel, entries[3].Level)
	}
}

func TestLogger_With(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := wrap(zap.New(core)).With("component", "consumer")

	logger.Info("started")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "consumer", entries[0].ContextMap()["component"])
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("not-a-level"))
}

func TestNewNop(t *testing.T) {
	logger := NewNop()
	logger.Info("Info 1")
	logger.Error("Error 1")
	logger.Warn("Warn 1")
	assert.NotNil(t, logger.Zap())
}
