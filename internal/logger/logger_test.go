package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TestParseLogLevel verifies mapping from strings to zapcore.Level and handling of unknown values.
func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"":        zapcore.InfoLevel,
		"WARN":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"panic":   zapcore.PanicLevel,
		"fatal":   zapcore.FatalLevel,
	}
	for s, lvl := range cases {
		got, ok := ParseLogLevel(s)
		require.True(t, ok, s)
		require.Equal(t, lvl, got, s)
	}

	_, ok := ParseLogLevel("unknown")
	require.False(t, ok)
}

// TestConfigure_RejectsUnknownValues verifies configuration errors surface instead of silently defaulting.
func TestConfigure_RejectsUnknownValues(t *testing.T) {
	t.Parallel()

	require.ErrorContains(t, Configure("loud", ""), "log level")
	require.ErrorContains(t, Configure("info", "xml"), "log format")
}

// TestNewJSON verifies entries are encoded as JSON objects carrying the key-value pairs.
func TestNewJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	l := NewJSON(zapcore.DebugLevel, zapcore.AddSync(&buf))
	ctx := WithName(ToContext(context.Background(), l), "provisioner-server")

	WarnKV(ctx, "Store operation is retryable", "op", "copy")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	require.Equal(t, "warn", entry["level"])
	require.Equal(t, "provisioner-server", entry["logger"])
	require.Equal(t, "copy", entry["op"])
}

// TestContextHelpers verifies that named loggers and key-value pairs stored in a context reach the sink.
func TestContextHelpers(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	l := NewWithSink(zapcore.DebugLevel, zapcore.AddSync(&buf))

	ctx := ToContext(context.Background(), l)
	ctx = WithName(ctx, "transfer")
	ctx = WithKV(ctx, "tag", "Store/App/Code.1.0")
	ctx = WithFields(ctx, zap.String("op", "upload"))

	InfoKV(ctx, "Upload started", "bytes", 42)

	out := buf.String()
	require.Contains(t, out, "transfer")
	require.Contains(t, out, "Upload started")
	require.Contains(t, out, "Store/App/Code.1.0")
	require.Contains(t, out, "upload")
	require.Contains(t, out, "42")
}

// TestFromContext_FallsBackToGlobal verifies a bare context yields the global logger.
func TestFromContext_FallsBackToGlobal(t *testing.T) {
	t.Parallel()

	require.Same(t, Logger(), FromContext(context.Background()))
}

// TestWithLevel verifies the pinned level filters entries below it.
func TestWithLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	l := NewWithSink(zapcore.DebugLevel, zapcore.AddSync(&buf), WithLevel(zapcore.WarnLevel))
	l.Info("hidden")
	l.Warn("shown")

	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), "shown")
}
