package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestLevels(t *testing.T) {
	log, logs := NewCapturingLogger("debug")

	log.Debug("debug", zap.Int("n", 1))
	log.Info("info")
	log.Warn("warn")
	log.Error("error")

	entries := logs.TakeAll()
	require.Len(t, entries, 4)
	require.Equal(t, zapcore.DebugLevel, entries[0].Level)
	require.Equal(t, int64(1), entries[0].ContextMap()["n"])
	require.Equal(t, zapcore.ErrorLevel, entries[3].Level)
}

func TestWithContextAddsTraceID(t *testing.T) {
	log, logs := NewCapturingLogger("info")

	traceID := trace.TraceID{1, 2, 3}
	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: trace.SpanID{1}})
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)

	log.InfoWithContext(ctx, "traced")
	log.InfoWithContext(context.Background(), "untraced")

	entries := logs.TakeAll()
	require.Len(t, entries, 2)
	require.Equal(t, traceID.String(), entries[0].ContextMap()["trace_id"])
	require.NotContains(t, entries[1].ContextMap(), "trace_id")
}

func TestWith(t *testing.T) {
	log, logs := NewCapturingLogger("info")
	child := log.With(zap.String("resolver", "root"))
	child.Info("child")
	log.Info("parent")

	entries := logs.TakeAll()
	require.Equal(t, "root", entries[0].ContextMap()["resolver"])
	require.NotContains(t, entries[1].ContextMap(), "resolver")
}

func TestNewLogger(t *testing.T) {
	_, err := NewLogger("json", "info")
	require.NoError(t, err)

	_, err = NewLogger("text", "debug")
	require.NoError(t, err)

	noop, err := NewLogger("json", "none")
	require.NoError(t, err)
	require.NotNil(t, noop)

	_, err = NewLogger("json", "loud")
	require.Error(t, err)

	_, err = NewLogger("xml", "info")
	require.Error(t, err)

	require.Panics(t, func() { MustNewLogger("json", "loud") })
}

func TestTee(t *testing.T) {
	base, baseLogs := NewCapturingLogger("debug")
	teed, captured := Tee(base, "warn")

	teed.Info("kept by the base only")
	teed.Warn("kept by both", zap.String("query", "reachable"))
	base.Error("bypasses the tee")

	require.Equal(t, 3, baseLogs.Len())
	require.Equal(t, 1, captured.Len())

	entries := captured.Messages("kept by both")
	require.Len(t, entries, 1)
	require.Equal(t, "reachable", entries[0].ContextMap()["query"])
	require.Empty(t, captured.Messages("kept by the base only"))
}
