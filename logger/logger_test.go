package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestContextLogging(t *testing.T) {
	ctx := context.Background()
	ctx = WithContextValue(ctx, HostKey, "db1.example.com:27017")
	ctx = WithContextValue(ctx, ReplicaSetKey, "rs0")
	ctx = WithContextValue(ctx, RequestIDKey, "req789")

	InfoContext(ctx, "test message with context")
	InfoContext(ctx, "test message with context and args", "key", "value")
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer

	l := NewLogger(Config{Level: slog.LevelInfo, Format: "text", Writer: &buf})
	l.Info("hello", "host", "db1:27017")
	if !strings.Contains(buf.String(), "host=db1:27017") {
		t.Errorf("expected text format output, got %q", buf.String())
	}

	buf.Reset()
	l = NewLogger(Config{Level: slog.LevelInfo, Format: "json", Writer: &buf})
	l.Info("hello", "host", "db1:27017")
	if !strings.Contains(buf.String(), `"host":"db1:27017"`) {
		t.Errorf("expected json format output, got %q", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(Config{Level: slog.LevelWarn, Format: "text", Writer: &buf})
	l.Info("should be filtered")
	if buf.Len() != 0 {
		t.Errorf("info line emitted below warn level: %q", buf.String())
	}
	l.Warn("should appear")
	if buf.Len() == 0 {
		t.Error("warn line missing")
	}
}
