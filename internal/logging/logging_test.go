package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestLRecordsRequestID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := WithLogger(context.Background(), logger)
	ctx = WithRequestID(ctx, "req-42")
	L(ctx).Info("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if line["request_id"] != "req-42" {
		t.Errorf("request_id = %v, want req-42", line["request_id"])
	}
}

func TestLFallsBackToDefault(t *testing.T) {
	if L(context.Background()) == nil {
		t.Fatal("expected the default logger, got nil")
	}
}

func TestNewLevelParsing(t *testing.T) {
	if !New("debug", "text").Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug logger should enable debug records")
	}
	if New("nonsense", "json").Enabled(context.Background(), slog.LevelDebug) {
		t.Error("unknown level should fall back to info")
	}
}
