package observability_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bdobrica/vito/common/trace"
	"github.com/bdobrica/vito/internal/vito/observability"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := observability.ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q): got %v, want %v", in, got, want)
		}
	}
}

func TestNew_JSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, closer := observability.New(observability.Options{Level: "warn", Format: "json", Output: &buf})
	defer closer.Close()

	logger.Info("bot: hidden")
	logger.Warn("bot: shown", "user_id", "@alice:example.org")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if rec["msg"] != "bot: shown" || rec["user_id"] != "@alice:example.org" {
		t.Errorf("record: %v", rec)
	}
}

func TestNew_RedactsSecrets(t *testing.T) {
	const key = "AIzaSECRETSECRETSECRET"
	var buf bytes.Buffer
	logger, _ := observability.New(observability.Options{Output: &buf, Secrets: []string{key, ""}})

	logger.With("base", "url?key="+key).Warn("upstream failed for "+key,
		"err", errors.New("HTTP 400: bad key "+key),
		slog.Group("req", slog.String("url", "https://x/?key="+key)),
		"count", 3,
	)

	out := buf.String()
	if strings.Contains(out, key) {
		t.Fatalf("secret leaked: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") || !strings.Contains(out, "count=3") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestNew_RotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "vito.log")
	logger, closer := observability.New(observability.Options{File: path})
	logger.Info("app: started")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "app: started") {
		t.Errorf("log file content: %q", data)
	}
}

func TestFromContext_AddsTraceID(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := observability.New(observability.Options{Output: &buf})

	ctx := trace.WithTraceID(context.Background(), "t_abc")
	observability.FromContext(ctx, logger).Info("bot: handled")
	if !strings.Contains(buf.String(), "trace_id=t_abc") {
		t.Errorf("missing trace id: %s", buf.String())
	}

	buf.Reset()
	observability.FromContext(context.Background(), logger).Info("bot: handled")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("unexpected trace id: %s", buf.String())
	}
}

func TestNew_RedactsCredentialAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger, _ := observability.New(observability.Options{Output: &buf, Secrets: []string{"unrelated-secret"}})

	logger.Info("config: loaded", "access_token", "syt_not_in_secret_list", "api_key", "", "user_id", "@alice:example.org")

	out := buf.String()
	if strings.Contains(out, "syt_not_in_secret_list") {
		t.Fatalf("credential attribute leaked: %s", out)
	}
	if !strings.Contains(out, "access_token=[REDACTED]") || !strings.Contains(out, "user_id=@alice:example.org") {
		t.Errorf("unexpected output: %s", out)
	}
	if strings.Contains(out, "api_key=[REDACTED]") {
		t.Errorf("empty credential should stay empty: %s", out)
	}
}
