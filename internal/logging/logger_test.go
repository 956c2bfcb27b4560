package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"talkingheads/internal/config"
	"talkingheads/internal/logging"
	"talkingheads/internal/services"
)

func TestNewFromConfigConsole(t *testing.T) {
	cfg := config.Default()
	logger, err := logging.NewFromConfig(&cfg)
	if err != nil {
		t.Fatalf("NewFromConfig returned error: %v", err)
	}
	if logger == nil {
		t.Fatal("expected logger instance")
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := logging.New(logging.Options{Format: "xml", Writer: &bytes.Buffer{}}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestConsoleLoggerOmitsCallerForInfo(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("message without caller")
	if strings.Contains(buf.String(), ".go:") {
		t.Fatalf("expected no caller information in info logs, got %q", buf.String())
	}
}

func TestConsoleLoggerIncludesCallerForDebug(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "console", Level: "debug", Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("message with caller")
	if !strings.Contains(buf.String(), "logger_test.go:") {
		t.Fatalf("expected caller information in debug logs, got %q", buf.String())
	}
}

func TestConsoleLoggerRendersContextSubject(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "console", Level: "info", Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	ctx := services.WithRunID(context.Background(), "0123456789abcdef")
	ctx = services.WithEventIndex(ctx, 3)
	ctx = services.WithStage(ctx, "synthesis")
	component := logging.NewComponentLogger(logging.WithContext(ctx, logger), "synthesis")
	component.Info("clip ready", logging.String("voice", "v1"))

	line := buf.String()
	if !strings.Contains(line, "[Run 01234567 · Event #3 (synthesis)]") {
		t.Fatalf("expected subject in console line, got %q", line)
	}
	if !strings.Contains(line, "synthesis: clip ready") {
		t.Fatalf("expected component prefix, got %q", line)
	}
	if !strings.Contains(line, "voice=v1") {
		t.Fatalf("expected attribute, got %q", line)
	}
	if strings.Contains(line, "run_id=") {
		t.Fatalf("run id should be folded into the subject, got %q", line)
	}
}

func TestJSONLoggerEmitsContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	ctx := services.WithRunID(context.Background(), "run-1")
	ctx = services.WithRequestID(ctx, "req-1")
	logging.WithContext(ctx, logger).Info("hello")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode json log: %v (%q)", err, buf.String())
	}
	if payload[logging.FieldRunID] != "run-1" {
		t.Fatalf("expected run_id, got %v", payload)
	}
	if payload[logging.FieldCorrelationID] != "req-1" {
		t.Fatalf("expected correlation_id, got %v", payload)
	}
	if payload["level"] != "info" {
		t.Fatalf("expected lowercase level, got %v", payload["level"])
	}
	if _, ok := payload["ts"]; !ok {
		t.Fatalf("expected ts key, got %v", payload)
	}
}

func TestWithRunFileWritesBoth(t *testing.T) {
	var buf bytes.Buffer
	base, err := logging.New(logging.Options{Format: "console", Level: "info", Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	dir := t.TempDir()
	handler, closer, err := logging.NewRunFileHandler(dir, "run-42", "info")
	if err != nil {
		t.Fatalf("NewRunFileHandler: %v", err)
	}
	logger := logging.WithRunFile(base, handler)
	logger.Info("teed", logging.Int("events", 2))
	if err := closer.Close(); err != nil {
		t.Fatalf("close run log: %v", err)
	}

	if !strings.Contains(buf.String(), "teed") {
		t.Fatalf("expected console output, got %q", buf.String())
	}
	data, err := os.ReadFile(filepath.Join(dir, "run-42.log"))
	if err != nil {
		t.Fatalf("read run log: %v", err)
	}
	if !strings.Contains(string(data), `"events":2`) {
		t.Fatalf("expected JSON record in run log, got %q", data)
	}
}

func TestLineAttrInlinesEventFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{Format: "json", Level: "info", Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	logger.Info("job failed", logging.Line(3, "BOB"))
	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if payload[logging.FieldEventIndex] != float64(3) || payload[logging.FieldSpeaker] != "BOB" {
		t.Fatalf("expected inline event fields, got %v", payload)
	}
}

func TestRunFileKeepsDebugWhenConsoleIsQuiet(t *testing.T) {
	var buf bytes.Buffer
	base, err := logging.New(logging.Options{Format: "console", Level: "warn", Writer: &buf})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	dir := t.TempDir()
	handler, closer, err := logging.NewRunFileHandler(dir, "run-7", "debug")
	if err != nil {
		t.Fatalf("NewRunFileHandler: %v", err)
	}
	logger := logging.WithRunFile(base, handler)
	logger.Debug("job transition", logging.String("to", "rendering"))
	if err := closer.Close(); err != nil {
		t.Fatalf("close run log: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("console should drop debug records, got %q", buf.String())
	}
	data, err := os.ReadFile(filepath.Join(dir, "run-7.log"))
	if err != nil {
		t.Fatalf("read run log: %v", err)
	}
	if !strings.Contains(string(data), "job transition") {
		t.Fatalf("expected debug record in run log, got %q", data)
	}
}

func TestNopLoggerDiscards(t *testing.T) {
	logger := logging.NewNop()
	if logger.Enabled(context.Background(), 12) {
		t.Fatal("nop logger should never be enabled")
	}
	logger.Error("ignored")
}
