package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEngineLevel(t *testing.T) {
	tests := []struct {
		in   int
		want slog.Level
	}{
		{0, LevelFatal},
		{1, slog.LevelError},
		{2, slog.LevelWarn},
		{3, slog.LevelInfo},
		{4, slog.LevelDebug},
		{5, LevelTrace},
		{6, LevelTrace},
		{-1, LevelTrace},
	}
	for _, tt := range tests {
		if got := EngineLevel(tt.in); got != tt.want {
			t.Errorf("EngineLevel(%d) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"trace", LevelTrace, false},
		{"fatal", LevelFatal, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestHandlerNamesCustomLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "text", LevelTrace))

	logger.Log(context.Background(), LevelTrace, "deep")
	logger.Log(context.Background(), LevelFatal, "dead")

	out := buf.String()
	if !strings.Contains(out, "level=TRACE") {
		t.Errorf("trace level not named:\n%s", out)
	}
	if !strings.Contains(out, "level=FATAL") {
		t.Errorf("fatal level not named:\n%s", out)
	}
}

func TestHandlerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "json", slog.LevelInfo))
	logger.Debug("hidden")
	logger.Info("shown", "k", "v")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug record written at info level")
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"k":"v"`) {
		t.Errorf("unexpected json output: %s", out)
	}
}

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "webphone.log")
	var stdout bytes.Buffer

	logger, closer := New(Options{Level: slog.LevelInfo, Format: "text", File: path}, &stdout)
	logger.Info("hello file")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "hello file") {
		t.Errorf("log file missing record: %s", data)
	}
	if !strings.Contains(stdout.String(), "hello file") {
		t.Errorf("stdout missing record: %s", stdout.String())
	}
}

func TestNewWithoutFile(t *testing.T) {
	var stdout bytes.Buffer
	logger, closer := New(Options{Level: slog.LevelWarn}, &stdout)
	logger.Info("quiet")
	logger.Warn("loud")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(stdout.String(), "quiet") || !strings.Contains(stdout.String(), "loud") {
		t.Errorf("level filter not applied: %s", stdout.String())
	}
}
