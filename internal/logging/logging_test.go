package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLoggerWithWriter_Formats(t *testing.T) {
	tests := []struct {
		format string
		want   []string
	}{
		{"text", []string{"unit started", "unit=u1"}},
		{"json", []string{`"msg":"unit started"`, `"unit":"u1"`}},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		NewLoggerWithWriter(slog.LevelInfo, tt.format, &buf).Info("unit started", "unit", "u1")
		for _, w := range tt.want {
			if !strings.Contains(buf.String(), w) {
				t.Errorf("format %s: expected %q in output, got: %s", tt.format, w, buf.String())
			}
		}
	}
}

func TestNewLoggerWithWriter_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(slog.LevelWarn, "text", &buf)

	logger.Info("should not appear")
	logger.Warn("should appear")

	output := buf.String()
	if strings.Contains(output, "should not appear") {
		t.Errorf("INFO message should be filtered at WARN level, got: %s", output)
	}
	if !strings.Contains(output, "should appear") {
		t.Errorf("WARN message should appear at WARN level, got: %s", output)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestOpenLogFile_RotateRenamesExisting(t *testing.T) {
	dir := t.TempDir()

	f, err := OpenLogFile(dir, true)
	if err != nil {
		t.Fatalf("OpenLogFile: %v", err)
	}
	f.WriteString("first run\n")
	f.Close()

	f, err = OpenLogFile(dir, true)
	if err != nil {
		t.Fatalf("OpenLogFile rotate: %v", err)
	}
	f.Close()

	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected current and rotated log, got %d entries", len(entries))
	}
	data, _ := os.ReadFile(filepath.Join(dir, "logs", FileName))
	if len(data) != 0 {
		t.Errorf("current log should be fresh after rotation, got %q", data)
	}
}

func TestOpenLogFile_AppendOnlyKeepsContent(t *testing.T) {
	dir := t.TempDir()

	f, err := OpenLogFile(dir, false)
	if err != nil {
		t.Fatalf("OpenLogFile: %v", err)
	}
	f.WriteString("parent\n")
	f.Close()

	f, err = OpenLogFile(dir, false)
	if err != nil {
		t.Fatalf("OpenLogFile: %v", err)
	}
	f.WriteString("child\n")
	f.Close()

	data, _ := os.ReadFile(filepath.Join(dir, "logs", FileName))
	if string(data) != "parent\nchild\n" {
		t.Errorf("log content = %q", data)
	}
}
