package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// resetLogger puts the shared logger back to its defaults.
func resetLogger() {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.level = LevelInfo
	std.out = os.Stderr
	std.now = time.Now
	std.closeFile()
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(-1), "UNKNOWN"},
		{Level(999), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.expected {
			t.Errorf("Level(%d).String() = %q, want %q", int(tt.level), got, tt.expected)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		wantErr  bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"  debug  ", LevelDebug, false},
		{"info", LevelInfo, false},
		{"Info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"WARNING", LevelWarn, false},
		{"error", LevelError, false},
		{"invalid", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if level != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, level, tt.expected)
			}
		})
	}
}

func TestLineFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug)
	l.now = func() time.Time {
		return time.Date(2024, 3, 9, 8, 7, 6, 5_000_000, time.FixedZone("AEDT", 11*3600))
	}

	l.Logf(LevelWarn, "sync: page %d of %d", 2, 3)

	want := "2024-03-08T21:07:06.005Z WARN sync: page 2 of 3\n"
	if buf.String() != want {
		t.Errorf("line = %q, want %q", buf.String(), want)
	}
}

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		threshold Level
		written   []string
	}{
		{LevelDebug, []string{"DEBUG", "INFO", "WARN", "ERROR"}},
		{LevelInfo, []string{"INFO", "WARN", "ERROR"}},
		{LevelWarn, []string{"WARN", "ERROR"}},
		{LevelError, []string{"ERROR"}},
	}

	for _, tt := range tests {
		t.Run(tt.threshold.String(), func(t *testing.T) {
			var buf bytes.Buffer
			l := New(&buf, tt.threshold)
			for lvl := LevelDebug; lvl <= LevelError; lvl++ {
				l.Logf(lvl, "msg")
			}

			lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
			if len(lines) != len(tt.written) {
				t.Fatalf("got %d lines, want %d:\n%s", len(lines), len(tt.written), buf.String())
			}
			for i, level := range tt.written {
				if !strings.Contains(lines[i], " "+level+" ") {
					t.Errorf("line %d = %q, want level %s", i, lines[i], level)
				}
			}
		})
	}
}

func TestEnabled(t *testing.T) {
	l := New(&bytes.Buffer{}, LevelWarn)
	if l.Enabled(LevelInfo) {
		t.Error("info should be disabled at warn")
	}
	if !l.Enabled(LevelError) {
		t.Error("error should be enabled at warn")
	}
}

// ============================================================================
// Package-level logger
// ============================================================================

func TestPackageFunctions(t *testing.T) {
	resetLogger()
	defer resetLogger()

	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(LevelDebug)

	Debug("debug %s", "msg")
	Info("info msg")
	Warn("warn msg")
	Error("error msg")

	output := buf.String()
	for _, want := range []string{"DEBUG debug msg", "INFO info msg", "WARN warn msg", "ERROR error msg"} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
}

func TestSetLevel(t *testing.T) {
	resetLogger()
	defer resetLogger()

	SetLevel(LevelWarn)
	if !Enabled(LevelWarn) {
		t.Error("Enabled(warn) should be true at warn")
	}
	if Enabled(LevelInfo) {
		t.Error("Enabled(info) should be false at warn")
	}
}

func TestConcurrentLogging(t *testing.T) {
	resetLogger()
	defer resetLogger()

	var buf bytes.Buffer
	SetOutput(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				Info("goroutine %d message %d", id, j)
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1000 {
		t.Errorf("expected 1000 log lines, got %d", len(lines))
	}
}

// ============================================================================
// Log file
// ============================================================================

func TestLogFileReceivesLines(t *testing.T) {
	resetLogger()
	defer resetLogger()

	logPath := filepath.Join(t.TempDir(), "crmsync.log")

	var buf bytes.Buffer
	SetOutput(&buf)

	if err := SetLogFile(logPath, Rotation{}); err != nil {
		t.Fatalf("SetLogFile failed: %v", err)
	}
	Info("cache: opened")
	Debug("below threshold")
	Close()

	if !strings.Contains(buf.String(), "cache: opened") {
		t.Errorf("primary output should contain message, got: %s", buf.String())
	}

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "cache: opened") {
		t.Errorf("log file should contain message, got: %s", content)
	}
	if strings.Contains(string(content), "below threshold") {
		t.Error("log file should respect the level threshold")
	}
}

func TestSetLogFileErrors(t *testing.T) {
	resetLogger()
	defer resetLogger()

	if err := SetLogFile("/nonexistent/directory/test.log", Rotation{}); err == nil {
		t.Error("expected error for missing parent directory")
	}

	notADir := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(notADir, []byte("x"), 0644); err != nil {
		t.Fatalf("failed to create file: %v", err)
	}
	if err := SetLogFile(filepath.Join(notADir, "crmsync.log"), Rotation{}); err == nil {
		t.Error("expected error when the parent path is a regular file")
	}
}

func TestSetLogFileReplacesExisting(t *testing.T) {
	resetLogger()
	defer resetLogger()

	dir := t.TempDir()
	first := filepath.Join(dir, "first.log")
	second := filepath.Join(dir, "second.log")
	SetOutput(&bytes.Buffer{})

	if err := SetLogFile(first, Rotation{MaxSizeMB: 1}); err != nil {
		t.Fatalf("SetLogFile(first) failed: %v", err)
	}
	Info("to first")

	if err := SetLogFile(second, Rotation{MaxSizeMB: 1}); err != nil {
		t.Fatalf("SetLogFile(second) failed: %v", err)
	}
	Info("to second")
	Close()
	Close()

	content1, _ := os.ReadFile(first)
	content2, _ := os.ReadFile(second)
	if !strings.Contains(string(content1), "to first") || strings.Contains(string(content1), "to second") {
		t.Errorf("first log = %q", content1)
	}
	if !strings.Contains(string(content2), "to second") || strings.Contains(string(content2), "to first") {
		t.Errorf("second log = %q", content2)
	}
}

func TestSetLogFileAppliesRotation(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "crmsync.log")
	l := New(&bytes.Buffer{}, LevelInfo)
	defer l.Close()

	if err := l.SetLogFile(logPath, Rotation{MaxSizeMB: 5, MaxBackups: 3, MaxAgeDays: 7}); err != nil {
		t.Fatalf("SetLogFile failed: %v", err)
	}

	if l.file == nil {
		t.Fatal("expected log file to be configured")
	}
	if l.file.Filename != logPath {
		t.Errorf("Filename = %q, want %q", l.file.Filename, logPath)
	}
	if l.file.MaxSize != 5 || l.file.MaxBackups != 3 || l.file.MaxAge != 7 {
		t.Errorf("rotation = (%d, %d, %d), want (5, 3, 7)", l.file.MaxSize, l.file.MaxBackups, l.file.MaxAge)
	}
}
