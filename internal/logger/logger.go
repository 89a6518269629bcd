// Package logger is the process-wide levelled logger used by every crmsync
// subsystem. Lines go to stderr and, when configured, to a rotating log file.
//
// Messages carry their subsystem as a prefix ("sync: ...", "api: ...").
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level orders log messages by severity.
type Level int

// Levels in increasing severity.
const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = [...]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

// String returns the upper-case name used in log lines.
func (l Level) String() string {
	if l < LevelDebug || l > LevelError {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel maps a config or flag value to a Level. Case and surrounding
// space are ignored; "warning" is accepted for warn.
func ParseLevel(s string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "warning" {
		return LevelWarn, nil
	}
	for l, n := range levelNames {
		if strings.ToLower(n) == name {
			return Level(l), nil
		}
	}
	return LevelInfo, fmt.Errorf("unknown log level %q: valid levels are debug, info, warn, error", s)
}

const timeFormat = "2006-01-02T15:04:05.000Z"

// Rotation controls when the log file is rolled over.
// Zero values fall back to lumberjack's defaults (100MB, keep everything).
type Rotation struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger writes "<UTC timestamp> LEVEL message" lines.
type Logger struct {
	mu    sync.Mutex
	level Level
	out   io.Writer
	file  *lumberjack.Logger
	now   func() time.Time
}

// New returns a logger writing to out at the given threshold.
func New(out io.Writer, level Level) *Logger {
	return &Logger{level: level, out: out, now: time.Now}
}

var std = New(os.Stderr, LevelInfo)

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level Level) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return level >= l.level
}

// Logf formats and writes one line if level meets the threshold.
func (l *Logger) Logf(level Level, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	var b strings.Builder
	b.WriteString(l.now().UTC().Format(timeFormat))
	b.WriteByte(' ')
	b.WriteString(level.String())
	b.WriteByte(' ')
	fmt.Fprintf(&b, format, args...)
	b.WriteByte('\n')
	line := b.String()

	io.WriteString(l.out, line)
	if l.file != nil {
		io.WriteString(l.file, line)
	}
}

// SetLogFile tees every line to path, rotated according to rot. Any previous
// log file is closed first. The parent directory must already exist.
func (l *Logger) SetLogFile(path string, rot Rotation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.closeFile()

	dir := filepath.Dir(path)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("failed to open log file: %s is not a directory", dir)
	}

	l.file = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    rot.MaxSizeMB,
		MaxBackups: rot.MaxBackups,
		MaxAge:     rot.MaxAgeDays,
	}
	return nil
}

// Close flushes and detaches the log file, if any. Safe to call repeatedly.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) closeFile() {
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

// SetLevel sets the threshold of the shared logger.
func SetLevel(level Level) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.level = level
}

// SetOutput replaces the primary writer (stderr by default).
func SetOutput(w io.Writer) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.out = w
}

// SetLogFile tees the shared logger's lines to a rotating file at path.
func SetLogFile(path string, rot Rotation) error { return std.SetLogFile(path, rot) }

// Close detaches the shared logger's log file.
func Close() { std.Close() }

// Enabled reports whether the shared logger writes messages at level.
func Enabled(level Level) bool { return std.Enabled(level) }

// Debug logs at debug level.
func Debug(format string, args ...interface{}) { std.Logf(LevelDebug, format, args...) }

// Info logs at info level.
func Info(format string, args ...interface{}) { std.Logf(LevelInfo, format, args...) }

// Warn logs at warn level.
func Warn(format string, args ...interface{}) { std.Logf(LevelWarn, format, args...) }

// Error logs at error level.
func Error(format string, args ...interface{}) { std.Logf(LevelError, format, args...) }
