// Package logging provides the file logger and console printer used by autocoder.
//
// File logs are written to <project>/logs/<run-id>.log with ERROR lines also
// copied to <project>/logs/errors.log, so failures across runs can be read in
// one place.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level filters which entries are written.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// ParseLevel accepts DEBUG, INFO, WARNING (or WARN) and ERROR in any case.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "", "INFO":
		return LevelInfo, nil
	case "WARNING", "WARN":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("invalid log level %q (must be DEBUG, INFO, WARNING or ERROR)", s)
	}
}

// Options configures New.
type Options struct {
	// Dir receives the log files. Created if missing.
	Dir string
	// RunID names the run log; a uuid is generated when empty.
	RunID     string
	Component string
	Level     Level
}

// sink is shared by a Logger and every logger derived from it with With.
type sink struct {
	mu        sync.Mutex
	main      *log.Logger
	errors    *log.Logger
	files     []*os.File
	closeOnce sync.Once
}

// Logger writes leveled, component-tagged lines. A nil *Logger discards everything.
type Logger struct {
	runID     string
	component string
	level     Level
	logPath   string
	sink      *sink
}

// New opens the run log under opts.Dir.
//
// If the directory or file cannot be opened it returns a logger that writes to
// stderr together with the error, so callers can warn and carry on.
func New(opts Options) (*Logger, error) {
	runID := opts.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	if err := os.MkdirAll(opts.Dir, 0750); err != nil {
		err = fmt.Errorf("failed to create log directory: %w", err)
		return newFallbackLogger(runID, opts, err), err
	}

	logPath := filepath.Join(opts.Dir, runID+".log")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		err = fmt.Errorf("failed to open log file: %w", err)
		return newFallbackLogger(runID, opts, err), err
	}

	s := &sink{main: log.New(file, "", 0), files: []*os.File{file}}

	errPath := filepath.Join(opts.Dir, "errors.log")
	if errFile, err := os.OpenFile(errPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600); err == nil {
		s.errors = log.New(errFile, "", 0)
		s.files = append(s.files, errFile)
	}

	return &Logger{
		runID:     runID,
		component: opts.Component,
		level:     opts.Level,
		logPath:   logPath,
		sink:      s,
	}, nil
}

// newFallbackLogger creates a logger that writes to stderr when file logging fails
func newFallbackLogger(runID string, opts Options, err error) *Logger {
	l := NewWriterLogger(os.Stderr, opts.Component, opts.Level)
	l.runID = runID
	l.Warnf("failed to initialize file logging: %v", err)
	l.Warnf("falling back to stderr logging")
	return l
}

// NewWriterLogger returns a logger writing to w.
func NewWriterLogger(w io.Writer, component string, level Level) *Logger {
	return &Logger{
		component: component,
		level:     level,
		sink:      &sink{main: log.New(w, "", 0)},
	}
}

// Discard returns a logger that writes nowhere.
func Discard() *Logger {
	return NewWriterLogger(io.Discard, "", LevelError+1)
}

// With returns a logger for another component sharing the same files.
func (l *Logger) With(component string) *Logger {
	if l == nil {
		return nil
	}
	derived := *l
	derived.component = component
	return &derived
}

// formatLogEntry creates a structured log entry with timestamp, component, and level
func (l *Logger) formatLogEntry(level Level, message string) string {
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	if l.component == "" {
		return fmt.Sprintf("[%s] [%s] %s", timestamp, level, message)
	}
	return fmt.Sprintf("[%s] [%s] [%s] %s", timestamp, l.component, level, message)
}

func (l *Logger) logf(level Level, format string, v ...interface{}) {
	if l == nil || level < l.level {
		return
	}

	entry := l.formatLogEntry(level, fmt.Sprintf(format, v...))

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.main.Println(entry)
	if level == LevelError && l.sink.errors != nil {
		l.sink.errors.Println(entry)
	}
}

// Debugf logs a debug-level message
func (l *Logger) Debugf(format string, v ...interface{}) {
	l.logf(LevelDebug, format, v...)
}

// Infof logs an info-level message
func (l *Logger) Infof(format string, v ...interface{}) {
	l.logf(LevelInfo, format, v...)
}

// Printf logs at info level.
func (l *Logger) Printf(format string, v ...interface{}) {
	l.logf(LevelInfo, format, v...)
}

// Warnf logs a warning-level message
func (l *Logger) Warnf(format string, v ...interface{}) {
	l.logf(LevelWarning, format, v...)
}

// Errorf logs an error-level message
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.logf(LevelError, format, v...)
}

// Writer returns the run log file, for streaming raw subprocess output.
func (l *Logger) Writer() io.Writer {
	if l == nil || len(l.sink.files) == 0 {
		return io.Discard
	}
	return l.sink.files[0]
}

// RunID returns the identifier naming the run log.
func (l *Logger) RunID() string {
	if l == nil {
		return ""
	}
	return l.runID
}

// LogPath returns the run log path, or "" when logging to a writer.
func (l *Logger) LogPath() string {
	if l == nil {
		return ""
	}
	return l.logPath
}

// Close closes the log files. Safe to call multiple times and on derived loggers.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	var err error
	l.sink.closeOnce.Do(func() {
		l.sink.mu.Lock()
		defer l.sink.mu.Unlock()
		for _, f := range l.sink.files {
			if cerr := f.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
		l.sink.main.SetOutput(io.Discard)
		if l.sink.errors != nil {
			l.sink.errors.SetOutput(io.Discard)
		}
	})
	return err
}
