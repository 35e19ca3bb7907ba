package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "DEBUG", want: LevelDebug},
		{in: "info", want: LevelInfo},
		{in: "", want: LevelInfo},
		{in: "WARNING", want: LevelWarning},
		{in: "warn", want: LevelWarning},
		{in: " Error ", want: LevelError},
		{in: "trace", want: LevelInfo, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriterLogger(&buf, "controller", LevelWarning)

	l.Debugf("debug %d", 1)
	l.Infof("info %d", 2)
	l.Warnf("warn %d", 3)
	l.Errorf("error %d", 4)

	out := buf.String()
	if strings.Contains(out, "debug 1") || strings.Contains(out, "info 2") {
		t.Errorf("entries below WARNING were written:\n%s", out)
	}
	if !strings.Contains(out, "[controller] [WARN] warn 3") {
		t.Errorf("missing warning entry:\n%s", out)
	}
	if !strings.Contains(out, "[controller] [ERROR] error 4") {
		t.Errorf("missing error entry:\n%s", out)
	}
}

func TestLogger_FilesAndErrorCopy(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	l, err := New(Options{Dir: dir, RunID: "run-1", Component: "main", Level: LevelDebug})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	child := l.With("session")
	l.Infof("starting")
	child.Errorf("session exploded")

	if err := child.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	runLog, err := os.ReadFile(filepath.Join(dir, "run-1.log"))
	if err != nil {
		t.Fatalf("read run log: %v", err)
	}
	if !strings.Contains(string(runLog), "[main] [INFO] starting") {
		t.Errorf("run log missing info entry:\n%s", runLog)
	}
	if !strings.Contains(string(runLog), "[session] [ERROR] session exploded") {
		t.Errorf("run log missing child entry:\n%s", runLog)
	}

	errLog, err := os.ReadFile(filepath.Join(dir, "errors.log"))
	if err != nil {
		t.Fatalf("read errors log: %v", err)
	}
	if strings.Contains(string(errLog), "starting") || !strings.Contains(string(errLog), "session exploded") {
		t.Errorf("errors.log should contain only errors:\n%s", errLog)
	}
	if l.LogPath() != filepath.Join(dir, "run-1.log") || l.RunID() != "run-1" {
		t.Errorf("unexpected path/run id: %s %s", l.LogPath(), l.RunID())
	}
}

func TestLogger_GeneratesRunID(t *testing.T) {
	l, err := New(Options{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer l.Close()
	if len(l.RunID()) != 36 {
		t.Errorf("RunID() = %q, want a uuid", l.RunID())
	}
}

func TestLogger_NilIsSafe(t *testing.T) {
	var l *Logger
	l.Infof("ignored")
	l.With("x").Errorf("ignored")
	if err := l.Close(); err != nil {
		t.Errorf("nil Close() = %v", err)
	}
}

func TestConsole_Verbosity(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, VerbosityQuiet)
	c.Header("hidden header")
	c.Infof("hidden info")
	c.Warningf("visible %s", "warning")
	c.Errorf("visible error")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("quiet console printed normal output:\n%s", out)
	}
	if !strings.Contains(out, "⚠ Warning: visible warning") || !strings.Contains(out, "✗ Error: visible error") {
		t.Errorf("quiet console dropped warnings or errors:\n%s", out)
	}
}

func TestConsole_StepsAndSummary(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf, VerbosityNormal)
	c.Step("first")
	c.Step("second")
	c.Verbosef("not shown")
	c.Summary("completed", []Field{{Key: "Iterations", Value: "2"}})

	out := buf.String()
	for _, want := range []string{"[1] first", "[2] second", "RUN SUMMARY", "✓ COMPLETED", "Iterations: 2"} {
		if !strings.Contains(out, want) {
			t.Errorf("console output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "not shown") {
		t.Errorf("verbose line printed at normal verbosity")
	}
}

func TestVerbosityFor(t *testing.T) {
	if VerbosityFor(LevelDebug) != VerbosityDebug || VerbosityFor(LevelInfo) != VerbosityNormal || VerbosityFor(LevelError) != VerbosityQuiet {
		t.Errorf("unexpected verbosity mapping")
	}
}
