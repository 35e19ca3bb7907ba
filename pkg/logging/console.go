package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Verbosity controls how much the console prints.
type Verbosity int

const (
	// VerbosityQuiet shows only errors, warnings and the final summary
	VerbosityQuiet Verbosity = iota
	// VerbosityNormal shows iteration progress (default)
	VerbosityNormal
	// VerbosityVerbose adds per-session details
	VerbosityVerbose
	// VerbosityDebug shows everything
	VerbosityDebug
)

// VerbosityFor maps a file log level onto console verbosity.
func VerbosityFor(level Level) Verbosity {
	switch level {
	case LevelDebug:
		return VerbosityDebug
	case LevelInfo:
		return VerbosityNormal
	default:
		return VerbosityQuiet
	}
}

// Field is one key/value line of a summary.
type Field struct {
	Key   string
	Value string
}

// Console prints operator-facing progress. Colors are dropped automatically
// when the writer is not a terminal.
type Console struct {
	verbosity Verbosity
	writer    io.Writer

	header  lipgloss.Style
	section lipgloss.Style
	step    lipgloss.Style
	success lipgloss.Style
	info    lipgloss.Style
	warning lipgloss.Style
	failure lipgloss.Style
	muted   lipgloss.Style

	startTime time.Time
	stepCount int
}

// NewConsole creates a console printer. A nil writer means stdout.
func NewConsole(w io.Writer, verbosity Verbosity) *Console {
	if w == nil {
		w = os.Stdout
	}
	r := lipgloss.NewRenderer(w)
	return &Console{
		verbosity: verbosity,
		writer:    w,
		header:    r.NewStyle().Bold(true).Foreground(lipgloss.Color("15")),
		section:   r.NewStyle().Foreground(lipgloss.Color("6")),
		step:      r.NewStyle().Foreground(lipgloss.Color("6")).Bold(true),
		success:   r.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
		info:      r.NewStyle().Foreground(lipgloss.Color("#FFB3BA")),
		warning:   r.NewStyle().Foreground(lipgloss.Color("3")),
		failure:   r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		muted:     r.NewStyle().Foreground(lipgloss.Color("8")),
		startTime: time.Now(),
	}
}

func (c *Console) line(style lipgloss.Style, text string) {
	fmt.Fprintln(c.writer, style.Render(text))
}

// Header prints a prominent header message
func (c *Console) Header(message string) {
	if c.verbosity >= VerbosityNormal {
		rule := strings.Repeat("=", 70)
		fmt.Fprintln(c.writer)
		c.line(c.header, rule)
		c.line(c.header, "  "+message)
		c.line(c.header, rule)
	}
}

// Section prints a section divider
func (c *Console) Section(title string) {
	if c.verbosity >= VerbosityNormal {
		fmt.Fprintln(c.writer)
		c.line(c.section, "▶ "+title)
		c.line(c.muted, strings.Repeat("─", 50))
	}
}

// Step prints a numbered step
func (c *Console) Step(message string) {
	if c.verbosity >= VerbosityNormal {
		c.stepCount++
		fmt.Fprintln(c.writer)
		c.line(c.step, fmt.Sprintf("[%d] %s", c.stepCount, message))
	}
}

// Successf prints a success message with checkmark
func (c *Console) Successf(format string, args ...interface{}) {
	if c.verbosity >= VerbosityNormal {
		c.line(c.success, "✓ "+fmt.Sprintf(format, args...))
	}
}

// Infof prints an informational message
func (c *Console) Infof(format string, args ...interface{}) {
	if c.verbosity >= VerbosityNormal {
		c.line(c.info, fmt.Sprintf(format, args...))
	}
}

// Warningf prints a warning message
func (c *Console) Warningf(format string, args ...interface{}) {
	c.line(c.warning, "⚠ Warning: "+fmt.Sprintf(format, args...))
}

// Errorf prints an error message
func (c *Console) Errorf(format string, args ...interface{}) {
	c.line(c.failure, "✗ Error: "+fmt.Sprintf(format, args...))
}

// Verbosef prints detailed information (only in verbose mode)
func (c *Console) Verbosef(format string, args ...interface{}) {
	if c.verbosity >= VerbosityVerbose {
		c.line(c.muted, "→ "+fmt.Sprintf(format, args...))
	}
}

// Debugf prints debug information (only in debug mode)
func (c *Console) Debugf(format string, args ...interface{}) {
	if c.verbosity >= VerbosityDebug {
		c.line(c.muted, "[DEBUG] "+fmt.Sprintf(format, args...))
	}
}

// Newline adds a blank line (respects verbosity)
func (c *Console) Newline() {
	if c.verbosity >= VerbosityNormal {
		fmt.Fprintln(c.writer)
	}
}

// Summary prints the final run summary. It is shown at every verbosity.
func (c *Console) Summary(status string, fields []Field) {
	rule := strings.Repeat("=", 70)
	fmt.Fprintln(c.writer)
	c.line(c.header, rule)
	c.line(c.header, "  RUN SUMMARY")
	c.line(c.header, rule)

	fmt.Fprint(c.writer, "  Status: ")
	switch status {
	case "completed", "stopped":
		c.line(c.success, "✓ "+strings.ToUpper(status))
	case "aborted", "failed":
		c.line(c.failure, "✗ "+strings.ToUpper(status))
	default:
		fmt.Fprintln(c.writer, strings.ToUpper(status))
	}

	fmt.Fprintf(c.writer, "  Duration: %s\n", time.Since(c.startTime).Round(time.Second))
	for _, f := range fields {
		fmt.Fprintf(c.writer, "  %s: %s\n", f.Key, f.Value)
	}
	c.line(c.header, rule)
	fmt.Fprintln(c.writer)
}
