// Package artifact writes the run summary files.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/entrhq/autocoder/pkg/executor/controller"
)

const (
	RunFileName     = "run.json"
	SummaryFileName = "summary.md"
)

// RunSummary contains a complete summary of one autocoder process
type RunSummary struct {
	RunID      string                       `json:"run_id"`
	ProjectDir string                       `json:"project_dir"`
	Worker     string                       `json:"worker,omitempty"`
	Model      string                       `json:"model"`
	StopReason controller.StopReason        `json:"stop_reason"`
	Error      string                       `json:"error,omitempty"`
	StartTime  time.Time                    `json:"start_time"`
	EndTime    time.Time                    `json:"end_time"`
	Duration   time.Duration                `json:"duration"`
	StartIndex int                          `json:"start_index"`
	Iterations []controller.IterationRecord `json:"iterations"`
	Metrics    RunMetrics                   `json:"metrics"`
}

// RunMetrics contains aggregate session metrics
type RunMetrics struct {
	Iterations int     `json:"iterations"`
	Succeeded  int     `json:"succeeded"`
	Failed     int     `json:"failed"`
	Denials    int     `json:"denials"`
	Turns      int     `json:"turns"`
	CostUSD    float64 `json:"cost_usd"`
	Commits    int     `json:"commits"`

	// CheckFailures counts check passes with a failed required check.
	CheckFailures int `json:"check_failures"`
	// PromptTokens is the estimated prompt size summed over sessions.
	PromptTokens int `json:"prompt_tokens"`
}

// Writer handles writing run artifacts
type Writer struct {
	outputDir string
}

// NewWriter creates a new artifact writer
func NewWriter(outputDir string) *Writer {
	return &Writer{outputDir: outputDir}
}

// Dir returns the output directory.
func (w *Writer) Dir() string {
	return w.outputDir
}

// WriteAll writes run.json and summary.md.
func (w *Writer) WriteAll(summary *RunSummary) error {
	if err := os.MkdirAll(w.outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := w.WriteRunJSON(summary); err != nil {
		return err
	}
	return w.WriteSummaryMarkdown(summary)
}

// WriteRunJSON writes the full run summary as JSON
func (w *Writer) WriteRunJSON(summary *RunSummary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}
	if err := os.WriteFile(filepath.Join(w.outputDir, RunFileName), data, 0600); err != nil {
		return fmt.Errorf("failed to write run JSON: %w", err)
	}
	return nil
}

// WriteSummaryMarkdown writes a human-readable markdown summary
func (w *Writer) WriteSummaryMarkdown(summary *RunSummary) error {
	if err := os.WriteFile(filepath.Join(w.outputDir, SummaryFileName), []byte(Markdown(summary)), 0600); err != nil {
		return fmt.Errorf("failed to write summary markdown: %w", err)
	}
	return nil
}

// Markdown renders the summary.
func Markdown(summary *RunSummary) string {
	var md strings.Builder

	md.WriteString("# Autocoder Run Summary\n\n")
	md.WriteString(fmt.Sprintf("**Project:** %s\n\n", summary.ProjectDir))
	if summary.Worker != "" {
		md.WriteString(fmt.Sprintf("**Worker:** %s\n\n", summary.Worker))
	}
	md.WriteString(fmt.Sprintf("**Model:** %s\n\n", summary.Model))
	md.WriteString(fmt.Sprintf("**Started:** %s\n\n", summary.StartTime.Format(time.RFC3339)))
	md.WriteString(fmt.Sprintf("**Finished:** %s\n\n", summary.EndTime.Format(time.RFC3339)))
	md.WriteString(fmt.Sprintf("**Duration:** %s\n\n", summary.Duration.Round(time.Second)))

	md.WriteString("## Result\n\n")
	if summary.Error != "" {
		md.WriteString(fmt.Sprintf("❌ **Stopped (%s):** %s\n\n", summary.StopReason, summary.Error))
	} else {
		md.WriteString(fmt.Sprintf("✅ **Stopped:** %s\n\n", summary.StopReason))
	}

	if len(summary.Iterations) > 0 {
		md.WriteString("## Iterations\n\n")
		md.WriteString("| # | Status | Session | Duration | Note |\n")
		md.WriteString("|---|--------|---------|----------|------|\n")
		for _, rec := range summary.Iterations {
			md.WriteString(fmt.Sprintf("| %d | %s | %s | %s | %s |\n",
				rec.Index, rec.Status, rec.SessionID, rec.Duration().Round(time.Second), cell(rec.Note)))
		}
		md.WriteString("\n")
	}

	m := summary.Metrics
	md.WriteString("## Metrics\n\n")
	md.WriteString(fmt.Sprintf("- **Iterations:** %d (%d succeeded, %d failed)\n", m.Iterations, m.Succeeded, m.Failed))
	md.WriteString(fmt.Sprintf("- **Gate Denials:** %d\n", m.Denials))
	md.WriteString(fmt.Sprintf("- **Agent Turns:** %d\n", m.Turns))
	md.WriteString(fmt.Sprintf("- **Cost:** $%.2f\n", m.CostUSD))
	md.WriteString(fmt.Sprintf("- **Commits:** %d\n", m.Commits))
	if m.PromptTokens > 0 {
		md.WriteString(fmt.Sprintf("- **Prompt Tokens (est.):** %d\n", m.PromptTokens))
	}
	if m.CheckFailures > 0 {
		md.WriteString(fmt.Sprintf("- **Failed Check Runs:** %d\n", m.CheckFailures))
	}
	return md.String()
}

// cell keeps a note on one table row.
func cell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "|", "\\|")
	if len(s) > 120 {
		s = s[:117] + "..."
	}
	return s
}
