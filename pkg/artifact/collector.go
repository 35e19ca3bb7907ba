package artifact

import (
	"context"
	"sync"
	"time"

	"github.com/entrhq/autocoder/pkg/executor/controller"
	"github.com/entrhq/autocoder/pkg/executor/session"
)

// Collector accumulates session metrics as iterations finish.
type Collector struct {
	mu      sync.Mutex
	metrics RunMetrics
}

var _ controller.Observer = (*Collector)(nil)

// IterationFinished adds the session's numbers.
func (c *Collector) IterationFinished(_ context.Context, rec controller.IterationRecord, res session.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.PromptTokens += rec.PromptTokens
	c.metrics.Denials += res.Denials
	c.metrics.Turns += res.NumTurns
	c.metrics.CostUSD += res.CostUSD
}

// AddCommit counts one commit made after a session.
func (c *Collector) AddCommit() {
	c.mu.Lock()
	c.metrics.Commits++
	c.mu.Unlock()
}

// AddCheckFailure counts one check pass with a failed required check.
func (c *Collector) AddCheckFailure() {
	c.mu.Lock()
	c.metrics.CheckFailures++
	c.mu.Unlock()
}

// Run describes the process a summary is built for.
type Run struct {
	RunID      string
	ProjectDir string
	Worker     string
	Model      string
	StartTime  time.Time
}

// Summary builds the run summary from the controller report.
func (c *Collector) Summary(run Run, report *controller.Report, runErr error, end time.Time) *RunSummary {
	c.mu.Lock()
	metrics := c.metrics
	c.mu.Unlock()

	summary := &RunSummary{
		RunID:      run.RunID,
		ProjectDir: run.ProjectDir,
		Worker:     run.Worker,
		Model:      run.Model,
		StartTime:  run.StartTime,
		EndTime:    end,
		Duration:   end.Sub(run.StartTime),
	}
	if runErr != nil {
		summary.Error = runErr.Error()
	}
	if report != nil {
		summary.StopReason = report.StopReason
		summary.StartIndex = report.StartIndex
		summary.Iterations = report.Records
		metrics.Iterations = len(report.Records)
		metrics.Succeeded, metrics.Failed = report.Counts()
	}
	summary.Metrics = metrics
	return summary
}
