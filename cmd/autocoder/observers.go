package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/entrhq/autocoder/pkg/executor/controller"
	"github.com/entrhq/autocoder/pkg/executor/session"
	"github.com/entrhq/autocoder/pkg/logging"
	"github.com/entrhq/autocoder/pkg/tracker"
)

// consoleObserver prints one block per finished iteration.
type consoleObserver struct {
	console *logging.Console
}

func (o *consoleObserver) IterationFinished(_ context.Context, rec controller.IterationRecord, res session.Result) {
	o.console.Step(fmt.Sprintf("Iteration %d (%s)", rec.Index, rec.SessionID))
	switch rec.Status {
	case controller.StatusSucceeded:
		o.console.Successf("session completed in %s", rec.Duration().Round(time.Second))
	default:
		o.console.Warningf("session %s: %s", res.Outcome, firstLine(rec.Note, 200))
	}
	if res.Denials > 0 {
		o.console.Infof("%d commands refused by the security gate", res.Denials)
	}
	if rec.PromptTokens > 0 {
		o.console.Verbosef("prompt ~%d tokens", rec.PromptTokens)
	}
	if res.NumTurns > 0 {
		o.console.Verbosef("%d turns, $%.2f", res.NumTurns, res.CostUSD)
	}
}

// reportObserver posts a progress summary on the META issue after every
// iteration. The project marker is written by the first session, so the
// reporter is created once the marker shows up. Tracker failures are logged
// only.
type reportObserver struct {
	projectDir  string
	newReporter func(tracker.Project) *tracker.Reporter
	console     *logging.Console
	worker      string
	log         *logging.Logger

	mu       sync.Mutex
	reporter *tracker.Reporter
	sessions int
	errors   int
}

// connect returns the reporter, creating it when the marker exists.
func (o *reportObserver) connect() *tracker.Reporter {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.reporter != nil {
		return o.reporter
	}
	project, err := tracker.LoadProject(o.projectDir)
	if err != nil {
		if !errors.Is(err, tracker.ErrNoProject) {
			o.log.Warnf("cannot load the project marker: %v", err)
		}
		return nil
	}
	o.reporter = o.newReporter(*project)
	return o.reporter
}

func (o *reportObserver) IterationFinished(ctx context.Context, rec controller.IterationRecord, res session.Result) {
	o.mu.Lock()
	o.sessions++
	if rec.Status == controller.StatusFailed {
		o.errors++
	}
	m := tracker.SessionMetrics{Sessions: o.sessions, Errors: o.errors, Duration: res.Duration, Worker: o.worker}
	o.mu.Unlock()

	reporter := o.connect()
	if reporter == nil {
		return
	}
	summary, err := reporter.Report(ctx, m)
	if err != nil {
		o.log.Warnf("progress report failed: %v", err)
		return
	}
	p := summary.Progress
	o.console.Infof("progress: %d/%d done (%.1f%%), %s, %s",
		p.Completed, p.Total, p.Percentage, summary.Milestone.Name, summary.Health.Label())
}

func firstLine(s string, max int) string {
	for i, r := range s {
		if r == '\n' {
			s = s[:i]
			break
		}
	}
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
