// Package checks runs operator-configured verification commands, such as a
// test suite or linter, in the project after each completed session. Failed
// required checks are reported back to the agent in the next prompt.
package checks

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/entrhq/autocoder/pkg/executor/controller"
	"github.com/entrhq/autocoder/pkg/executor/session"
	"github.com/entrhq/autocoder/pkg/logging"
)

// DefaultTimeout bounds a check without its own timeout.
const DefaultTimeout = 5 * time.Minute

// maxOutput is how much of a failed check's output is kept.
const maxOutput = 4000

// Check is one verification command. Command is split on whitespace and run
// without a shell.
type Check struct {
	Name     string
	Command  string
	Required bool
	Timeout  time.Duration
}

// Error is returned when a check command fails.
type Error struct {
	Name    string
	Command string
	Output  string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("check '%s' failed: %v", e.Name, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Result is the outcome of one check.
type Result struct {
	Name     string        `json:"name"`
	Required bool          `json:"required"`
	Passed   bool          `json:"passed"`
	Error    string        `json:"error,omitempty"`
	Output   string        `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Results are the outcomes of one pass over every check.
type Results struct {
	Results []Result `json:"results"`
}

// AllPassed is true when every required check passed.
func (r *Results) AllPassed() bool {
	return len(r.Failed()) == 0
}

// Failed returns the required checks that failed.
func (r *Results) Failed() []Result {
	var failed []Result
	for _, res := range r.Results {
		if res.Required && !res.Passed {
			failed = append(failed, res)
		}
	}
	return failed
}

// Feedback is the message shown to the agent after failed required checks.
// It is empty when they all passed.
func (r *Results) Feedback() string {
	failed := r.Failed()
	if len(failed) == 0 {
		return ""
	}

	var msg strings.Builder
	msg.WriteString("The following checks failed after the previous session. Fix them before starting new work:\n\n")
	for _, res := range failed {
		fmt.Fprintf(&msg, "- %s: %s\n", res.Name, res.Error)
		if res.Output != "" {
			msg.WriteString("\n```\n")
			msg.WriteString(res.Output)
			msg.WriteString("\n```\n\n")
		}
	}
	return msg.String()
}

// Runner runs checks in a project directory.
type Runner struct {
	checks []Check
	dir    string
	log    *logging.Logger
}

// NewRunner returns a runner for checks in dir.
func NewRunner(checks []Check, dir string, log *logging.Logger) *Runner {
	return &Runner{checks: checks, dir: dir, log: log.With("checks")}
}

// Len returns the number of configured checks.
func (r *Runner) Len() int {
	return len(r.checks)
}

// RunAll runs every check in order, including after a failure.
func (r *Runner) RunAll(ctx context.Context) *Results {
	results := &Results{Results: make([]Result, 0, len(r.checks))}
	for _, c := range r.checks {
		start := time.Now()
		err := r.run(ctx, c)
		res := Result{Name: c.Name, Required: c.Required, Passed: err == nil, Duration: time.Since(start)}
		if err != nil {
			res.Error = err.Error()
			var checkErr *Error
			if errors.As(err, &checkErr) {
				res.Output = tail(checkErr.Output, maxOutput)
			}
			r.log.Warnf("check %s failed: %v", c.Name, err)
		} else {
			r.log.Debugf("check %s passed in %s", c.Name, res.Duration)
		}
		results.Results = append(results.Results, res)
	}
	return results
}

func (r *Runner) run(ctx context.Context, c Check) error {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	parts := strings.Fields(c.Command)
	if len(parts) == 0 {
		return fmt.Errorf("empty command")
	}
	cmd := exec.CommandContext(execCtx, parts[0], parts[1:]...)
	cmd.Dir = r.dir

	output, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s", timeout)
		}
		return &Error{Name: c.Name, Command: c.Command, Output: strings.TrimSpace(string(output)), Err: err}
	}
	return nil
}

// tail keeps the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

// Observer runs the checks after every completed session and keeps the
// feedback for the next prompt. A session that did not complete leaves the
// previous feedback in place.
type Observer struct {
	Runner *Runner
	// OnResults is called after every pass.
	OnResults func(controller.IterationRecord, *Results)

	mu       sync.Mutex
	feedback string
}

var _ controller.Observer = (*Observer)(nil)

func (o *Observer) IterationFinished(ctx context.Context, rec controller.IterationRecord, res session.Result) {
	if o.Runner == nil || o.Runner.Len() == 0 || res.Outcome != session.OutcomeCompleted {
		return
	}
	results := o.Runner.RunAll(ctx)

	o.mu.Lock()
	o.feedback = results.Feedback()
	o.mu.Unlock()

	if o.OnResults != nil {
		o.OnResults(rec, results)
	}
}

// Feedback returns the message from the most recent failed pass, or "".
func (o *Observer) Feedback() string {
	if o == nil {
		return ""
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.feedback
}
