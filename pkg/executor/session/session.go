// Package session runs one bounded unit of agent work and reports how it ended.
package session

import (
	"context"
	"fmt"
	"time"
)

// Outcome is the terminal status of a session.
type Outcome string

const (
	// OutcomeCompleted means the agent finished its turn without error.
	OutcomeCompleted Outcome = "completed"
	// OutcomeBlocked means the agent gave up after the gate denied commands it needed.
	OutcomeBlocked Outcome = "blocked"
	// OutcomeErrored means the runtime failed or reported an error.
	OutcomeErrored Outcome = "errored"
	// OutcomeTimedOut means the session exceeded its wall-clock budget.
	OutcomeTimedOut Outcome = "timed_out"
)

// Request is everything a runner needs for one session.
type Request struct {
	// Prompt is sent to the agent as its task.
	Prompt     string
	ProjectDir string
	Model      string
	// Timeout bounds the session; zero means no limit.
	Timeout   time.Duration
	SessionID string
	// Worker names the parallel worker running the session, if any.
	Worker string
	// Issue is the tracker identifier bound to the session, if any.
	Issue string
	// PromptTokens is the estimated size of Prompt; zero when not measured.
	PromptTokens int
}

// Result describes how a session ended.
type Result struct {
	Outcome Outcome `json:"outcome"`
	// Detail is the agent's final message or the failure description.
	Detail    string        `json:"detail"`
	SessionID string        `json:"session_id,omitempty"`
	CostUSD   float64       `json:"cost_usd,omitempty"`
	NumTurns  int           `json:"num_turns,omitempty"`
	Denials   int           `json:"denials,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Runner executes sessions.
type Runner interface {
	RunSession(ctx context.Context, req Request) Result
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req Request) Result

// RunSession calls f.
func (f RunnerFunc) RunSession(ctx context.Context, req Request) Result {
	return f(ctx, req)
}

// Error is a runtime failure inside a session. It never escapes the controller;
// its text becomes the iteration note.
type Error struct {
	Outcome Outcome
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("session %s: %v", e.Outcome, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Failed builds a Result from a session error.
func Failed(outcome Outcome, err error) Result {
	se := &Error{Outcome: outcome, Err: err}
	return Result{Outcome: outcome, Detail: se.Error()}
}

// NewID returns a session identifier of the form session_YYYYmmdd_HHMMSS_mmm.
func NewID(t time.Time) string {
	return fmt.Sprintf("session_%s_%03d", t.Format("20060102_150405"), t.Nanosecond()/int(time.Millisecond))
}
