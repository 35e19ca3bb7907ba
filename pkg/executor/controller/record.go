package controller

import (
	"fmt"
	"time"

	"github.com/entrhq/autocoder/pkg/executor/session"
)

// State is the controller lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is the lifecycle status of one iteration.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether an iteration in status s is finished.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusStopped
}

// IterationRecord describes one pass of the loop. Records are never changed
// once terminal.
type IterationRecord struct {
	Index     int             `json:"index"`
	Status    Status          `json:"status"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at"`
	Note      string          `json:"note,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Outcome   session.Outcome `json:"outcome,omitempty"`

	// PromptTokens is the estimated prompt size sent to the agent.
	PromptTokens int `json:"prompt_tokens,omitempty"`
}

// Duration returns the wall-clock time of the iteration.
func (r IterationRecord) Duration() time.Duration {
	if r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// StatusFor maps a session outcome onto an iteration status and note.
func StatusFor(res session.Result) (Status, string) {
	switch res.Outcome {
	case session.OutcomeCompleted:
		return StatusSucceeded, ""
	case session.OutcomeBlocked:
		return StatusFailed, "blocked: " + res.Detail
	case session.OutcomeTimedOut:
		return StatusFailed, "timed out: " + res.Detail
	case session.OutcomeErrored:
		return StatusFailed, res.Detail
	default:
		return StatusFailed, fmt.Sprintf("unknown outcome %q: %s", res.Outcome, res.Detail)
	}
}

// StopReason explains why the loop stopped.
type StopReason string

const (
	StopMaxIterations     StopReason = "max_iterations"
	StopProjectComplete   StopReason = "project_complete"
	StopConsecutiveErrors StopReason = "consecutive_errors"
	StopRequested         StopReason = "stop_requested"
	StopNoWork            StopReason = "no_work"
	StopCancelled         StopReason = "cancelled"
	StopPersistence       StopReason = "persistence_error"
)

// Fatal reports whether the reason is a fatal abort.
func (r StopReason) Fatal() bool {
	return r == StopConsecutiveErrors || r == StopPersistence || r == StopCancelled
}

// Report summarizes a run.
type Report struct {
	StartIndex int               `json:"start_index"`
	Records    []IterationRecord `json:"records"`
	StopReason StopReason        `json:"stop_reason,omitempty"`
}

// Counts returns the number of succeeded and failed records.
func (r *Report) Counts() (succeeded, failed int) {
	for _, rec := range r.Records {
		switch rec.Status {
		case StatusSucceeded:
			succeeded++
		case StatusFailed:
			failed++
		}
	}
	return succeeded, failed
}
