package checks

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/autocoder/pkg/executor/controller"
	"github.com/entrhq/autocoder/pkg/executor/session"
)

func requireShellTools(t *testing.T) {
	t.Helper()
	for _, name := range []string{"true", "false", "ls", "sleep"} {
		if _, err := exec.LookPath(name); err != nil {
			t.Skipf("%s not available", name)
		}
	}
}

func TestRunner_RunAll(t *testing.T) {
	requireShellTools(t)

	tests := []struct {
		name       string
		checks     []Check
		wantPassed bool
		wantFailed int
	}{
		{name: "no checks", wantPassed: true},
		{
			name: "all pass",
			checks: []Check{
				{Name: "one", Command: "true", Required: true},
				{Name: "two", Command: "true"},
			},
			wantPassed: true,
		},
		{
			name: "required check fails",
			checks: []Check{
				{Name: "one", Command: "true"},
				{Name: "two", Command: "false", Required: true},
			},
			wantFailed: 1,
		},
		{
			name: "optional check fails",
			checks: []Check{
				{Name: "one", Command: "true", Required: true},
				{Name: "two", Command: "false"},
			},
			wantPassed: true,
		},
		{
			name:       "empty command",
			checks:     []Check{{Name: "blank", Command: "  ", Required: true}},
			wantFailed: 1,
		},
		{
			name:       "missing program",
			checks:     []Check{{Name: "nope", Command: "autocoder-no-such-program", Required: true}},
			wantFailed: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := NewRunner(tt.checks, t.TempDir(), nil).RunAll(context.Background())

			assert.Len(t, results.Results, len(tt.checks))
			assert.Equal(t, tt.wantPassed, results.AllPassed())
			assert.Len(t, results.Failed(), tt.wantFailed)
			if tt.wantPassed {
				assert.Empty(t, results.Feedback())
			} else {
				assert.NotEmpty(t, results.Feedback())
			}
		})
	}
}

func TestRunner_CapturesOutput(t *testing.T) {
	requireShellTools(t)

	results := NewRunner([]Check{{Name: "list", Command: "ls does-not-exist", Required: true}}, t.TempDir(), nil).
		RunAll(context.Background())

	failed := results.Failed()
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Output, "does-not-exist")
	assert.Contains(t, results.Feedback(), "- list: check 'list' failed")
	assert.Contains(t, results.Feedback(), "```")
}

func TestRunner_Timeout(t *testing.T) {
	requireShellTools(t)

	results := NewRunner([]Check{{Name: "slow", Command: "sleep 5", Required: true, Timeout: 50 * time.Millisecond}}, t.TempDir(), nil).
		RunAll(context.Background())

	failed := results.Failed()
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Error, "timed out")
}

func TestTail(t *testing.T) {
	assert.Equal(t, "abc", tail("abc", 5))
	assert.Equal(t, "...def", tail("abcdef", 3))
}

func TestObserver(t *testing.T) {
	requireShellTools(t)

	check := Check{Name: "tests", Command: "false", Required: true}
	var passes int
	o := &Observer{
		Runner:    NewRunner([]Check{check}, t.TempDir(), nil),
		OnResults: func(controller.IterationRecord, *Results) { passes++ },
	}
	ctx := context.Background()

	o.IterationFinished(ctx, controller.IterationRecord{Index: 0}, session.Result{Outcome: session.OutcomeErrored})
	assert.Empty(t, o.Feedback())
	assert.Zero(t, passes)

	o.IterationFinished(ctx, controller.IterationRecord{Index: 1}, session.Result{Outcome: session.OutcomeCompleted})
	assert.Contains(t, o.Feedback(), "tests")
	assert.Equal(t, 1, passes)

	// A failed session keeps the pending feedback.
	o.IterationFinished(ctx, controller.IterationRecord{Index: 2}, session.Result{Outcome: session.OutcomeTimedOut})
	assert.Contains(t, o.Feedback(), "tests")

	o.Runner = NewRunner([]Check{{Name: "tests", Command: "true", Required: true}}, t.TempDir(), nil)
	o.IterationFinished(ctx, controller.IterationRecord{Index: 3}, session.Result{Outcome: session.OutcomeCompleted})
	assert.Empty(t, o.Feedback())

	var nilObserver *Observer
	assert.Empty(t, nilObserver.Feedback())
}
