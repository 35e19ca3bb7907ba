package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/autocoder/pkg/artifact"
	"github.com/entrhq/autocoder/pkg/config"
	"github.com/entrhq/autocoder/pkg/executor/controller"
	"github.com/entrhq/autocoder/pkg/executor/session"
	"github.com/entrhq/autocoder/pkg/progress"
	"github.com/entrhq/autocoder/pkg/tracker"
)

// stubEnvironment isolates the CLI from the host: env vars come from env,
// .env files are ignored and signals are never delivered.
func stubEnvironment(t *testing.T, env map[string]string) {
	t.Helper()
	stubTokens(t)
	origEnv, origDotEnv, origNotify := getenv, loadDotEnv, notifySignals
	getenv = func(k string) string { return env[k] }
	loadDotEnv = func(...string) ([]string, error) { return nil, nil }
	notifySignals = func(chan<- os.Signal) func() { return func() {} }
	t.Cleanup(func() {
		getenv, loadDotEnv, notifySignals = origEnv, origDotEnv, origNotify
	})
}

// stubTokens counts one token per four bytes so tests never load an encoding.
func stubTokens(t *testing.T) {
	t.Helper()
	orig := estimateTokens
	estimateTokens = func(s string) int { return (len(s) + 3) / 4 }
	t.Cleanup(func() { estimateTokens = orig })
}

var secrets = map[string]string{
	config.EnvOAuthToken:   "oauth-token",
	config.EnvLinearAPIKey: "lin_api_key",
}

type fakeRunner struct {
	mu       sync.Mutex
	requests []session.Request
	configs  []session.ClaudeConfig
	result   session.Result
}

func (f *fakeRunner) install(t *testing.T) {
	t.Helper()
	orig := newRunner
	newRunner = func(cfg session.ClaudeConfig) session.Runner {
		f.mu.Lock()
		f.configs = append(f.configs, cfg)
		f.mu.Unlock()
		return session.RunnerFunc(func(_ context.Context, req session.Request) session.Result {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.requests = append(f.requests, req)
			res := f.result
			res.SessionID = req.SessionID
			return res
		})
	}
	t.Cleanup(func() { newRunner = orig })
}

func writeProjectConfig(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.DefaultFileName), []byte(content), 0644))
}

const quietConfig = `
delay: -1s
git:
  auto_commit: false
  auto_push: false
linear:
  report_to_meta: false
`

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain", errors.New("boom"), 1},
		{"config", &config.Error{Field: "model", Msg: "is required"}, 2},
		{"wrapped config", fmt.Errorf("resolve: %w", &config.Error{Field: "x"}), 2},
		{"explicit", &exitError{code: 7, err: errors.New("worker")}, 7},
		{"abort", &controller.AbortError{Consecutive: 3}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestVersion(t *testing.T) {
	var out, errOut bytes.Buffer
	code := execute([]string{"version"}, strings.NewReader(""), &out, &errOut)

	assert.Equal(t, 0, code)
	assert.Equal(t, "autocoder v"+version+"\n", out.String())
	assert.Empty(t, errOut.String())
}

func TestRun_MissingSecrets(t *testing.T) {
	stubEnvironment(t, map[string]string{config.EnvLinearAPIKey: "lin"})
	runner := &fakeRunner{}
	runner.install(t)

	var out, errOut bytes.Buffer
	code := execute([]string{"run", "--project-dir", t.TempDir()}, strings.NewReader(""), &out, &errOut)

	assert.Equal(t, config.ExitCode, code)
	assert.Contains(t, errOut.String(), config.EnvOAuthToken)
	assert.Empty(t, runner.requests)
}

func TestRun_InvalidConfig(t *testing.T) {
	stubEnvironment(t, secrets)
	dir := t.TempDir()
	writeProjectConfig(t, dir, "parallel:\n  workers: 99\n")

	var out, errOut bytes.Buffer
	code := execute([]string{"run", "--project-dir", dir}, strings.NewReader(""), &out, &errOut)

	assert.Equal(t, config.ExitCode, code)
	assert.Contains(t, errOut.String(), "parallel.workers")
}

func TestRun_MaxIterations(t *testing.T) {
	stubEnvironment(t, secrets)
	runner := &fakeRunner{result: session.Result{Outcome: session.OutcomeCompleted, Detail: "set up the project", NumTurns: 4}}
	runner.install(t)

	dir := t.TempDir()
	writeProjectConfig(t, dir, quietConfig)

	var out, errOut bytes.Buffer
	code := execute([]string{"run", "--project-dir", dir, "--max-iterations", "2", "--model", "claude-sonnet-4-5"},
		strings.NewReader(""), &out, &errOut)
	require.Equal(t, 0, code, errOut.String())

	require.Len(t, runner.requests, 2)
	for _, req := range runner.requests {
		assert.Equal(t, "claude-sonnet-4-5", req.Model)
		assert.Equal(t, dir, req.ProjectDir)
		assert.NotEmpty(t, req.Prompt)
	}

	require.Len(t, runner.configs, 1)
	cfg := runner.configs[0]
	assert.Equal(t, "oauth-token", cfg.OAuthToken)
	assert.Equal(t, session.ModeStandard, cfg.Mode)
	assert.Contains(t, cfg.HookCommand, " hook --project-dir ")
	assert.Contains(t, cfg.HookCommand, " --mode standard --allow ")
	assert.Equal(t, []string{"mcp", "--project-dir", dir}, cfg.SelfCommand[1:])

	state, err := progress.NewFileStore(progress.PathFor(dir, "")).Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 1, state.LastIterationIndex)
	assert.Equal(t, string(controller.StatusSucceeded), string(state.LastStatus))

	data, err := os.ReadFile(filepath.Join(dir, ".autocoder", "artifacts", artifact.RunFileName))
	require.NoError(t, err)
	var summary artifact.RunSummary
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, controller.StopMaxIterations, summary.StopReason)
	assert.Equal(t, 2, summary.Metrics.Iterations)
	assert.Equal(t, 8, summary.Metrics.Turns)
	want := 0
	for _, req := range runner.requests {
		want += (len(req.Prompt) + 3) / 4
	}
	assert.Equal(t, want, summary.Metrics.PromptTokens)
	require.Len(t, summary.Iterations, 2)
	assert.Positive(t, summary.Iterations[0].PromptTokens)
	assert.FileExists(t, filepath.Join(dir, ".autocoder", "artifacts", artifact.SummaryFileName))

	assert.Contains(t, out.String(), "max_iterations")
}

func TestRun_ResumesFromProgress(t *testing.T) {
	stubEnvironment(t, secrets)
	runner := &fakeRunner{result: session.Result{Outcome: session.OutcomeCompleted, Detail: "ok"}}
	runner.install(t)

	dir := t.TempDir()
	writeProjectConfig(t, dir, quietConfig)
	args := []string{"run", "--project-dir", dir, "--max-iterations", "1"}

	var out, errOut bytes.Buffer
	require.Equal(t, 0, execute(args, strings.NewReader(""), &out, &errOut), errOut.String())
	require.Equal(t, 0, execute(args, strings.NewReader(""), &out, &errOut), errOut.String())

	state, err := progress.NewFileStore(progress.PathFor(dir, "")).Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, state.LastIterationIndex)
}

func TestRun_ProjectComplete(t *testing.T) {
	stubEnvironment(t, secrets)
	runner := &fakeRunner{result: session.Result{Outcome: session.OutcomeCompleted, Detail: "every issue is Done. ALL_TASKS_COMPLETE"}}
	runner.install(t)

	dir := t.TempDir()
	writeProjectConfig(t, dir, quietConfig)

	var out, errOut bytes.Buffer
	code := execute([]string{"run", "--project-dir", dir, "--yolo"}, strings.NewReader(""), &out, &errOut)

	require.Equal(t, 0, code, errOut.String())
	assert.Len(t, runner.requests, 1)
	assert.Equal(t, session.ModeYolo, runner.configs[0].Mode)
	assert.Contains(t, out.String(), string(controller.StopProjectComplete))
}

func TestRun_UltraYolo(t *testing.T) {
	stubEnvironment(t, secrets)
	runner := &fakeRunner{result: session.Result{Outcome: session.OutcomeCompleted, Detail: "ALL_TASKS_COMPLETE"}}
	runner.install(t)

	dir := t.TempDir()
	writeProjectConfig(t, dir, quietConfig)

	var out, errOut bytes.Buffer
	code := execute([]string{"run", "--project-dir", dir, "--ultra-yolo"}, strings.NewReader(""), &out, &errOut)

	require.Equal(t, 0, code, errOut.String())
	assert.Equal(t, session.ModeUltraYolo, runner.configs[0].Mode)
	assert.Contains(t, out.String(), "Security: ultra-yolo")
}

func TestRun_ConsecutiveErrors(t *testing.T) {
	stubEnvironment(t, secrets)
	runner := &fakeRunner{result: session.Result{Outcome: session.OutcomeErrored, Detail: "runtime crashed"}}
	runner.install(t)

	dir := t.TempDir()
	writeProjectConfig(t, dir, quietConfig+"max_consecutive_errors: 2\n")

	var out, errOut bytes.Buffer
	code := execute([]string{"run", "--project-dir", dir}, strings.NewReader(""), &out, &errOut)

	assert.Equal(t, 1, code)
	assert.Len(t, runner.requests, 2)
}

func TestRun_WorkerNeedsProject(t *testing.T) {
	stubEnvironment(t, secrets)
	runner := &fakeRunner{}
	runner.install(t)

	dir := t.TempDir()
	writeProjectConfig(t, dir, quietConfig)

	var out, errOut bytes.Buffer
	code := execute([]string{"run", "--project-dir", dir, "--worker", "worker-1"}, strings.NewReader(""), &out, &errOut)

	assert.Equal(t, config.ExitCode, code)
	assert.Empty(t, runner.requests)
}

func TestRun_ChecksFeedBack(t *testing.T) {
	if _, err := exec.LookPath("false"); err != nil {
		t.Skip("false not available")
	}
	stubEnvironment(t, secrets)
	runner := &fakeRunner{result: session.Result{Outcome: session.OutcomeCompleted, Detail: "ok"}}
	runner.install(t)

	dir := t.TempDir()
	writeProjectConfig(t, dir, quietConfig+"checks:\n  - name: unit-tests\n    command: \"false\"\n    required: true\n")
	require.NoError(t, os.WriteFile(tracker.ProjectPath(dir), []byte(`{"project_id":"p1"}`), 0644))

	var out, errOut bytes.Buffer
	code := execute([]string{"run", "--project-dir", dir, "--max-iterations", "2"}, strings.NewReader(""), &out, &errOut)
	require.Equal(t, 0, code, errOut.String())

	require.Len(t, runner.requests, 2)
	assert.NotContains(t, runner.requests[0].Prompt, "FAILED CHECKS")
	assert.Contains(t, runner.requests[1].Prompt, "FAILED CHECKS")
	assert.Contains(t, runner.requests[1].Prompt, "unit-tests")

	data, err := os.ReadFile(filepath.Join(dir, ".autocoder", "artifacts", artifact.RunFileName))
	require.NoError(t, err)
	var summary artifact.RunSummary
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, 2, summary.Metrics.CheckFailures)
}
