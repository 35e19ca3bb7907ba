package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/entrhq/autocoder/pkg/logging"
	"github.com/entrhq/autocoder/pkg/progress"
	"github.com/entrhq/autocoder/pkg/security/gate"
)

const (
	// DefaultBinary is the agent runtime executable.
	DefaultBinary = "claude"
	// DefaultMaxTurns bounds the agent's tool loop within one session.
	DefaultMaxTurns = 1000
	// interruptGrace is how long the runtime gets to exit after SIGINT.
	interruptGrace = 10 * time.Second

	// EnvWorker names the parallel worker in the runtime's environment and in
	// every hook process it starts.
	EnvWorker = "AUTOCODER_WORKER"
)

// DenialSource reports gate denials recorded since a point in time.
type DenialSource interface {
	Since(t time.Time) ([]gate.Denial, error)
}

// ClaudeConfig configures ClaudeRunner.
type ClaudeConfig struct {
	Binary   string
	Mode     SecurityMode
	MaxTurns int
	// OAuthToken is exported to the runtime as CLAUDE_CODE_OAUTH_TOKEN.
	OAuthToken   string
	LinearAPIKey string
	// HookCommand runs the gate for each gated tool call in standard mode.
	HookCommand string
	// SelfCommand starts the autocoder MCP server; empty disables it.
	SelfCommand []string
	Browser     bool
	// CompletionMarker is appended to the detail when the project-complete
	// signal file is found after a session.
	CompletionMarker string
	// Denials counts gate rejections per session; nil means none are counted.
	Denials DenialSource
	// Transcript receives the raw runtime stdout and stderr.
	Transcript io.Writer
	Logger     *logging.Logger
}

// claudeOutput is the final JSON document printed by `claude -p --output-format json`.
type claudeOutput struct {
	Type         string  `json:"type"`
	Subtype      string  `json:"subtype"`
	IsError      bool    `json:"is_error"`
	Result       string  `json:"result"`
	SessionID    string  `json:"session_id"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	NumTurns     int     `json:"num_turns"`
}

// ClaudeRunner runs sessions through the claude CLI.
type ClaudeRunner struct {
	cfg ClaudeConfig
	now func() time.Time
}

// NewClaudeRunner returns a runner with defaults applied.
func NewClaudeRunner(cfg ClaudeConfig) *ClaudeRunner {
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeStandard
	}
	if cfg.Transcript == nil {
		cfg.Transcript = io.Discard
	}
	return &ClaudeRunner{cfg: cfg, now: time.Now}
}

// RunSession runs one agent session to completion, timeout or failure.
func (r *ClaudeRunner) RunSession(ctx context.Context, req Request) Result {
	log := r.cfg.Logger.With("session")
	start := r.now()

	result := r.run(ctx, req, start)
	result.Duration = r.now().Sub(start)
	if result.SessionID == "" {
		result.SessionID = req.SessionID
	}

	log.Infof("session %s finished: outcome=%s turns=%d cost=$%.4f denials=%d duration=%s",
		req.SessionID, result.Outcome, result.NumTurns, result.CostUSD, result.Denials, result.Duration.Round(time.Second))
	return result
}

func (r *ClaudeRunner) run(ctx context.Context, req Request, start time.Time) Result {
	log := r.cfg.Logger.With("session")

	settings, err := BuildSettings(r.cfg.Mode, r.cfg.HookCommand)
	if err != nil {
		return Failed(OutcomeErrored, err)
	}
	settingsPath, err := WriteSettings(req.ProjectDir, settings)
	if err != nil {
		return Failed(OutcomeErrored, err)
	}

	mcpPath, err := WriteMCPConfig(BuildMCPConfig(MCPOptions{
		LinearAPIKey: r.cfg.LinearAPIKey,
		Browser:      r.cfg.Browser,
		SelfCommand:  r.cfg.SelfCommand,
	}))
	if err != nil {
		return Failed(OutcomeErrored, err)
	}
	defer os.Remove(mcpPath)

	args := r.buildArgs(req, settingsPath, mcpPath)

	sessionCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		sessionCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(sessionCtx, r.cfg.Binary, args...)
	cmd.Dir = req.ProjectDir
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Env = r.environ(req)
	cmd.Cancel = func() error {
		// Ask the runtime to wind down first; WaitDelay kills it if it does not.
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = interruptGrace
	isolateProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = io.MultiWriter(&stdout, r.cfg.Transcript)
	cmd.Stderr = io.MultiWriter(&stderr, r.cfg.Transcript)

	log.Infof("starting session %s (model=%s, mode=%s, timeout=%s, prompt=%d chars)",
		req.SessionID, req.Model, r.cfg.Mode, req.Timeout, len(req.Prompt))
	runErr := cmd.Run()

	// Timeout wins over whatever the killed process printed.
	if runErr != nil && errors.Is(sessionCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return Result{
			Outcome: OutcomeTimedOut,
			Detail:  fmt.Sprintf("session exceeded timeout of %s", req.Timeout),
			Denials: r.countDenials(start, "", req.Worker),
		}
	}
	if ctx.Err() != nil {
		return Failed(OutcomeErrored, fmt.Errorf("session cancelled: %w", ctx.Err()))
	}

	out, parseErr := parseOutput(stdout.Bytes())
	sessionID := ""
	if out != nil {
		sessionID = out.SessionID
	}
	denials := r.countDenials(start, sessionID, req.Worker)

	result := Result{Denials: denials, SessionID: sessionID}
	if out != nil {
		result.CostUSD = out.TotalCostUSD
		result.NumTurns = out.NumTurns
	}

	switch {
	case runErr == nil && out != nil && !out.IsError && (out.Subtype == "" || out.Subtype == "success"):
		result.Outcome = OutcomeCompleted
		result.Detail = out.Result
	case denials > 0:
		result.Outcome = OutcomeBlocked
		result.Detail = fmt.Sprintf("agent stopped after %d denied command(s): %s", denials, failureDetail(runErr, out, parseErr, stderr.String()))
	default:
		result.Outcome = OutcomeErrored
		result.Detail = (&Error{Outcome: OutcomeErrored, Err: errors.New(failureDetail(runErr, out, parseErr, stderr.String()))}).Error()
	}

	if marker, ok := r.consumeCompletion(req.ProjectDir); ok {
		result.Detail = strings.TrimSpace(result.Detail + "\n" + marker)
	}
	return result
}

func (r *ClaudeRunner) buildArgs(req Request, settingsPath, mcpPath string) []string {
	args := []string{"-p", "--output-format", "json"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args,
		"--settings", settingsPath,
		"--mcp-config", mcpPath,
		"--max-turns", strconv.Itoa(r.cfg.MaxTurns),
	)
	if r.cfg.Mode == ModeYolo || r.cfg.Mode == ModeUltraYolo {
		args = append(args, "--dangerously-skip-permissions")
	}
	return args
}

func (r *ClaudeRunner) environ(req Request) []string {
	env := os.Environ()
	if r.cfg.OAuthToken != "" {
		env = append(env, "CLAUDE_CODE_OAUTH_TOKEN="+r.cfg.OAuthToken)
	}
	env = append(env,
		"AUTOCODER_PROJECT_DIR="+req.ProjectDir,
		"AUTOCODER_SESSION_ID="+req.SessionID,
	)
	if req.Worker != "" {
		env = append(env, EnvWorker+"="+req.Worker)
	}
	return env
}

// countDenials counts the denials of this worker since start. Without a
// runtime session id every denial of the worker in the window counts.
func (r *ClaudeRunner) countDenials(start time.Time, sessionID, worker string) int {
	if r.cfg.Denials == nil {
		return 0
	}
	denials, err := r.cfg.Denials.Since(start)
	if err != nil {
		r.cfg.Logger.With("session").Warnf("failed to read denial log: %v", err)
	}
	count := 0
	for _, d := range denials {
		if d.Worker != worker {
			continue
		}
		if sessionID == "" || d.SessionID == "" || d.SessionID == sessionID {
			count++
		}
	}
	return count
}

// consumeCompletion reports and removes the project-complete signal file.
func (r *ClaudeRunner) consumeCompletion(projectDir string) (string, bool) {
	if r.cfg.CompletionMarker == "" {
		return "", false
	}
	path := progress.CompletionPath(projectDir)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	if err := os.Remove(path); err != nil {
		r.cfg.Logger.With("session").Warnf("failed to remove completion signal: %v", err)
	}
	return r.cfg.CompletionMarker, true
}

// parseOutput extracts the result document. The runtime prints a single JSON
// object, but stray lines before it are tolerated.
func parseOutput(stdout []byte) (*claudeOutput, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return nil, errors.New("runtime produced no output")
	}

	var out claudeOutput
	if err := json.Unmarshal(trimmed, &out); err == nil {
		return &out, nil
	}

	lines := bytes.Split(trimmed, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var candidate claudeOutput
		if err := json.Unmarshal(line, &candidate); err == nil && candidate.Type == "result" {
			return &candidate, nil
		}
	}
	return nil, fmt.Errorf("no result document in runtime output (%d bytes)", len(trimmed))
}

func failureDetail(runErr error, out *claudeOutput, parseErr error, stderr string) string {
	var parts []string
	if runErr != nil {
		parts = append(parts, runErr.Error())
	}
	if out != nil {
		if out.Subtype != "" && out.Subtype != "success" {
			parts = append(parts, "subtype "+out.Subtype)
		}
		if out.Result != "" {
			parts = append(parts, truncate(out.Result, 500))
		}
	} else if parseErr != nil {
		parts = append(parts, parseErr.Error())
	}
	if s := strings.TrimSpace(stderr); s != "" {
		parts = append(parts, "stderr: "+truncate(s, 500))
	}
	if len(parts) == 0 {
		return "runtime reported an error"
	}
	return strings.Join(parts, "; ")
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
