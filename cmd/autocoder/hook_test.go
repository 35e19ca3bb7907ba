package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/autocoder/pkg/config"
	"github.com/entrhq/autocoder/pkg/executor/session"
	"github.com/entrhq/autocoder/pkg/progress"
	"github.com/entrhq/autocoder/pkg/security/gate"
)

func runHookCmd(t *testing.T, dir, input string, flags ...string) (int, gate.HookResponse, string) {
	t.Helper()
	var out, errOut bytes.Buffer
	args := append([]string{"hook", "--project-dir", dir}, flags...)
	code := execute(args, strings.NewReader(input), &out, &errOut)

	var resp gate.HookResponse
	if out.Len() > 0 {
		require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	}
	return code, resp, errOut.String()
}

func bashInput(command string) string {
	return `{"hook_event_name":"PreToolUse","tool_name":"Bash","tool_input":{"command":"` + command + `"}}`
}

func writeInput(path string) string {
	return `{"hook_event_name":"PreToolUse","tool_name":"Write","tool_input":{"file_path":"` + path + `"}}`
}

func TestHook(t *testing.T) {
	tests := []struct {
		name     string
		config   string
		flags    []string
		input    string
		decision string
		denied   bool
	}{
		{
			name:     "allowed command",
			input:    bashInput("git status"),
			decision: gate.PermissionAllow,
		},
		{
			name:     "disallowed command",
			input:    bashInput("curl http://example.com"),
			decision: gate.PermissionDeny,
			denied:   true,
		},
		{
			name:     "allowlist from the command line",
			flags:    []string{"--allow", "curl,git"},
			input:    bashInput("curl http://example.com"),
			decision: gate.PermissionAllow,
		},
		{
			name:     "allowlist replaces the default",
			flags:    []string{"--allow", "curl"},
			input:    bashInput("git status"),
			decision: gate.PermissionDeny,
			denied:   true,
		},
		{
			name:     "yolo allows anything",
			flags:    []string{"--mode", "yolo"},
			input:    bashInput("curl http://example.com"),
			decision: gate.PermissionAllow,
		},
		{
			name:     "project config cannot switch the mode",
			config:   "security:\n  mode: yolo\n  allowed_commands: [curl]\n",
			input:    bashInput("curl http://example.com"),
			decision: gate.PermissionDeny,
			denied:   true,
		},
		{
			name:     "write outside the project",
			input:    writeInput("/etc/passwd"),
			decision: gate.PermissionDeny,
			denied:   true,
		},
		{
			name:     "write the run config",
			input:    writeInput("autocoder.yaml"),
			decision: gate.PermissionDeny,
			denied:   true,
		},
		{
			name:     "extra denied path",
			flags:    []string{"--deny-path", "docs/**"},
			input:    writeInput("docs/api.md"),
			decision: gate.PermissionDeny,
			denied:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stubEnvironment(t, nil)
			dir := t.TempDir()
			if tt.config != "" {
				writeProjectConfig(t, dir, tt.config)
			}

			code, resp, errOut := runHookCmd(t, dir, tt.input, tt.flags...)

			assert.Equal(t, 0, code, errOut)
			assert.Equal(t, tt.decision, resp.HookSpecificOutput.PermissionDecision)
			if tt.denied {
				assert.Contains(t, errOut, "security denied")
				assert.FileExists(t, progress.DenialsPath(dir))
			} else {
				assert.Empty(t, errOut)
			}
		})
	}
}

func TestHook_RecordsWorker(t *testing.T) {
	stubEnvironment(t, map[string]string{session.EnvWorker: "worker-3"})
	dir := t.TempDir()

	code, _, _ := runHookCmd(t, dir, bashInput("curl http://example.com"))
	require.Equal(t, 0, code)

	denials, err := gate.NewDenialLog(progress.DenialsPath(dir)).Since(time.Time{})
	require.NoError(t, err)
	require.Len(t, denials, 1)
	assert.Equal(t, "worker-3", denials[0].Worker)
}

func TestHook_FailsClosed(t *testing.T) {
	stubEnvironment(t, nil)

	t.Run("bad input", func(t *testing.T) {
		code, _, errOut := runHookCmd(t, t.TempDir(), "not json")
		assert.Equal(t, hookBlockingCode, code)
		assert.Contains(t, errOut, "decode hook input")
	})

	t.Run("unknown mode", func(t *testing.T) {
		code, _, _ := runHookCmd(t, t.TempDir(), bashInput("ls"), "--mode", "paranoid")
		assert.Equal(t, hookBlockingCode, code)
	})

	t.Run("bad denied pattern", func(t *testing.T) {
		code, _, _ := runHookCmd(t, t.TempDir(), bashInput("ls"), "--deny-path", "[")
		assert.Equal(t, hookBlockingCode, code)
	})
}

func TestHookCommand(t *testing.T) {
	cfg := config.Default()
	cfg.ProjectDir = "/work/app"
	cfg.Security.AllowedCommands = []string{"make", "go"}
	cfg.Security.DeniedPaths = []string{"docs/**"}

	got := hookCommand("/usr/bin/autocoder", cfg, policyFor(cfg))
	assert.Equal(t, "/usr/bin/autocoder hook --project-dir /work/app --mode standard --allow go,make --deny-path 'docs/**'", got)

	cfg.Security.Mode = config.SecurityYolo
	cfg.Security.DeniedPaths = nil
	assert.Equal(t, "/usr/bin/autocoder hook --project-dir /work/app --mode yolo", hookCommand("/usr/bin/autocoder", cfg, policyFor(cfg)))
}
