package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// SettingsFileName is written into the project directory before each session.
const SettingsFileName = ".claude_settings.json"

// SecurityMode selects how much the agent may do without the gate.
type SecurityMode string

const (
	// ModeStandard routes every Bash call and file write through the gate hook.
	ModeStandard SecurityMode = "standard"
	// ModeYolo allows any command; only the runtime sandbox contains the agent.
	ModeYolo SecurityMode = "yolo"
	// ModeUltraYolo allows any command with the runtime sandbox off.
	ModeUltraYolo SecurityMode = "ultra-yolo"
)

// Settings is the agent runtime settings document.
type Settings struct {
	Sandbox     SandboxSettings          `json:"sandbox"`
	Permissions PermissionSettings       `json:"permissions"`
	Hooks       map[string][]HookMatcher `json:"hooks,omitempty"`
}

// SandboxSettings enables the runtime's OS-level sandbox for Bash.
type SandboxSettings struct {
	Enabled                  bool `json:"enabled"`
	AutoAllowBashIfSandboxed bool `json:"autoAllowBashIfSandboxed"`
}

// PermissionSettings lists tool permission rules.
type PermissionSettings struct {
	DefaultMode string   `json:"defaultMode,omitempty"`
	Allow       []string `json:"allow"`
	Deny        []string `json:"deny,omitempty"`
}

// HookMatcher binds hook commands to tools matching a pattern.
type HookMatcher struct {
	Matcher string        `json:"matcher"`
	Hooks   []HookCommand `json:"hooks"`
}

// HookCommand is one external hook program.
type HookCommand struct {
	Type    string `json:"type"`
	Command string `json:"command"`
	Timeout int    `json:"timeout,omitempty"`
}

// gatedToolsMatcher covers every tool the gate hook inspects.
const gatedToolsMatcher = "Bash|Write|Edit|MultiEdit|NotebookEdit"

var fileToolRules = []string{
	"Read(./**)",
	"Write(./**)",
	"Edit(./**)",
	"Glob(./**)",
	"Grep(./**)",
}

var mcpToolRules = []string{
	"mcp__puppeteer__*",
	"mcp__linear__*",
	"mcp__autocoder__*",
}

// BuildSettings returns the settings for mode. hookCommand is the shell command
// that runs the gate hook; it is required in standard mode.
func BuildSettings(mode SecurityMode, hookCommand string) (Settings, error) {
	allow := append([]string{}, fileToolRules...)
	allow = append(allow, "Bash(*)")
	allow = append(allow, mcpToolRules...)

	switch mode {
	case ModeStandard, "":
		if hookCommand == "" {
			return Settings{}, fmt.Errorf("standard mode requires a hook command")
		}
		return Settings{
			Sandbox: SandboxSettings{Enabled: true, AutoAllowBashIfSandboxed: true},
			Permissions: PermissionSettings{
				DefaultMode: "acceptEdits",
				Allow:       allow,
				Deny:        []string{"Read(./.env)", "Read(./**/.env)"},
			},
			Hooks: map[string][]HookMatcher{
				"PreToolUse": {{
					Matcher: gatedToolsMatcher,
					Hooks:   []HookCommand{{Type: "command", Command: hookCommand, Timeout: 30}},
				}},
			},
		}, nil

	case ModeYolo:
		return Settings{
			Sandbox: SandboxSettings{Enabled: true, AutoAllowBashIfSandboxed: true},
			Permissions: PermissionSettings{
				DefaultMode: "bypassPermissions",
				Allow:       allow,
			},
		}, nil

	case ModeUltraYolo:
		return Settings{
			Sandbox: SandboxSettings{Enabled: false},
			Permissions: PermissionSettings{
				DefaultMode: "bypassPermissions",
				Allow:       allow,
			},
		}, nil

	default:
		return Settings{}, fmt.Errorf("unknown security mode %q", mode)
	}
}

// WriteSettings writes settings as indented JSON into projectDir and returns the path.
func WriteSettings(projectDir string, settings Settings) (string, error) {
	path := filepath.Join(projectDir, SettingsFileName)
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0600); err != nil {
		return "", fmt.Errorf("failed to write settings: %w", err)
	}
	return path, nil
}
