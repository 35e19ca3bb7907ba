package main

import (
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/entrhq/autocoder/pkg/config"
	"github.com/entrhq/autocoder/pkg/executor/session"
	"github.com/entrhq/autocoder/pkg/progress"
	"github.com/entrhq/autocoder/pkg/security/gate"
)

// hookBlockingCode makes the runtime refuse the tool call and show stderr to
// the agent.
const hookBlockingCode = 2

// hookOptions is the gate configuration frozen by 'autocoder run'. The hook
// never reads it back from the project directory.
type hookOptions struct {
	projectDir  string
	mode        string
	allow       []string
	deniedPaths []string
}

func newHookCmd() *cobra.Command {
	var opts hookOptions
	cmd := &cobra.Command{
		Use:   "hook",
		Short: "PreToolUse hook: check one tool call against the security gate",
		Long: `hook reads a PreToolUse request from stdin and writes the permission
decision to stdout. It is installed in the runtime settings by 'autocoder run',
which passes the security mode, allowlist and denied paths on the command line.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHook(cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), opts)
		},
	}
	projectDirFlag(cmd, &opts.projectDir)
	fs := cmd.Flags()
	fs.StringVar(&opts.mode, "mode", string(config.SecurityStandard), "Security mode: standard, yolo or ultra-yolo")
	fs.StringSliceVar(&opts.allow, "allow", nil, "Allowed program names (default built-in allowlist)")
	fs.StringArrayVar(&opts.deniedPaths, "deny-path", nil, "Extra glob the file tools may not write (repeatable)")
	return cmd
}

// hookCommand renders the hook invocation for the runtime settings. The
// policy is spelled out so that later edits to autocoder.yaml cannot widen it.
func hookCommand(self string, cfg *config.Config, policy *gate.Policy) string {
	args := []string{
		shellQuote(self), "hook",
		"--project-dir", shellQuote(cfg.ProjectDir),
		"--mode", shellQuote(string(cfg.Security.Mode)),
	}
	if names := policy.Names(); len(names) > 0 {
		args = append(args, "--allow", shellQuote(strings.Join(names, ",")))
	}
	for _, p := range cfg.Security.DeniedPaths {
		args = append(args, "--deny-path", shellQuote(p))
	}
	return strings.Join(args, " ")
}

// runHook fails closed: any error blocks the tool call.
func runHook(in io.Reader, out, errOut io.Writer, opts hookOptions) error {
	dir, err := filepath.Abs(opts.projectDir)
	if err != nil {
		return &exitError{code: hookBlockingCode, err: err}
	}
	mode := config.SecurityMode(opts.mode)
	if !mode.Valid() {
		return &exitError{code: hookBlockingCode, err: &config.Error{Field: "mode", Msg: fmt.Sprintf("unknown security mode %q", opts.mode)}}
	}
	input, err := gate.ParseHookInput(in)
	if err != nil {
		return &exitError{code: hookBlockingCode, err: err}
	}

	denied := append(slices.Clone(gate.DefaultDeniedPaths), opts.deniedPaths...)
	paths, err := gate.NewPathGuard(dir, nil, denied)
	if err != nil {
		return &exitError{code: hookBlockingCode, err: err}
	}

	hook := &gate.Hook{
		Policy:  policyForMode(mode, opts.allow),
		Paths:   paths,
		Denials: gate.NewDenialLog(progress.DenialsPath(dir)),
		Worker:  getenv(session.EnvWorker),
	}
	resp, deniedErr := hook.Evaluate(input)
	if deniedErr != nil {
		fmt.Fprintln(errOut, deniedErr.Error())
	}
	return gate.WriteHookResponse(out, resp)
}
