// Command autocoder drives an autonomous coding agent through repeated,
// fresh-context sessions until the project is done or a bound is hit.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/entrhq/autocoder/pkg/config"
)

var version = "0.1.0"

func main() {
	os.Exit(execute(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// execute runs the CLI and returns the process exit code.
func execute(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	root := newRootCmd()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "autocoder",
		Short: "Run an autonomous coding agent in a fresh-context loop",
		Long: `autocoder runs the claude agent runtime against a project directory,
one fresh session at a time. The first session plans the work as Linear
issues; later sessions implement them until every issue is done.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRunCmd(),
		newParallelCmd(),
		newStatusCmd(),
		newHookCmd(),
		newMCPCmd(),
		newVersionCmd(),
	)
	return root
}

// exitError carries an explicit exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// exitCode maps an error onto the process exit status: 0 clean stop,
// 2 configuration error, 1 anything else.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exitError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	var cfgErr *config.Error
	if errors.As(err, &cfgErr) {
		return config.ExitCode
	}
	return 1
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "autocoder v%s\n", version)
		},
	}
}
