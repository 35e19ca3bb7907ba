package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/entrhq/autocoder/pkg/config"
	"github.com/entrhq/autocoder/pkg/logging"
	"github.com/entrhq/autocoder/pkg/mcpserver"
)

func newMCPCmd() *cobra.Command {
	var projectDir string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the autocoder MCP tools on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := filepath.Abs(projectDir)
			if err != nil {
				return err
			}
			cfg, err := config.LoadProject(dir)
			if err != nil {
				return err
			}
			level, err := logging.ParseLevel(cfg.Logging.Level)
			if err != nil {
				level = logging.LevelInfo
			}
			// stdout carries the protocol; logs go to files only.
			log, _ := logging.New(logging.Options{Dir: cfg.LogDir(), Component: "mcp", Level: level})
			defer log.Close()

			return mcpserver.Run(cmd.Context(), mcpserver.NewHandlers(dir, log), version)
		},
	}
	projectDirFlag(cmd, &projectDir)
	return cmd
}
