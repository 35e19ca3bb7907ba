package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/entrhq/autocoder/pkg/config"
)

// Test seams.
var (
	loadDotEnv = config.LoadDotEnv
	getenv     = os.Getenv
)

// runFlags are shared by run and parallel.
type runFlags struct {
	projectDir    string
	configFile    string
	model         string
	maxIterations int
	yolo          bool
	ultraYolo     bool
	noPush        bool
	logLevel      string
	worker        string
	metricsAddr   string
}

func (f *runFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.projectDir, "project-dir", ".", "Project directory the agent works in")
	fs.StringVar(&f.configFile, "config", "", "YAML configuration file (default <project-dir>/autocoder.yaml)")
	fs.StringVar(&f.model, "model", config.DefaultModel, "Model used by the agent runtime")
	fs.IntVar(&f.maxIterations, "max-iterations", 0, "Stop after N iterations of this process (0 = unlimited)")
	fs.BoolVar(&f.yolo, "yolo", false, "Disable the command gate; only the runtime sandbox contains the agent")
	fs.BoolVar(&f.ultraYolo, "ultra-yolo", false, "Like --yolo, and also disable the runtime sandbox")
	fs.BoolVar(&f.noPush, "no-push", false, "Commit after each session but never push")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: DEBUG, INFO, WARNING or ERROR")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
}

// resolveConfig layers defaults, the config file, .env files, the environment
// and the flags that were set, then validates the result.
func resolveConfig(cmd *cobra.Command, f *runFlags, requireSecrets bool) (*config.Config, error) {
	projectDir, err := filepath.Abs(f.projectDir)
	if err != nil {
		return nil, &config.Error{Field: "project-dir", Msg: "cannot be resolved", Err: err}
	}

	var cfg *config.Config
	if f.configFile != "" {
		cfg, err = config.Load(f.configFile)
		if err == nil && (!cmd.Flags().Changed("project-dir") && cfg.ProjectDir != "." && cfg.ProjectDir != "") {
			projectDir, err = filepath.Abs(cfg.ProjectDir)
		}
	} else {
		cfg, err = config.LoadProject(projectDir)
	}
	if err != nil {
		return nil, err
	}
	cfg.ProjectDir = projectDir

	if _, err := loadDotEnv(".", projectDir); err != nil {
		return nil, err
	}
	cfg.ApplyEnv(getenv)

	flags := cmd.Flags()
	if flags.Changed("model") {
		cfg.Model = f.model
	}
	if flags.Changed("max-iterations") {
		cfg.MaxIterations = f.maxIterations
	}
	switch {
	case f.ultraYolo:
		cfg.Security.Mode = config.SecurityUltraYolo
	case f.yolo:
		cfg.Security.Mode = config.SecurityYolo
	}
	if f.noPush {
		cfg.Git.AutoPush = false
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.metricsAddr != "" {
		cfg.Metrics.Addr = f.metricsAddr
	}
	cfg.Worker = f.worker

	if err := cfg.Validate(requireSecrets); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.ProjectDir, 0755); err != nil {
		return nil, &config.Error{Field: "project-dir", Msg: fmt.Sprintf("cannot create %s", cfg.ProjectDir), Err: err}
	}
	return cfg, nil
}

// projectDirFlag registers only --project-dir, for the helper commands.
func projectDirFlag(cmd *cobra.Command, dir *string) {
	cmd.Flags().StringVar(dir, "project-dir", ".", "Project directory")
}
