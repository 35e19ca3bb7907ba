package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/entrhq/autocoder/pkg/config"
	"github.com/entrhq/autocoder/pkg/logging"
	"github.com/entrhq/autocoder/pkg/progress"
	"github.com/entrhq/autocoder/pkg/tracker"
)

func newStatusCmd() *cobra.Command {
	var projectDir string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show saved progress and, once initialized, the Linear project status",
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
			if _, err := loadDotEnv(".", dir); err != nil {
				return err
			}
			cfg.ApplyEnv(getenv)
			return printStatus(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
	projectDirFlag(cmd, &projectDir)
	return cmd
}

type namedState struct {
	worker string
	state  *progress.State
}

// loadStates reads the single-run progress file and every worker's file.
func loadStates(ctx context.Context, projectDir string) ([]namedState, error) {
	paths, err := filepath.Glob(filepath.Join(projectDir, progress.DirName, "progress*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	var states []namedState
	for _, path := range paths {
		state, err := progress.NewFileStore(path).Load(ctx)
		if err != nil {
			return nil, err
		}
		if state != nil {
			states = append(states, namedState{worker: state.Worker, state: state})
		}
	}
	return states, nil
}

func printStatus(ctx context.Context, cfg *config.Config, out io.Writer) error {
	console := logging.NewConsole(out, logging.VerbosityNormal)
	console.Header("Autocoder Status")
	console.Infof("Project: %s", cfg.ProjectDir)

	states, err := loadStates(ctx, cfg.ProjectDir)
	if err != nil {
		return err
	}
	console.Section("Progress")
	sessions := 0
	if len(states) == 0 {
		console.Infof("No sessions have run yet")
	}
	for _, s := range states {
		name := "run"
		if s.worker != "" {
			name = s.worker
		}
		console.Infof("%s: iteration %d %s at %s (session %s, initialized=%t)",
			name, s.state.LastIterationIndex, s.state.LastStatus,
			s.state.Timestamp.Local().Format("2006-01-02 15:04:05"), s.state.SessionID, s.state.Initialized)
		sessions += s.state.LastIterationIndex + 1
	}

	project, err := tracker.LoadProject(cfg.ProjectDir)
	if err != nil {
		console.Infof("Linear project: not initialized")
		return nil
	}
	console.Section("Linear")
	console.Infof("Project: %s (%s)", project.ProjectName, project.ProjectID)
	if cfg.LinearAPIKey == "" {
		console.Warningf("%s is not set; skipping issue status", config.EnvLinearAPIKey)
		return nil
	}

	usage := tracker.NewUsage(nil)
	issues, err := tracker.NewCachedTracker(newTracker(cfg, usage, nil), cfg.ProjectDir, nil,
		tracker.WithListTTL(cfg.Linear.CacheTTL), tracker.WithUsage(usage)).ListIssues(ctx, project.ProjectID)
	if err != nil {
		return fmt.Errorf("list issues: %w", err)
	}
	var work []tracker.Issue
	for _, issue := range issues {
		if issue.ID != project.MetaIssueID {
			work = append(work, issue)
		}
	}

	p := tracker.CalculateProgress(work, sessions)
	milestone := tracker.CurrentMilestone(p.Percentage)
	health := tracker.DetermineHealth(p.Percentage, p.Velocity, 0)
	console.Infof("Issues: %d done, %d in progress, %d todo of %d (%.1f%%)", p.Completed, p.InProgress, p.Todo, p.Total, p.Percentage)
	console.Infof("Milestone: %s", milestone.Name)
	console.Infof("Health: %s", health.Label())
	console.Infof("Velocity: %.2f issues/session, ETA %s", p.Velocity, p.EstimatedCompletion)
	return nil
}
