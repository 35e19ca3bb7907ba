package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/entrhq/autocoder/pkg/artifact"
	"github.com/entrhq/autocoder/pkg/checks"
	"github.com/entrhq/autocoder/pkg/config"
	"github.com/entrhq/autocoder/pkg/executor/controller"
	"github.com/entrhq/autocoder/pkg/executor/session"
	"github.com/entrhq/autocoder/pkg/gitops"
	"github.com/entrhq/autocoder/pkg/logging"
	"github.com/entrhq/autocoder/pkg/metrics"
	"github.com/entrhq/autocoder/pkg/progress"
	"github.com/entrhq/autocoder/pkg/prompts"
	"github.com/entrhq/autocoder/pkg/security/gate"
	"github.com/entrhq/autocoder/pkg/tracker"
	"github.com/entrhq/autocoder/pkg/tracker/linear"
)

// Test seams.
var (
	newRunner = func(cfg session.ClaudeConfig) session.Runner {
		return session.NewClaudeRunner(cfg)
	}
	newTracker = func(cfg *config.Config, usage *tracker.Usage, log *logging.Logger) tracker.Tracker {
		opts := []linear.Option{linear.WithUsage(usage), linear.WithLogger(log)}
		if cfg.Linear.APIURL != "" {
			opts = append(opts, linear.WithBaseURL(cfg.Linear.APIURL))
		}
		return linear.NewClient(cfg.LinearAPIKey, opts...)
	}
	executable    = os.Executable
	notifySignals = func(ch chan<- os.Signal) func() {
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		return func() { signal.Stop(ch) }
	}
)

func newRunCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run agent sessions until the project is complete",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd, f, true)
			if err != nil {
				return err
			}
			return runLoop(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&f.worker, "worker", "", "Run as a parallel worker that claims Linear issues")
	return cmd
}

// policyFor builds the command policy for the configured security mode.
func policyFor(cfg *config.Config) *gate.Policy {
	return policyForMode(cfg.Security.Mode, cfg.Security.AllowedCommands)
}

func policyForMode(mode config.SecurityMode, allowed []string) *gate.Policy {
	switch {
	case mode.Unrestricted():
		return gate.UnrestrictedPolicy()
	case len(allowed) > 0:
		return gate.NewPolicy(allowed...)
	default:
		return gate.DefaultPolicy()
	}
}

// runLoop runs one controller to its end and writes the run artifacts.
//
//nolint:gocyclo
func runLoop(ctx context.Context, cfg *config.Config, out io.Writer) error {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return &config.Error{Field: "logging.level", Msg: err.Error()}
	}
	log, logErr := logging.New(logging.Options{Dir: cfg.LogDir(), Component: "autocoder", Level: level})
	defer log.Close()
	console := logging.NewConsole(out, logging.VerbosityFor(level))
	if logErr != nil {
		console.Warningf("file logging unavailable, using stderr: %v", logErr)
	}
	startTime := time.Now()

	console.Header("Autocoder")
	console.Infof("Project: %s", cfg.ProjectDir)
	console.Infof("Model: %s", cfg.Model)
	console.Infof("Security: %s", cfg.Security.Mode)
	if cfg.Worker != "" {
		console.Infof("Worker: %s", cfg.Worker)
	}
	if cfg.MaxIterations > 0 {
		console.Infof("Max iterations: %d", cfg.MaxIterations)
	}
	log.Infof("run %s: project=%s model=%s mode=%s worker=%q", log.RunID(), cfg.ProjectDir, cfg.Model, cfg.Security.Mode, cfg.Worker)

	self, err := executable()
	if err != nil {
		return fmt.Errorf("cannot locate the autocoder executable: %w", err)
	}
	transcript := openTranscript(cfg, log)
	defer transcript.Close()

	policy := policyFor(cfg)
	runner := newRunner(session.ClaudeConfig{
		Binary:           cfg.Runtime.Binary,
		Mode:             session.SecurityMode(cfg.Security.Mode),
		MaxTurns:         cfg.Runtime.MaxTurns,
		OAuthToken:       cfg.OAuthToken,
		LinearAPIKey:     cfg.LinearAPIKey,
		HookCommand:      hookCommand(self, cfg, policy),
		SelfCommand:      []string{self, "mcp", "--project-dir", cfg.ProjectDir},
		Browser:          cfg.Runtime.Browser,
		CompletionMarker: cfg.CompletionMarker,
		Denials:          gate.NewDenialLog(progress.DenialsPath(cfg.ProjectDir)),
		Transcript:       transcript,
		Logger:           log,
	})

	usage := tracker.NewUsage(log)
	issues := tracker.NewCachedTracker(newTracker(cfg, usage, log), cfg.ProjectDir, log,
		tracker.WithListTTL(cfg.Linear.CacheTTL), tracker.WithUsage(usage))
	m := metrics.New(cfg.Worker)
	collector := &artifact.Collector{}
	library := prompts.NewLibrary(cfg.ProjectDir, log)
	data := prompts.Data{
		ProjectDir:       cfg.ProjectDir,
		Worker:           cfg.Worker,
		CompletionMarker: cfg.CompletionMarker,
		AllowedCommands:  policy.Names(),
	}

	opts := []controller.Option{
		controller.WithLogger(log),
		controller.WithObserver(&consoleObserver{console: console}),
		controller.WithObserver(collector),
		controller.WithObserver(m),
	}

	// Checks run before the builders see the next iteration.
	var checkObserver *checks.Observer
	if len(cfg.Checks) > 0 {
		list := make([]checks.Check, 0, len(cfg.Checks))
		for _, c := range cfg.Checks {
			list = append(list, checks.Check{Name: c.Name, Command: c.Command, Required: c.Required, Timeout: c.Timeout})
		}
		checkObserver = &checks.Observer{Runner: checks.NewRunner(list, cfg.ProjectDir, log)}
		checkObserver.OnResults = func(_ controller.IterationRecord, results *checks.Results) {
			for _, r := range results.Results {
				m.CheckRun(r.Name, r.Passed)
			}
			if !results.AllPassed() {
				collector.AddCheckFailure()
				console.Warningf("%d required checks failed; the next session is asked to fix them", len(results.Failed()))
			}
		}
		opts = append(opts, controller.WithObserver(checkObserver))
	}

	if cfg.Worker != "" {
		project, err := tracker.LoadProject(cfg.ProjectDir)
		if err != nil {
			return &config.Error{Field: "worker", Msg: "needs an initialized project; run without --worker first", Err: err}
		}
		claims := tracker.NewClaimer(issues, tracker.ClaimConfig{
			ProjectID:  project.ProjectID,
			TeamID:     project.TeamID,
			Worker:     cfg.Worker,
			Skip:       []string{project.MetaIssueID},
			Retries:    cfg.Linear.ClaimRetries,
			Backoff:    cfg.Linear.ClaimBackoff,
			OnConflict: m.ClaimConflict,
			Logger:     log,
		})
		wb := &workerBuilder{
			claims:   claims,
			library:  library,
			data:     data,
			log:      log,
			onClaim:  m.Claimed,
			onNoWork: m.NoWork,
			feedback: checkObserver.Feedback,
		}
		opts = append(opts, controller.WithRequestBuilder(wb), controller.WithObserver(wb))
	} else {
		opts = append(opts, controller.WithRequestBuilder(&projectBuilder{
			library:    library,
			data:       data,
			projectDir: cfg.ProjectDir,
			log:        log,
			feedback:   checkObserver.Feedback,
		}))
	}

	if cfg.Git.AutoCommit {
		gm := gitops.NewManager(cfg.ProjectDir, gitops.Config{
			AutoPush:    cfg.Git.AutoPush,
			Remote:      cfg.Git.Remote,
			AuthorName:  cfg.Git.AuthorName,
			AuthorEmail: cfg.Git.AuthorEmail,
		}, log)
		opts = append(opts, controller.WithObserver(&gitops.Observer{
			Manager: gm,
			Message: cfg.Git.CommitMessage,
			OnSync: func(_ controller.IterationRecord, r gitops.SyncResult) {
				if r.Committed {
					collector.AddCommit()
				}
			},
		}))
	}

	// Parallel workers share one META issue; only a single run reports to it.
	if cfg.Linear.ReportToMeta && cfg.Worker == "" {
		reports := &reportObserver{
			projectDir: cfg.ProjectDir,
			newReporter: func(p tracker.Project) *tracker.Reporter {
				return tracker.NewReporter(issues, p, usage, log)
			},
			console: console,
			log:     log,
		}
		if r := reports.connect(); r != nil {
			if err := r.Baseline(ctx); err != nil {
				log.Warnf("progress baseline failed: %v", err)
			}
		}
		opts = append(opts, controller.WithObserver(reports))
	}

	store := progress.NewFileStore(progress.PathFor(cfg.ProjectDir, cfg.Worker))
	ctrl := controller.New(controller.Config{
		ProjectDir:           cfg.ProjectDir,
		Model:                cfg.Model,
		Worker:               cfg.Worker,
		MaxIterations:        cfg.MaxIterations,
		MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
		CompletionMarker:     cfg.CompletionMarker,
		SessionTimeout:       cfg.SessionTimeout,
		Delay:                cfg.Delay,
	}, runner, store, opts...)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Metrics.Addr != "" {
		srv, err := m.Listen(cfg.Metrics.Addr, log)
		if err != nil {
			return fmt.Errorf("failed to start metrics endpoint: %w", err)
		}
		go func() {
			if err := srv.Serve(runCtx); err != nil {
				log.Warnf("metrics endpoint stopped: %v", err)
			}
		}()
		console.Infof("Metrics: http://%s/metrics", srv.Addr())
	}

	release := watchSignals(runCtx, ctrl.RequestStop, cancel, console)
	defer release()

	report, runErr := ctrl.Run(runCtx)

	if cfg.Artifacts.Enabled {
		dir := cfg.ArtifactDir()
		if cfg.Worker != "" {
			dir = filepath.Join(dir, cfg.Worker)
		}
		summary := collector.Summary(artifact.Run{
			RunID:      log.RunID(),
			ProjectDir: cfg.ProjectDir,
			Worker:     cfg.Worker,
			Model:      cfg.Model,
			StartTime:  startTime,
		}, report, runErr, time.Now())
		if err := artifact.NewWriter(dir).WriteAll(summary); err != nil {
			log.Warnf("failed to write artifacts: %v", err)
		}
	}

	printSummary(console, cfg, log, report, runErr)
	if runErr != nil {
		log.Errorf("run failed: %v", runErr)
	}
	return runErr
}

func printSummary(console *logging.Console, cfg *config.Config, log *logging.Logger, report *controller.Report, runErr error) {
	succeeded, failed := report.Counts()
	status := "stopped"
	switch {
	case runErr != nil || report.StopReason.Fatal():
		status = "aborted"
	case report.StopReason == controller.StopProjectComplete || report.StopReason == controller.StopNoWork:
		status = "completed"
	}

	fields := []logging.Field{
		{Key: "Stop reason", Value: string(report.StopReason)},
		{Key: "Iterations", Value: fmt.Sprintf("%d (%d succeeded, %d failed)", len(report.Records), succeeded, failed)},
	}
	if path := log.LogPath(); path != "" {
		fields = append(fields, logging.Field{Key: "Log", Value: path})
	}
	if cfg.Artifacts.Enabled {
		fields = append(fields, logging.Field{Key: "Artifacts", Value: cfg.ArtifactDir()})
	}
	var abort *controller.AbortError
	if errors.As(runErr, &abort) {
		fields = append(fields, logging.Field{Key: "Error", Value: abort.Error()})
	}
	console.Summary(status, fields)
}

// watchSignals turns the first interrupt into a boundary stop and the second
// into cancellation. The returned func stops watching.
func watchSignals(ctx context.Context, stop func(), cancel context.CancelFunc, console *logging.Console) func() {
	ch := make(chan os.Signal, 2)
	release := notifySignals(ch)
	go handleSignals(ctx, ch, stop, cancel, console)
	return release
}

func handleSignals(ctx context.Context, ch <-chan os.Signal, stop func(), cancel context.CancelFunc, console *logging.Console) {
	select {
	case <-ch:
	case <-ctx.Done():
		return
	}
	console.Warningf("Stop requested: finishing the current session (interrupt again to abort)")
	stop()

	select {
	case <-ch:
	case <-ctx.Done():
		return
	}
	console.Errorf("Aborting the current session")
	cancel()
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// openTranscript opens the raw runtime output log next to the run log.
func openTranscript(cfg *config.Config, log *logging.Logger) io.WriteCloser {
	if log.RunID() == "" || log.LogPath() == "" {
		return nopWriteCloser{io.Discard}
	}
	path := filepath.Join(cfg.LogDir(), log.RunID()+".transcript.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		log.Warnf("transcript disabled: %v", err)
		return nopWriteCloser{io.Discard}
	}
	return f
}

// shellQuote quotes s for the hook command line.
func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`;&|<>()*?[]{}~!#") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
