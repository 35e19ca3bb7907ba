package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/entrhq/autocoder/pkg/config"
	"github.com/entrhq/autocoder/pkg/logging"
	"github.com/entrhq/autocoder/pkg/tracker"
)

// Test seams.
var (
	workerStagger = 2 * time.Second
	workerGrace   = time.Minute
)

func newParallelCmd() *cobra.Command {
	f := &runFlags{}
	var workers int
	cmd := &cobra.Command{
		Use:   "parallel",
		Short: "Run several workers that claim Linear issues concurrently",
		Long: `parallel starts one "autocoder run --worker worker-N" process per worker.
The project must already be initialized by a single run. Each worker claims
one issue per session, so no two workers implement the same issue.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd, f, true)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("workers") {
				cfg.Parallel.Workers = workers
				if err := cfg.Validate(true); err != nil {
					return err
				}
			}
			if _, err := tracker.LoadProject(cfg.ProjectDir); err != nil {
				return &config.Error{Field: "project-dir", Msg: "is not initialized; run autocoder run first", Err: err}
			}
			self, err := executable()
			if err != nil {
				return fmt.Errorf("cannot locate the autocoder executable: %w", err)
			}
			return runWorkers(cmd.Context(), cfg, self, forwardedFlags(cmd.Flags()), cmd.OutOrStdout())
		},
	}
	f.register(cmd)
	cmd.Flags().IntVar(&workers, "workers", config.Default().Parallel.Workers, "Number of workers (1-16)")
	return cmd
}

// forwardedFlags repeats the flags set on parallel for each worker. The
// project dir and metrics address are set per worker, so they are left out.
func forwardedFlags(fs *pflag.FlagSet) []string {
	var args []string
	fs.Visit(func(fl *pflag.Flag) {
		switch fl.Name {
		case "workers", "project-dir", "metrics-addr":
			return
		}
		args = append(args, fmt.Sprintf("--%s=%s", fl.Name, fl.Value.String()))
	})
	return args
}

// workerArgs builds the command line of worker n.
func workerArgs(cfg *config.Config, n int, forward []string) ([]string, error) {
	args := []string{"run", "--project-dir", cfg.ProjectDir, "--worker", workerName(n)}
	if cfg.Metrics.Addr != "" {
		addr, err := workerMetricsAddr(cfg.Metrics.Addr, n)
		if err != nil {
			return nil, err
		}
		args = append(args, "--metrics-addr", addr)
	}
	return append(args, forward...), nil
}

// workerMetricsAddr gives worker n the configured port plus n-1. Port 0 stays
// 0 so every worker picks a free port.
func workerMetricsAddr(addr string, n int) (string, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", &config.Error{Field: "metrics.addr", Msg: "is not host:port", Err: err}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", &config.Error{Field: "metrics.addr", Msg: "has a non-numeric port", Err: err}
	}
	if port != 0 {
		port += n - 1
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func workerName(n int) string {
	return fmt.Sprintf("worker-%d", n)
}

type workerSet struct {
	mu    sync.Mutex
	procs []*os.Process
}

func (s *workerSet) add(p *os.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs = append(s.procs, p)
}

func (s *workerSet) signal(sig os.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.procs {
		_ = p.Signal(sig)
	}
}

// runWorkers starts the workers a few seconds apart and waits for all of
// them. The first interrupt is forwarded so each worker finishes its session;
// the second aborts them.
func runWorkers(ctx context.Context, cfg *config.Config, self string, forward []string, out io.Writer) error {
	console := logging.NewConsole(out, logging.VerbosityNormal)
	console.Header("Autocoder Parallel")
	console.Infof("Project: %s", cfg.ProjectDir)
	console.Infof("Workers: %d", cfg.Parallel.Workers)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		set     workerSet
		stopped = make(chan struct{})
		once    sync.Once
	)
	stop := func() {
		once.Do(func() { close(stopped) })
		set.signal(os.Interrupt)
	}
	release := watchSignals(ctx, stop, cancel, console)
	defer release()

	var outMu sync.Mutex
	var g errgroup.Group
	started := 0

spawn:
	for n := 1; n <= cfg.Parallel.Workers; n++ {
		if n > 1 {
			select {
			case <-time.After(workerStagger):
			case <-stopped:
				break spawn
			case <-ctx.Done():
				break spawn
			}
		}

		name := workerName(n)
		args, err := workerArgs(cfg, n, forward)
		if err != nil {
			cancel()
			_ = g.Wait()
			return err
		}
		w := &prefixWriter{mu: &outMu, w: out, prefix: "[" + name + "] "}
		cmd := exec.CommandContext(ctx, self, args...)
		cmd.Stdout = w
		cmd.Stderr = w
		cmd.Cancel = func() error {
			return cmd.Process.Signal(os.Interrupt)
		}
		cmd.WaitDelay = workerGrace
		detach(cmd)

		if err := cmd.Start(); err != nil {
			cancel()
			_ = g.Wait()
			return fmt.Errorf("start %s: %w", name, err)
		}
		set.add(cmd.Process)
		started++
		console.Infof("Started %s (pid %d)", name, cmd.Process.Pid)

		g.Go(func() error {
			err := cmd.Wait()
			w.Flush()
			return workerExit(name, err)
		})
	}

	err := g.Wait()
	if err != nil {
		console.Errorf("%v", err)
	} else {
		console.Successf("All %d workers finished", started)
	}
	return err
}

// workerExit keeps a worker's exit status as the parallel exit status.
func workerExit(name string, err error) error {
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) && ee.ExitCode() > 0 {
		return &exitError{code: ee.ExitCode(), err: fmt.Errorf("%s exited with status %d", name, ee.ExitCode())}
	}
	return fmt.Errorf("%s: %w", name, err)
}

// prefixWriter writes whole lines to w, each starting with prefix. Writers
// sharing mu never interleave within a line.
type prefixWriter struct {
	mu     *sync.Mutex
	w      io.Writer
	prefix string
	buf    []byte
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf = append(p.buf, b...)
	for {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			break
		}
		if _, err := fmt.Fprintf(p.w, "%s%s", p.prefix, p.buf[:i+1]); err != nil {
			return 0, err
		}
		p.buf = p.buf[i+1:]
	}
	return len(b), nil
}

// Flush writes a trailing partial line.
func (p *prefixWriter) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) > 0 {
		fmt.Fprintf(p.w, "%s%s\n", p.prefix, p.buf)
		p.buf = nil
	}
}
