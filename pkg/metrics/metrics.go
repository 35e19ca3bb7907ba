// Package metrics exposes loop and session metrics in the Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/entrhq/autocoder/pkg/executor/controller"
	"github.com/entrhq/autocoder/pkg/executor/session"
	"github.com/entrhq/autocoder/pkg/logging"
	"github.com/entrhq/autocoder/pkg/tracker"
)

const namespace = "autocoder"

// Metrics holds the collectors of one process. Each worker registers its own
// registry, labelled with the worker name.
type Metrics struct {
	registry *prometheus.Registry

	// iterations counts finished iterations.
	// Labels: status (succeeded, failed, stopped)
	iterations *prometheus.CounterVec

	// outcomes counts sessions by runtime outcome.
	// Labels: outcome (completed, blocked, errored, timed_out)
	outcomes *prometheus.CounterVec

	sessionDuration prometheus.Histogram
	denials         prometheus.Counter
	turns           prometheus.Counter
	costUSD         prometheus.Counter
	lastIteration   prometheus.Gauge

	// claims counts claim attempts.
	// Labels: result (claimed, conflict, no_work)
	claims *prometheus.CounterVec

	// checks counts post-session check runs.
	// Labels: check, result (passed, failed)
	checks *prometheus.CounterVec

	promptTokens prometheus.Histogram
}

// New creates and registers the collectors.
func New(worker string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var labels prometheus.Labels
	if worker != "" {
		labels = prometheus.Labels{"worker": worker}
	}
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		iterations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "iterations_total",
			Help:        "Finished loop iterations by status",
			ConstLabels: labels,
		}, []string{"status"}),
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "session",
			Name:        "outcomes_total",
			Help:        "Agent sessions by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		sessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "session",
			Name:        "duration_seconds",
			Help:        "Agent session wall-clock time in seconds",
			Buckets:     []float64{30, 60, 120, 300, 600, 900, 1800, 3600, 7200},
			ConstLabels: labels,
		}),
		denials: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "gate",
			Name:        "denials_total",
			Help:        "Commands and file writes refused by the security gate",
			ConstLabels: labels,
		}),
		turns: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "session",
			Name:        "turns_total",
			Help:        "Agent turns across sessions",
			ConstLabels: labels,
		}),
		costUSD: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "session",
			Name:        "cost_usd_total",
			Help:        "Reported agent cost in US dollars",
			ConstLabels: labels,
		}),
		lastIteration: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "last_iteration_index",
			Help:        "Index of the most recent finished iteration",
			ConstLabels: labels,
		}),
		claims: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "tracker",
			Name:        "claims_total",
			Help:        "Issue claim attempts by result",
			ConstLabels: labels,
		}, []string{"result"}),
		checks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "checks",
			Name:        "runs_total",
			Help:        "Post-session check runs by check and result",
			ConstLabels: labels,
		}, []string{"check", "result"}),
		promptTokens: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "session",
			Name:        "prompt_tokens",
			Help:        "Estimated prompt size per session in tokens",
			Buckets:     prometheus.ExponentialBuckets(500, 2, 8),
			ConstLabels: labels,
		}),
	}
}

var _ controller.Observer = (*Metrics)(nil)

// IterationFinished records the iteration and its session.
func (m *Metrics) IterationFinished(_ context.Context, rec controller.IterationRecord, res session.Result) {
	m.iterations.WithLabelValues(string(rec.Status)).Inc()
	m.lastIteration.Set(float64(rec.Index))
	if rec.PromptTokens > 0 {
		m.promptTokens.Observe(float64(rec.PromptTokens))
	}
	if res.Outcome == "" {
		return
	}
	m.outcomes.WithLabelValues(string(res.Outcome)).Inc()
	m.sessionDuration.Observe(res.Duration.Seconds())
	m.denials.Add(float64(res.Denials))
	m.turns.Add(float64(res.NumTurns))
	if res.CostUSD > 0 {
		m.costUSD.Add(res.CostUSD)
	}
}

// Claimed counts a successful claim.
func (m *Metrics) Claimed() {
	m.claims.WithLabelValues("claimed").Inc()
}

// ClaimConflict counts a claim lost to another worker. It fits
// tracker.ClaimConfig.OnConflict.
func (m *Metrics) ClaimConflict(*tracker.ClaimConflictError) {
	m.claims.WithLabelValues("conflict").Inc()
}

// NoWork counts a poll that found nothing to claim.
func (m *Metrics) NoWork() {
	m.claims.WithLabelValues("no_work").Inc()
}

// CheckRun counts one post-session check.
func (m *Metrics) CheckRun(name string, passed bool) {
	result := "failed"
	if passed {
		result = "passed"
	}
	m.checks.WithLabelValues(name, result).Inc()
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Server serves /metrics until its context is cancelled.
type Server struct {
	srv *http.Server
	ln  net.Listener
	log *logging.Logger
}

// Listen binds addr and returns a server ready to Serve.
func (m *Metrics) Listen(addr string, log *logging.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &Server{
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
		log: log.With("metrics"),
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve blocks until ctx is done, then shuts the server down.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Infof("serving metrics on http://%s/metrics", s.Addr())
		errCh <- s.srv.Serve(s.ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	}
}
