// Package controller drives the outer loop of an autonomous coding run: one
// agent session per iteration, progress saved after each, until a stopping
// condition holds.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/entrhq/autocoder/pkg/executor/session"
	"github.com/entrhq/autocoder/pkg/logging"
	"github.com/entrhq/autocoder/pkg/progress"
)

const (
	// DefaultMaxConsecutiveErrors is how many Errored sessions in a row abort the run.
	DefaultMaxConsecutiveErrors = 3
	// DefaultCompletionMarker in a completed session's detail ends the run.
	DefaultCompletionMarker = "ALL_TASKS_COMPLETE"
	// DefaultDelay is the pause between sessions.
	DefaultDelay = 3 * time.Second
)

// Config bounds and parameterizes a run.
type Config struct {
	ProjectDir string
	Model      string
	Worker     string
	// MaxIterations caps iterations run by this controller; zero is unbounded.
	MaxIterations        int
	MaxConsecutiveErrors int
	CompletionMarker     string
	SessionTimeout       time.Duration
	// Delay is the pause between sessions. Negative disables it.
	Delay time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if c.CompletionMarker == "" {
		c.CompletionMarker = DefaultCompletionMarker
	}
	if c.Delay == 0 {
		c.Delay = DefaultDelay
	}
	return c
}

// Iteration is passed to a RequestBuilder before each session.
type Iteration struct {
	Index     int
	SessionID string
	// Progress is the last saved state, nil on a fresh project.
	Progress *progress.State
}

// RequestBuilder prepares the session request for an iteration. Returning an
// error wrapping ErrNoWork stops the run cleanly.
type RequestBuilder interface {
	BuildRequest(ctx context.Context, it Iteration) (session.Request, error)
}

// RequestBuilderFunc adapts a function to RequestBuilder.
type RequestBuilderFunc func(ctx context.Context, it Iteration) (session.Request, error)

// BuildRequest calls f.
func (f RequestBuilderFunc) BuildRequest(ctx context.Context, it Iteration) (session.Request, error) {
	return f(ctx, it)
}

// Observer is notified after each iteration has been recorded and saved.
type Observer interface {
	IterationFinished(ctx context.Context, rec IterationRecord, res session.Result)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, rec IterationRecord, res session.Result)

// IterationFinished calls f.
func (f ObserverFunc) IterationFinished(ctx context.Context, rec IterationRecord, res session.Result) {
	f(ctx, rec, res)
}

// Option configures a Controller.
type Option func(*Controller)

// WithRequestBuilder sets how session requests are prepared.
func WithRequestBuilder(b RequestBuilder) Option {
	return func(c *Controller) {
		c.builder = b
	}
}

// WithObserver adds an observer. Observers run in registration order.
func WithObserver(o Observer) Option {
	return func(c *Controller) {
		c.observers = append(c.observers, o)
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) {
		c.log = l.With("controller")
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// Controller runs sessions one at a time. Step and Run must not be called
// concurrently; RequestStop, State, Current and Records are safe from any goroutine.
type Controller struct {
	cfg       Config
	runner    session.Runner
	store     progress.Store
	builder   RequestBuilder
	observers []Observer
	log       *logging.Logger
	now       func() time.Time

	mu          sync.Mutex
	state       State
	startIndex  int
	next        int
	ran         int
	consecutive int
	records     []IterationRecord
	current     *IterationRecord
	progress    *progress.State
	stopReason  StopReason

	stopRequested atomic.Bool
	stopOnce      sync.Once
	stopCh        chan struct{}
}

// New returns an idle controller.
func New(cfg Config, runner session.Runner, store progress.Store, opts ...Option) *Controller {
	c := &Controller{
		cfg:    cfg.withDefaults(),
		runner: runner,
		store:  store,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.builder == nil {
		c.builder = RequestBuilderFunc(func(context.Context, Iteration) (session.Request, error) {
			return session.Request{}, nil
		})
	}
	return c
}

// Start loads saved progress and moves the controller to Running. A run
// resumes at the iteration after the last one saved.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateIdle {
		return fmt.Errorf("controller already %s", c.state)
	}

	saved, err := c.store.Load(ctx)
	if err != nil {
		c.state = StateStopped
		c.stopReason = StopPersistence
		return err
	}

	c.progress = saved
	if saved != nil {
		c.next = saved.LastIterationIndex + 1
		c.log.Infof("resuming at iteration %d (last status %s at %s)",
			c.next, saved.LastStatus, saved.Timestamp.Format(time.RFC3339))
	} else {
		c.log.Infof("no saved progress, starting at iteration 0")
	}
	c.startIndex = c.next
	c.state = StateRunning
	return nil
}

// Step runs one iteration. It returns true while the loop should continue.
// A non-nil error is fatal; the controller is Stopped afterwards.
func (c *Controller) Step(ctx context.Context) (bool, error) {
	switch c.State() {
	case StateIdle:
		return false, ErrNotStarted
	case StateStopped:
		return false, nil
	}

	if c.stopRequested.Load() {
		c.stop(StopRequested)
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		c.stop(StopCancelled)
		return false, err
	}

	c.mu.Lock()
	index := c.next
	var saved *progress.State
	if c.progress != nil {
		copied := *c.progress
		saved = &copied
	}
	c.mu.Unlock()

	sessionID := session.NewID(c.now())
	rec := IterationRecord{Index: index, Status: StatusPending, SessionID: sessionID}
	c.setCurrent(&rec)
	defer c.setCurrent(nil)

	req, buildErr := c.builder.BuildRequest(ctx, Iteration{Index: index, SessionID: sessionID, Progress: saved})
	if errors.Is(buildErr, ErrNoWork) {
		c.log.Infof("no work left: %v", buildErr)
		c.stop(StopNoWork)
		return false, nil
	}

	rec.Status = StatusRunning
	rec.StartedAt = c.now()
	rec.PromptTokens = req.PromptTokens
	c.setCurrent(&rec)
	c.log.Infof("iteration %d started (session %s)", index, sessionID)

	var res session.Result
	if buildErr != nil {
		res = session.Failed(session.OutcomeErrored, fmt.Errorf("prepare session: %w", buildErr))
		res.SessionID = sessionID
	} else {
		res = c.runner.RunSession(ctx, c.fillRequest(req, sessionID))
	}

	rec.EndedAt = c.now()
	rec.Outcome = res.Outcome
	if res.SessionID != "" {
		rec.SessionID = res.SessionID
	}
	rec.Status, rec.Note = StatusFor(res)
	c.log.Infof("iteration %d finished: %s %s", index, rec.Status, rec.Note)

	state := progress.State{
		LastIterationIndex: index,
		LastStatus:         string(rec.Status),
		Timestamp:          rec.EndedAt,
		Initialized:        rec.Status == StatusSucceeded || (saved != nil && saved.Initialized),
		SessionID:          rec.SessionID,
		Worker:             c.cfg.Worker,
	}

	c.mu.Lock()
	c.records = append(c.records, rec)
	c.current = nil
	c.ran++
	c.next = index + 1
	switch res.Outcome {
	case session.OutcomeErrored, session.OutcomeTimedOut:
		c.consecutive++
	case session.OutcomeCompleted:
		c.consecutive = 0
	}
	consecutive := c.consecutive
	c.mu.Unlock()

	// An interrupted session is still recorded.
	if err := c.store.Save(context.WithoutCancel(ctx), state); err != nil {
		c.log.Errorf("failed to save progress after iteration %d: %v", index, err)
		c.stop(StopPersistence)
		var pe *progress.PersistenceError
		if !errors.As(err, &pe) {
			err = &progress.PersistenceError{Op: "save", Err: err}
		}
		return false, err
	}

	c.mu.Lock()
	c.progress = &state
	c.mu.Unlock()

	for _, o := range c.observers {
		o.IterationFinished(ctx, rec, res)
	}

	switch {
	case ctx.Err() != nil:
		c.stop(StopCancelled)
		return false, ctx.Err()
	case consecutive >= c.cfg.MaxConsecutiveErrors:
		c.log.Errorf("%d consecutive sessions errored or timed out, aborting", consecutive)
		c.stop(StopConsecutiveErrors)
		return false, &AbortError{Consecutive: consecutive, Records: c.Records()}
	case res.Outcome == session.OutcomeCompleted && strings.Contains(res.Detail, c.cfg.CompletionMarker):
		c.log.Infof("agent reported the project complete")
		c.stop(StopProjectComplete)
		return false, nil
	case c.cfg.MaxIterations > 0 && c.ran >= c.cfg.MaxIterations:
		c.log.Infof("reached max iterations (%d)", c.cfg.MaxIterations)
		c.stop(StopMaxIterations)
		return false, nil
	case c.stopRequested.Load():
		c.stop(StopRequested)
		return false, nil
	}
	return true, nil
}

// Run starts the controller if needed and steps until it stops. The report is
// returned even when err is non-nil.
func (c *Controller) Run(ctx context.Context) (*Report, error) {
	if c.State() == StateIdle {
		if err := c.Start(ctx); err != nil {
			return c.Report(), err
		}
	}
	for {
		more, err := c.Step(ctx)
		if err != nil || !more {
			return c.Report(), err
		}
		c.wait(ctx)
	}
}

// RequestStop asks the loop to stop at the next iteration boundary. A session
// in flight is not interrupted.
func (c *Controller) RequestStop() {
	c.stopRequested.Store(true)
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setCurrent(rec *IterationRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec == nil {
		c.current = nil
		return
	}
	copied := *rec
	c.current = &copied
}

// Current returns the iteration in flight: Pending while its request is being
// built, Running while the session runs.
func (c *Controller) Current() (IterationRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return IterationRecord{}, false
	}
	return *c.current, true
}

// Records returns a copy of the iteration records in order.
func (c *Controller) Records() []IterationRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]IterationRecord, len(c.records))
	copy(out, c.records)
	return out
}

// Report returns a snapshot of the run.
func (c *Controller) Report() *Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	records := make([]IterationRecord, len(c.records))
	copy(records, c.records)
	return &Report{StartIndex: c.startIndex, Records: records, StopReason: c.stopReason}
}

func (c *Controller) stop(reason StopReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStopped {
		return
	}
	c.state = StateStopped
	c.stopReason = reason
}

func (c *Controller) fillRequest(req session.Request, sessionID string) session.Request {
	if req.SessionID == "" {
		req.SessionID = sessionID
	}
	if req.ProjectDir == "" {
		req.ProjectDir = c.cfg.ProjectDir
	}
	if req.Model == "" {
		req.Model = c.cfg.Model
	}
	if req.Timeout == 0 {
		req.Timeout = c.cfg.SessionTimeout
	}
	if req.Worker == "" {
		req.Worker = c.cfg.Worker
	}
	return req
}

// wait sleeps for the configured delay, returning early on stop or cancellation.
func (c *Controller) wait(ctx context.Context) {
	if c.cfg.Delay <= 0 {
		return
	}
	timer := time.NewTimer(c.cfg.Delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.stopCh:
	case <-ctx.Done():
	}
}
