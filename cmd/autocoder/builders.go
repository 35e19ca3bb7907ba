package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/entrhq/autocoder/pkg/executor/controller"
	"github.com/entrhq/autocoder/pkg/executor/session"
	"github.com/entrhq/autocoder/pkg/logging"
	"github.com/entrhq/autocoder/pkg/progress"
	"github.com/entrhq/autocoder/pkg/prompts"
	"github.com/entrhq/autocoder/pkg/tracker"
)

// estimateTokens is replaced in tests.
var estimateTokens = prompts.EstimateTokens

// projectBuilder drives a single-process run: the initializer prompt until
// the project is set up, the coding prompt afterwards.
type projectBuilder struct {
	library    *prompts.Library
	data       prompts.Data
	projectDir string
	log        *logging.Logger
	// feedback returns failed-check output for the next prompt.
	feedback func() string
}

func (b *projectBuilder) BuildRequest(_ context.Context, it controller.Iteration) (session.Request, error) {
	kind := prompts.Select(b.initialized(it.Progress))
	data := b.data
	data.Iteration = it.Index
	if b.feedback != nil {
		data.CheckFeedback = b.feedback()
	}

	prompt, err := b.library.Render(kind, data)
	if err != nil {
		return session.Request{}, err
	}
	b.log.Infof("iteration %d uses the %s prompt", it.Index, kind)
	return session.Request{Prompt: prompt, PromptTokens: estimateTokens(prompt)}, nil
}

func (b *projectBuilder) initialized(state *progress.State) bool {
	if state != nil && state.Initialized {
		return true
	}
	_, err := os.Stat(tracker.ProjectPath(b.projectDir))
	return err == nil
}

// claimer is the part of tracker.Claimer a worker needs.
type claimer interface {
	Claim(ctx context.Context) (*tracker.Claim, error)
	Release(ctx context.Context, claim *tracker.Claim, reason string) error
}

// workerBuilder binds each session of a parallel worker to a freshly claimed
// issue, and gives the issue back when the session fails.
type workerBuilder struct {
	claims  claimer
	library *prompts.Library
	data    prompts.Data
	log     *logging.Logger

	onClaim  func()
	onNoWork func()
	feedback func() string

	mu      sync.Mutex
	current *tracker.Claim
}

func (b *workerBuilder) BuildRequest(ctx context.Context, it controller.Iteration) (session.Request, error) {
	claim, err := b.claims.Claim(ctx)
	if errors.Is(err, tracker.ErrNoWork) {
		if b.onNoWork != nil {
			b.onNoWork()
		}
		return session.Request{}, fmt.Errorf("%w: %w", controller.ErrNoWork, err)
	}
	if err != nil {
		return session.Request{}, err
	}
	if b.onClaim != nil {
		b.onClaim()
	}

	data := b.data
	data.Iteration = it.Index
	if b.feedback != nil {
		data.CheckFeedback = b.feedback()
	}
	data.Issue = &prompts.Issue{
		ID:          claim.Issue.ID,
		Identifier:  claim.Issue.Identifier,
		Title:       claim.Issue.Title,
		Description: claim.Issue.Description,
	}
	prompt, err := b.library.Render(prompts.KindWorker, data)
	if err != nil {
		b.release(ctx, claim, "prompt failed: "+err.Error())
		return session.Request{}, err
	}

	b.mu.Lock()
	b.current = claim
	b.mu.Unlock()
	return session.Request{Prompt: prompt, Issue: claim.Issue.Identifier, PromptTokens: estimateTokens(prompt)}, nil
}

// IterationFinished releases the claimed issue unless the session completed.
// A completed session leaves the issue where the agent moved it.
func (b *workerBuilder) IterationFinished(ctx context.Context, rec controller.IterationRecord, res session.Result) {
	b.mu.Lock()
	claim := b.current
	b.current = nil
	b.mu.Unlock()

	if claim == nil || res.Outcome == session.OutcomeCompleted {
		return
	}
	b.release(ctx, claim, fmt.Sprintf("iteration %d %s", rec.Index, res.Outcome))
}

func (b *workerBuilder) release(ctx context.Context, claim *tracker.Claim, reason string) {
	// The issue must go back even when the run is being cancelled.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := b.claims.Release(ctx, claim, reason); err != nil {
		b.log.Warnf("failed to release %s: %v", claim.Issue.Identifier, err)
	}
}
