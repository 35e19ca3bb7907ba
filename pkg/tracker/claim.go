package tracker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/entrhq/autocoder/pkg/logging"
)

const (
	// ClaimTag starts every claim comment.
	ClaimTag = "[autocoder-claim]"
	// ReleaseTag starts every release comment.
	ReleaseTag = "[autocoder-release]"

	DefaultClaimRetries = 5
	DefaultClaimBackoff = 2 * time.Second
)

// ErrNoWork means no issue is left to claim.
var ErrNoWork = errors.New("no unclaimed issues left")

// ClaimConflictError means another worker took the issue first.
type ClaimConflictError struct {
	IssueID    string
	Identifier string
	Reason     string
}

func (e *ClaimConflictError) Error() string {
	return fmt.Sprintf("claim conflict on %s: %s", e.Identifier, e.Reason)
}

// ClaimConfig configures a Claimer.
type ClaimConfig struct {
	ProjectID string
	TeamID    string
	Worker    string
	// Skip lists issue IDs that are never claimed, such as the META issue.
	Skip []string
	// Retries is how many times a fully conflicted poll is repeated.
	Retries int
	Backoff time.Duration
	// OnConflict, when set, is called for every lost claim.
	OnConflict func(*ClaimConflictError)
	Logger     *logging.Logger
}

// Claim is an issue owned by this worker.
type Claim struct {
	Issue     Issue
	Token     string
	ClaimedAt time.Time
}

// Claimer hands out Todo issues to parallel workers. A claim moves the issue
// from Todo to In Progress after an optimistic check: the issue is re-read,
// a claim comment carrying a fresh token is posted, and the earliest claim
// posted since the last release comment wins.
type Claimer struct {
	tracker Tracker
	cfg     ClaimConfig
	log     *logging.Logger
	now     func() time.Time
	token   func() string
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewClaimer returns a claimer with defaults applied.
func NewClaimer(t Tracker, cfg ClaimConfig) *Claimer {
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultClaimRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultClaimBackoff
	}
	return &Claimer{
		tracker: t,
		cfg:     cfg,
		log:     cfg.Logger.With("claim"),
		now:     time.Now,
		token:   uuid.NewString,
		sleep:   sleepCtx,
	}
}

// Claim takes the highest-priority Todo issue. It returns ErrNoWork when no
// Todo issue is left, or the last ClaimConflictError when every candidate was
// lost on every poll.
func (c *Claimer) Claim(ctx context.Context) (*Claim, error) {
	states, err := c.tracker.WorkflowStates(ctx, c.cfg.TeamID)
	if err != nil {
		return nil, fmt.Errorf("load workflow states: %w", err)
	}
	inProgress, err := FindState(states, StateNameInProgress)
	if err != nil {
		return nil, err
	}

	var lastConflict error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			if inv, ok := c.tracker.(interface{ Invalidate() }); ok {
				inv.Invalidate()
			}
			if err := c.sleep(ctx, c.cfg.Backoff*time.Duration(attempt)); err != nil {
				return nil, err
			}
		}

		issues, err := c.tracker.ListIssues(ctx, c.cfg.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("list issues: %w", err)
		}
		candidates := Todo(withoutIDs(issues, c.cfg.Skip))
		if len(candidates) == 0 {
			return nil, ErrNoWork
		}

		for _, issue := range candidates {
			claim, err := c.tryClaim(ctx, issue, inProgress)
			if err == nil {
				c.log.Infof("worker %s claimed %s: %s", c.cfg.Worker, claim.Issue.Identifier, claim.Issue.Title)
				return claim, nil
			}
			var conflict *ClaimConflictError
			if !errors.As(err, &conflict) {
				return nil, err
			}
			c.log.Infof("%v", conflict)
			if c.cfg.OnConflict != nil {
				c.cfg.OnConflict(conflict)
			}
			lastConflict = conflict
		}
	}
	return nil, lastConflict
}

func (c *Claimer) tryClaim(ctx context.Context, candidate Issue, inProgress WorkflowState) (*Claim, error) {
	fresh, err := c.tracker.GetIssue(ctx, candidate.ID)
	if err != nil {
		return nil, fmt.Errorf("re-read issue %s: %w", candidate.Identifier, err)
	}
	if !fresh.InState(StateNameTodo) {
		return nil, &ClaimConflictError{IssueID: fresh.ID, Identifier: fresh.Identifier, Reason: "state is now " + fresh.State.Name}
	}
	token := c.token()
	body := fmt.Sprintf("%s worker=%s token=%s", ClaimTag, c.cfg.Worker, token)
	if _, err := c.tracker.CreateComment(ctx, fresh.ID, body); err != nil {
		return nil, fmt.Errorf("post claim on %s: %w", fresh.Identifier, err)
	}

	comments, err := c.tracker.ListComments(ctx, fresh.ID)
	if err != nil {
		return nil, fmt.Errorf("read claims on %s: %w", fresh.Identifier, err)
	}
	winner, ok := earliestClaim(comments)
	if !ok {
		return nil, fmt.Errorf("claim comment on %s not found", fresh.Identifier)
	}
	if claimToken(winner.Body) != token {
		return nil, &ClaimConflictError{IssueID: fresh.ID, Identifier: fresh.Identifier, Reason: "claimed by " + claimWorker(winner.Body)}
	}

	updated, err := c.tracker.UpdateIssueState(ctx, fresh.ID, inProgress.ID)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		updated = fresh
	}
	return &Claim{Issue: *updated, Token: token, ClaimedAt: c.now()}, nil
}

// Release moves a claimed issue back to Todo so another worker can take it.
func (c *Claimer) Release(ctx context.Context, claim *Claim, reason string) error {
	states, err := c.tracker.WorkflowStates(ctx, c.cfg.TeamID)
	if err != nil {
		return fmt.Errorf("load workflow states: %w", err)
	}
	todo, err := FindState(states, StateNameTodo)
	if err != nil {
		return err
	}

	body := fmt.Sprintf("%s worker=%s token=%s reason=%s", ReleaseTag, c.cfg.Worker, claim.Token, reason)
	if _, err := c.tracker.CreateComment(ctx, claim.Issue.ID, body); err != nil {
		return fmt.Errorf("post release on %s: %w", claim.Issue.Identifier, err)
	}
	if _, err := c.tracker.UpdateIssueState(ctx, claim.Issue.ID, todo.ID); err != nil {
		return err
	}
	c.log.Infof("worker %s released %s: %s", c.cfg.Worker, claim.Issue.Identifier, reason)
	return nil
}

// Todo returns the Todo issues ordered by priority (urgent first, none last),
// then by creation time.
func Todo(issues []Issue) []Issue {
	var out []Issue
	for _, issue := range issues {
		if issue.InState(StateNameTodo) {
			out = append(out, issue)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := priorityRank(out[i].Priority), priorityRank(out[j].Priority)
		if pi != pj {
			return pi < pj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func withoutIDs(issues []Issue, ids []string) []Issue {
	if len(ids) == 0 {
		return issues
	}
	out := make([]Issue, 0, len(issues))
	for _, issue := range issues {
		if !slices.Contains(ids, issue.ID) {
			out = append(out, issue)
		}
	}
	return out
}

func priorityRank(p int) int {
	if p <= 0 || p > 4 {
		return 5
	}
	return p
}

// earliestClaim returns the first claim posted after the latest release.
func earliestClaim(comments []Comment) (Comment, bool) {
	var since time.Time
	for _, cm := range comments {
		if strings.HasPrefix(cm.Body, ReleaseTag) && cm.CreatedAt.After(since) {
			since = cm.CreatedAt
		}
	}

	var best Comment
	found := false
	for _, cm := range comments {
		if !strings.HasPrefix(cm.Body, ClaimTag) || cm.CreatedAt.Before(since) {
			continue
		}
		if !found || cm.CreatedAt.Before(best.CreatedAt) ||
			(cm.CreatedAt.Equal(best.CreatedAt) && cm.ID < best.ID) {
			best = cm
			found = true
		}
	}
	return best, found
}

func claimField(body, key string) string {
	for _, field := range strings.Fields(body) {
		if v, ok := strings.CutPrefix(field, key+"="); ok {
			return v
		}
	}
	return ""
}

func claimToken(body string) string {
	return claimField(body, "token")
}

func claimWorker(body string) string {
	if w := claimField(body, "worker"); w != "" {
		return "worker " + w
	}
	return "another worker"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
