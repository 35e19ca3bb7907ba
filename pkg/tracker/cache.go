package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/entrhq/autocoder/pkg/logging"
)

const (
	// CacheFileName holds the persistent issue cache in the project directory.
	CacheFileName = ".linear_cache.json"
	// DefaultListTTL bounds how long a cached issue list is served.
	DefaultListTTL = 5 * time.Minute
)

// CachedIssue holds the fields of an issue that do not change once written.
type CachedIssue struct {
	ID          string    `json:"id"`
	Identifier  string    `json:"identifier,omitempty"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Priority    int       `json:"priority"`
	CachedAt    time.Time `json:"cached_at"`
}

type cacheFile struct {
	Permanent struct {
		Issues map[string]CachedIssue `json:"issues"`
	} `json:"permanent"`
	LastUpdated time.Time `json:"last_updated"`
}

type listEntry struct {
	issues    []Issue
	fetchedAt time.Time
}

// CachedTracker wraps a Tracker with a short-lived issue-list cache and a
// persistent cache of issue descriptions. Any state update invalidates all
// cached lists.
type CachedTracker struct {
	next  Tracker
	path  string
	ttl   time.Duration
	usage *Usage
	log   *logging.Logger
	now   func() time.Time

	mu        sync.Mutex
	lists     map[string]listEntry
	permanent map[string]CachedIssue
	states    map[string][]WorkflowState
}

// CacheOption configures a CachedTracker.
type CacheOption func(*CachedTracker)

// WithListTTL overrides the list cache TTL.
func WithListTTL(ttl time.Duration) CacheOption {
	return func(c *CachedTracker) { c.ttl = ttl }
}

// WithUsage records cache hits in u.
func WithUsage(u *Usage) CacheOption {
	return func(c *CachedTracker) { c.usage = u }
}

// WithCacheClock overrides the time source.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *CachedTracker) { c.now = now }
}

// NewCachedTracker wraps next. The persistent cache is loaded from
// projectDir; an unreadable cache file is logged and replaced.
func NewCachedTracker(next Tracker, projectDir string, log *logging.Logger, opts ...CacheOption) *CachedTracker {
	c := &CachedTracker{
		next:      next,
		path:      filepath.Join(projectDir, CacheFileName),
		ttl:       DefaultListTTL,
		log:       log.With("linear"),
		now:       time.Now,
		lists:     make(map[string]listEntry),
		permanent: make(map[string]CachedIssue),
		states:    make(map[string][]WorkflowState),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.load()
	return c
}

func (c *CachedTracker) load() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.log.Warnf("failed to read issue cache: %v", err)
		}
		return
	}
	var f cacheFile
	if err := json.Unmarshal(data, &f); err != nil {
		c.log.Warnf("failed to load issue cache: %v", err)
		return
	}
	for id, issue := range f.Permanent.Issues {
		c.permanent[id] = issue
	}
	c.log.Debugf("loaded cache with %d cached issues", len(c.permanent))
}

// save writes the persistent cache. Callers hold c.mu.
func (c *CachedTracker) save() {
	var f cacheFile
	f.Permanent.Issues = c.permanent
	f.LastUpdated = c.now()
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		c.log.Warnf("failed to encode issue cache: %v", err)
		return
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		c.log.Warnf("failed to save issue cache: %v", err)
		return
	}
	if err := os.Rename(tmp, c.path); err != nil {
		c.log.Warnf("failed to save issue cache: %v", err)
		_ = os.Remove(tmp)
	}
}

// remember adds issues to the permanent cache. Callers hold c.mu.
func (c *CachedTracker) remember(issues ...Issue) {
	added := false
	for _, issue := range issues {
		if issue.ID == "" {
			continue
		}
		if _, ok := c.permanent[issue.ID]; ok {
			continue
		}
		c.permanent[issue.ID] = CachedIssue{
			ID:          issue.ID,
			Identifier:  issue.Identifier,
			Title:       issue.Title,
			Description: issue.Description,
			Priority:    issue.Priority,
			CachedAt:    c.now(),
		}
		added = true
	}
	if added {
		c.save()
	}
}

// ListIssues serves the project's issues from cache while fresh.
func (c *CachedTracker) ListIssues(ctx context.Context, projectID string) ([]Issue, error) {
	c.mu.Lock()
	entry, ok := c.lists[projectID]
	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		c.mu.Unlock()
		c.usage.CacheHit()
		c.log.Debugf("using cached issue list (%d issues)", len(entry.issues))
		return cloneIssues(entry.issues), nil
	}
	c.mu.Unlock()

	issues, err := c.next.ListIssues(ctx, projectID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.lists[projectID] = listEntry{issues: cloneIssues(issues), fetchedAt: c.now()}
	c.remember(issues...)
	c.mu.Unlock()
	return issues, nil
}

// GetIssue always fetches the current issue; its state may have changed.
func (c *CachedTracker) GetIssue(ctx context.Context, issueID string) (*Issue, error) {
	issue, err := c.next.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.remember(*issue)
	c.mu.Unlock()
	return issue, nil
}

// Describe returns the immutable fields of an issue, fetching it on a miss.
func (c *CachedTracker) Describe(ctx context.Context, issueID string) (CachedIssue, error) {
	c.mu.Lock()
	cached, ok := c.permanent[issueID]
	c.mu.Unlock()
	if ok {
		c.usage.CacheHit()
		return cached, nil
	}
	if _, err := c.GetIssue(ctx, issueID); err != nil {
		return CachedIssue{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.permanent[issueID], nil
}

// WorkflowStates caches a team's states for the life of the tracker.
func (c *CachedTracker) WorkflowStates(ctx context.Context, teamID string) ([]WorkflowState, error) {
	c.mu.Lock()
	states, ok := c.states[teamID]
	c.mu.Unlock()
	if ok {
		c.usage.CacheHit()
		return states, nil
	}
	states, err := c.next.WorkflowStates(ctx, teamID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.states[teamID] = states
	c.mu.Unlock()
	return states, nil
}

// UpdateIssueState updates the issue and invalidates every cached list.
func (c *CachedTracker) UpdateIssueState(ctx context.Context, issueID, stateID string) (*Issue, error) {
	issue, err := c.next.UpdateIssueState(ctx, issueID, stateID)
	c.Invalidate()
	if err != nil {
		return nil, fmt.Errorf("update issue %s: %w", issueID, err)
	}
	return issue, nil
}

// CreateComment is never cached.
func (c *CachedTracker) CreateComment(ctx context.Context, issueID, body string) (*Comment, error) {
	return c.next.CreateComment(ctx, issueID, body)
}

// ListComments is never cached.
func (c *CachedTracker) ListComments(ctx context.Context, issueID string) ([]Comment, error) {
	return c.next.ListComments(ctx, issueID)
}

// Invalidate drops all cached issue lists.
func (c *CachedTracker) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.lists) > 0 {
		c.log.Debugf("issue list cache invalidated")
	}
	c.lists = make(map[string]listEntry)
}

// CachedIssues returns the number of permanently cached issues.
func (c *CachedTracker) CachedIssues() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.permanent)
}

func cloneIssues(in []Issue) []Issue {
	out := make([]Issue, len(in))
	copy(out, in)
	return out
}
