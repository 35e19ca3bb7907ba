package tracker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeTracker is an in-memory Tracker. Its clock advances one second per
// comment so comment order is deterministic.
type fakeTracker struct {
	mu       sync.Mutex
	issues   map[string]*Issue
	order    []string
	comments map[string][]Comment
	states   []WorkflowState
	clock    time.Time
	calls    map[string]int

	// beforeListComments runs before comments are returned; tests use it to
	// let a rival worker post a claim first.
	beforeListComments func(issueID string)
}

func newFakeTracker(issues ...Issue) *fakeTracker {
	f := &fakeTracker{
		issues:   make(map[string]*Issue),
		comments: make(map[string][]Comment),
		clock:    time.Date(2025, 12, 1, 9, 0, 0, 0, time.UTC),
		calls:    make(map[string]int),
		states: []WorkflowState{
			{ID: "st-todo", Name: StateNameTodo, Type: StateUnstarted},
			{ID: "st-progress", Name: StateNameInProgress, Type: StateStarted},
			{ID: "st-done", Name: StateNameDone, Type: StateCompleted},
			{ID: "st-canceled", Name: "Canceled", Type: StateCanceled},
		},
	}
	for _, issue := range issues {
		copied := issue
		f.issues[issue.ID] = &copied
		f.order = append(f.order, issue.ID)
	}
	return f
}

func (f *fakeTracker) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fakeTracker) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeTracker) ListIssues(_ context.Context, _ string) ([]Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ListIssues"]++
	out := make([]Issue, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, *f.issues[id])
	}
	return out, nil
}

func (f *fakeTracker) GetIssue(_ context.Context, issueID string) (*Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetIssue"]++
	issue, ok := f.issues[issueID]
	if !ok {
		return nil, fmt.Errorf("issue %s not found", issueID)
	}
	copied := *issue
	return &copied, nil
}

func (f *fakeTracker) WorkflowStates(_ context.Context, _ string) ([]WorkflowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["WorkflowStates"]++
	return f.states, nil
}

func (f *fakeTracker) UpdateIssueState(_ context.Context, issueID, stateID string) (*Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["UpdateIssueState"]++
	issue, ok := f.issues[issueID]
	if !ok {
		return nil, fmt.Errorf("issue %s not found", issueID)
	}
	for _, s := range f.states {
		if s.ID == stateID {
			issue.State = s
			issue.UpdatedAt = f.tick()
			copied := *issue
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("state %s not found", stateID)
}

func (f *fakeTracker) CreateComment(_ context.Context, issueID, body string) (*Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["CreateComment"]++
	return f.addComment(issueID, body), nil
}

func (f *fakeTracker) addComment(issueID, body string) *Comment {
	c := Comment{
		ID:        fmt.Sprintf("c-%d", len(f.comments[issueID])+1),
		Body:      body,
		CreatedAt: f.tick(),
	}
	f.comments[issueID] = append(f.comments[issueID], c)
	return &c
}

func (f *fakeTracker) ListComments(_ context.Context, issueID string) ([]Comment, error) {
	if f.beforeListComments != nil {
		f.beforeListComments(issueID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["ListComments"]++
	out := make([]Comment, len(f.comments[issueID]))
	copy(out, f.comments[issueID])
	return out, nil
}

// rivalClaim inserts a claim comment dated before every existing comment.
func (f *fakeTracker) rivalClaim(issueID, worker string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rival := Comment{
		ID:        "rival-" + worker,
		Body:      fmt.Sprintf("%s worker=%s token=rival-%s", ClaimTag, worker, worker),
		CreatedAt: f.clock.Add(-time.Hour),
	}
	f.comments[issueID] = append([]Comment{rival}, f.comments[issueID]...)
}

func (f *fakeTracker) state(issueID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issues[issueID].State.Name
}

func todoIssue(id, title string, priority int) Issue {
	return Issue{
		ID: id, Identifier: "AUT-" + id, Title: title, Priority: priority,
		State: WorkflowState{ID: "st-todo", Name: StateNameTodo, Type: StateUnstarted},
	}
}

func issueIn(id string, state WorkflowState) Issue {
	return Issue{ID: id, Identifier: "AUT-" + id, Title: "issue " + id, State: state}
}
