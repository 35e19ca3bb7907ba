// Package tracker reads and updates the project's issues in the
// project-management backend. Only the fields autocoder needs are modelled.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// StateType is the category of a workflow state.
type StateType string

const (
	StateTriage    StateType = "triage"
	StateBacklog   StateType = "backlog"
	StateUnstarted StateType = "unstarted"
	StateStarted   StateType = "started"
	StateCompleted StateType = "completed"
	StateCanceled  StateType = "canceled"
)

// Workflow state names used by the agent prompts.
const (
	StateNameTodo       = "Todo"
	StateNameInProgress = "In Progress"
	StateNameDone       = "Done"
)

// WorkflowState is a named issue state in a team's workflow.
type WorkflowState struct {
	ID   string    `json:"id"`
	Name string    `json:"name"`
	Type StateType `json:"type"`
}

// Issue is a unit of work.
type Issue struct {
	ID          string `json:"id"`
	Identifier  string `json:"identifier"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	// Priority is 0 (none) or 1 (urgent) through 4 (low).
	Priority  int           `json:"priority"`
	State     WorkflowState `json:"state"`
	TeamID    string        `json:"team_id,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// InState reports whether the issue's state has the given name.
func (i Issue) InState(name string) bool {
	return strings.EqualFold(i.State.Name, name)
}

// Comment is a comment on an issue.
type Comment struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	UserName  string    `json:"user_name,omitempty"`
}

// Tracker is the subset of the issue tracker API autocoder uses.
type Tracker interface {
	ListIssues(ctx context.Context, projectID string) ([]Issue, error)
	GetIssue(ctx context.Context, issueID string) (*Issue, error)
	WorkflowStates(ctx context.Context, teamID string) ([]WorkflowState, error)
	UpdateIssueState(ctx context.Context, issueID, stateID string) (*Issue, error)
	CreateComment(ctx context.Context, issueID, body string) (*Comment, error)
	ListComments(ctx context.Context, issueID string) ([]Comment, error)
}

// FindState returns the state named name, ignoring case.
func FindState(states []WorkflowState, name string) (WorkflowState, error) {
	for _, s := range states {
		if strings.EqualFold(s.Name, name) {
			return s, nil
		}
	}
	return WorkflowState{}, fmt.Errorf("workflow state %q not found", name)
}

// ProjectFileName is the marker the initializer agent writes once the tracker
// project exists.
const ProjectFileName = ".linear_project.json"

// ErrNoProject is returned by LoadProject when the marker is missing.
var ErrNoProject = errors.New("project not initialized")

// Project identifies the tracker project backing a project directory.
type Project struct {
	ProjectID   string `json:"project_id"`
	ProjectName string `json:"project_name,omitempty"`
	TeamID      string `json:"team_id"`
	MetaIssueID string `json:"meta_issue_id"`
	TotalIssues int    `json:"total_issues,omitempty"`
}

// ProjectPath returns the marker path in projectDir.
func ProjectPath(projectDir string) string {
	return filepath.Join(projectDir, ProjectFileName)
}

// LoadProject reads the project marker from projectDir.
func LoadProject(projectDir string) (*Project, error) {
	path := ProjectPath(projectDir)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoProject
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var p Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if p.ProjectID == "" {
		return nil, fmt.Errorf("%s has no project_id", path)
	}
	return &p, nil
}
