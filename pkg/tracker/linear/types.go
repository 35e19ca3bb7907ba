package linear

import (
	"time"

	"github.com/entrhq/autocoder/pkg/tracker"
)

// issueNode is an issue as returned by the API.
type issueNode struct {
	ID          string  `json:"id"`
	Identifier  string  `json:"identifier"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	Priority    float64 `json:"priority"`
	CreatedAt   string  `json:"createdAt"`
	UpdatedAt   string  `json:"updatedAt"`
	Team        *struct {
		ID string `json:"id"`
	} `json:"team"`
	State stateNode `json:"state"`
}

type stateNode struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type commentNode struct {
	ID        string `json:"id"`
	Body      string `json:"body"`
	CreatedAt string `json:"createdAt"`
	User      *struct {
		Name string `json:"name"`
	} `json:"user"`
}

// PageInfo is the GraphQL connection cursor.
type PageInfo struct {
	HasNextPage bool   `json:"hasNextPage"`
	EndCursor   string `json:"endCursor"`
}

func (n stateNode) toState() tracker.WorkflowState {
	return tracker.WorkflowState{ID: n.ID, Name: n.Name, Type: tracker.StateType(n.Type)}
}

func (n issueNode) toIssue() tracker.Issue {
	issue := tracker.Issue{
		ID:          n.ID,
		Identifier:  n.Identifier,
		Title:       n.Title,
		Description: n.Description,
		Priority:    int(n.Priority),
		State:       n.State.toState(),
		CreatedAt:   parseTime(n.CreatedAt),
		UpdatedAt:   parseTime(n.UpdatedAt),
	}
	if n.Team != nil {
		issue.TeamID = n.Team.ID
	}
	return issue
}

func (n commentNode) toComment() tracker.Comment {
	c := tracker.Comment{ID: n.ID, Body: n.Body, CreatedAt: parseTime(n.CreatedAt)}
	if n.User != nil {
		c.UserName = n.User.Name
	}
	return c
}

// parseTime parses an ISO-8601 timestamp, returning the zero time if invalid.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
