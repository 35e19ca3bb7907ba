// Package linear is a minimal Linear GraphQL client implementing tracker.Tracker.
package linear

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/entrhq/autocoder/pkg/logging"
	"github.com/entrhq/autocoder/pkg/tracker"
)

const (
	// APIURL is the Linear GraphQL API endpoint
	APIURL = "https://api.linear.app/graphql"

	// DefaultRate spreads the hourly allowance evenly with a small burst.
	DefaultRate  = rate.Limit(float64(tracker.DefaultRateLimit) / 3600)
	DefaultBurst = 10
)

var _ tracker.Tracker = (*Client)(nil)

// Client is a Linear GraphQL API client
type Client struct {
	token      string
	httpClient *http.Client
	baseURL    string
	limiter    *rate.Limiter
	usage      *tracker.Usage
	log        *logging.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at another endpoint.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimit replaces the request limiter.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(limit, burst) }
}

// WithUsage counts every request in u.
func WithUsage(u *tracker.Usage) Option {
	return func(c *Client) { c.usage = u }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.log = l.With("linear") }
}

// NewClient creates a new Linear API client
func NewClient(token string, opts ...Option) *Client {
	c := &Client{
		token: token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: APIURL,
		limiter: rate.NewLimiter(DefaultRate, DefaultBurst),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GraphQLRequest represents a GraphQL request
type GraphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// GraphQLResponse represents a GraphQL response
type GraphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []GraphQLError  `json:"errors,omitempty"`
}

// GraphQLError represents a GraphQL error
type GraphQLError struct {
	Message string        `json:"message"`
	Path    []interface{} `json:"path,omitempty"`
}

// APIError is a non-200 response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// RateLimited reports whether the server rejected the request for rate.
func (e *APIError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Do executes a GraphQL request and unmarshals the response data into result
func (c *Client) Do(ctx context.Context, query string, variables map[string]interface{}, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	calls := c.usage.Track()
	c.log.Debugf("request %d in the last hour", calls)

	body, err := json.Marshal(GraphQLRequest{Query: query, Variables: variables})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", c.token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var gqlResp GraphQLResponse
	if err := json.Unmarshal(respBody, &gqlResp); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}

	if len(gqlResp.Errors) > 0 {
		return fmt.Errorf("GraphQL error: %s", gqlResp.Errors[0].Message)
	}

	if result != nil {
		if err := json.Unmarshal(gqlResp.Data, result); err != nil {
			return fmt.Errorf("unmarshal data: %w", err)
		}
	}
	return nil
}

// ListIssues returns every issue in a project (with pagination)
func (c *Client) ListIssues(ctx context.Context, projectID string) ([]tracker.Issue, error) {
	var all []tracker.Issue
	cursor := ""
	for {
		variables := map[string]interface{}{"projectId": projectID}
		if cursor != "" {
			variables["after"] = cursor
		}

		var result struct {
			Project *struct {
				Issues struct {
					Nodes    []issueNode `json:"nodes"`
					PageInfo PageInfo    `json:"pageInfo"`
				} `json:"issues"`
			} `json:"project"`
		}
		if err := c.Do(ctx, queryProjectIssues, variables, &result); err != nil {
			return nil, err
		}
		if result.Project == nil {
			return nil, fmt.Errorf("project %s not found", projectID)
		}

		for _, n := range result.Project.Issues.Nodes {
			all = append(all, n.toIssue())
		}
		if !result.Project.Issues.PageInfo.HasNextPage {
			break
		}
		cursor = result.Project.Issues.PageInfo.EndCursor
	}
	return all, nil
}

// GetIssue returns a single issue
func (c *Client) GetIssue(ctx context.Context, issueID string) (*tracker.Issue, error) {
	var result struct {
		Issue *issueNode `json:"issue"`
	}
	if err := c.Do(ctx, queryIssue, map[string]interface{}{"id": issueID}, &result); err != nil {
		return nil, err
	}
	if result.Issue == nil {
		return nil, fmt.Errorf("issue %s not found", issueID)
	}
	issue := result.Issue.toIssue()
	return &issue, nil
}

// WorkflowStates returns a team's workflow states
func (c *Client) WorkflowStates(ctx context.Context, teamID string) ([]tracker.WorkflowState, error) {
	var result struct {
		Team *struct {
			States struct {
				Nodes []stateNode `json:"nodes"`
			} `json:"states"`
		} `json:"team"`
	}
	if err := c.Do(ctx, queryTeamStates, map[string]interface{}{"teamId": teamID}, &result); err != nil {
		return nil, err
	}
	if result.Team == nil {
		return nil, fmt.Errorf("team %s not found", teamID)
	}
	states := make([]tracker.WorkflowState, 0, len(result.Team.States.Nodes))
	for _, n := range result.Team.States.Nodes {
		states = append(states, n.toState())
	}
	return states, nil
}

// UpdateIssueState moves an issue to another workflow state
func (c *Client) UpdateIssueState(ctx context.Context, issueID, stateID string) (*tracker.Issue, error) {
	var result struct {
		IssueUpdate struct {
			Success bool       `json:"success"`
			Issue   *issueNode `json:"issue"`
		} `json:"issueUpdate"`
	}
	vars := map[string]interface{}{"id": issueID, "stateId": stateID}
	if err := c.Do(ctx, mutationUpdateIssueState, vars, &result); err != nil {
		return nil, err
	}
	if !result.IssueUpdate.Success || result.IssueUpdate.Issue == nil {
		return nil, fmt.Errorf("issue update for %s was not accepted", issueID)
	}
	issue := result.IssueUpdate.Issue.toIssue()
	return &issue, nil
}

// CreateComment posts a markdown comment on an issue
func (c *Client) CreateComment(ctx context.Context, issueID, body string) (*tracker.Comment, error) {
	var result struct {
		CommentCreate struct {
			Success bool         `json:"success"`
			Comment *commentNode `json:"comment"`
		} `json:"commentCreate"`
	}
	vars := map[string]interface{}{"issueId": issueID, "body": body}
	if err := c.Do(ctx, mutationCreateComment, vars, &result); err != nil {
		return nil, err
	}
	if !result.CommentCreate.Success || result.CommentCreate.Comment == nil {
		return nil, fmt.Errorf("comment on %s was not accepted", issueID)
	}
	comment := result.CommentCreate.Comment.toComment()
	return &comment, nil
}

// ListComments returns an issue's comments (with pagination)
func (c *Client) ListComments(ctx context.Context, issueID string) ([]tracker.Comment, error) {
	var all []tracker.Comment
	cursor := ""
	for {
		variables := map[string]interface{}{"id": issueID}
		if cursor != "" {
			variables["after"] = cursor
		}

		var result struct {
			Issue *struct {
				Comments struct {
					Nodes    []commentNode `json:"nodes"`
					PageInfo PageInfo      `json:"pageInfo"`
				} `json:"comments"`
			} `json:"issue"`
		}
		if err := c.Do(ctx, queryIssueComments, variables, &result); err != nil {
			return nil, err
		}
		if result.Issue == nil {
			return nil, fmt.Errorf("issue %s not found", issueID)
		}

		for _, n := range result.Issue.Comments.Nodes {
			all = append(all, n.toComment())
		}
		if !result.Issue.Comments.PageInfo.HasNextPage {
			break
		}
		cursor = result.Issue.Comments.PageInfo.EndCursor
	}
	return all, nil
}
