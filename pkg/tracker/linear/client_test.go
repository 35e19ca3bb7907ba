package linear

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/entrhq/autocoder/pkg/tracker"
)

type recordedRequest struct {
	Auth      string
	Query     string
	Variables map[string]interface{}
}

// graphQLServer answers each request with the next canned response.
func graphQLServer(t *testing.T, responses ...string) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	var requests []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req GraphQLRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		mu.Lock()
		requests = append(requests, recordedRequest{Auth: r.Header.Get("Authorization"), Query: req.Query, Variables: req.Variables})
		n := len(requests)
		mu.Unlock()

		if n > len(responses) {
			t.Errorf("unexpected request %d: %s", n, req.Query)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(responses[n-1]))
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func newTestClient(url string, opts ...Option) *Client {
	opts = append([]Option{WithBaseURL(url), WithRateLimit(rate.Inf, 1)}, opts...)
	return NewClient("lin_api_test", opts...)
}

func TestClient_ListIssuesPaginates(t *testing.T) {
	page1 := `{"data":{"project":{"issues":{"nodes":[
		{"id":"i1","identifier":"AUT-1","title":"Login","priority":1,"createdAt":"2025-12-01T09:00:00.000Z","updatedAt":"2025-12-01T10:00:00.000Z","team":{"id":"t1"},"state":{"id":"s1","name":"Todo","type":"unstarted"}}
	],"pageInfo":{"hasNextPage":true,"endCursor":"c1"}}}}}`
	page2 := `{"data":{"project":{"issues":{"nodes":[
		{"id":"i2","identifier":"AUT-2","title":"Signup","priority":2.0,"state":{"id":"s2","name":"Done","type":"completed"}}
	],"pageInfo":{"hasNextPage":false,"endCursor":"c2"}}}}}`
	srv, requests := graphQLServer(t, page1, page2)

	usage := tracker.NewUsage(nil)
	issues, err := newTestClient(srv.URL, WithUsage(usage)).ListIssues(context.Background(), "p1")
	require.NoError(t, err)
	require.Len(t, issues, 2)

	assert.Equal(t, "AUT-1", issues[0].Identifier)
	assert.Equal(t, 1, issues[0].Priority)
	assert.Equal(t, "t1", issues[0].TeamID)
	assert.Equal(t, tracker.StateUnstarted, issues[0].State.Type)
	assert.Equal(t, time.Date(2025, 12, 1, 10, 0, 0, 0, time.UTC), issues[0].UpdatedAt)
	assert.Equal(t, 2, issues[1].Priority)
	assert.True(t, issues[1].CreatedAt.IsZero())

	require.Len(t, *requests, 2)
	first, second := (*requests)[0], (*requests)[1]
	assert.Equal(t, "lin_api_test", first.Auth)
	assert.Equal(t, "p1", first.Variables["projectId"])
	assert.NotContains(t, first.Variables, "after")
	assert.Equal(t, "c1", second.Variables["after"])
	assert.Equal(t, 2, usage.Stats().TotalCalls)
}

func TestClient_GetIssueAndStates(t *testing.T) {
	srv, _ := graphQLServer(t,
		`{"data":{"issue":{"id":"i1","identifier":"AUT-1","title":"Login","state":{"id":"s1","name":"In Progress","type":"started"}}}}`,
		`{"data":{"issue":null}}`,
		`{"data":{"team":{"states":{"nodes":[{"id":"s1","name":"Todo","type":"unstarted"},{"id":"s2","name":"Done","type":"completed"}]}}}}`,
	)
	c := newTestClient(srv.URL)
	ctx := context.Background()

	issue, err := c.GetIssue(ctx, "i1")
	require.NoError(t, err)
	assert.True(t, issue.InState(tracker.StateNameInProgress))

	_, err = c.GetIssue(ctx, "missing")
	assert.ErrorContains(t, err, "not found")

	states, err := c.WorkflowStates(ctx, "t1")
	require.NoError(t, err)
	done, err := tracker.FindState(states, "done")
	require.NoError(t, err)
	assert.Equal(t, "s2", done.ID)
}

func TestClient_Mutations(t *testing.T) {
	srv, requests := graphQLServer(t,
		`{"data":{"issueUpdate":{"success":true,"issue":{"id":"i1","identifier":"AUT-1","title":"Login","state":{"id":"s2","name":"In Progress","type":"started"}}}}}`,
		`{"data":{"commentCreate":{"success":true,"comment":{"id":"c1","body":"hello","createdAt":"2025-12-01T09:00:00Z","user":{"name":"bot"}}}}}`,
		`{"data":{"issueUpdate":{"success":false,"issue":null}}}`,
	)
	c := newTestClient(srv.URL)
	ctx := context.Background()

	issue, err := c.UpdateIssueState(ctx, "i1", "s2")
	require.NoError(t, err)
	assert.Equal(t, "In Progress", issue.State.Name)
	assert.Equal(t, "s2", (*requests)[0].Variables["stateId"])
	assert.True(t, strings.Contains((*requests)[0].Query, "issueUpdate"))

	comment, err := c.CreateComment(ctx, "i1", "hello")
	require.NoError(t, err)
	assert.Equal(t, "bot", comment.UserName)
	assert.Equal(t, "hello", (*requests)[1].Variables["body"])

	_, err = c.UpdateIssueState(ctx, "i1", "s9")
	assert.ErrorContains(t, err, "not accepted")
}

func TestClient_ListComments(t *testing.T) {
	srv, _ := graphQLServer(t,
		`{"data":{"issue":{"comments":{"nodes":[{"id":"c1","body":"a","createdAt":"2025-12-01T09:00:00Z"}],"pageInfo":{"hasNextPage":true,"endCursor":"x"}}}}}`,
		`{"data":{"issue":{"comments":{"nodes":[{"id":"c2","body":"b","createdAt":"2025-12-01T09:00:01Z"}],"pageInfo":{"hasNextPage":false}}}}}`,
	)
	comments, err := newTestClient(srv.URL).ListComments(context.Background(), "i1")
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.True(t, comments[0].CreatedAt.Before(comments[1].CreatedAt))
}

func TestClient_Errors(t *testing.T) {
	t.Run("graphql error", func(t *testing.T) {
		srv, _ := graphQLServer(t, `{"data":null,"errors":[{"message":"Entity not found"}]}`)
		_, err := newTestClient(srv.URL).GetIssue(context.Background(), "i1")
		assert.ErrorContains(t, err, "GraphQL error: Entity not found")
	})

	t.Run("rate limited", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"errors":[{"message":"ratelimited"}]}`))
		}))
		defer srv.Close()

		_, err := newTestClient(srv.URL).GetIssue(context.Background(), "i1")
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.True(t, apiErr.RateLimited())
	})

	t.Run("cancelled while waiting for the limiter", func(t *testing.T) {
		c := NewClient("tok", WithBaseURL("http://127.0.0.1:0"), WithRateLimit(rate.Every(time.Hour), 1))
		// Drain the single token.
		require.True(t, c.limiter.Allow())

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := c.GetIssue(ctx, "i1")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "rate limit wait")
	})
}
