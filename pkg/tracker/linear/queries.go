package linear

// GraphQL documents for the Linear API

const issueFields = `
  id
  identifier
  title
  description
  priority
  createdAt
  updatedAt
  team {
    id
  }
  state {
    id
    name
    type
  }
`

const queryProjectIssues = `
query ProjectIssues($projectId: String!, $after: String) {
  project(id: $projectId) {
    issues(first: 100, after: $after) {
      nodes {` + issueFields + `}
      pageInfo {
        hasNextPage
        endCursor
      }
    }
  }
}
`

const queryIssue = `
query Issue($id: String!) {
  issue(id: $id) {` + issueFields + `}
}
`

const queryTeamStates = `
query TeamStates($teamId: String!) {
  team(id: $teamId) {
    states {
      nodes {
        id
        name
        type
      }
    }
  }
}
`

const queryIssueComments = `
query IssueComments($id: String!, $after: String) {
  issue(id: $id) {
    comments(first: 100, after: $after) {
      nodes {
        id
        body
        createdAt
        user {
          name
        }
      }
      pageInfo {
        hasNextPage
        endCursor
      }
    }
  }
}
`

const mutationUpdateIssueState = `
mutation UpdateIssueState($id: String!, $stateId: String!) {
  issueUpdate(id: $id, input: { stateId: $stateId }) {
    success
    issue {` + issueFields + `}
  }
}
`

const mutationCreateComment = `
mutation CreateComment($issueId: String!, $body: String!) {
  commentCreate(input: { issueId: $issueId, body: $body }) {
    success
    comment {
      id
      body
      createdAt
      user {
        name
      }
    }
  }
}
`
