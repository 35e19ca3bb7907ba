// Package mcpserver is the stdio MCP server the agent uses to talk back to
// the harness.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/entrhq/autocoder/pkg/logging"
	"github.com/entrhq/autocoder/pkg/progress"
)

const (
	ServerName = "autocoder"

	ToolReportComplete = "report_project_complete"
	ToolProgress       = "read_progress"
)

// CompleteParams is the input of report_project_complete.
type CompleteParams struct {
	Summary string `json:"summary" jsonschema:"Short summary of what was built and verified"`
}

// ProgressParams is the input of read_progress.
type ProgressParams struct {
	Worker string `json:"worker,omitempty" jsonschema:"Worker name in parallel mode; empty for a single run"`
}

// Completion is the content of the project-complete signal file.
type Completion struct {
	Summary    string    `json:"summary"`
	ReportedAt time.Time `json:"reported_at"`
}

// Handlers implement the tools for one project.
type Handlers struct {
	ProjectDir string
	Logger     *logging.Logger
	now        func() time.Time
}

// NewHandlers returns the tool handlers for projectDir.
func NewHandlers(projectDir string, log *logging.Logger) *Handlers {
	return &Handlers{ProjectDir: projectDir, Logger: log.With("mcp"), now: time.Now}
}

// NewServer registers the tools on a new MCP server.
func NewServer(h *Handlers, version string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    ServerName,
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name: ToolReportComplete,
		Description: "Report that every feature of the project is implemented and verified. " +
			"Call this only when no work is left; the harness stops after the current session.",
	}, h.ReportProjectComplete)

	mcp.AddTool(server, &mcp.Tool{
		Name:        ToolProgress,
		Description: "Read the harness progress record: last iteration index, status and session id.",
	}, h.ReadProgress)

	return server
}

// Run serves the tools over stdio until ctx is cancelled or the client disconnects.
func Run(ctx context.Context, h *Handlers, version string) error {
	h.Logger.Infof("starting MCP server for %s on stdio", h.ProjectDir)
	if err := NewServer(h, version).Run(ctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("mcp server: %w", err)
	}
	h.Logger.Infof("MCP server stopped")
	return nil
}

// ReportProjectComplete writes the project-complete signal file.
func (h *Handlers) ReportProjectComplete(_ context.Context, _ *mcp.CallToolRequest, params CompleteParams) (*mcp.CallToolResult, any, error) {
	summary := strings.TrimSpace(params.Summary)
	if summary == "" {
		return nil, nil, fmt.Errorf("summary parameter is required")
	}

	data, err := json.MarshalIndent(Completion{Summary: summary, ReportedAt: h.now().UTC()}, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	path := progress.CompletionPath(h.ProjectDir)
	err = os.MkdirAll(filepath.Dir(path), 0755)
	if err == nil {
		err = os.WriteFile(path, data, 0644)
	}
	if err != nil {
		h.Logger.Errorf("failed to write completion signal: %v", err)
		return errorResult(fmt.Sprintf("Error: could not record completion: %v", err)), nil, nil
	}

	h.Logger.Infof("project reported complete: %s", summary)
	return textResult("Project completion recorded. Finish the session; no further sessions will start."), nil, nil
}

// ReadProgress returns the progress record as JSON.
func (h *Handlers) ReadProgress(ctx context.Context, _ *mcp.CallToolRequest, params ProgressParams) (*mcp.CallToolResult, any, error) {
	state, err := progress.NewFileStore(progress.PathFor(h.ProjectDir, params.Worker)).Load(ctx)
	if err != nil {
		return errorResult(fmt.Sprintf("Error: %v", err)), nil, nil
	}
	if state == nil {
		return textResult(`{"started": false}`), nil, nil
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	return textResult(string(data)), nil, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func errorResult(text string) *mcp.CallToolResult {
	res := textResult(text)
	res.IsError = true
	return res
}
