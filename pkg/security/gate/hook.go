package gate

import (
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Claude Code hook protocol constants.
const (
	HookEventPreToolUse = "PreToolUse"

	PermissionAllow = "allow"
	PermissionDeny  = "deny"

	ToolBash         = "Bash"
	ToolWrite        = "Write"
	ToolEdit         = "Edit"
	ToolMultiEdit    = "MultiEdit"
	ToolNotebookEdit = "NotebookEdit"
)

// HookInput is the JSON document the agent runtime writes to a PreToolUse hook's stdin.
type HookInput struct {
	SessionID      string          `json:"session_id"`
	TranscriptPath string          `json:"transcript_path,omitempty"`
	Cwd            string          `json:"cwd,omitempty"`
	HookEventName  string          `json:"hook_event_name"`
	ToolName       string          `json:"tool_name"`
	ToolInput      json.RawMessage `json:"tool_input"`
}

type toolInput struct {
	Command      string `json:"command"`
	FilePath     string `json:"file_path"`
	NotebookPath string `json:"notebook_path"`
}

// HookResponse is written to the hook's stdout.
type HookResponse struct {
	HookSpecificOutput HookDecision `json:"hookSpecificOutput"`
}

// HookDecision carries the permission verdict for one tool call.
type HookDecision struct {
	HookEventName            string `json:"hookEventName"`
	PermissionDecision       string `json:"permissionDecision"`
	PermissionDecisionReason string `json:"permissionDecisionReason,omitempty"`
}

// ParseHookInput decodes a hook request.
func ParseHookInput(r io.Reader) (*HookInput, error) {
	var in HookInput
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return nil, fmt.Errorf("failed to decode hook input: %w", err)
	}
	if in.ToolName == "" {
		return nil, fmt.Errorf("hook input has no tool_name")
	}
	return &in, nil
}

// Hook evaluates PreToolUse requests against the command policy and path guard.
type Hook struct {
	Policy *Policy
	Paths  *PathGuard
	// Denials records rejected calls when set.
	Denials *DenialLog
	// Worker tags recorded denials with the parallel worker, if any.
	Worker string
	Now    func() time.Time
}

// Evaluate returns the response for in, or nil when the tool is not gated and
// the runtime's own permission settings apply. A non-nil DeniedError accompanies
// every deny response.
func (h *Hook) Evaluate(in *HookInput) (*HookResponse, *DeniedError) {
	var args toolInput
	if len(in.ToolInput) > 0 {
		if err := json.Unmarshal(in.ToolInput, &args); err != nil {
			return h.deny(in, "", Deny("unreadable tool input", err.Error()))
		}
	}

	switch in.ToolName {
	case ToolBash:
		decision := h.Policy.Authorize(args.Command)
		if !decision.Allowed {
			return h.deny(in, args.Command, decision)
		}
		return allowResponse(), nil

	case ToolWrite, ToolEdit, ToolMultiEdit, ToolNotebookEdit:
		if h.Paths == nil {
			return nil, nil
		}
		target := args.FilePath
		if target == "" {
			target = args.NotebookPath
		}
		decision := h.Paths.Check(target)
		if !decision.Allowed {
			return h.deny(in, target, decision)
		}
		return nil, nil

	default:
		return nil, nil
	}
}

func (h *Hook) deny(in *HookInput, input string, decision Decision) (*HookResponse, *DeniedError) {
	denied := &DeniedError{Tool: in.ToolName, Input: input, Decision: decision}
	if h.Denials != nil {
		now := time.Now
		if h.Now != nil {
			now = h.Now
		}
		// Best effort: a failed append must not turn a deny into an allow.
		_ = h.Denials.Append(Denial{
			Time:      now().UTC(),
			SessionID: in.SessionID,
			Worker:    h.Worker,
			Tool:      in.ToolName,
			Input:     input,
			Reason:    decision.Reason,
			Detail:    decision.Detail,
		})
	}
	return &HookResponse{HookSpecificOutput: HookDecision{
		HookEventName:            HookEventPreToolUse,
		PermissionDecision:       PermissionDeny,
		PermissionDecisionReason: feedback(decision),
	}}, denied
}

func allowResponse() *HookResponse {
	return &HookResponse{HookSpecificOutput: HookDecision{
		HookEventName:      HookEventPreToolUse,
		PermissionDecision: PermissionAllow,
	}}
}

// feedback is the text the agent reads after a denial.
func feedback(d Decision) string {
	switch d.Reason {
	case ReasonCompound:
		return fmt.Sprintf("Command blocked: %s. Run each command as a separate Bash call without chaining, pipes or substitution.", d.Detail)
	case ReasonNotAllowed:
		return fmt.Sprintf("Command blocked: %q is not in the allowed commands list. Use an allowed program or a file tool instead.", d.Detail)
	case ReasonEmpty:
		return "Command blocked: empty command."
	default:
		return "Blocked: " + d.String()
	}
}

// WriteHookResponse encodes resp to w. A nil response writes nothing.
func WriteHookResponse(w io.Writer, resp *HookResponse) error {
	if resp == nil {
		return nil
	}
	return json.NewEncoder(w).Encode(resp)
}
