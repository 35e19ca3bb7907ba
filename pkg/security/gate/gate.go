// Package gate decides whether a shell command proposed by the agent may run.
// It is the only security boundary between the agent runtime and the host shell:
// a command is allowed only when its leading program is in the allowlist and the
// command line cannot chain a second program.
package gate

import (
	"path"
	"regexp"
	"sort"
	"strings"
)

const (
	// ReasonEmpty is returned for blank command lines.
	ReasonEmpty = "empty command"
	// ReasonCompound is returned when the command line contains chaining or substitution syntax.
	ReasonCompound = "compound command"
	// ReasonNotAllowed is returned when the leading program is not in the allowlist.
	ReasonNotAllowed = "not in allowlist"
)

// DefaultAllowlist is the set of programs an agent may run in standard mode.
var DefaultAllowlist = []string{
	// File inspection
	"ls", "cat", "head", "tail", "wc", "grep",
	// File operations
	"cp", "mkdir", "chmod", "pwd",
	// Node.js development
	"npm", "node",
	// Version control
	"git",
	// Process management
	"ps", "lsof", "sleep", "pkill",
	// Project bootstrap script written by the initializer session
	"init.sh",
}

// compoundTokens are substrings that let one command line run more than one program.
// Longer tokens come first so the reported token is the one the agent wrote.
var compoundTokens = []string{
	"&&", "||", ";", "|", "&", "`", "$(", "<(", ">(", "\n", "\r",
}

// fdRedirect matches descriptor duplication such as "2>&1", the only use of "&"
// that does not start another program.
var fdRedirect = regexp.MustCompile(`[0-9]*>&[0-9]+`)

// Decision is the result of authorizing one command line.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	// Detail names the offending token or program for denied commands.
	Detail string `json:"detail,omitempty"`
	// Program is the leading program with any path prefix removed.
	Program string `json:"program,omitempty"`
}

// Allow returns an allowing decision for program.
func Allow(program string) Decision {
	return Decision{Allowed: true, Program: program}
}

// Deny returns a denying decision.
func Deny(reason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

// String renders the decision for logs and agent feedback.
func (d Decision) String() string {
	if d.Allowed {
		return "allow " + d.Program
	}
	if d.Detail == "" {
		return "deny: " + d.Reason
	}
	return "deny: " + d.Reason + " (" + d.Detail + ")"
}

// Policy is an immutable set of permitted program names.
// The zero value denies every command.
type Policy struct {
	allowed      map[string]struct{}
	unrestricted bool
}

// NewPolicy builds a policy from program names. Blank names are ignored.
func NewPolicy(names ...string) *Policy {
	allowed := make(map[string]struct{}, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		allowed[name] = struct{}{}
	}
	return &Policy{allowed: allowed}
}

// DefaultPolicy returns a policy over DefaultAllowlist.
func DefaultPolicy() *Policy {
	return NewPolicy(DefaultAllowlist...)
}

// UnrestrictedPolicy returns a policy that allows every non-empty command.
// It backs yolo mode, where the sandbox is the only containment.
func UnrestrictedPolicy() *Policy {
	return &Policy{allowed: map[string]struct{}{}, unrestricted: true}
}

// Unrestricted reports whether the policy skips the allowlist.
func (p *Policy) Unrestricted() bool {
	return p != nil && p.unrestricted
}

// Names returns the allowed program names, sorted.
func (p *Policy) Names() []string {
	if p == nil {
		return nil
	}
	names := make([]string, 0, len(p.allowed))
	for name := range p.allowed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Contains reports whether program is in the allowlist. Matching is case-sensitive.
func (p *Policy) Contains(program string) bool {
	if p == nil {
		return false
	}
	_, ok := p.allowed[program]
	return ok
}

// Authorize decides whether command may be executed.
//
// Rules, in order:
//   - blank input is denied as an empty command
//   - an unrestricted policy allows anything else
//   - any chaining or substitution syntax is denied, even inside quotes
//   - the first whitespace-delimited token, stripped of its path prefix,
//     must be in the allowlist
func (p *Policy) Authorize(command string) Decision {
	command = strings.TrimSpace(command)
	if command == "" {
		return Deny(ReasonEmpty, "")
	}

	if p.Unrestricted() {
		return Allow(leadingProgram(command))
	}

	if token, found := findCompoundToken(command); found {
		return Deny(ReasonCompound, "contains "+quoteToken(token))
	}

	program := leadingProgram(command)
	if program == "" {
		return Deny(ReasonEmpty, "")
	}

	if !p.Contains(program) {
		return Deny(ReasonNotAllowed, program)
	}
	return Allow(program)
}

// findCompoundToken returns the first chaining token present in command.
func findCompoundToken(command string) (string, bool) {
	command = fdRedirect.ReplaceAllString(command, "")
	for _, token := range compoundTokens {
		if strings.Contains(command, token) {
			return token, true
		}
	}
	return "", false
}

// leadingProgram returns the first field of command without its directory.
func leadingProgram(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	first := strings.TrimRight(fields[0], "/")
	if first == "" || first == "." || first == ".." {
		return ""
	}
	return path.Base(first)
}

func quoteToken(token string) string {
	switch token {
	case "\n":
		return `"\n"`
	case "\r":
		return `"\r"`
	default:
		return `"` + token + `"`
	}
}
