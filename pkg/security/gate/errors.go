package gate

import "fmt"

// DeniedError reports a command or file access rejected by the gate.
// It is recovered inside the session: the agent sees the reason and may try
// something else.
type DeniedError struct {
	Tool     string
	Input    string
	Decision Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("security denied (%s): %s: %s", e.Tool, e.Decision, e.Input)
}
