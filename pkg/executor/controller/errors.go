package controller

import (
	"errors"
	"fmt"
)

var (
	// ErrNotStarted is returned by Step before Start.
	ErrNotStarted = errors.New("controller not started")
	// ErrNoWork is returned by a RequestBuilder when nothing is left to do.
	// The controller stops cleanly without recording an iteration.
	ErrNoWork = errors.New("no work available")
)

// AbortError is returned when sessions kept failing and the loop gave up.
type AbortError struct {
	Consecutive int
	Records     []IterationRecord
}

func (e *AbortError) Error() string {
	last := ""
	if n := len(e.Records); n > 0 {
		last = e.Records[n-1].Note
	}
	return fmt.Sprintf("aborting after %d consecutive failed sessions (%d iterations run): last error: %s",
		e.Consecutive, len(e.Records), last)
}
