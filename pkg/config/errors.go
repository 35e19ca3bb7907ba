package config

import "fmt"

// ExitCode is the process exit status for configuration errors.
const ExitCode = 2

// Error reports an invalid or incomplete configuration.
type Error struct {
	Field string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s %s: %v", e.Field, e.Msg, e.Err)
	}
	return fmt.Sprintf("configuration error: %s %s", e.Field, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}
