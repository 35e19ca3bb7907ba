//go:build unix

package session

import (
	"os/exec"
	"syscall"
)

// isolateProcessGroup keeps a terminal Ctrl-C from reaching the runtime, so an
// operator stop waits for the session to finish.
func isolateProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
