//go:build unix

package main

import (
	"os/exec"
	"syscall"
)

// detach puts a worker in its own process group; the parent forwards signals.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
