//go:build !windows

package authproxy

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the child in its own process group so that helpers it
// spawns (credential plugins) are terminated along with it.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminate(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}

func kill(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
