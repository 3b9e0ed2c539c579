//go:build linux

package procsup

import (
	"os/exec"
	"syscall"
)

// Children run in their own process group and carry a parent-death signal:
// if this process dies without cleanup, the kernel kills the child. This is
// the safety net against orphaned agent processes.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
}

func terminate(cmd *exec.Cmd) error {
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
}

func kill(cmd *exec.Cmd) error {
	return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
}
