//go:build !linux

package procsup

import (
	"os"
	"os/exec"
	"syscall"
)

func sysProcAttr() *syscall.SysProcAttr {
	return nil
}

func terminate(cmd *exec.Cmd) error {
	return cmd.Process.Signal(syscall.SIGTERM)
}

func kill(cmd *exec.Cmd) error {
	return cmd.Process.Signal(os.Kill)
}
