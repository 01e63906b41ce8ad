//go:build windows

package supervisor

import (
	"os"
	"os/exec"
	"syscall"
)

const (
	sigTERM = syscall.Signal(0xf)
	sigKILL = syscall.Signal(0x9)
)

// Windows has no Setpgid; the child is killed directly.
func setProcGroup(cmd *exec.Cmd) {}

func signalGroup(pid int, _ syscall.Signal) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
