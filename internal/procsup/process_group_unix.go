//go:build !windows

package procsup

import (
	"os/exec"
	"syscall"
)

// setupProcessGroup puts the child in its own process group so that
// signalGroup can reach it and every descendant it spawns, mirroring
// buildkite-agent's Process.setupProcessGroup in process/signal.go.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}
}

// signalGroup delivers sig to the whole process group of the supervised
// child by signalling the negative pid.
func (s *Supervisor) signalGroup(sig syscall.Signal) error {
	pid := s.Pid()
	if pid == 0 {
		return nil
	}
	s.log.Debug("sending signal %v to pgid %d", sig, pid)
	return syscall.Kill(-pid, sig)
}
