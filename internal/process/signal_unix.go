//go:build unix

package process

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// configureSysProcAttr puts the child in its own process group so signals
// reach everything it spawned.
func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(pid int, sig syscall.Signal) error {
	if err := unix.Kill(-pid, sig); err != nil {
		if err == unix.ESRCH {
			// the leader may not have called setpgid yet
			return unix.Kill(pid, sig)
		}
		return err
	}
	return nil
}
