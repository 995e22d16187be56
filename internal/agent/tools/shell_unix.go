//go:build darwin || linux

package tools

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// ShellCommand returns the shell and its arguments. An absolute path is
// preferred so PATH cannot substitute the binary.
func ShellCommand() (shell string, args []string) {
	for _, path := range []string{"/bin/bash", "/usr/bin/bash", "/usr/local/bin/bash"} {
		if _, err := os.Stat(path); err == nil {
			return path, []string{"-c"}
		}
	}
	return "bash", []string{"-c"}
}

// ShellName returns a human-readable name for the shell.
func ShellName() string {
	return "bash"
}

// killGroupOnCancel puts the command in its own process group and makes
// context cancellation kill the whole group, so children spawned by the
// shell do not outlive a timeout.
func killGroupOnCancel(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
}

// detach starts the command in a new session so it survives the agent and
// never receives the terminal's signals.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
