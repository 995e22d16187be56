//go:build windows

package tools

import (
	"os/exec"
	"syscall"
)

// ShellCommand returns the shell command and arguments for Windows systems.
func ShellCommand() (shell string, args []string) {
	return "cmd.exe", []string{"/C"}
}

// ShellName returns a human-readable name for the shell.
func ShellName() string {
	return "cmd"
}

// killGroupOnCancel starts the command in a new process group. Windows has
// no group kill through os.Process, so cancellation kills the shell itself.
func killGroupOnCancel(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
}

func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
