//go:build windows

package localexec

import (
	"os/exec"
	"strconv"
)

var defaultShell = []string{"cmd.exe", "/C"}

func configureProcGroup(cmd *exec.Cmd) {}

// killTree terminates the process and every descendant.
func killTree(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	kill := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(cmd.Process.Pid))
	if err := kill.Run(); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
