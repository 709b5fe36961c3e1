//go:build windows

package wrapperagent

import (
	"fmt"
	"os/exec"
)

// dropPrivileges has no Windows equivalent of the unix Credential
// mechanism in os/exec; a named-user job on Windows is rejected rather
// than silently ignored.
func dropPrivileges(cmd *exec.Cmd, username string) error {
	return fmt.Errorf("running as a named user is not supported on windows")
}

func terminateSoft(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

func terminateHard(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
