//go:build !windows

package hook

import (
	"context"
	"os/exec"

	"golang.org/x/sys/unix"
)

// createCommand wraps command in the system shell.
func (e *HookExecutor) createCommand(ctx context.Context, command string) *exec.Cmd {
	cmd := e.commandContext(ctx, "/bin/sh", "-c", command)
	// Own process group so a cancelled run can signal the whole hook tree.
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	return cmd
}
