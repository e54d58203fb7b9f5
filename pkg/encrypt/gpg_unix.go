//go:build !windows

package encrypt

import (
	"context"
	"os/exec"

	"golang.org/x/sys/unix"
)

// createCommand runs gpg in its own process group so a cancelled run does not
// leave a gpg-agent child attached to our terminal.
func (e *GPGEncrypter) createCommand(ctx context.Context, args ...string) *exec.Cmd {
	cmd := e.commandContext(ctx, e.binary, args...)
	cmd.SysProcAttr = &unix.SysProcAttr{Setpgid: true}
	return cmd
}
