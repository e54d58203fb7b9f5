//go:build windows

package encrypt

import (
	"context"
	"os/exec"

	"golang.org/x/sys/windows"
)

func (e *GPGEncrypter) createCommand(ctx context.Context, args ...string) *exec.Cmd {
	cmd := e.commandContext(ctx, e.binary, args...)
	cmd.SysProcAttr = &windows.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
	return cmd
}
