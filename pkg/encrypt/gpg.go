package encrypt

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-vault/pkg/artifact"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
	"github.com/paulschiretz/pgl-vault/pkg/pool"
	"github.com/paulschiretz/pgl-vault/pkg/util"
)

// GPGEncrypter shells out to gpg.
type GPGEncrypter struct {
	binary string
	// commandContext allows mocking os/exec for testing.
	commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd
	ioBufferPool   *pool.FixedBufferPool
}

// NewGPGEncrypter creates a gpg backed Encrypter. An empty binary means "gpg" from PATH.
func NewGPGEncrypter(binary string, commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) *GPGEncrypter {
	if binary == "" {
		binary = "gpg"
	}
	return &GPGEncrypter{
		binary:         binary,
		commandContext: commandContext,
		ioBufferPool:   pool.NewFixedBuffer(64 * 1024),
	}
}

// Encrypt runs
//
//	gpg --batch --yes --trust-model always --recipient R --output X.gpg --encrypt X
//
// into a temp file and moves the result into place.
func (e *GPGEncrypter) Encrypt(ctx context.Context, a artifact.Artifact, recipient string) (artifact.Artifact, error) {
	if strings.TrimSpace(recipient) == "" {
		return artifact.Artifact{}, classify(ctx, a, fmt.Errorf("no recipient configured"))
	}
	out, err := e.run(ctx, a, recipient)
	if err != nil {
		return artifact.Artifact{}, classify(ctx, a, err)
	}
	plog.Notice("ENCRYPTED", "source", a.Source, "file", out.Name(), "recipient", recipient)
	return out, nil
}

func (e *GPGEncrypter) run(ctx context.Context, a artifact.Artifact, recipient string) (_ artifact.Artifact, retErr error) {
	tmpF, err := os.CreateTemp(filepath.Dir(a.Path), util.TempFilePattern)
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("failed to create temp ciphertext: %w", err)
	}
	tmpPath := tmpF.Name()
	tmpF.Close()

	// Ensure cleanup on error
	defer func() {
		if retErr != nil {
			os.Remove(tmpPath)
		}
	}()

	cmd := e.createCommand(ctx,
		"--batch", "--yes",
		"--trust-model", "always",
		"--recipient", recipient,
		"--output", tmpPath,
		"--encrypt", a.Path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return artifact.Artifact{}, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return artifact.Artifact{}, fmt.Errorf("gpg failed: %w: %s", err, msg)
		}
		return artifact.Artifact{}, fmt.Errorf("gpg failed: %w", err)
	}

	checksum, size, err := checksumFile(tmpPath, e.ioBufferPool)
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("failed to checksum ciphertext: %w", err)
	}
	if size == 0 {
		return artifact.Artifact{}, fmt.Errorf("gpg produced an empty ciphertext")
	}
	return finalize(a, tmpPath, checksum, size)
}
