// Package encrypt implements the EncryptionStage: it turns a staged plaintext
// artifact into an OpenPGP encrypted one in the same staging directory.
//
// The stage is fail closed. On any error the partial ciphertext is removed and the
// error is classified as EncryptionFailed, so the caller never publishes the
// plaintext in its place.
package encrypt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/paulschiretz/pgl-vault/pkg/artifact"
	"github.com/paulschiretz/pgl-vault/pkg/fault"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
	"github.com/paulschiretz/pgl-vault/pkg/pool"
)

// Encrypter transforms a staged artifact into its encrypted form.
type Encrypter interface {
	Encrypt(ctx context.Context, a artifact.Artifact, recipient string) (artifact.Artifact, error)
}

// New returns the Encrypter for the plan. A disabled plan yields a pass-through.
// commandContext is only used by the gpg backend and may be nil for exec.CommandContext.
func New(p *Plan, bufferSizeKB int, commandContext func(ctx context.Context, name string, arg ...string) *exec.Cmd) (Encrypter, error) {
	if !p.Enabled {
		return NewPassthrough(), nil
	}
	switch p.Backend {
	case GPG:
		if commandContext == nil {
			commandContext = exec.CommandContext
		}
		return NewGPGEncrypter(p.GPGBinary, commandContext), nil
	case OpenPGP, "":
		return NewOpenPGPEncrypter(p.Keyring, bufferSizeKB)
	default:
		return nil, fmt.Errorf("unsupported encryption backend: %s", p.Backend)
	}
}

// Passthrough returns artifacts unchanged.
type Passthrough struct{}

// NewPassthrough creates the Encrypter used when encryption is disabled.
func NewPassthrough() *Passthrough {
	return &Passthrough{}
}

func (Passthrough) Encrypt(ctx context.Context, a artifact.Artifact, recipient string) (artifact.Artifact, error) {
	return a, nil
}

// encryptedPath is where the ciphertext of the artifact at path is written.
func encryptedPath(path string) string {
	return path + artifact.EncryptedSuffix
}

// finalize moves the finished ciphertext at tmpPath into place and drops the plaintext.
func finalize(a artifact.Artifact, tmpPath, checksum string, size int64) (artifact.Artifact, error) {
	dst := encryptedPath(a.Path)
	if err := os.Rename(tmpPath, dst); err != nil {
		return artifact.Artifact{}, fmt.Errorf("failed to move ciphertext into place: %w", err)
	}
	if err := os.Remove(a.Path); err != nil && !os.IsNotExist(err) {
		// The ciphertext is complete; a leftover plaintext in staging is swept with the staging dir.
		plog.Warn("Could not remove plaintext from staging", "path", a.Path, "error", err)
	}

	out := a
	out.Path = dst
	out.Encrypted = true
	out.Checksum = checksum
	out.Size = size
	return out, nil
}

// classify wraps err as EncryptionFailed for the artifact's source, or Cancelled
// when ctx was the cause.
func classify(ctx context.Context, a artifact.Artifact, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fault.WithContext(fault.Wrap(fault.Cancelled, ctxErr), fault.Cancelled, a.Source, "encrypt")
	}
	return fault.WithContext(err, fault.EncryptionFailed, a.Source, "encrypt")
}

// checksumFile returns the "sha256:<hex>" digest and size of the file at path.
func checksumFile(path string, bufPool *pool.FixedBufferPool) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := bufPool.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), n, nil
}

// countingWriter counts the bytes written through it.
type countingWriter struct {
	w io.Writer
	n int64
}

func (h *countingWriter) Write(p []byte) (int, error) {
	n, err := h.w.Write(p)
	h.n += int64(n)
	return n, err
}
