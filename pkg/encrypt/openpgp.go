package encrypt

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-vault/pkg/artifact"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
	"github.com/paulschiretz/pgl-vault/pkg/pool"
	"github.com/paulschiretz/pgl-vault/pkg/util"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/packet"
)

// ErrRecipientNotFound is returned when no key in the keyring matches the recipient.
var ErrRecipientNotFound = errors.New("recipient not found in keyring")

// OpenPGPEncrypter encrypts in process against a public keyring.
type OpenPGPEncrypter struct {
	keyring      openpgp.EntityList
	ioBufferPool *pool.FixedBufferPool
}

// NewOpenPGPEncrypter loads the keyring at keyringPath. Both armored and binary
// keyrings are accepted.
func NewOpenPGPEncrypter(keyringPath string, bufferSizeKB int) (*OpenPGPEncrypter, error) {
	if keyringPath == "" {
		return nil, errors.New("openpgp backend requires a keyring file")
	}
	absPath, err := util.CleanAbsPath(keyringPath)
	if err != nil {
		return nil, fmt.Errorf("invalid keyring path %s: %w", keyringPath, err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read keyring %s: %w", keyringPath, err)
	}
	keyring, err := ParseKeyring(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse keyring %s: %w", keyringPath, err)
	}
	return NewOpenPGPEncrypterFromKeyring(keyring, bufferSizeKB), nil
}

// NewOpenPGPEncrypterFromKeyring creates an encrypter for an already parsed keyring.
func NewOpenPGPEncrypterFromKeyring(keyring openpgp.EntityList, bufferSizeKB int) *OpenPGPEncrypter {
	if bufferSizeKB <= 0 {
		bufferSizeKB = 256
	}
	return &OpenPGPEncrypter{
		keyring:      keyring,
		ioBufferPool: pool.NewFixedBuffer(bufferSizeKB * 1024),
	}
}

// ParseKeyring reads an armored or binary public keyring.
func ParseKeyring(data []byte) (openpgp.EntityList, error) {
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("-----BEGIN PGP")) {
		return openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	}
	return openpgp.ReadKeyRing(bytes.NewReader(data))
}

// resolve finds the entity for recipient. A recipient matches by e-mail address,
// by a case-insensitive substring of a user id, or by a hex key id or fingerprint
// suffix (with or without a 0x prefix).
func (e *OpenPGPEncrypter) resolve(recipient string) (*openpgp.Entity, error) {
	needle := strings.TrimSpace(recipient)
	if needle == "" {
		return nil, errors.New("no recipient configured")
	}
	lower := strings.ToLower(needle)
	hexID := strings.ToUpper(strings.TrimPrefix(lower, "0x"))

	for _, entity := range e.keyring {
		if entity.PrimaryKey == nil {
			continue
		}
		fingerprint := strings.ToUpper(hex.EncodeToString(entity.PrimaryKey.Fingerprint[:]))
		if len(hexID) >= 8 && isHex(hexID) && strings.HasSuffix(fingerprint, hexID) {
			return entity, nil
		}
		for _, ident := range entity.Identities {
			if ident.UserId == nil {
				continue
			}
			if strings.EqualFold(ident.UserId.Email, needle) || strings.Contains(strings.ToLower(ident.UserId.Id), lower) {
				return entity, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrRecipientNotFound, recipient)
}

func isHex(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune("0123456789ABCDEF", r) {
			return false
		}
	}
	return true
}

// Encrypt writes "<artifact>.gpg" next to the plaintext and removes the plaintext.
func (e *OpenPGPEncrypter) Encrypt(ctx context.Context, a artifact.Artifact, recipient string) (artifact.Artifact, error) {
	entity, err := e.resolve(recipient)
	if err != nil {
		return artifact.Artifact{}, classify(ctx, a, err)
	}

	out, err := e.encryptTo(ctx, a, entity)
	if err != nil {
		return artifact.Artifact{}, classify(ctx, a, err)
	}
	plog.Notice("ENCRYPTED", "source", a.Source, "file", out.Name(), "recipient", recipient)
	return out, nil
}

func (e *OpenPGPEncrypter) encryptTo(ctx context.Context, a artifact.Artifact, entity *openpgp.Entity) (_ artifact.Artifact, retErr error) {
	srcF, err := os.Open(a.Path)
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("failed to open staged artifact: %w", err)
	}
	defer srcF.Close()

	tmpF, err := os.CreateTemp(filepath.Dir(a.Path), util.TempFilePattern)
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("failed to create temp ciphertext: %w", err)
	}
	tmpPath := tmpF.Name()

	// Ensure cleanup on error
	defer func() {
		if retErr != nil {
			tmpF.Close()
			os.Remove(tmpPath)
		}
	}()

	hasher := sha256.New()
	hw := &countingWriter{w: io.MultiWriter(tmpF, hasher)}

	hints := &openpgp.FileHints{IsBinary: true, FileName: a.Name(), ModTime: a.CreatedUTC}
	config := &packet.Config{DefaultCompressionAlgo: packet.CompressionNone}
	plaintext, err := openpgp.Encrypt(hw, openpgp.EntityList{entity}, nil, hints, config)
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("failed to start encryption: %w", err)
	}

	if _, err := e.ioBufferPool.Copy(plaintext, &ctxReader{ctx: ctx, r: srcF}); err != nil {
		plaintext.Close()
		return artifact.Artifact{}, fmt.Errorf("failed to encrypt artifact: %w", err)
	}
	if err := plaintext.Close(); err != nil {
		return artifact.Artifact{}, fmt.Errorf("failed to finish encryption: %w", err)
	}
	if err := tmpF.Sync(); err != nil {
		return artifact.Artifact{}, fmt.Errorf("failed to sync ciphertext: %w", err)
	}
	if err := tmpF.Close(); err != nil {
		return artifact.Artifact{}, fmt.Errorf("failed to close ciphertext: %w", err)
	}

	return finalize(a, tmpPath, "sha256:"+hex.EncodeToString(hasher.Sum(nil)), hw.n)
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
