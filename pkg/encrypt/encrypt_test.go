package encrypt

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-vault/pkg/artifact"
	"github.com/paulschiretz/pgl-vault/pkg/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
)

// stageArtifact writes a fake archive into a fresh staging dir.
func stageArtifact(t *testing.T, content string) artifact.Artifact {
	t.Helper()
	created := time.Date(2024, 5, 17, 15, 4, 5, 0, time.UTC)
	path := filepath.Join(t.TempDir(), artifact.FileName("project1", created, "tar.gz"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	sum := sha256.Sum256([]byte(content))
	return artifact.Artifact{
		Source:     "project1",
		CreatedUTC: created,
		Size:       int64(len(content)),
		Checksum:   "sha256:" + hex.EncodeToString(sum[:]),
		Format:     "tar.gz",
		Path:       path,
	}
}

func newTestEntity(t *testing.T) *openpgp.Entity {
	t.Helper()
	entity, err := openpgp.NewEntity("Backup Operator", "test", "backup@example.com", nil)
	require.NoError(t, err)
	return entity
}

// writeKeyring serializes the public part of entity, armored or binary.
func writeKeyring(t *testing.T, entity *openpgp.Entity, armored bool) string {
	t.Helper()
	var buf bytes.Buffer
	if armored {
		w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
		require.NoError(t, err)
		require.NoError(t, entity.Serialize(w))
		require.NoError(t, w.Close())
	} else {
		require.NoError(t, entity.Serialize(&buf))
	}
	path := filepath.Join(t.TempDir(), "pubring.asc")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
	return path
}

func TestPassthrough(t *testing.T) {
	a := stageArtifact(t, "plain")
	enc, err := New(&Plan{Enabled: false}, 0, nil)
	require.NoError(t, err)

	out, err := enc.Encrypt(context.Background(), a, "anyone")
	require.NoError(t, err)
	assert.Equal(t, a, out)
	assert.FileExists(t, a.Path)
}

func TestOpenPGP_EncryptRoundTrip(t *testing.T) {
	entity := newTestEntity(t)

	for _, armored := range []bool{true, false} {
		t.Run(fmt.Sprintf("armored=%v", armored), func(t *testing.T) {
			keyring := writeKeyring(t, entity, armored)
			enc, err := New(&Plan{Enabled: true, Backend: OpenPGP, Keyring: keyring}, 16, nil)
			require.NoError(t, err)

			a := stageArtifact(t, "archive bytes")
			out, err := enc.Encrypt(context.Background(), a, "backup@example.com")
			require.NoError(t, err)

			assert.True(t, out.Encrypted)
			assert.Equal(t, a.Path+".gpg", out.Path)
			assert.NoFileExists(t, a.Path, "plaintext must be removed")
			assert.NotEqual(t, a.Checksum, out.Checksum)

			data, err := os.ReadFile(out.Path)
			require.NoError(t, err)
			sum := sha256.Sum256(data)
			assert.Equal(t, "sha256:"+hex.EncodeToString(sum[:]), out.Checksum)
			assert.Equal(t, int64(len(data)), out.Size)

			md, err := openpgp.ReadMessage(bytes.NewReader(data), openpgp.EntityList{entity}, nil, nil)
			require.NoError(t, err)
			plain, err := io.ReadAll(md.UnverifiedBody)
			require.NoError(t, err)
			assert.Equal(t, "archive bytes", string(plain))

			// The recovered artifact name round-trips as encrypted.
			parsed, ok := artifact.ParseFileName(out.Name())
			require.True(t, ok)
			assert.True(t, parsed.Encrypted)
		})
	}
}

func TestOpenPGP_ResolveRecipient(t *testing.T) {
	entity := newTestEntity(t)
	enc := NewOpenPGPEncrypterFromKeyring(openpgp.EntityList{entity}, 0)
	fingerprint := strings.ToUpper(hex.EncodeToString(entity.PrimaryKey.Fingerprint[:]))

	testCases := []struct {
		recipient string
		found     bool
	}{
		{recipient: "backup@example.com", found: true},
		{recipient: "BACKUP@example.com", found: true},
		{recipient: "Backup Operator", found: true},
		{recipient: fingerprint, found: true},
		{recipient: "0x" + fingerprint[len(fingerprint)-16:], found: true},
		{recipient: strings.ToLower(fingerprint[len(fingerprint)-8:]), found: true},
		{recipient: "someone@else.org", found: false},
		{recipient: "", found: false},
	}
	for _, tc := range testCases {
		t.Run(tc.recipient, func(t *testing.T) {
			got, err := enc.resolve(tc.recipient)
			if tc.found {
				require.NoError(t, err)
				assert.Same(t, entity, got)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestOpenPGP_FailClosed(t *testing.T) {
	entity := newTestEntity(t)
	enc := NewOpenPGPEncrypterFromKeyring(openpgp.EntityList{entity}, 0)

	a := stageArtifact(t, "secret payload")
	_, err := enc.Encrypt(context.Background(), a, "nobody@example.com")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.EncryptionFailed))
	assert.ErrorIs(t, err, ErrRecipientNotFound)

	// No ciphertext and no temp file is left; the plaintext stays in staging only.
	entries, err := os.ReadDir(filepath.Dir(a.Path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.Base(a.Path), entries[0].Name())
}

func TestOpenPGP_Cancelled(t *testing.T) {
	entity := newTestEntity(t)
	enc := NewOpenPGPEncrypterFromKeyring(openpgp.EntityList{entity}, 0)
	a := stageArtifact(t, "payload")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := enc.Encrypt(ctx, a, "backup@example.com")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Cancelled))
	assert.NoFileExists(t, a.Path+".gpg")
}

func TestNew_Errors(t *testing.T) {
	_, err := New(&Plan{Enabled: true, Backend: OpenPGP}, 0, nil)
	assert.Error(t, err, "missing keyring must be rejected")

	_, err = New(&Plan{Enabled: true, Backend: OpenPGP, Keyring: filepath.Join(t.TempDir(), "missing")}, 0, nil)
	assert.Error(t, err)

	garbage := filepath.Join(t.TempDir(), "garbage")
	require.NoError(t, os.WriteFile(garbage, []byte("not a keyring"), 0644))
	_, err = New(&Plan{Enabled: true, Backend: OpenPGP, Keyring: garbage}, 0, nil)
	assert.Error(t, err)
}

// TestHelperProcess is a helper for testing exec. It emulates gpg.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	args := os.Args
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	var recipient, output, input string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--recipient":
			recipient = args[i+1]
		case "--output":
			output = args[i+1]
		case "--encrypt":
			input = args[i+1]
		}
	}
	if strings.Contains(recipient, "unknown") {
		fmt.Fprintf(os.Stderr, "gpg: %s: skipped: No public key\n", recipient)
		os.Exit(2)
	}
	data, err := os.ReadFile(input)
	if err != nil {
		os.Exit(3)
	}
	if err := os.WriteFile(output, append([]byte("GPG:"), data...), 0600); err != nil {
		os.Exit(4)
	}
	os.Exit(0)
}

func mockCommandContext(ctx context.Context, name string, arg ...string) *exec.Cmd {
	cs := append([]string{"-test.run=TestHelperProcess", "--", name}, arg...)
	cmd := exec.CommandContext(ctx, os.Args[0], cs...)
	cmd.Env = []string{"GO_WANT_HELPER_PROCESS=1"}
	return cmd
}

func TestGPG_Encrypt(t *testing.T) {
	enc, err := New(&Plan{Enabled: true, Backend: GPG}, 0, mockCommandContext)
	require.NoError(t, err)

	a := stageArtifact(t, "tarball")
	out, err := enc.Encrypt(context.Background(), a, "backup@example.com")
	require.NoError(t, err)

	assert.True(t, out.Encrypted)
	assert.Equal(t, a.Path+".gpg", out.Path)
	assert.NoFileExists(t, a.Path)

	data, err := os.ReadFile(out.Path)
	require.NoError(t, err)
	assert.Equal(t, "GPG:tarball", string(data))
	sum := sha256.Sum256(data)
	assert.Equal(t, "sha256:"+hex.EncodeToString(sum[:]), out.Checksum)
}

func TestGPG_FailClosed(t *testing.T) {
	enc := NewGPGEncrypter("", mockCommandContext)

	a := stageArtifact(t, "tarball")
	_, err := enc.Encrypt(context.Background(), a, "unknown@example.com")
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.EncryptionFailed))
	assert.Contains(t, err.Error(), "No public key")

	entries, err := os.ReadDir(filepath.Dir(a.Path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "only the plaintext may remain in staging")

	_, err = enc.Encrypt(context.Background(), a, "  ")
	assert.True(t, fault.Is(err, fault.EncryptionFailed))
}

func TestParseBackend(t *testing.T) {
	b, err := ParseBackend("")
	require.NoError(t, err)
	assert.Equal(t, OpenPGP, b)

	b, err = ParseBackend("gpg")
	require.NoError(t, err)
	assert.Equal(t, GPG, b)

	_, err = ParseBackend("age")
	assert.Error(t, err)
}
