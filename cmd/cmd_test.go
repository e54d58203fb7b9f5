package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paulschiretz/pgl-vault/pkg/artifact"
	"github.com/paulschiretz/pgl-vault/pkg/config"
	"github.com/paulschiretz/pgl-vault/pkg/engine"
	"github.com/paulschiretz/pgl-vault/pkg/fault"
	"github.com/paulschiretz/pgl-vault/pkg/ledger"
	"github.com/paulschiretz/pgl-vault/pkg/lockfile"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
)

func TestMain(m *testing.M) {
	plog.SetOutput(io.Discard)
	color.NoColor = true
	os.Exit(m.Run())
}

type testEnv struct {
	configPath string
	dest       string
	sources    map[string]string
}

// newTestEnv writes a config with one existing source per name and returns its paths.
func newTestEnv(t *testing.T, names ...string) *testEnv {
	t.Helper()
	root := t.TempDir()
	env := &testEnv{
		configPath: filepath.Join(root, "pgl-vault.yaml"),
		dest:       filepath.Join(root, "backups"),
		sources:    make(map[string]string),
	}
	require.NoError(t, os.MkdirAll(env.dest, 0755))

	cfg := config.NewDefault()
	cfg.General.DestinationRoot = env.dest
	cfg.General.LogDirectory = filepath.Join(root, "logs")
	cfg.Sources = nil
	for _, name := range names {
		dir := filepath.Join(root, "data", name)
		require.NoError(t, os.MkdirAll(dir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), []byte("content of "+name), 0644))
		cfg.Sources = append(cfg.Sources, artifact.SourceSpec{Name: name, Path: dir})
		env.sources[name] = dir
	}
	require.NoError(t, config.Generate(env.configPath, cfg, true))
	return env
}

func (e *testEnv) artifacts(t *testing.T, source string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(e.dest, source, source+"_*.tar.gz"))
	require.NoError(t, err)
	return matches
}

func execute(t *testing.T, args ...string) (int, string) {
	t.Helper()
	var out bytes.Buffer
	code := Execute(context.Background(), args, &out, io.Discard)
	return code, out.String()
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"Success", nil, ExitSuccess},
		{"Lock busy", engine.ErrLockBusy, ExitSuccess},
		{"Config generated", ErrConfigGenerated, ExitSuccess},
		{"Partial failure", &RunError{Status: ledger.PartialFailure, Failed: 1}, ExitFailure},
		{"Wrapped run error", fmt.Errorf("backup: %w", &RunError{Status: ledger.Failed, Failed: 2}), ExitFailure},
		{"Cancelled", fault.Wrap(fault.Cancelled, context.Canceled), ExitFailure},
		{"Prune errors", fmt.Errorf("%w: %w", ErrPruneIncomplete, errors.New("permission denied")), ExitFailure},
		{"Invalid config", fault.New(fault.ConfigInvalid, "bad"), ExitFatal},
		{"Corrupt ledger", fault.New(fault.LedgerCorrupt, "bad marker"), ExitFatal},
		{"Unclassified", errors.New("destination not writable"), ExitFatal},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExitCode(tc.err))
		})
	}
}

func TestExecute_Version(t *testing.T) {
	code, out := execute(t, "version")
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "version")
}

func TestExecute_UnknownFlagIsFatal(t *testing.T) {
	code, _ := execute(t, "--no-such-flag")
	assert.Equal(t, ExitFatal, code)
}

func TestExecute_Backup(t *testing.T) {
	env := newTestEnv(t, "docs", "photos")

	code, _ := execute(t, "backup", "--config", env.configPath)
	assert.Equal(t, ExitSuccess, code)
	assert.Len(t, env.artifacts(t, "docs"), 1)
	assert.Len(t, env.artifacts(t, "photos"), 1)
	assert.FileExists(t, filepath.Join(filepath.Dir(env.configPath), "logs", LogFileName))

	t.Run("Second run in the same period skips every source", func(t *testing.T) {
		code, _ := execute(t, "--config", env.configPath)
		assert.Equal(t, ExitSuccess, code)
		assert.Len(t, env.artifacts(t, "docs"), 1)
	})
}

func TestExecute_BackupPartialFailure(t *testing.T) {
	env := newTestEnv(t, "docs", "photos")
	require.NoError(t, os.RemoveAll(env.sources["photos"]))

	code, _ := execute(t, "backup", "--config", env.configPath)
	assert.Equal(t, ExitFailure, code)
	assert.Len(t, env.artifacts(t, "docs"), 1)
	assert.Empty(t, env.artifacts(t, "photos"))
}

func TestExecute_DryRunPrintsSourceReport(t *testing.T) {
	env := newTestEnv(t, "docs", "photos")
	require.NoError(t, os.RemoveAll(env.sources["photos"]))

	code, out := execute(t, "backup", "-c", env.configPath, "--dry-run")
	assert.Equal(t, ExitFailure, code, "the missing source still fails")
	assert.Contains(t, out, "✓ docs: "+env.sources["docs"])
	assert.Contains(t, out, "✗ photos: "+env.sources["photos"]+" (NOT FOUND)")
	assert.Empty(t, env.artifacts(t, "docs"))
	assert.NoDirExists(t, filepath.Join(env.dest, config.StateDirName))
}

func TestExecute_MissingConfigGeneratesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pgl-vault.yaml")

	code, _ := execute(t, "--config", path)
	assert.Equal(t, ExitSuccess, code)
	assert.FileExists(t, path)

	_, err := config.Load(path)
	assert.NoError(t, err)
}

func TestExecute_InvalidConfigIsFatal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pgl-vault.yaml")
	require.NoError(t, os.WriteFile(path, []byte("general:\n  no_such_key: 1\n"), 0600))

	code, _ := execute(t, "backup", "--config", path)
	assert.Equal(t, ExitFatal, code)
}

func TestExecute_LockBusyExitsCleanly(t *testing.T) {
	env := newTestEnv(t, "docs")
	lock, err := lockfile.Acquire(context.Background(), env.dest, "other instance")
	require.NoError(t, err)
	defer lock.Release()

	code, _ := execute(t, "backup", "--config", env.configPath)
	assert.Equal(t, ExitSuccess, code)
	assert.Empty(t, env.artifacts(t, "docs"))
}

func TestExecute_CorruptLedgerIsFatal(t *testing.T) {
	env := newTestEnv(t, "docs")
	markers := filepath.Join(env.dest, config.StateDirName, "ledger", "inprogress")
	require.NoError(t, os.MkdirAll(markers, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(markers, "broken.json"), []byte("{not json"), 0600))

	code, _ := execute(t, "backup", "--config", env.configPath)
	assert.Equal(t, ExitFatal, code)
	assert.Empty(t, env.artifacts(t, "docs"))
}

func TestExecute_Status(t *testing.T) {
	env := newTestEnv(t, "docs")

	t.Run("No runs", func(t *testing.T) {
		code, out := execute(t, "status", "--config", env.configPath)
		assert.Equal(t, ExitSuccess, code)
		assert.Contains(t, out, "Lock:        free")
		assert.Contains(t, out, "No runs recorded yet.")
	})

	code, _ := execute(t, "backup", "--config", env.configPath)
	require.Equal(t, ExitSuccess, code)
	// Same period: recorded as a run that skipped every source.
	code, _ = execute(t, "backup", "--config", env.configPath)
	require.Equal(t, ExitSuccess, code)

	t.Run("History", func(t *testing.T) {
		code, out := execute(t, "status", "--config", env.configPath)
		assert.Equal(t, ExitSuccess, code)
		assert.Contains(t, out, "Recent runs:")
		assert.Equal(t, 2, strings.Count(out, "Success"))
		assert.Less(t, strings.Index(out, "0 ok, 0 failed, 1 skipped"), strings.Index(out, "1 ok, 0 failed, 0 skipped"), "newest first")
	})

	t.Run("Limit and ascending order", func(t *testing.T) {
		code, out := execute(t, "status", "--config", env.configPath, "--limit", "1", "--sort", "asc")
		assert.Equal(t, ExitSuccess, code)
		assert.Equal(t, 1, strings.Count(out, "Success"))
		assert.Contains(t, out, "0 ok, 0 failed, 1 skipped", "the limit keeps the newest run")
	})

	t.Run("Invalid sort order", func(t *testing.T) {
		code, _ := execute(t, "status", "--config", env.configPath, "--sort", "random")
		assert.Equal(t, ExitFatal, code)
	})
}

func TestExecute_Prune(t *testing.T) {
	env := newTestEnv(t, "docs")
	dir := filepath.Join(env.dest, "docs")
	require.NoError(t, os.MkdirAll(dir, 0755))
	older := filepath.Join(dir, "docs_20000101_000000.tar.gz")
	newer := filepath.Join(dir, "docs_20000102_000000.tar.gz")
	require.NoError(t, os.WriteFile(older, []byte("old"), 0644))
	require.NoError(t, os.WriteFile(newer, []byte("old"), 0644))

	var prompts []string
	orig := confirm
	defer func() { confirm = orig }()

	t.Run("Declined", func(t *testing.T) {
		confirm = func(prompt string, defaultYes bool) bool {
			prompts = append(prompts, prompt)
			return false
		}
		code, _ := execute(t, "prune", "--config", env.configPath)
		assert.Equal(t, ExitSuccess, code)
		require.Len(t, prompts, 1)
		assert.Contains(t, prompts[0], "older than 30 days")
		assert.FileExists(t, older)
	})

	t.Run("Yes skips the prompt", func(t *testing.T) {
		confirm = func(string, bool) bool {
			t.Fatal("prompted despite --yes")
			return false
		}
		code, _ := execute(t, "prune", "--config", env.configPath, "--yes")
		assert.Equal(t, ExitSuccess, code)
		assert.NoFileExists(t, older)
		assert.FileExists(t, newer, "the newest artifact is always kept")
	})
}

func TestExecute_Init(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "pgl-vault.yaml")

	code, _ := execute(t, "init", "--config", path, "--log-level", "debug")
	require.Equal(t, ExitSuccess, code)
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.General.LogLevel)

	orig := confirm
	defer func() { confirm = orig }()

	t.Run("Existing file is kept when declined", func(t *testing.T) {
		confirm = func(string, bool) bool { return false }
		code, _ := execute(t, "init", "--config", path)
		assert.Equal(t, ExitSuccess, code)
		cfg, err := config.Load(path)
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.General.LogLevel)
	})

	t.Run("Force overwrites", func(t *testing.T) {
		confirm = func(string, bool) bool {
			t.Fatal("prompted despite --force")
			return false
		}
		code, _ := execute(t, "init", "--config", path, "--force")
		assert.Equal(t, ExitSuccess, code)
		cfg, err := config.Load(path)
		require.NoError(t, err)
		assert.Equal(t, "info", cfg.General.LogLevel)
	})
}
