package cmd

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/paulschiretz/pgl-vault/pkg/archive"
	"github.com/paulschiretz/pgl-vault/pkg/buildinfo"
	"github.com/paulschiretz/pgl-vault/pkg/config"
	"github.com/paulschiretz/pgl-vault/pkg/encrypt"
	"github.com/paulschiretz/pgl-vault/pkg/engine"
	"github.com/paulschiretz/pgl-vault/pkg/fault"
	"github.com/paulschiretz/pgl-vault/pkg/flagparse"
	"github.com/paulschiretz/pgl-vault/pkg/hook"
	"github.com/paulschiretz/pgl-vault/pkg/metrics"
	"github.com/paulschiretz/pgl-vault/pkg/notify"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
	"github.com/paulschiretz/pgl-vault/pkg/publock"
	"github.com/paulschiretz/pgl-vault/pkg/retention"
)

// LogFileName is the name of the log file written to the log directory.
const LogFileName = "backup.log"

// ErrConfigGenerated is returned when no configuration existed and a default one
// was written instead of running.
var ErrConfigGenerated = fault.Hint("no configuration found, a default one was generated")

// configPathFrom returns the --config value or the default path.
func configPathFrom(flagMap map[string]any) string {
	if v, ok := flagMap["config"].(string); ok && v != "" {
		return v
	}
	return flagparse.DefaultConfigPath
}

// loadConfig resolves the effective configuration of command: the env file is
// loaded first so the config can reference it, then the config file is read and
// the flags are overlaid.
func loadConfig(command flagparse.Command, flagMap map[string]any) (config.Config, error) {
	if envFile, ok := flagMap["env-file"].(string); ok {
		if err := config.LoadEnvFile(envFile); err != nil {
			return config.Config{}, err
		}
	}

	configPath := configPathFrom(flagMap)
	loadedConfig, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) && command == flagparse.Backup {
			if genErr := config.Generate(configPath, config.NewDefault(), false); genErr != nil {
				return config.Config{}, fault.Wrap(fault.ConfigInvalid, genErr)
			}
			plog.Notice("Edit the generated configuration and run "+buildinfo.BinaryName+" again", "path", configPath)
			return config.Config{}, ErrConfigGenerated
		}
		return config.Config{}, fault.Wrap(fault.ConfigInvalid, err)
	}

	// Merge the flag values over the loaded config to get the final run config.
	runConfig := config.MergeConfigWithFlags(command, loadedConfig, flagMap)

	// CRITICAL: Validate the config for the run
	if err := runConfig.Validate(); err != nil {
		return config.Config{}, err
	}
	return runConfig, nil
}

// setupLogging applies the configured level and attaches the log file. The
// returned func detaches it again.
func setupLogging(cfg config.Config) (func(), error) {
	plog.SetLevel(plog.LevelFromString(cfg.General.LogLevel))
	plog.SetQuiet(cfg.Runtime.Quiet)

	if cfg.General.LogDirectory == "" || cfg.Runtime.DryRun {
		return func() {}, nil
	}
	closeLog, err := plog.AddFileOutput(filepath.Join(cfg.General.LogDirectory, LogFileName))
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return func() {
		if err := closeLog(); err != nil {
			plog.Warn("Failed to close log file", "error", err)
		}
	}, nil
}

// newRunner wires the leaf workers of the engine for plan p. Publishing and
// retention share one lock registry so a prune never races a publish.
func newRunner(cfg config.Config, p *engine.Plan) (*engine.Runner, error) {
	locks := publock.New()

	var encrypter encrypt.Encrypter = encrypt.NewPassthrough()
	if p.Encryption != nil {
		var err error
		if encrypter, err = encrypt.New(p.Encryption, cfg.Performance.BufferSizeKB, nil); err != nil {
			return nil, fault.Wrap(fault.ConfigInvalid, err)
		}
	}

	var notifier notify.Notifier
	if p.Notify != nil && p.Notify.Enabled {
		transport, err := notify.NewTransport(p.Notify)
		if err != nil {
			return nil, fault.Wrap(fault.ConfigInvalid, err)
		}
		notifier = notify.NewDispatcher(transport, p.Notify.OnlyOnFailure, p.Sources)
	}

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	if p.Metrics {
		recorder = metrics.NewRunCollector()
	}

	return engine.NewRunner(
		archive.NewArchiveWriter(cfg.Performance.BufferSizeKB),
		encrypter,
		retention.NewRetentionManager(locks),
		locks,
		hook.NewHookExecutor(nil),
		notifier,
		recorder,
	), nil
}
