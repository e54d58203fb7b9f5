// Package config loads, validates and generates the YAML configuration of
// pgl-vault and overlays command line flags on top of it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/paulschiretz/pgl-vault/pkg/artifact"
	"github.com/paulschiretz/pgl-vault/pkg/buildinfo"
	"github.com/paulschiretz/pgl-vault/pkg/fault"
	"github.com/paulschiretz/pgl-vault/pkg/flagparse"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
	"github.com/paulschiretz/pgl-vault/pkg/util"
)

// StateDirName is the engine's directory below the destination root when
// general.state_directory is not set. Retention never enters hidden directories.
const StateDirName = ".pgl-vault"

// ErrNotFound is returned by Load when the configuration file does not exist.
var ErrNotFound = errors.New("configuration file not found")

type GeneralConfig struct {
	// Name identifies the plan in the ledger, in metrics and in hook environments.
	Name            string `yaml:"name" validate:"required,excludesall=/\\"`
	DestinationRoot string `yaml:"destination_root" validate:"required"`
	LogDirectory    string `yaml:"log_directory"`
	LogLevel        string `yaml:"log_level" validate:"oneof=debug notice info warn error"`
	RetentionDays   int    `yaml:"retention_days" validate:"gte=0"`
	MinKeepCount    int    `yaml:"min_keep_count" validate:"gte=1"`
	Period          string `yaml:"period"`
	StateDirectory  string `yaml:"state_directory"`
	// RequireMount refuses a destination on the root filesystem (unmounted drive).
	RequireMount bool `yaml:"require_mount"`
}

type EncryptionConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Recipient string `yaml:"recipient" validate:"required_if=Enabled true"`
	Backend   string `yaml:"backend" validate:"oneof=openpgp gpg"`
	// Keyring is the public keyring file used by the openpgp backend.
	Keyring   string `yaml:"keyring"`
	GPGBinary string `yaml:"gpg_binary"`
}

type SMTPConfig struct {
	Server         string   `yaml:"server"`
	Port           int      `yaml:"port" validate:"gte=0,lte=65535"`
	User           string   `yaml:"user"`
	Password       string   `yaml:"password"`
	From           string   `yaml:"from" validate:"omitempty,email"`
	To             []string `yaml:"to" validate:"dive,email"`
	StartTLS       bool     `yaml:"starttls"`
	TimeoutSeconds int      `yaml:"timeout_seconds" validate:"gte=0"`
}

type WebhookConfig struct {
	URL            string            `yaml:"url" validate:"omitempty,url"`
	TimeoutSeconds int               `yaml:"timeout_seconds" validate:"gte=0"`
	Retries        int               `yaml:"retries" validate:"gte=0,lte=10"`
	Headers        map[string]string `yaml:"headers"`
}

type NotificationConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Transport     string        `yaml:"transport" validate:"oneof=smtp webhook log"`
	OnlyOnFailure bool          `yaml:"only_on_failure"`
	SMTP          SMTPConfig    `yaml:"smtp"`
	Webhook       WebhookConfig `yaml:"webhook"`
}

type ArchiveConfig struct {
	Format string `yaml:"format" validate:"oneof=tar.gz tar.zst"`
	Level  string `yaml:"level" validate:"oneof=default fastest better best"`
}

type PerformanceConfig struct {
	Workers       int `yaml:"workers" validate:"gte=1"`
	DeleteWorkers int `yaml:"delete_workers" validate:"gte=1"`
	// BufferSizeKB is the I/O buffer for archiving and encryption. Keep it between 64KB-4MB.
	BufferSizeKB  int `yaml:"buffer_size_kb" validate:"gte=1"`
	ReadLimitKBps int `yaml:"read_limit_kbps" validate:"gte=0"`
	MinFreeMB     int `yaml:"min_free_mb" validate:"gte=0"`
}

type LedgerConfig struct {
	Backend string `yaml:"backend" validate:"oneof=file sqlite"`
}

type HooksConfig struct {
	// SECURITY: These commands are executed as provided. Ensure they are from a trusted source.
	PreRun   []string `yaml:"pre_run"`
	PostRun  []string `yaml:"post_run"`
	FailFast bool     `yaml:"fail_fast"`
}

type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Textfile string `yaml:"textfile" validate:"required_if=Enabled true"`
}

type RuntimeConfig struct {
	ConfigPath string
	DryRun     bool
	Force      bool
	NoNotify   bool
	Quiet      bool
}

type Config struct {
	Version      string             `yaml:"version"`
	General      GeneralConfig      `yaml:"general"`
	Sources      Sources            `yaml:"sources"`
	Encryption   EncryptionConfig   `yaml:"encryption"`
	Notification NotificationConfig `yaml:"notification"`
	Archive      ArchiveConfig      `yaml:"archive"`
	Performance  PerformanceConfig  `yaml:"performance"`
	Ledger       LedgerConfig       `yaml:"ledger"`
	Hooks        HooksConfig        `yaml:"hooks"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Runtime      RuntimeConfig      `yaml:"-"` // Never added to config file
}

// NewDefault creates a Config with the defaults of a fresh installation.
func NewDefault() Config {
	return Config{
		Version: buildinfo.Version,
		General: GeneralConfig{
			Name:            "default",
			DestinationRoot: "/backups",
			LogDirectory:    "logs",
			LogLevel:        "info",
			RetentionDays:   30,
			MinKeepCount:    1,
			Period:          "daily",
		},
		Sources: Sources{
			{Name: "source1", Path: "/path/to/dir1"},
			{Name: "source2", Path: "/path/to/dir2"},
		},
		Encryption: EncryptionConfig{
			Enabled:   false,
			Recipient: "your_email@example.com",
			Backend:   "openpgp",
			Keyring:   "~/.gnupg/pubring.asc",
			GPGBinary: "gpg",
		},
		Notification: NotificationConfig{
			Enabled:   false,
			Transport: "smtp",
			SMTP: SMTPConfig{
				Server:         "smtp.example.com",
				Port:           587,
				User:           "user@example.com",
				Password:       "${PGL_VAULT_SMTP_PASSWORD}",
				From:           "backup@example.com",
				To:             []string{"admin@example.com"},
				StartTLS:       true,
				TimeoutSeconds: 30,
			},
			Webhook: WebhookConfig{
				TimeoutSeconds: 10,
				Retries:        3,
				Headers:        map[string]string{},
			},
		},
		Archive: ArchiveConfig{
			Format: "tar.gz",
			Level:  "default",
		},
		Performance: PerformanceConfig{
			Workers:       2,   // Sources are archived in parallel; each archiver already uses all cores for compression.
			DeleteWorkers: 4,   // A sensible default for deleting expired artifacts.
			BufferSizeKB:  256, // Default to 256KB buffer.
			ReadLimitKBps: 0,
			MinFreeMB:     0,
		},
		Ledger: LedgerConfig{
			Backend: "file",
		},
		Hooks: HooksConfig{
			PreRun:  []string{},
			PostRun: []string{},
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
	}
}

// LoadEnvFile loads a dotenv file into the process environment. Variables that
// are already set win, so the real environment can still override the file.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fault.New(fault.ConfigInvalid, "failed to load env file %s: %w", path, err)
	}
	return nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} with its value. Bare $VAR is left alone so that
// passwords containing '$' survive.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		name := string(envPattern.FindSubmatch(m)[1])
		if v, ok := os.LookupEnv(name); ok {
			return []byte(v)
		}
		plog.Warn("Config references an unset environment variable", "variable", name)
		return nil
	})
}

// Load reads the configuration at configPath on top of NewDefault. A missing
// file yields ErrNotFound; every other problem is ConfigInvalid.
func Load(configPath string) (Config, error) {
	absConfigPath, err := util.CleanAbsPath(configPath)
	if err != nil {
		return Config{}, fault.New(fault.ConfigInvalid, "could not determine absolute path for config %s: %w", configPath, err)
	}

	data, err := os.ReadFile(absConfigPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("%w: %s", ErrNotFound, absConfigPath)
		}
		return Config{}, fault.New(fault.ConfigInvalid, "error opening config file %s: %w", absConfigPath, err)
	}

	plog.Info("Loading configuration", "path", absConfigPath)
	// Start with default values, then overwrite with the file's content.
	config := NewDefault()
	// The generated example sources must not leak into a file that lists its own.
	config.Sources = nil

	decoder := yaml.NewDecoder(bytes.NewReader(expandEnv(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil {
		return Config{}, fault.New(fault.ConfigInvalid, "error parsing config file %s: %w", absConfigPath, err)
	}

	config.Runtime.ConfigPath = absConfigPath
	if config.Version != buildinfo.Version {
		plog.Debug("Config was written by another version", "config_version", config.Version, "version", buildinfo.Version)
		config.Version = buildinfo.Version
	}
	return config, nil
}

// Generate writes cfg to configPath. An existing file is only replaced with overwrite.
func Generate(configPath string, cfg Config, overwrite bool) error {
	absConfigPath, err := util.CleanAbsPath(configPath)
	if err != nil {
		return fmt.Errorf("could not determine absolute path for config %s: %w", configPath, err)
	}
	if !overwrite {
		if _, err := os.Stat(absConfigPath); err == nil {
			return fmt.Errorf("config file %s already exists", absConfigPath)
		}
	}

	var buf bytes.Buffer
	buf.WriteString("# pgl-vault configuration\n")
	buf.WriteString("# ${VAR} references are expanded from the environment (see --env-file).\n")
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(absConfigPath), util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	// The file may hold SMTP credentials.
	if err := util.WriteFileDurable(absConfigPath, buf.Bytes(), util.UserOnlyFilePerms); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	plog.Info("Successfully saved config file", "path", absConfigPath)
	return nil
}

// StatePath returns the engine state directory.
func (c *Config) StatePath() string {
	if c.General.StateDirectory != "" {
		return c.General.StateDirectory
	}
	return filepath.Join(c.General.DestinationRoot, StateDirName)
}

// SourceSpecs returns the configured sources in file order.
func (c *Config) SourceSpecs() []artifact.SourceSpec {
	return append([]artifact.SourceSpec(nil), c.Sources...)
}

// LogSummary prints a summary of the configuration.
func (c *Config) LogSummary() {
	names := make([]string, 0, len(c.Sources))
	for _, s := range c.Sources {
		names = append(names, s.Name)
	}
	logArgs := []any{
		"plan", c.General.Name,
		"log_level", c.General.LogLevel,
		"destination", c.General.DestinationRoot,
		"state_dir", c.StatePath(),
		"sources", strings.Join(names, ", "),
		"dry_run", c.Runtime.DryRun,
		"period", c.General.Period,
		"retention", fmt.Sprintf("%dd (keep >= %d)", c.General.RetentionDays, c.General.MinKeepCount),
		"archive", fmt.Sprintf("%s (l:%s)", c.Archive.Format, c.Archive.Level),
		"workers", c.Performance.Workers,
		"delete_workers", c.Performance.DeleteWorkers,
		"buffer_size_kb", c.Performance.BufferSizeKB,
		"ledger", c.Ledger.Backend,
	}
	if c.Performance.ReadLimitKBps > 0 {
		logArgs = append(logArgs, "read_limit_kbps", c.Performance.ReadLimitKBps)
	}
	if c.Encryption.Enabled {
		logArgs = append(logArgs, "encryption", fmt.Sprintf("enabled (b:%s r:%s)", c.Encryption.Backend, c.Encryption.Recipient))
	}
	if c.Notification.Enabled {
		notifySummary := fmt.Sprintf("enabled (t:%s)", c.Notification.Transport)
		if c.Notification.OnlyOnFailure {
			notifySummary = fmt.Sprintf("enabled (t:%s, failures only)", c.Notification.Transport)
		}
		logArgs = append(logArgs, "notification", notifySummary)
	}
	if c.Metrics.Enabled {
		logArgs = append(logArgs, "metrics_textfile", c.Metrics.Textfile)
	}
	if len(c.Hooks.PreRun) > 0 {
		logArgs = append(logArgs, "pre_run_hooks", strings.Join(c.Hooks.PreRun, "; "))
	}
	if len(c.Hooks.PostRun) > 0 {
		logArgs = append(logArgs, "post_run_hooks", strings.Join(c.Hooks.PostRun, "; "))
	}
	plog.Info("Configuration loaded", logArgs...)
}

// MergeConfigWithFlags overlays the configuration values from flags on top of a base
// configuration. It iterates over the setFlags map, which contains only the flags
// explicitly provided by the user on the command line.
func MergeConfigWithFlags(command flagparse.Command, base Config, setFlags map[string]any) Config {
	merged := base

	for name, value := range setFlags {
		switch name {
		case "config":
			merged.Runtime.ConfigPath = value.(string)
		case "log-level":
			merged.General.LogLevel = value.(string)
		case "quiet":
			merged.Runtime.Quiet = value.(bool)
		case "dry-run":
			merged.Runtime.DryRun = value.(bool)
		case "destination":
			merged.General.DestinationRoot = value.(string)
		case "source":
			merged.Sources = Sources(value.([]artifact.SourceSpec))
		case "retention-days":
			merged.General.RetentionDays = value.(int)
		case "min-keep-count":
			merged.General.MinKeepCount = value.(int)
		case "period":
			merged.General.Period = value.(string)
		case "workers":
			merged.Performance.Workers = value.(int)
		case "delete-workers":
			merged.Performance.DeleteWorkers = value.(int)
		case "buffer-size-kb":
			merged.Performance.BufferSizeKB = value.(int)
		case "read-limit-kbps":
			merged.Performance.ReadLimitKBps = value.(int)
		case "archive-format":
			merged.Archive.Format = value.(string)
		case "archive-level":
			merged.Archive.Level = value.(string)
		case "encrypt":
			merged.Encryption.Enabled = value.(bool)
		case "recipient":
			merged.Encryption.Recipient = value.(string)
		case "metrics":
			merged.Metrics.Enabled = value.(bool)
		case "metrics-textfile":
			merged.Metrics.Textfile = value.(string)
		case "pre-run-hooks":
			merged.Hooks.PreRun = value.([]string)
		case "post-run-hooks":
			merged.Hooks.PostRun = value.([]string)
		case "fail-fast":
			merged.Hooks.FailFast = value.(bool)
		case "no-notify":
			merged.Runtime.NoNotify = value.(bool)
		case "ledger-backend":
			merged.Ledger.Backend = value.(string)
		case "force":
			// init uses --force to overwrite the config file, backup to bypass the period check.
			if command == flagparse.Backup {
				merged.Runtime.Force = value.(bool)
			}
		default:
			plog.Debug("unhandled flag in MergeConfigWithFlags", "flag", name)
		}
	}
	return merged
}
