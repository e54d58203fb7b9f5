// Package flagparse registers the command line flags of pgl-vault and turns
// the flags a user explicitly set into a map that config.MergeConfigWithFlags
// overlays on the loaded configuration.
package flagparse

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"github.com/paulschiretz/pgl-vault/pkg/artifact"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "pgl-vault.yaml"

// RegisterGlobalFlags adds the flags shared by every command.
func RegisterGlobalFlags(fs *pflag.FlagSet) {
	fs.StringP("config", "c", DefaultConfigPath, "Path to the YAML configuration file.")
	fs.String("env-file", "", "Load environment variables from a dotenv file before expanding ${VAR} in the config.")
	fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	fs.BoolP("quiet", "q", false, "Only log warnings and errors.")
	fs.Bool("dry-run", false, "Show what would be done without publishing, pruning or recording anything.")
}

// RegisterBackupFlags adds the flags of the backup command.
func RegisterBackupFlags(fs *pflag.FlagSet) {
	registerDestinationFlags(fs)
	fs.StringArray("source", nil, "Back up this source instead of the configured ones, as name=path. Repeatable.")
	fs.Int("workers", 0, "Number of sources processed concurrently.")
	fs.Int("buffer-size-kb", 0, "Size of the I/O buffer in kilobytes.")
	fs.Int("read-limit-kbps", 0, "Throttle source reads to this many KB/s (0 = unlimited).")
	fs.String("archive-format", "", "Archive format: 'tar.gz' or 'tar.zst'.")
	fs.String("archive-level", "", "Compression level: 'default', 'fastest', 'better' or 'best'.")
	fs.Bool("encrypt", false, "Encrypt artifacts for the configured recipient.")
	fs.String("recipient", "", "OpenPGP recipient (e-mail, user id or key id).")
	fs.String("period", "", "Idempotency window: 'hourly', 'daily', 'weekly', 'none' or a duration.")
	fs.Bool("force", false, "Back up every source even if it already succeeded in the current period.")
	fs.Bool("metrics", false, "Write run metrics to the configured textfile.")
	fs.String("metrics-textfile", "", "Path of the Prometheus textfile to write.")
	fs.String("pre-run-hooks", "", "Comma-separated shell commands to run before the backup.")
	fs.String("post-run-hooks", "", "Comma-separated shell commands to run after the backup.")
	fs.Bool("fail-fast", false, "Abort the run when a pre-run hook fails.")
	fs.Bool("no-notify", false, "Do not send a notification for this run.")
	fs.String("ledger-backend", "", "Run ledger backend: 'file' or 'sqlite'.")
}

// RegisterPruneFlags adds the flags of the prune command.
func RegisterPruneFlags(fs *pflag.FlagSet) {
	registerDestinationFlags(fs)
	fs.BoolP("yes", "y", false, "Do not ask for confirmation.")
}

// RegisterStatusFlags adds the flags of the status command.
func RegisterStatusFlags(fs *pflag.FlagSet) {
	fs.Int("limit", 10, "Number of runs to show.")
	fs.String("sort", "desc", "Order of the run history: 'desc' (newest first) or 'asc'.")
}

// RegisterInitFlags adds the flags of the init command.
func RegisterInitFlags(fs *pflag.FlagSet) {
	fs.Bool("force", false, "Overwrite an existing configuration file.")
}

func registerDestinationFlags(fs *pflag.FlagSet) {
	fs.String("destination", "", "Destination root for published artifacts.")
	fs.Int("retention-days", -1, "Delete artifacts older than this many days.")
	fs.Int("min-keep-count", -1, "Always keep at least this many artifacts per source.")
	fs.Int("delete-workers", 0, "Number of concurrent deletions during pruning.")
}

// ChangedFlags returns the flags the user explicitly set, keyed by flag name.
// List flags are parsed into their final form: "source" becomes
// []artifact.SourceSpec and the hook flags become []string.
func ChangedFlags(fs *pflag.FlagSet) (map[string]any, error) {
	flagMap := make(map[string]any)
	var visitErr error
	fs.Visit(func(f *pflag.Flag) {
		if visitErr != nil {
			return
		}
		switch f.Name {
		case "source":
			raw, err := fs.GetStringArray(f.Name)
			if err != nil {
				visitErr = err
				return
			}
			sources, err := ParseSourceList(raw)
			if err != nil {
				visitErr = err
				return
			}
			flagMap[f.Name] = sources
			return
		case "pre-run-hooks", "post-run-hooks":
			flagMap[f.Name] = ParseCmdList(f.Value.String())
			return
		}

		var v any
		var err error
		switch f.Value.Type() {
		case "bool":
			v, err = fs.GetBool(f.Name)
		case "int":
			v, err = fs.GetInt(f.Name)
		case "string":
			v, err = fs.GetString(f.Name)
		case "stringArray":
			v, err = fs.GetStringArray(f.Name)
		case "stringSlice":
			v, err = fs.GetStringSlice(f.Name)
		default:
			v = f.Value.String()
		}
		if err != nil {
			visitErr = fmt.Errorf("invalid value for --%s: %w", f.Name, err)
			return
		}
		flagMap[f.Name] = v
	})
	return flagMap, visitErr
}

// ParseSourceList parses "name=path" pairs.
func ParseSourceList(pairs []string) ([]artifact.SourceSpec, error) {
	sources := make([]artifact.SourceSpec, 0, len(pairs))
	for _, pair := range pairs {
		name, path, ok := strings.Cut(pair, "=")
		name, path = strings.TrimSpace(name), strings.TrimSpace(path)
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("invalid source %q: expected name=path", pair)
		}
		sources = append(sources, artifact.SourceSpec{Name: name, Path: path})
	}
	return sources, nil
}

// ParseCmdList parses a comma-separated list of shell commands. Quotes are kept
// for the shell; they only group items that contain commas.
func ParseCmdList(s string) []string {
	return parseListInternal(s, true, true)
}

// ParseList parses a comma-separated list of plain values such as e-mail
// addresses. Quotes are removed and backslashes are literal.
func ParseList(s string) []string {
	return parseListInternal(s, false, false)
}

// parseListInternal is the core implementation for parsing a comma-separated list. It supports
// both single (') and double (") quotes to allow items to contain commas or spaces.
// - `keepQuotes`: Preserves quote characters in the output.
// - `handleEscapes`: Treats backslashes as escape characters.
func parseListInternal(s string, keepQuotes, handleEscapes bool) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune

	// Helper to add the current buffered item to the list after trimming whitespace.
	appendItem := func() {
		trimmed := strings.TrimSpace(current.String())
		if trimmed != "" {
			list = append(list, trimmed)
		}
		current.Reset()
	}

	var isEscaped bool
	for _, r := range s {
		if isEscaped {
			current.WriteRune(r)
			isEscaped = false
			continue
		}

		switch {
		case r == '\\' && handleEscapes:
			isEscaped = true
			// For commands, we also keep the backslash for the shell to interpret.
			current.WriteRune(r)
		case r == '\'' || r == '"':
			if quoteChar == 0 { // Start of a new quoted section.
				quoteChar = r
				if keepQuotes {
					current.WriteRune(r)
				}
			} else if quoteChar == r { // End of the current quoted section.
				quoteChar = 0
				if keepQuotes {
					current.WriteRune(r)
				}
			} else { // A different quote character inside an existing quoted section.
				current.WriteRune(r) // Treat it as a literal character.
			}
		case r == ',' && quoteChar == 0: // Comma outside of any quotes.
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem() // Add the final item after the loop finishes.
	return list
}
