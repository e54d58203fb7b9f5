package cmd

import (
	"context"
	"io"

	"github.com/spf13/cobra"

	"github.com/paulschiretz/pgl-vault/pkg/buildinfo"
	"github.com/paulschiretz/pgl-vault/pkg/flagparse"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
)

// NewRootCommand builds the command tree. Running the binary without a
// subcommand performs a backup.
func NewRootCommand(ctx context.Context) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   buildinfo.BinaryName,
		Short: "Archive, encrypt and rotate backups of configured sources",
		Long: buildinfo.Name + ` archives every configured source, optionally encrypts it and publishes
the result atomically into a destination directory. Old artifacts are pruned
by age while always keeping a minimum number per source. Every run is recorded
in a ledger so interrupted runs are recovered on the next start.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(c *cobra.Command, args []string) error {
			return runWithFlags(c, func(flagMap map[string]any) error {
				return RunBackup(ctx, flagMap, c.OutOrStdout())
			})
		},
	}
	flagparse.RegisterGlobalFlags(rootCmd.PersistentFlags())
	flagparse.RegisterBackupFlags(rootCmd.Flags())

	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Run a backup of all configured sources",
		RunE: func(c *cobra.Command, args []string) error {
			return runWithFlags(c, func(flagMap map[string]any) error {
				return RunBackup(ctx, flagMap, c.OutOrStdout())
			})
		},
	}
	flagparse.RegisterBackupFlags(backupCmd.Flags())

	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Apply the retention policy without running a backup",
		RunE: func(c *cobra.Command, args []string) error {
			return runWithFlags(c, func(flagMap map[string]any) error {
				return RunPrune(ctx, flagMap)
			})
		},
	}
	flagparse.RegisterPruneFlags(pruneCmd.Flags())

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the destination lock, interrupted runs and recent run history",
		RunE: func(c *cobra.Command, args []string) error {
			return runWithFlags(c, func(flagMap map[string]any) error {
				return RunStatus(ctx, flagMap, c.OutOrStdout())
			})
		},
	}
	flagparse.RegisterStatusFlags(statusCmd.Flags())

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(c *cobra.Command, args []string) error {
			return runWithFlags(c, func(flagMap map[string]any) error {
				return RunInit(ctx, flagMap)
			})
		},
	}
	flagparse.RegisterInitFlags(initCmd.Flags())

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the application version",
		RunE: func(c *cobra.Command, args []string) error {
			return RunVersion(c.OutOrStdout(), buildinfo.Name, buildinfo.Version)
		},
	}

	rootCmd.AddCommand(backupCmd, pruneCmd, statusCmd, initCmd, versionCmd)
	return rootCmd
}

// runWithFlags hands the explicitly set flags of c to fn. Cobra merges the
// persistent flags into c.Flags() before parsing, so global flags are included.
func runWithFlags(c *cobra.Command, fn func(flagMap map[string]any) error) error {
	flagMap, err := flagparse.ChangedFlags(c.Flags())
	if err != nil {
		return err
	}
	return fn(flagMap)
}

// Execute runs the command line args and returns the process exit code.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	rootCmd := NewRootCommand(ctx)
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	err := rootCmd.ExecuteContext(ctx)
	code := ExitCode(err)
	switch {
	case err == nil:
	case code == ExitSuccess:
		plog.Info(buildinfo.Name+" had nothing to do", "reason", err)
	default:
		plog.Error(buildinfo.Name+" exited with error", "error", err, "exit_code", code)
	}
	return code
}
