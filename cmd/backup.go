package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/paulschiretz/pgl-vault/pkg/buildinfo"
	"github.com/paulschiretz/pgl-vault/pkg/engine"
	"github.com/paulschiretz/pgl-vault/pkg/fault"
	"github.com/paulschiretz/pgl-vault/pkg/flagparse"
	"github.com/paulschiretz/pgl-vault/pkg/planner"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
	"github.com/paulschiretz/pgl-vault/pkg/preflight"
)

// RunBackup handles the logic for the main backup execution. Output for the user
// (the dry run source report) goes to w.
func RunBackup(ctx context.Context, flagMap map[string]any, w io.Writer) error {
	runConfig, err := loadConfig(flagparse.Backup, flagMap)
	if err != nil {
		return err
	}

	closeLog, err := setupLogging(runConfig)
	if err != nil {
		return err
	}
	defer closeLog()

	// Log the Summary
	runConfig.LogSummary()

	// Get the Plan
	backupPlan, err := planner.GenerateBackupPlan(runConfig)
	if err != nil {
		return fault.Wrap(fault.ConfigInvalid, err)
	}

	// Create the runner and feed it with our leaf workers
	runner, err := newRunner(runConfig, backupPlan)
	if err != nil {
		return err
	}

	if backupPlan.DryRun {
		printSourceReport(w, backupPlan)
	}

	// Execute the plan
	startTime := time.Now()
	rec, err := runner.RunAll(ctx, backupPlan)
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		if fault.IsHintFor(err, engine.ErrLockBusy) {
			plog.Notice(buildinfo.Name+" skipped this run", "reason", err)
		}
		return err // The error will be logged with full details by main()
	}
	if err := recordError(rec); err != nil {
		return err
	}
	plog.Info(buildinfo.Name+" finished successfully.", "duration", duration)
	return nil
}

// printSourceReport lists every source with whether it can be read.
func printSourceReport(w io.Writer, p *engine.Plan) {
	ok := color.New(color.FgGreen)
	missing := color.New(color.FgRed)

	fmt.Fprintf(w, "Sources of plan %q:\n", p.PlanID)
	for _, src := range p.Sources {
		if err := preflight.CheckSourceAccessible(src.Path); err != nil {
			missing.Fprintf(w, "  ✗ %s: %s (NOT FOUND)\n", src.Name, src.Path)
			continue
		}
		ok.Fprintf(w, "  ✓ %s: %s\n", src.Name, src.Path)
	}
}
