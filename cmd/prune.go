package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-vault/pkg/buildinfo"
	"github.com/paulschiretz/pgl-vault/pkg/fault"
	"github.com/paulschiretz/pgl-vault/pkg/flagparse"
	"github.com/paulschiretz/pgl-vault/pkg/planner"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
)

// confirm asks the user before destructive work. Tests replace it.
var confirm = PromptForConfirmation

// RunPrune applies the retention policy without running a backup.
func RunPrune(ctx context.Context, flagMap map[string]any) error {
	runConfig, err := loadConfig(flagparse.Prune, flagMap)
	if err != nil {
		return err
	}

	closeLog, err := setupLogging(runConfig)
	if err != nil {
		return err
	}
	defer closeLog()

	prunePlan, err := planner.GeneratePrunePlan(runConfig)
	if err != nil {
		return fault.Wrap(fault.ConfigInvalid, err)
	}

	yes, _ := flagMap["yes"].(bool)
	if !yes && !prunePlan.DryRun {
		prompt := fmt.Sprintf("Delete artifacts older than %d days in %s (keeping at least %d per source)?",
			prunePlan.Retention.RetentionDays, prunePlan.DestinationRoot, prunePlan.Retention.MinKeepCount)
		if !confirm(prompt, false) {
			plog.Info(buildinfo.Name + " prune operation canceled.")
			return nil
		}
	}

	runner, err := newRunner(runConfig, prunePlan)
	if err != nil {
		return err
	}

	startTime := time.Now()
	deleted, err := runner.ExecutePrune(ctx, prunePlan)
	duration := time.Since(startTime).Round(time.Millisecond)
	if err != nil {
		if fault.Is(err, fault.PruneFailed) {
			return fmt.Errorf("%w: %w", ErrPruneIncomplete, err)
		}
		return err
	}
	plog.Info(buildinfo.Name+" prune finished.", "deleted", len(deleted), "duration", duration)
	return nil
}
