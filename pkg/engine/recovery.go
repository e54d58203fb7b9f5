package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/paulschiretz/pgl-vault/pkg/ledger"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
)

// recoverOrphans closes out runs that started but never completed: their staging
// is swept and an Interrupted record with the checkpointed sources replaces the
// marker. Artifacts they already published stay, since publishing is atomic.
func (r *Runner) recoverOrphans(ctx context.Context, led ledger.Ledger) error {
	orphans, err := led.FindOrphaned(ctx)
	if err != nil {
		return fmt.Errorf("failed to scan for interrupted runs: %w", err)
	}

	for _, token := range orphans {
		plog.Warn("Recovering interrupted run", "run_id", token.ID, "plan", token.PlanID, "started", token.StartedAt)

		if token.StagingDir != "" {
			// The id becomes a path element; never sweep outside the staging root.
			if _, err := uuid.Parse(token.ID); err != nil {
				plog.Warn("Interrupted run has an invalid id, leaving its staging alone", "run_id", token.ID)
			} else {
				dir := filepath.Join(token.StagingDir, token.ID)
				if err := os.RemoveAll(dir); err != nil {
					return fmt.Errorf("failed to sweep staging of interrupted run %s: %w", token.ID, err)
				}
				plog.Debug("Swept staging of interrupted run", "path", dir)
			}
		}

		if err := led.Abandon(ctx, token); err != nil {
			return fmt.Errorf("failed to close interrupted run %s: %w", token.ID, err)
		}
	}
	return nil
}
