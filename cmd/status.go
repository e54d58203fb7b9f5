package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"

	"github.com/paulschiretz/pgl-vault/pkg/fault"
	"github.com/paulschiretz/pgl-vault/pkg/flagparse"
	"github.com/paulschiretz/pgl-vault/pkg/ledger"
	"github.com/paulschiretz/pgl-vault/pkg/lockfile"
	"github.com/paulschiretz/pgl-vault/pkg/planner"
)

const statusTimeFormat = "2006-01-02 15:04:05"

// RunStatus prints the destination lock, unfinished runs and the run history.
// It never takes the lock and never recovers anything.
func RunStatus(ctx context.Context, flagMap map[string]any, w io.Writer) error {
	runConfig, err := loadConfig(flagparse.Status, flagMap)
	if err != nil {
		return err
	}

	limit := 10
	if v, ok := flagMap["limit"].(int); ok {
		limit = v
	}
	order := planner.Desc
	if v, ok := flagMap["sort"].(string); ok {
		if order, err = planner.ParseSortOrder(v); err != nil {
			return fault.Wrap(fault.ConfigInvalid, err)
		}
	}

	statusPlan, err := planner.GenerateStatusPlan(runConfig, limit, order)
	if err != nil {
		return fault.Wrap(fault.ConfigInvalid, err)
	}

	fmt.Fprintf(w, "Plan:        %s\n", runConfig.General.Name)
	fmt.Fprintf(w, "Destination: %s\n", runConfig.General.DestinationRoot)

	running := printLock(w, runConfig.General.DestinationRoot)

	if _, err := os.Stat(statusPlan.StateDir); os.IsNotExist(err) {
		fmt.Fprintln(w, "\nNo runs recorded yet.")
		return nil
	}

	led, err := ledger.Open(statusPlan.LedgerBackend, statusPlan.StateDir)
	if err != nil {
		return fmt.Errorf("failed to open run ledger: %w", err)
	}
	defer led.Close()

	open, err := led.FindOrphaned(ctx)
	if err != nil {
		return err
	}
	if len(open) > 0 {
		label := "Interrupted runs (recovered by the next backup or prune)"
		if running {
			label = "Runs in progress"
		}
		fmt.Fprintf(w, "\n%s:\n", label)
		for _, token := range open {
			fmt.Fprintf(w, "  %s  started %s\n", token.ID, token.StartedAt.Local().Format(statusTimeFormat))
		}
	}

	records, err := led.History(ctx, statusPlan.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "\nNo runs recorded yet.")
		return nil
	}
	fmt.Fprintln(w, "\nRecent runs:")
	for _, rec := range statusPlan.Order.Apply(records) {
		printRecord(w, rec)
	}
	return nil
}

// printLock reports the holder of the destination lock. It returns true when a
// live process holds it.
func printLock(w io.Writer, destRoot string) bool {
	content, ok, err := lockfile.Inspect(destRoot)
	switch {
	case err != nil:
		fmt.Fprintf(w, "Lock:        unreadable (%v)\n", err)
		return false
	case !ok:
		fmt.Fprintln(w, "Lock:        free")
		return false
	case content.IsStale():
		fmt.Fprintf(w, "Lock:        stale, left by pid %d on %s\n", content.PID, content.Hostname)
		return false
	default:
		fmt.Fprintf(w, "Lock:        held by pid %d on %s since %s\n",
			content.PID, content.Hostname, content.AcquiredAt.Local().Format(statusTimeFormat))
		return true
	}
}

func printRecord(w io.Writer, rec ledger.RunRecord) {
	c := statusColor(rec.Status)
	line := fmt.Sprintf("  %s  %-15s %d ok, %d failed, %d skipped  %s  %s",
		rec.StartedAt.Local().Format(statusTimeFormat),
		rec.Status,
		len(rec.Outcomes(ledger.SourceSuccess)),
		len(rec.Outcomes(ledger.SourceFailed)),
		len(rec.Outcomes(ledger.SourceSkipped)),
		rec.Elapsed().Round(time.Second),
		rec.ID,
	)
	c.Fprintln(w, line)
	for _, o := range rec.Outcomes(ledger.SourceFailed) {
		fmt.Fprintf(w, "      %s failed in %s: %s\n", o.Name, o.Stage, o.Error)
	}
}

func statusColor(s ledger.Status) *color.Color {
	switch s {
	case ledger.Success:
		return color.New(color.FgGreen)
	case ledger.PartialFailure, ledger.Interrupted:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}
