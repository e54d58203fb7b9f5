package cmd

import (
	"errors"
	"fmt"

	"github.com/paulschiretz/pgl-vault/pkg/fault"
	"github.com/paulschiretz/pgl-vault/pkg/ledger"
)

// Process exit codes.
const (
	// ExitSuccess: the run succeeded, or nothing had to be done.
	ExitSuccess = 0
	// ExitFailure: the run completed but at least one source failed, the run was
	// cancelled, or retention could not delete everything it should have.
	ExitFailure = 1
	// ExitFatal: nothing was attempted, e.g. invalid config or a corrupt ledger.
	ExitFatal = 2
)

// RunError reports a run that completed without succeeding for every source.
type RunError struct {
	Status ledger.Status
	Failed int
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run finished with status %s (%d failed sources)", e.Status, e.Failed)
}

// ErrPruneIncomplete wraps the errors of a standalone prune.
var ErrPruneIncomplete = errors.New("prune finished with errors")

// ExitCode maps the error returned by a command to the process exit code.
func ExitCode(err error) int {
	var runErr *RunError
	switch {
	case err == nil, fault.IsHint(err):
		return ExitSuccess
	case errors.As(err, &runErr), errors.Is(err, ErrPruneIncomplete), fault.Is(err, fault.Cancelled):
		return ExitFailure
	default:
		return ExitFatal
	}
}

// recordError turns a concluded run record into the error of the backup command.
func recordError(rec ledger.RunRecord) error {
	if rec.Status == ledger.Success {
		return nil
	}
	return &RunError{Status: rec.Status, Failed: len(rec.Outcomes(ledger.SourceFailed))}
}
