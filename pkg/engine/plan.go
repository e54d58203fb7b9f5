package engine

import (
	"github.com/paulschiretz/pgl-vault/pkg/archive"
	"github.com/paulschiretz/pgl-vault/pkg/artifact"
	"github.com/paulschiretz/pgl-vault/pkg/encrypt"
	"github.com/paulschiretz/pgl-vault/pkg/hook"
	"github.com/paulschiretz/pgl-vault/pkg/ledger"
	"github.com/paulschiretz/pgl-vault/pkg/notify"
	"github.com/paulschiretz/pgl-vault/pkg/period"
	"github.com/paulschiretz/pgl-vault/pkg/preflight"
	"github.com/paulschiretz/pgl-vault/pkg/retention"
)

// Plan is everything one invocation needs. It is built once by the planner and
// never modified while a run is in progress.
type Plan struct {
	PlanID          string
	Sources         []artifact.SourceSpec
	DestinationRoot string
	// StateDir holds the ledger and the staging area. It must live on the same
	// filesystem as DestinationRoot or publishing fails.
	StateDir      string
	LedgerBackend ledger.Backend
	Period        period.Period
	Workers       int

	Preflight  *preflight.Plan
	Archive    *archive.Plan
	Encryption *encrypt.Plan
	Retention  *retention.Plan
	Hooks      *hook.Plan
	Notify     *notify.Plan

	// MetricsFile receives a Prometheus textfile export after each run. Empty disables it.
	MetricsFile string

	// Global Flags
	DryRun bool
	Force  bool
	// Metrics gates recording the run and the textfile export.
	Metrics bool
}
