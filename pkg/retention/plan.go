package retention

type Plan struct {
	// RetentionDays is the age after which an unprotected artifact is deleted.
	RetentionDays int
	// MinKeepCount newest artifacts per source are never deleted, regardless of age.
	MinKeepCount int
	// Sources restricts pruning to these source directories. Empty means every
	// non-hidden directory below the destination root.
	Sources []string

	// Global Flags
	DeleteWorkers int
	DryRun        bool
	Metrics       bool
}
