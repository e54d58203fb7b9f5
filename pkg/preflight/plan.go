package preflight

// Plan selects which checks Run performs.
type Plan struct {
	SourceAccessible      bool
	DestinationAccessible bool
	DestinationWritable   bool
	// RequireMount rejects a destination on the root filesystem (unmounted drive).
	RequireMount bool
	// MinFreeBytes is the minimum free space on the destination volume; 0 disables the check.
	MinFreeBytes uint64

	// Global Flags
	DryRun bool
}
