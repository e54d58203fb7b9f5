package archive

type Plan struct {
	Format Format
	Level  Level

	// ReadLimitKBps throttles reads from the source tree. Zero means unlimited.
	ReadLimitKBps int

	// Global Flags
	Metrics bool
}
