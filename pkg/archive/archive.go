// Package archive implements the ArchiveWriter: it turns one source directory into
// exactly one compressed tar file inside a staging directory.
//
// The writer never touches the destination root. It writes through a temp file and
// renames it into place inside the staging directory, so a crash mid-archive leaves
// at most a temp file behind and never a truncated artifact.
package archive

import (
	"context"
	"time"

	"github.com/paulschiretz/pgl-vault/pkg/artifact"
	"github.com/paulschiretz/pgl-vault/pkg/fault"
	"github.com/paulschiretz/pgl-vault/pkg/pool"
	"golang.org/x/time/rate"
)

// Archiver defines the interface for a component that archives one source into a staging directory.
type Archiver interface {
	Archive(ctx context.Context, src artifact.SourceSpec, absStagingDir string, p *Plan, timestampUTC time.Time) (artifact.Artifact, error)
}

// ArchiveWriter is stateless and safe for concurrent use by several source pipelines.
type ArchiveWriter struct {
	ioBufferPool *pool.FixedBufferPool
	ioBufferSize int
}

// Statically assert that *ArchiveWriter implements the Archiver interface.
var _ Archiver = (*ArchiveWriter)(nil)

// NewArchiveWriter creates a new ArchiveWriter with I/O buffers of bufferSizeKB.
func NewArchiveWriter(bufferSizeKB int) *ArchiveWriter {
	if bufferSizeKB <= 0 {
		bufferSizeKB = 256
	}
	size := bufferSizeKB * 1024
	return &ArchiveWriter{
		ioBufferPool: pool.NewFixedBuffer(size),
		ioBufferSize: size,
	}
}

// Archive walks src.Path and writes "<name>_<timestamp>.<format>" into absStagingDir.
// Unreadable entries below the root are logged and skipped. It fails with
// ArchiveFailed if the root is missing or unreadable or the archive cannot be
// written, and with Cancelled if ctx is cancelled.
func (w *ArchiveWriter) Archive(ctx context.Context, src artifact.SourceSpec, absStagingDir string, p *Plan, timestampUTC time.Time) (artifact.Artifact, error) {
	var m Metrics
	if p.Metrics {
		m = &ArchiveMetrics{}
	} else {
		m = &NoopMetrics{}
	}

	t := &task{
		ArchiveWriter: w,
		ctx:           ctx,
		src:           src,
		absStagingDir: absStagingDir,
		format:        p.Format,
		level:         p.Level,
		timestampUTC:  timestampUTC.UTC(),
		metrics:       m,
	}
	if p.ReadLimitKBps > 0 {
		bytesPerSec := p.ReadLimitKBps * 1024
		t.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), max(bytesPerSec, w.ioBufferSize))
	}

	a, err := t.execute()
	if err != nil {
		return artifact.Artifact{}, fault.WithContext(err, fault.ArchiveFailed, src.Name, "archive")
	}
	return a, nil
}
