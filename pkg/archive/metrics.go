package archive

import (
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-vault/pkg/plog"
)

// Metrics defines the interface for collecting and reporting archive statistics.
type Metrics interface {
	AddEntriesAdded(n int64)
	AddEntriesSkipped(n int64)
	AddBytesRead(n int64)
	AddBytesWritten(n int64)
	LogSummary(msg string, args ...any)
	StartProgress(msg string, interval time.Duration, args ...any)
	StopProgress()
}

// ArchiveMetrics holds the atomic counters for tracking a single archive operation.
type ArchiveMetrics struct {
	EntriesAdded   atomic.Int64
	EntriesSkipped atomic.Int64
	BytesRead      atomic.Int64
	BytesWritten   atomic.Int64

	stopChan chan struct{}
}

func (m *ArchiveMetrics) AddEntriesAdded(n int64)   { m.EntriesAdded.Add(n) }
func (m *ArchiveMetrics) AddEntriesSkipped(n int64) { m.EntriesSkipped.Add(n) }
func (m *ArchiveMetrics) AddBytesRead(n int64)      { m.BytesRead.Add(n) }
func (m *ArchiveMetrics) AddBytesWritten(n int64)   { m.BytesWritten.Add(n) }

func (m *ArchiveMetrics) StartProgress(msg string, interval time.Duration, args ...any) {
	m.stopChan = make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary(msg, args...)
			case <-m.stopChan:
				return
			}
		}
	}()
}

func (m *ArchiveMetrics) StopProgress() {
	if m.stopChan != nil {
		close(m.stopChan)
	}
}

func (m *ArchiveMetrics) LogSummary(msg string, args ...any) {
	args = append(args,
		"entries_added", m.EntriesAdded.Load(),
		"entries_skipped", m.EntriesSkipped.Load(),
		"bytes_read", m.BytesRead.Load(),
		"bytes_written", m.BytesWritten.Load(),
	)
	plog.Info(msg, args...)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
type NoopMetrics struct{}

func (m *NoopMetrics) AddEntriesAdded(n int64)                                       {}
func (m *NoopMetrics) AddEntriesSkipped(n int64)                                     {}
func (m *NoopMetrics) AddBytesRead(n int64)                                          {}
func (m *NoopMetrics) AddBytesWritten(n int64)                                       {}
func (m *NoopMetrics) LogSummary(msg string, args ...any)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration, args ...any) {}
func (m *NoopMetrics) StopProgress()                                                 {}

var _ Metrics = (*ArchiveMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
