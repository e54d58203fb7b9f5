package retention

import (
	"sync/atomic"
	"time"

	"github.com/paulschiretz/pgl-vault/pkg/plog"
)

// Metrics defines the interface for collecting and reporting retention statistics.
type Metrics interface {
	AddArtifactsDeleted(n int64)
	AddArtifactsFailed(n int64)
	AddBytesFreed(n int64)
	LogSummary(msg string)
	StartProgress(msg string, interval time.Duration)
	StopProgress()
}

// RetentionMetrics holds the atomic counters for tracking the retention operation's progress.
type RetentionMetrics struct {
	ArtifactsDeleted atomic.Int64
	ArtifactsFailed  atomic.Int64
	BytesFreed       atomic.Int64

	stopChan chan struct{}
}

func (m *RetentionMetrics) AddArtifactsDeleted(n int64) { m.ArtifactsDeleted.Add(n) }
func (m *RetentionMetrics) AddArtifactsFailed(n int64)  { m.ArtifactsFailed.Add(n) }
func (m *RetentionMetrics) AddBytesFreed(n int64)       { m.BytesFreed.Add(n) }

func (m *RetentionMetrics) StartProgress(msg string, interval time.Duration) {
	m.stopChan = make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.LogSummary(msg)
			case <-m.stopChan:
				return
			}
		}
	}()
}

func (m *RetentionMetrics) StopProgress() {
	if m.stopChan != nil {
		close(m.stopChan)
	}
}

func (m *RetentionMetrics) LogSummary(msg string) {
	plog.Info(msg,
		"artifacts_deleted", m.ArtifactsDeleted.Load(),
		"artifacts_failed", m.ArtifactsFailed.Load(),
		"bytes_freed", m.BytesFreed.Load(),
	)
}

// NoopMetrics is an implementation of the Metrics interface that performs no operations.
type NoopMetrics struct{}

func (m *NoopMetrics) AddArtifactsDeleted(n int64)                      {}
func (m *NoopMetrics) AddArtifactsFailed(n int64)                       {}
func (m *NoopMetrics) AddBytesFreed(n int64)                            {}
func (m *NoopMetrics) LogSummary(msg string)                            {}
func (m *NoopMetrics) StartProgress(msg string, interval time.Duration) {}
func (m *NoopMetrics) StopProgress()                                    {}

var _ Metrics = (*RetentionMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
