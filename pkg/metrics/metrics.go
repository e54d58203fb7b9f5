// Package metrics exports the outcome of backup runs as Prometheus metrics.
//
// pgl-vault is a short lived process, so nothing is served over HTTP. The
// collector is filled once per run and written in the text exposition format to
// a file for the node_exporter textfile collector.
package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/paulschiretz/pgl-vault/pkg/ledger"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
)

const namespace = "pgl_vault"

// Recorder receives finished runs.
type Recorder interface {
	Record(rec ledger.RunRecord)
	WriteTextfile(path string) error
}

// RunCollector holds the per-run metrics in a private registry.
type RunCollector struct {
	mu       sync.Mutex
	registry *prometheus.Registry

	runStatus       *prometheus.GaugeVec
	runStarted      *prometheus.GaugeVec
	runDuration     *prometheus.GaugeVec
	sourceRuns      *prometheus.CounterVec
	sourceDuration  *prometheus.GaugeVec
	sourceBytes     *prometheus.GaugeVec
	sourceLastOK    *prometheus.GaugeVec
	prunedArtifacts *prometheus.CounterVec
	prunedBytes     *prometheus.CounterVec
	pruneErrors     *prometheus.CounterVec
}

// NewRunCollector creates a collector with all metrics registered.
func NewRunCollector() *RunCollector {
	c := &RunCollector{
		registry: prometheus.NewRegistry(),
		runStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "run_status",
			Help: "1 for the status of the last run of a plan, 0 for the other statuses.",
		}, []string{"plan", "status"}),
		runStarted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "run_started_timestamp_seconds",
			Help: "Start time of the last run.",
		}, []string{"plan"}),
		runDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "run_duration_seconds",
			Help: "Wall time of the last run.",
		}, []string{"plan"}),
		sourceRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "source_runs_total",
			Help: "Source pipelines by outcome.",
		}, []string{"plan", "source", "status"}),
		sourceDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "source_duration_seconds",
			Help: "Duration of the last pipeline of a source.",
		}, []string{"plan", "source"}),
		sourceBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "source_artifact_bytes",
			Help: "Size of the last artifact published for a source.",
		}, []string{"plan", "source"}),
		sourceLastOK: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "source_last_success_timestamp_seconds",
			Help: "Creation time of the last artifact published for a source.",
		}, []string{"plan", "source"}),
		prunedArtifacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "pruned_artifacts_total",
			Help: "Artifacts removed by retention.",
		}, []string{"plan"}),
		prunedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "pruned_bytes_total",
			Help: "Bytes freed by retention.",
		}, []string{"plan"}),
		pruneErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "prune_errors_total",
			Help: "Artifacts retention failed to remove.",
		}, []string{"plan"}),
	}
	c.registry.MustRegister(
		c.runStatus, c.runStarted, c.runDuration,
		c.sourceRuns, c.sourceDuration, c.sourceBytes, c.sourceLastOK,
		c.prunedArtifacts, c.prunedBytes, c.pruneErrors,
	)
	return c
}

// Registry exposes the underlying registry, e.g. for tests or an embedding server.
func (c *RunCollector) Registry() *prometheus.Registry { return c.registry }

var runStatuses = []ledger.Status{ledger.Success, ledger.PartialFailure, ledger.Failed, ledger.Cancelled, ledger.Interrupted}

// Record folds a finished run into the metrics. Dry runs are ignored.
func (c *RunCollector) Record(rec ledger.RunRecord) {
	if rec.DryRun {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range runStatuses {
		v := 0.0
		if s == rec.Status {
			v = 1
		}
		c.runStatus.WithLabelValues(rec.PlanID, s.String()).Set(v)
	}
	c.runStarted.WithLabelValues(rec.PlanID).Set(float64(rec.StartedAt.Unix()))
	c.runDuration.WithLabelValues(rec.PlanID).Set(rec.Elapsed().Seconds())

	for _, o := range rec.Sources {
		c.sourceRuns.WithLabelValues(rec.PlanID, o.Name, o.Status.String()).Inc()
		c.sourceDuration.WithLabelValues(rec.PlanID, o.Name).Set(o.Duration.Seconds())
		if o.Status == ledger.SourceSuccess && o.Artifact != nil {
			c.sourceBytes.WithLabelValues(rec.PlanID, o.Name).Set(float64(o.Artifact.Size))
			c.sourceLastOK.WithLabelValues(rec.PlanID, o.Name).Set(float64(o.Artifact.CreatedUTC.Unix()))
		}
	}

	var freed int64
	for _, a := range rec.Pruned {
		freed += a.Size
	}
	c.prunedArtifacts.WithLabelValues(rec.PlanID).Add(float64(len(rec.Pruned)))
	c.prunedBytes.WithLabelValues(rec.PlanID).Add(float64(freed))
	c.pruneErrors.WithLabelValues(rec.PlanID).Add(float64(len(rec.PruneErrors)))
}

// WriteTextfile writes the registry to path. The write goes through a temp file
// and a rename, so a scraping collector never sees a partial file.
func (c *RunCollector) WriteTextfile(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile %s: %w", path, err)
	}
	plog.Debug("Metrics written", "path", path)
	return nil
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

func (NoopRecorder) Record(ledger.RunRecord)    {}
func (NoopRecorder) WriteTextfile(string) error { return nil }

// Statically assert that our types implement the interface.
var _ Recorder = (*RunCollector)(nil)
var _ Recorder = NoopRecorder{}
