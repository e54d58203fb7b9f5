package retention

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/paulschiretz/pgl-vault/pkg/artifact"
	"github.com/paulschiretz/pgl-vault/pkg/fault"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
	"github.com/paulschiretz/pgl-vault/pkg/util"
)

// removeFile is replaced in tests to simulate failing deletions.
var removeFile = os.Remove

// pruneRun holds the mutable state for pruning one source directory.
// This makes the RetentionManager itself stateless and safe for concurrent use.
type pruneRun struct {
	ctx        context.Context
	source     string
	dirPath    string
	plan       *Plan
	nowUTC     time.Time
	metrics    Metrics
	numWorkers int
}

// execute prunes one source directory and returns the deleted artifacts and the
// per-artifact failures.
func (r *pruneRun) execute() ([]artifact.Artifact, []error) {
	artifacts, err := r.fetchSortedArtifacts()
	if err != nil {
		return nil, []error{fault.WithContext(err, fault.PruneFailed, r.source, "prune")}
	}

	eligible := SelectForDeletion(artifacts, r.plan.RetentionDays, r.plan.MinKeepCount, r.nowUTC)
	plog.Debug("Retention plan", "source", r.source, "artifacts", len(artifacts), "protected", min(len(artifacts), r.plan.MinKeepCount), "to_delete", len(eligible))

	if len(eligible) == 0 {
		if r.plan.DryRun {
			plog.Debug("[DRY RUN] No artifacts need deletion", "source", r.source)
		} else {
			plog.Debug("No artifacts need deletion", "source", r.source)
		}
		return nil, nil
	}

	if r.plan.DryRun {
		for _, a := range eligible {
			plog.Notice("[DRY RUN] DELETE", "source", r.source, "path", a.Path, "created", a.CreatedUTC)
		}
		return eligible, nil
	}

	plog.Info("Deleting outdated artifacts", "source", r.source, "count", len(eligible))

	r.metrics.StartProgress("Delete progress", 10*time.Second)
	defer func() {
		r.metrics.StopProgress()
		r.metrics.LogSummary("Delete finished")
	}()

	var (
		mu      sync.Mutex
		deleted []artifact.Artifact
		errs    []error
	)

	// Buffer it to 2x the workers to keep the pipeline full without wasting memory
	deleteTasksChan := make(chan artifact.Artifact, r.numWorkers*2)
	var wg sync.WaitGroup

	for i := 0; i < r.numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for a := range deleteTasksChan {
				// Check for cancellation before each deletion.
				select {
				case <-r.ctx.Done():
					return
				default:
				}

				plog.Notice("DELETE", "source", r.source, "path", a.Path, "worker", workerID)
				if err := r.deleteArtifact(a); err != nil {
					r.metrics.AddArtifactsFailed(1)
					plog.Warn("Failed to delete outdated artifact", "source", r.source, "path", a.Path, "error", err)
					mu.Lock()
					errs = append(errs, fault.WithContext(fmt.Errorf("delete %s: %w", a.Name(), err), fault.PruneFailed, r.source, "prune"))
					mu.Unlock()
					continue
				}
				r.metrics.AddArtifactsDeleted(1)
				r.metrics.AddBytesFreed(a.Size)
				mu.Lock()
				deleted = append(deleted, a)
				mu.Unlock()
			}
		}(i + 1)
	}

	// Feed the jobs in a separate goroutine so the main function can simply wait for the workers to finish.
	go func() {
		defer close(deleteTasksChan)
		for _, a := range eligible {
			select {
			case <-r.ctx.Done():
				plog.Debug("Cancellation received, stopping retention job feeding.")
				return
			case deleteTasksChan <- a:
			}
		}
	}()

	wg.Wait()

	if err := util.SyncDir(r.dirPath); err != nil {
		plog.Debug("Could not sync source directory after pruning", "path", r.dirPath, "error", err)
	}

	SortNewestFirst(deleted)
	return deleted, errs
}

// deleteArtifact removes the artifact and then its sidecar. A sidecar without its
// artifact is harmless; the reverse would lose the artifact's metadata.
func (r *pruneRun) deleteArtifact(a artifact.Artifact) error {
	if err := removeFile(a.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := removeFile(artifact.MetaPath(a.Path)); err != nil && !os.IsNotExist(err) {
		plog.Warn("Failed to delete artifact metadata", "source", r.source, "path", artifact.MetaPath(a.Path), "error", err)
	}
	return nil
}

// fetchSortedArtifacts scans the source directory for published artifacts and
// returns them sorted from newest to oldest.
func (r *pruneRun) fetchSortedArtifacts() ([]artifact.Artifact, error) {
	entries, err := os.ReadDir(r.dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			plog.Debug("Source directory does not exist yet, nothing to prune", "path", r.dirPath)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read source directory %s: %w", r.dirPath, err)
	}

	var found []artifact.Artifact
	for _, entry := range entries {
		select {
		case <-r.ctx.Done():
			return nil, fault.Wrap(fault.Cancelled, r.ctx.Err())
		default:
		}

		if entry.IsDir() || !artifact.IsArtifactName(entry.Name()) {
			continue
		}
		a, err := artifact.Load(filepath.Join(r.dirPath, entry.Name()))
		if err != nil {
			plog.Warn("Skipping retention check for file; cannot read artifact", "source", r.source, "file", entry.Name(), "reason", err)
			continue
		}
		found = append(found, a)
	}

	SortNewestFirst(found)
	return found, nil
}
