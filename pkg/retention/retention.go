// --- ARCHITECTURAL OVERVIEW: Retention Strategy ---
//
// Retention is age based with a safety floor.
//
// Goal:  Old artifacts are removed, but a misconfigured retention window (even zero
//        days) can never delete the last copies of a source.
//
// Logic: Per source directory, artifacts are sorted newest first. The first
//        MinKeepCount are protected. Of the rest, those strictly older than
//        RetentionDays are deleted; an artifact exactly at the threshold is kept.
//        The artifact's creation time comes from its sidecar metadata, falling back
//        to the UTC timestamp embedded in its file name.

// Package retention implements the RetentionManager that prunes published artifacts.
package retention

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-vault/pkg/artifact"
	"github.com/paulschiretz/pgl-vault/pkg/fault"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
)

// Guard tells the retention manager whether a source directory may be pruned now.
// A source whose publish lock is held is skipped for this prune.
type Guard interface {
	TryLock(source string) (unlock func(), ok bool)
}

// Pruner defines the interface for a component that applies the retention policy.
type Pruner interface {
	Prune(ctx context.Context, absDestRoot string, p *Plan, nowUTC time.Time) ([]artifact.Artifact, error)
}

// RetentionManager is stateless apart from its guard and safe for concurrent use.
type RetentionManager struct {
	guard Guard
}

// Statically assert that *RetentionManager implements the Pruner interface.
var _ Pruner = (*RetentionManager)(nil)

// NewRetentionManager creates a RetentionManager. A nil guard disables lock checks.
func NewRetentionManager(guard Guard) *RetentionManager {
	return &RetentionManager{guard: guard}
}

// Prune deletes outdated artifacts below absDestRoot and returns what it deleted
// (or, in dry run mode, what it would delete). Failures to delete single artifacts
// are aggregated as PruneFailed errors and never stop the remaining deletions.
func (rm *RetentionManager) Prune(ctx context.Context, absDestRoot string, p *Plan, nowUTC time.Time) ([]artifact.Artifact, error) {
	if p.RetentionDays < 0 {
		return nil, fault.New(fault.ConfigInvalid, "retention_days must be >= 0, got %d", p.RetentionDays)
	}
	if p.MinKeepCount < 1 {
		return nil, fault.New(fault.ConfigInvalid, "min_keep_count must be >= 1, got %d", p.MinKeepCount)
	}

	var m Metrics
	if p.Metrics {
		m = &RetentionMetrics{}
	} else {
		m = &NoopMetrics{}
	}

	sources, err := rm.listSources(absDestRoot, p)
	if err != nil {
		return nil, fault.Wrap(fault.PruneFailed, err)
	}

	var deleted []artifact.Artifact
	var errs []error
	for _, source := range sources {
		if err := ctx.Err(); err != nil {
			errs = append(errs, fault.Wrap(fault.Cancelled, err))
			break
		}

		run := &pruneRun{
			ctx:        ctx,
			source:     source,
			dirPath:    filepath.Join(absDestRoot, source),
			plan:       p,
			nowUTC:     nowUTC.UTC(),
			metrics:    m,
			numWorkers: max(p.DeleteWorkers, 1),
		}

		if rm.guard != nil {
			unlock, ok := rm.guard.TryLock(source)
			if !ok {
				plog.Warn("Skipping retention for source; a publish is in progress", "source", source)
				continue
			}
			d, e := run.execute()
			unlock()
			deleted = append(deleted, d...)
			errs = append(errs, e...)
			continue
		}
		d, e := run.execute()
		deleted = append(deleted, d...)
		errs = append(errs, e...)
	}

	return deleted, errors.Join(errs...)
}

// listSources returns the source directories to prune.
func (rm *RetentionManager) listSources(absDestRoot string, p *Plan) ([]string, error) {
	if len(p.Sources) > 0 {
		sources := append([]string(nil), p.Sources...)
		sort.Strings(sources)
		return sources, nil
	}

	entries, err := os.ReadDir(absDestRoot)
	if err != nil {
		if os.IsNotExist(err) {
			plog.Debug("Destination does not exist yet, nothing to prune", "path", absDestRoot)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read destination %s: %w", absDestRoot, err)
	}

	var sources []string
	for _, entry := range entries {
		// Hidden directories hold engine state, never artifacts.
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		sources = append(sources, entry.Name())
	}
	return sources, nil
}

// SelectForDeletion returns the artifacts outside the policy. artifacts must be
// sorted newest first. The first minKeepCount are protected; of the remainder every
// artifact strictly older than retentionDays is selected.
func SelectForDeletion(artifacts []artifact.Artifact, retentionDays, minKeepCount int, nowUTC time.Time) []artifact.Artifact {
	if minKeepCount < 1 {
		minKeepCount = 1
	}
	if len(artifacts) <= minKeepCount {
		return nil
	}

	threshold := time.Duration(retentionDays) * 24 * time.Hour
	var toDelete []artifact.Artifact
	for _, a := range artifacts[minKeepCount:] {
		if nowUTC.Sub(a.CreatedUTC) > threshold {
			toDelete = append(toDelete, a)
		}
	}
	return toDelete
}

// SortNewestFirst orders artifacts by creation time, newest first. Equal times are
// ordered by name so the protected set is deterministic.
func SortNewestFirst(artifacts []artifact.Artifact) {
	sort.SliceStable(artifacts, func(i, j int) bool {
		if !artifacts[i].CreatedUTC.Equal(artifacts[j].CreatedUTC) {
			return artifacts[i].CreatedUTC.After(artifacts[j].CreatedUTC)
		}
		return artifacts[i].Name() > artifacts[j].Name()
	})
}
