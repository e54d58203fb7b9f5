package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/paulschiretz/pgl-vault/pkg/artifact"
	"github.com/paulschiretz/pgl-vault/pkg/buildinfo"
	"github.com/paulschiretz/pgl-vault/pkg/fault"
	"github.com/paulschiretz/pgl-vault/pkg/ledger"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
	"github.com/paulschiretz/pgl-vault/pkg/util"
)

type stageFunc func(ctx context.Context) (artifact.Artifact, error)

// runSource moves one source through Archive -> Encrypt -> Publish.
func (r *Runner) runSource(ctx context.Context, p *Plan, runID, runStaging string, src artifact.SourceSpec) (out ledger.SourceOutcome) {
	start := time.Now()
	ctx, span := startSourceSpan(ctx, src.Name)
	defer func() {
		out.Duration = time.Since(start)
		var err error
		if out.Status == ledger.SourceFailed {
			err = errors.New(out.Error)
		}
		endSpan(span, err)
	}()

	staging := filepath.Join(runStaging, src.Name)
	defer func() {
		// Staging of a cancelled run is left for the next startup's recovery.
		if ctx.Err() == nil {
			if err := os.RemoveAll(staging); err != nil {
				plog.Warn("Failed to remove source staging", "source", src.Name, "path", staging, "error", err)
			}
		}
	}()

	plog.Info("Backing up source", "source", src.Name, "path", src.Path)

	archived, err := r.runStage(ctx, src.Name, "archive", fault.ArchiveFailed, func(ctx context.Context) (artifact.Artifact, error) {
		if err := os.MkdirAll(staging, util.UserOnlyDirPerms); err != nil {
			return artifact.Artifact{}, fmt.Errorf("failed to create staging directory: %w", err)
		}
		return r.archiver.Archive(ctx, src, staging, p.Archive, r.now().UTC())
	})
	if err != nil {
		return failedOutcome(src.Name, err, "archive")
	}

	recipient := ""
	if p.Encryption != nil {
		recipient = p.Encryption.Recipient
	}
	encrypted, err := r.runStage(ctx, src.Name, "encrypt", fault.EncryptionFailed, func(ctx context.Context) (artifact.Artifact, error) {
		return r.encrypter.Encrypt(ctx, archived, recipient)
	})
	if err != nil {
		return failedOutcome(src.Name, err, "encrypt")
	}

	published, err := r.runStage(ctx, src.Name, "publish", fault.PublishFailed, func(ctx context.Context) (artifact.Artifact, error) {
		return r.publish(p, runID, encrypted)
	})
	if err != nil {
		return failedOutcome(src.Name, err, "publish")
	}

	return ledger.SourceOutcome{
		Name:         src.Name,
		Status:       ledger.SourceSuccess,
		Artifact:     &published,
		ArtifactPath: published.Path,
	}
}

// runStage refuses to start once ctx is done and tags any failure with the source,
// the stage and kind, unless the error is already classified.
func (r *Runner) runStage(ctx context.Context, source, stage string, kind fault.Kind, fn stageFunc) (artifact.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return artifact.Artifact{}, fault.WithContext(fault.Wrap(fault.Cancelled, err), fault.Cancelled, source, stage)
	}
	ctx, span := startStageSpan(ctx, stage)
	a, err := fn(ctx)
	endSpan(span, err)
	if err != nil {
		if ctx.Err() != nil && fault.KindOf(err) == fault.Unknown {
			kind = fault.Cancelled
		}
		return artifact.Artifact{}, fault.WithContext(err, kind, source, stage)
	}
	return a, nil
}

// publish moves a staged artifact and its sidecar into "<dest>/<source>/". Both
// moves are renames within one filesystem, so the artifact appears complete or
// not at all. There is no copy fallback.
func (r *Runner) publish(p *Plan, runID string, a artifact.Artifact) (artifact.Artifact, error) {
	destDir := filepath.Join(p.DestinationRoot, a.Source)
	final := a
	final.Path = filepath.Join(destDir, a.Name())

	if p.DryRun {
		plog.Notice("[DRY RUN] PUBLISH", "source", a.Source, "artifact", final.Path, "size", a.Size)
		return final, nil
	}

	// The sidecar is written next to the staged artifact and follows it.
	if err := artifact.WriteMeta(a, runID, buildinfo.Version); err != nil {
		return artifact.Artifact{}, err
	}

	unlock := r.publocks.Lock(a.Source)
	defer unlock()

	if err := os.MkdirAll(destDir, util.UserWritableDirPerms); err != nil {
		return artifact.Artifact{}, fmt.Errorf("failed to create artifact directory %s: %w", destDir, err)
	}
	if _, err := os.Lstat(final.Path); err == nil {
		return artifact.Artifact{}, fmt.Errorf("artifact %s already exists", final.Path)
	} else if !os.IsNotExist(err) {
		return artifact.Artifact{}, fmt.Errorf("failed to check artifact %s: %w", final.Path, err)
	}

	if err := os.Rename(a.Path, final.Path); err != nil {
		return artifact.Artifact{}, fmt.Errorf("failed to publish artifact: %w", renameError(err))
	}
	if err := os.Rename(artifact.MetaPath(a.Path), artifact.MetaPath(final.Path)); err != nil {
		// Take the artifact back so it is never visible without its sidecar.
		if rbErr := os.Rename(final.Path, a.Path); rbErr != nil {
			plog.Warn("Failed to withdraw artifact after sidecar error", "artifact", final.Path, "error", rbErr)
		}
		return artifact.Artifact{}, fmt.Errorf("failed to publish artifact metadata: %w", renameError(err))
	}
	if err := util.SyncDir(destDir); err != nil {
		return artifact.Artifact{}, fmt.Errorf("failed to sync artifact directory %s: %w", destDir, err)
	}

	plog.Notice("PUBLISHED", "source", a.Source, "artifact", final.Path, "size", final.Size, "checksum", final.Checksum)
	return final, nil
}

func renameError(err error) error {
	if util.IsCrossDevice(err) {
		return fmt.Errorf("staging and destination are on different filesystems: %w", err)
	}
	return err
}

// failedOutcome records a failure. The stage of a classified error wins over the
// given fallback stage.
func failedOutcome(source string, err error, stage string) ledger.SourceOutcome {
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Stage != "" {
		stage = fe.Stage
	}
	return ledger.SourceOutcome{
		Name:      source,
		Status:    ledger.SourceFailed,
		Stage:     stage,
		ErrorKind: fault.KindOf(err).String(),
		Error:     err.Error(),
	}
}
