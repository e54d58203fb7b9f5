// --- ARCHITECTURAL OVERVIEW: Run Lifecycle ---
//
// A run moves every configured source through Archive -> Encrypt -> Publish and then
// applies retention once, balancing isolation between sources with crash safety.
//
// 1. Isolation - "One Bad Source Never Sinks The Run"
//    - Each source runs its own pipeline on a bounded worker pool. A failure is
//      recorded as that source's outcome and never cancels its siblings.
//    - Stages of one source are strictly sequential. Cancellation is observed between
//      stages: the current stage finishes (or aborts on its own), the next never starts.
//
// 2. Visibility - "Complete Or Absent"
//    - Archives and ciphertexts are produced in a staging area below the state
//      directory on the destination filesystem. Publishing is a rename under the
//      source's publish lock followed by a directory fsync, so readers of the
//      destination only ever see finished artifacts.
//
// 3. Durability - "Every Started Run Is Accounted For"
//    - A run marker is written durably before any work starts and is only removed
//      once the run record is durable. Every published source is checkpointed on the
//      marker. A marker found at startup belongs to a crashed or cancelled run: its
//      staging is swept and an Interrupted record carrying the checkpointed sources
//      is written, so they are not backed up again in the same period.
//
// Retention runs strictly after the join barrier, so it never races with a publish of
// the same run and always sees this run's artifacts.

package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/paulschiretz/pgl-vault/pkg/archive"
	"github.com/paulschiretz/pgl-vault/pkg/artifact"
	"github.com/paulschiretz/pgl-vault/pkg/encrypt"
	"github.com/paulschiretz/pgl-vault/pkg/fault"
	"github.com/paulschiretz/pgl-vault/pkg/hook"
	"github.com/paulschiretz/pgl-vault/pkg/ledger"
	"github.com/paulschiretz/pgl-vault/pkg/lockfile"
	"github.com/paulschiretz/pgl-vault/pkg/metrics"
	"github.com/paulschiretz/pgl-vault/pkg/notify"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
	"github.com/paulschiretz/pgl-vault/pkg/preflight"
	"github.com/paulschiretz/pgl-vault/pkg/publock"
	"github.com/paulschiretz/pgl-vault/pkg/retention"
)

// StagingDirName is the directory below the state directory holding per-run staging.
const StagingDirName = "staging"

// reportTimeout bounds post-run reporting, which also runs after a cancellation.
const reportTimeout = 30 * time.Second

// ErrLockBusy is returned when another instance holds the destination lock.
// It is a hint: the caller should exit successfully without doing anything.
var ErrLockBusy = fault.Hint("another instance is already running for this destination")

// HookRunner executes the configured pre and post run commands.
type HookRunner interface {
	RunPreHook(ctx context.Context, p *hook.Plan, env hook.Env) error
	RunPostHook(ctx context.Context, p *hook.Plan, env hook.Env) error
}

// Runner wires the stage workers together. It keeps no per-run state.
type Runner struct {
	archiver  archive.Archiver
	encrypter encrypt.Encrypter
	pruner    retention.Pruner
	publocks  *publock.Registry
	hooks     HookRunner
	notifier  notify.Notifier
	recorder  metrics.Recorder

	now func() time.Time
}

// NewRunner creates a Runner. publocks must be the registry the pruner uses as its
// guard. hooks, notifier and recorder may be nil.
func NewRunner(archiver archive.Archiver, encrypter encrypt.Encrypter, pruner retention.Pruner, publocks *publock.Registry, hooks HookRunner, notifier notify.Notifier, recorder metrics.Recorder) *Runner {
	if publocks == nil {
		publocks = publock.New()
	}
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Runner{
		archiver:  archiver,
		encrypter: encrypter,
		pruner:    pruner,
		publocks:  publocks,
		hooks:     hooks,
		notifier:  notifier,
		recorder:  recorder,
		now:       time.Now,
	}
}

// RunAll executes one run of the plan and returns its record. The error is non-nil
// only for fatal startup conditions; per-source failures are reported in the record.
// ErrLockBusy means nothing was done because another instance is active.
func (r *Runner) RunAll(ctx context.Context, p *Plan) (rec ledger.RunRecord, retErr error) {
	ctx, span := startRunSpan(ctx, p.PlanID, p.DryRun)
	defer func() {
		span.SetAttributes(attribute.String("run.status", rec.Status.String()))
		endSpan(span, retErr)
	}()

	// Check for cancellation at the very beginning.
	if err := ctx.Err(); err != nil {
		return ledger.RunRecord{}, fault.Wrap(fault.Cancelled, err)
	}

	if _, err := preflight.Run(p.Preflight, p.DestinationRoot, p.Sources); err != nil {
		return ledger.RunRecord{}, fmt.Errorf("preflight failed: %w", err)
	}

	if p.DryRun {
		return r.runDry(ctx, p)
	}

	releaseLock, err := r.acquireDestinationLock(ctx, p.DestinationRoot)
	if err != nil {
		return ledger.RunRecord{}, err
	}
	defer releaseLock()

	led, err := ledger.Open(p.LedgerBackend, p.StateDir)
	if err != nil {
		return ledger.RunRecord{}, fmt.Errorf("failed to open run ledger: %w", err)
	}
	defer led.Close()

	if err := r.recoverOrphans(ctx, led); err != nil {
		return ledger.RunRecord{}, err
	}

	skips, err := r.checkIdempotency(ctx, led, p, r.now())
	if err != nil {
		return ledger.RunRecord{}, err
	}

	stagingRoot := filepath.Join(p.StateDir, StagingDirName)
	token, err := led.Begin(ctx, p.PlanID, stagingRoot)
	if err != nil {
		return ledger.RunRecord{}, fmt.Errorf("failed to begin run: %w", err)
	}
	runStaging := filepath.Join(stagingRoot, token.ID)
	span.SetAttributes(attribute.String("run.id", token.ID))
	plog.Info("Starting run", "run_id", token.ID, "plan", p.PlanID, "sources", len(p.Sources))

	env := hook.Env{RunID: token.ID, PlanID: p.PlanID, DestinationRoot: p.DestinationRoot}
	rec = ledger.RunRecord{
		ID:        token.ID,
		PlanID:    p.PlanID,
		StartedAt: token.StartedAt,
		Sources:   r.execute(ctx, p, token.ID, runStaging, skips, env, checkpointer(ctx, led, token)),
	}
	r.conclude(ctx, p, &rec)

	var completeErr error
	if rec.Status == ledger.Cancelled {
		plog.Warn("Run cancelled; run marker and staging are kept for recovery", "run_id", token.ID)
	} else {
		if err := led.Complete(ctx, token, rec); err != nil {
			completeErr = fmt.Errorf("failed to record run %s: %w", token.ID, err)
			plog.Error("Failed to record run", "run_id", token.ID, "error", err)
		} else if err := os.RemoveAll(runStaging); err != nil {
			plog.Warn("Failed to remove staging directory", "path", runStaging, "error", err)
		}
	}

	r.finish(ctx, p, rec, env)
	return rec, completeErr
}

// runDry archives and encrypts into a throwaway staging directory outside the
// destination. The ledger and the destination lock are never touched.
func (r *Runner) runDry(ctx context.Context, p *Plan) (ledger.RunRecord, error) {
	stagingRoot, err := os.MkdirTemp("", "pgl-vault-dryrun-*")
	if err != nil {
		return ledger.RunRecord{}, fmt.Errorf("failed to create dry run staging: %w", err)
	}
	defer os.RemoveAll(stagingRoot)

	runID := uuid.NewString()
	plog.Info("[DRY RUN] Starting run", "run_id", runID, "plan", p.PlanID, "sources", len(p.Sources))

	env := hook.Env{RunID: runID, PlanID: p.PlanID, DestinationRoot: p.DestinationRoot}
	rec := ledger.RunRecord{
		ID:        runID,
		PlanID:    p.PlanID,
		StartedAt: r.now().UTC(),
		DryRun:    true,
		Sources:   r.execute(ctx, p, runID, stagingRoot, nil, env, nil),
	}
	r.conclude(ctx, p, &rec)
	r.finish(ctx, p, rec, env)
	return rec, nil
}

// ExecutePrune applies the retention policy on its own, outside of a backup run.
func (r *Runner) ExecutePrune(ctx context.Context, p *Plan) ([]artifact.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.Cancelled, err)
	}
	if _, err := preflight.Run(p.Preflight, p.DestinationRoot, nil); err != nil {
		return nil, fmt.Errorf("preflight failed: %w", err)
	}

	if !p.DryRun {
		releaseLock, err := r.acquireDestinationLock(ctx, p.DestinationRoot)
		if err != nil {
			return nil, err
		}
		defer releaseLock()
	}

	plog.Info("Starting prune", "destination", p.DestinationRoot)
	ctx, span := startStageSpan(ctx, "prune")
	deleted, err := r.pruner.Prune(ctx, p.DestinationRoot, p.Retention, r.now().UTC())
	endSpan(span, err)
	if err != nil {
		return deleted, err
	}
	plog.Info("Prune completed", "artifacts", len(deleted))
	return deleted, nil
}

// execute runs the pre-run hooks and then every source pipeline. It returns one
// outcome per source in plan order once all pipelines have finished. published,
// if set, is called with every source that reached the destination.
func (r *Runner) execute(ctx context.Context, p *Plan, runID, runStaging string, skips map[string]string, env hook.Env, published func(ledger.SourceOutcome)) []ledger.SourceOutcome {
	outcomes := make([]ledger.SourceOutcome, len(p.Sources))

	if r.hooks != nil {
		if err := r.hooks.RunPreHook(ctx, p.Hooks, env); err != nil && !fault.IsHint(err) {
			plog.Error("Pre-run hook failed, no source will be backed up", "error", err)
			for i, src := range p.Sources {
				outcomes[i] = failedOutcome(src.Name, fault.WithContext(err, fault.Unknown, src.Name, "hook"), "hook")
			}
			return outcomes
		}
	}

	// A plain group: one failing source must not cancel the others.
	var g errgroup.Group
	g.SetLimit(max(p.Workers, 1))
	for i, src := range p.Sources {
		if reason, ok := skips[src.Name]; ok {
			plog.Info("Skipping source", "source", src.Name, "reason", reason)
			outcomes[i] = ledger.SourceOutcome{Name: src.Name, Status: ledger.SourceSkipped, Reason: reason}
			continue
		}
		g.Go(func() error {
			outcomes[i] = r.runSource(ctx, p, runID, runStaging, src)
			if published != nil && outcomes[i].Status == ledger.SourceSuccess {
				published(outcomes[i])
			}
			return nil
		})
	}
	// Join barrier: nothing below runs while a pipeline is still publishing.
	_ = g.Wait()
	return outcomes
}

// checkpointer records published sources on the run marker. The artifact is
// already visible, so the checkpoint is written even once ctx is cancelled.
func checkpointer(ctx context.Context, led ledger.Ledger, token ledger.RunToken) func(ledger.SourceOutcome) {
	ctx = context.WithoutCancel(ctx)
	return func(o ledger.SourceOutcome) {
		if err := led.Checkpoint(ctx, token, o); err != nil {
			plog.Warn("Failed to checkpoint published source", "run_id", token.ID, "source", o.Name, "error", err)
		}
	}
}

// conclude prunes (unless the run was cancelled) and fills in the terminal fields.
func (r *Runner) conclude(ctx context.Context, p *Plan, rec *ledger.RunRecord) {
	if ctx.Err() == nil {
		rec.Pruned, rec.PruneErrors = r.prune(ctx, p)
	}
	rec.EndedAt = r.now().UTC()
	rec.Status = ledger.Aggregate(rec.Sources)
	if ctx.Err() != nil {
		rec.Status = ledger.Cancelled
	}
}

func (r *Runner) prune(ctx context.Context, p *Plan) ([]artifact.Artifact, []string) {
	if r.pruner == nil || p.Retention == nil {
		return nil, nil
	}
	ctx, span := startStageSpan(ctx, "prune")
	pruned, err := r.pruner.Prune(ctx, p.DestinationRoot, p.Retention, r.now().UTC())
	endSpan(span, err)
	if err != nil {
		plog.Warn("Retention finished with errors", "error", err)
	}
	return pruned, errorStrings(err)
}

// finish runs everything that reports on a concluded run. None of it can change
// the run's outcome.
func (r *Runner) finish(ctx context.Context, p *Plan, rec ledger.RunRecord, env hook.Env) {
	logSummary(rec)

	if r.hooks != nil {
		env.Status = rec.Status.String()
		if ctx.Err() != nil {
			plog.Info("Post-run hooks skipped due to cancellation")
		} else if err := r.hooks.RunPostHook(ctx, p.Hooks, env); err != nil && !fault.IsHint(err) {
			plog.Warn("Post-run hook failed", "error", err)
		}
	}

	if p.Metrics && !p.DryRun {
		r.recorder.Record(rec)
		if p.MetricsFile != "" {
			if err := r.recorder.WriteTextfile(p.MetricsFile); err != nil {
				plog.Warn("Failed to write metrics textfile", "path", p.MetricsFile, "error", err)
			}
		}
	}

	// A cancelled run is still reported, bounded by its own timeout.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	r.notify(rctx, p, rec)
}

func (r *Runner) notify(ctx context.Context, p *Plan, rec ledger.RunRecord) {
	if r.notifier == nil || p.Notify == nil || !p.Notify.Enabled {
		return
	}
	if p.DryRun {
		plog.Info("[DRY RUN] Would send notification", "status", rec.Status)
		return
	}
	err := r.notifier.Notify(ctx, rec)
	switch {
	case err == nil:
	case fault.IsHint(err):
		plog.Debug("Notification not sent", "reason", err)
	default:
		plog.Warn("Failed to send notification", "error", err)
	}
}

// acquireDestinationLock takes the process lock in the destination root.
func (r *Runner) acquireDestinationLock(ctx context.Context, absDestRoot string) (func(), error) {
	appID := fmt.Sprintf("pgl-vault:%s", absDestRoot)

	plog.Debug("Attempting to acquire lock", "path", absDestRoot)
	lock, err := lockfile.Acquire(ctx, absDestRoot, appID)
	if err != nil {
		var lockErr *lockfile.ErrLockActive
		if errors.As(err, &lockErr) {
			plog.Warn("Operation is already running for this destination, skipping run.", "details", lockErr.Error())
			return nil, ErrLockBusy
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	plog.Debug("Lock acquired successfully.")
	return lock.Release, nil
}

// checkIdempotency returns the sources that already succeeded in the current period,
// mapped to the reason they are skipped.
func (r *Runner) checkIdempotency(ctx context.Context, led ledger.Ledger, p *Plan, now time.Time) (map[string]string, error) {
	skips := make(map[string]string)
	if p.Force || !p.Period.Enabled() {
		return skips, nil
	}
	for _, src := range p.Sources {
		last, ok, err := led.LastSuccess(ctx, p.PlanID, src.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to read last success of %s: %w", src.Name, err)
		}
		if ok && p.Period.Same(last, now) {
			skips[src.Name] = fmt.Sprintf("already backed up in this %s period (last success %s)",
				p.Period, last.Local().Format(time.DateTime))
		}
	}
	return skips, nil
}

func logSummary(rec ledger.RunRecord) {
	prefix := ""
	if rec.DryRun {
		prefix = "[DRY RUN] "
	}
	for _, o := range rec.Sources {
		switch o.Status {
		case ledger.SourceSuccess:
			plog.Info(prefix+"Source succeeded", "source", o.Name, "artifact", o.ArtifactPath, "duration", o.Duration.Round(time.Millisecond))
		case ledger.SourceSkipped:
			plog.Info(prefix+"Source skipped", "source", o.Name, "reason", o.Reason)
		case ledger.SourceFailed:
			plog.Error(prefix+"Source failed", "source", o.Name, "stage", o.Stage, "kind", o.ErrorKind, "error", o.Error)
		}
	}
	plog.Info(prefix+"Run finished", "run_id", rec.ID, "status", rec.Status,
		"pruned", len(rec.Pruned), "prune_errors", len(rec.PruneErrors),
		"duration", rec.Elapsed().Round(time.Millisecond))
}

// errorStrings flattens a joined error into its messages.
func errorStrings(err error) []string {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var msgs []string
		for _, e := range joined.Unwrap() {
			msgs = append(msgs, e.Error())
		}
		return msgs
	}
	return []string{err.Error()}
}
