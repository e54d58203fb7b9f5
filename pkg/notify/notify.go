// Package notify reports the outcome of a backup run to an operator.
//
// A Dispatcher turns a ledger.RunRecord into a subject and a plain text body and
// hands both to a Transport. Delivery problems are returned as NotifyFailed and
// never change the outcome of the run they describe.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-vault/pkg/artifact"
	"github.com/paulschiretz/pgl-vault/pkg/fault"
	"github.com/paulschiretz/pgl-vault/pkg/ledger"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
)

// ErrSuppressed is returned when a successful run is not reported because only
// failures are.
var ErrSuppressed = fault.Hint("notification suppressed for successful run")

// Transport delivers one report.
type Transport interface {
	Send(ctx context.Context, subject, body string) error
}

// Notifier is what the engine depends on.
type Notifier interface {
	Notify(ctx context.Context, rec ledger.RunRecord) error
}

// Dispatcher formats run records and sends them through a Transport.
type Dispatcher struct {
	transport     Transport
	onlyOnFailure bool
	sourcePaths   map[string]string
	// now is swapped in tests.
	now func() time.Time
}

// NewDispatcher creates a Dispatcher. sources is used to show each source's
// path in the report.
func NewDispatcher(t Transport, onlyOnFailure bool, sources []artifact.SourceSpec) *Dispatcher {
	paths := make(map[string]string, len(sources))
	for _, s := range sources {
		paths[s.Name] = s.Path
	}
	return &Dispatcher{
		transport:     t,
		onlyOnFailure: onlyOnFailure,
		sourcePaths:   paths,
		now:           time.Now,
	}
}

// Notify sends the report for rec.
func (d *Dispatcher) Notify(ctx context.Context, rec ledger.RunRecord) error {
	if d.onlyOnFailure && rec.Status == ledger.Success {
		return ErrSuppressed
	}
	subject := d.Subject(rec)
	if err := d.transport.Send(ctx, subject, d.Body(rec)); err != nil {
		return fault.WithContext(err, fault.NotifyFailed, "", "notify")
	}
	plog.Info("Notification sent", "subject", subject)
	return nil
}

// Subject builds the report subject line.
func (d *Dispatcher) Subject(rec ledger.RunRecord) string {
	failed := len(rec.Outcomes(ledger.SourceFailed))
	switch {
	case rec.Status == ledger.Cancelled:
		return fmt.Sprintf("[ALERT] Backup job was cancelled with %d failures", failed)
	case failed > 0 || rec.Status != ledger.Success:
		return fmt.Sprintf("[ALERT] Backup job completed with %d failures", failed)
	default:
		return fmt.Sprintf("Backup job completed successfully - %s", d.reportTime(rec).Format("2006-01-02"))
	}
}

// Body builds the plain text report.
func (d *Dispatcher) Body(rec ledger.RunRecord) string {
	succeeded := rec.Outcomes(ledger.SourceSuccess)
	failed := rec.Outcomes(ledger.SourceFailed)
	skipped := rec.Outcomes(ledger.SourceSkipped)

	var b strings.Builder
	b.WriteString("Backup Job Report\n")
	b.WriteString("-----------------\n")
	fmt.Fprintf(&b, "Date: %s\n", d.reportTime(rec).Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Elapsed Time: %.2f seconds\n", rec.Elapsed().Seconds())
	fmt.Fprintf(&b, "Status: %s\n", rec.Status)
	fmt.Fprintf(&b, "Run: %s\n\n", rec.ID)

	b.WriteString("Summary:\n")
	fmt.Fprintf(&b, "- Successful Backups: %d\n", len(succeeded))
	fmt.Fprintf(&b, "- Failed Backups: %d\n", len(failed))
	if len(skipped) > 0 {
		fmt.Fprintf(&b, "- Skipped Backups: %d\n", len(skipped))
	}
	if len(rec.Pruned) > 0 || len(rec.PruneErrors) > 0 {
		fmt.Fprintf(&b, "- Pruned Artifacts: %d (%d errors)\n", len(rec.Pruned), len(rec.PruneErrors))
	}

	if len(succeeded) > 0 {
		b.WriteString("\nSuccessful Backups:\n")
		for _, o := range succeeded {
			fmt.Fprintf(&b, "- %s: %s → %s (%.2f seconds)\n", o.Name, d.sourcePaths[o.Name], o.ArtifactPath, o.Duration.Seconds())
		}
	}
	if len(failed) > 0 {
		b.WriteString("\nFailed Backups:\n")
		for _, o := range failed {
			fmt.Fprintf(&b, "- %s: %s - Error: %s (after %.2f seconds)\n", o.Name, d.sourcePaths[o.Name], o.Error, o.Duration.Seconds())
		}
	}
	if len(skipped) > 0 {
		b.WriteString("\nSkipped Backups:\n")
		for _, o := range skipped {
			fmt.Fprintf(&b, "- %s: %s\n", o.Name, o.Reason)
		}
	}
	if len(rec.PruneErrors) > 0 {
		b.WriteString("\nRetention Errors:\n")
		for _, e := range rec.PruneErrors {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}

	b.WriteString("\n\nThis is an automated message. Please do not reply.\n")
	return b.String()
}

func (d *Dispatcher) reportTime(rec ledger.RunRecord) time.Time {
	if !rec.EndedAt.IsZero() {
		return rec.EndedAt.Local()
	}
	return d.now()
}

// LogTransport writes reports to the log.
type LogTransport struct{}

func (LogTransport) Send(_ context.Context, subject, body string) error {
	plog.Notice(subject)
	for _, line := range strings.Split(strings.TrimRight(body, "\n"), "\n") {
		plog.Info(line)
	}
	return nil
}

// Statically assert that our types implement the interface.
var _ Notifier = (*Dispatcher)(nil)
var _ Transport = LogTransport{}
