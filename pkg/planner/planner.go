package planner

import (
	"slices"
	"time"

	"github.com/paulschiretz/pgl-vault/pkg/archive"
	"github.com/paulschiretz/pgl-vault/pkg/config"
	"github.com/paulschiretz/pgl-vault/pkg/encrypt"
	"github.com/paulschiretz/pgl-vault/pkg/engine"
	"github.com/paulschiretz/pgl-vault/pkg/hook"
	"github.com/paulschiretz/pgl-vault/pkg/ledger"
	"github.com/paulschiretz/pgl-vault/pkg/notify"
	"github.com/paulschiretz/pgl-vault/pkg/period"
	"github.com/paulschiretz/pgl-vault/pkg/preflight"
	"github.com/paulschiretz/pgl-vault/pkg/retention"
)

// StatusPlan selects what the status command reads from the ledger.
type StatusPlan struct {
	StateDir      string
	LedgerBackend ledger.Backend
	Limit         int
	Order         SortOrder
}

// GenerateBackupPlan maps a validated configuration onto the plan of one run.
func GenerateBackupPlan(cfg config.Config) (*engine.Plan, error) {

	// Global Flags
	dryRun := cfg.Runtime.DryRun
	failFast := cfg.Hooks.FailFast
	metrics := cfg.Metrics.Enabled

	// Parse values
	p, err := period.Parse(cfg.General.Period)
	if err != nil {
		return nil, err
	}
	format, err := archive.ParseFormat(cfg.Archive.Format)
	if err != nil {
		return nil, err
	}
	level, err := archive.ParseLevel(cfg.Archive.Level)
	if err != nil {
		return nil, err
	}
	encBackend, err := encrypt.ParseBackend(cfg.Encryption.Backend)
	if err != nil {
		return nil, err
	}
	ledgerBackend, err := ledger.ParseBackend(cfg.Ledger.Backend)
	if err != nil {
		return nil, err
	}
	transport, err := notify.ParseTransportKind(cfg.Notification.Transport)
	if err != nil {
		return nil, err
	}

	metricsFile := ""
	if metrics {
		metricsFile = cfg.Metrics.Textfile
	}

	// finish the plan
	return &engine.Plan{
		PlanID:          cfg.General.Name,
		Sources:         cfg.SourceSpecs(),
		DestinationRoot: cfg.General.DestinationRoot,
		StateDir:        cfg.StatePath(),
		LedgerBackend:   ledgerBackend,
		Period:          p,
		Workers:         cfg.Performance.Workers,
		MetricsFile:     metricsFile,

		DryRun:  dryRun,
		Force:   cfg.Runtime.Force,
		Metrics: metrics,

		Preflight: &preflight.Plan{
			SourceAccessible:      true,
			DestinationAccessible: true,
			DestinationWritable:   true,
			RequireMount:          cfg.General.RequireMount,
			MinFreeBytes:          uint64(cfg.Performance.MinFreeMB) * 1024 * 1024,
			// Global Flags
			DryRun: dryRun,
		},
		Archive: &archive.Plan{
			Format:        format,
			Level:         level,
			ReadLimitKBps: cfg.Performance.ReadLimitKBps,
			// Global Flags
			Metrics: metrics,
		},
		Encryption: &encrypt.Plan{
			Enabled:   cfg.Encryption.Enabled,
			Recipient: cfg.Encryption.Recipient,
			Backend:   encBackend,
			Keyring:   cfg.Encryption.Keyring,
			GPGBinary: cfg.Encryption.GPGBinary,
		},
		Retention: retentionPlan(cfg),
		Hooks: &hook.Plan{
			Enabled:          len(cfg.Hooks.PreRun) > 0 || len(cfg.Hooks.PostRun) > 0,
			PreHookCommands:  cfg.Hooks.PreRun,
			PostHookCommands: cfg.Hooks.PostRun,
			// Global Flags
			DryRun:   dryRun,
			FailFast: failFast,
		},
		Notify: &notify.Plan{
			Enabled:       cfg.Notification.Enabled && !cfg.Runtime.NoNotify,
			Transport:     transport,
			OnlyOnFailure: cfg.Notification.OnlyOnFailure,
			SMTP: notify.SMTPConfig{
				Server:   cfg.Notification.SMTP.Server,
				Port:     cfg.Notification.SMTP.Port,
				User:     cfg.Notification.SMTP.User,
				Password: cfg.Notification.SMTP.Password,
				From:     cfg.Notification.SMTP.From,
				To:       cfg.Notification.SMTP.To,
				StartTLS: cfg.Notification.SMTP.StartTLS,
				Timeout:  time.Duration(cfg.Notification.SMTP.TimeoutSeconds) * time.Second,
			},
			Webhook: notify.WebhookConfig{
				URL:     cfg.Notification.Webhook.URL,
				Headers: cfg.Notification.Webhook.Headers,
				Timeout: time.Duration(cfg.Notification.Webhook.TimeoutSeconds) * time.Second,
				Retries: cfg.Notification.Webhook.Retries,
			},
			// Global Flags
			DryRun: dryRun,
		},
	}, nil
}

// GeneratePrunePlan builds the plan of a standalone prune. Only the destination is
// checked and only retention is configured.
func GeneratePrunePlan(cfg config.Config) (*engine.Plan, error) {

	// Global Flags
	dryRun := cfg.Runtime.DryRun

	return &engine.Plan{
		PlanID:          cfg.General.Name,
		Sources:         cfg.SourceSpecs(),
		DestinationRoot: cfg.General.DestinationRoot,
		StateDir:        cfg.StatePath(),
		DryRun:          dryRun,

		Preflight: &preflight.Plan{
			SourceAccessible:      false,
			DestinationAccessible: true,
			DestinationWritable:   false,
			RequireMount:          cfg.General.RequireMount,
			// Global Flags
			DryRun: dryRun,
		},
		Retention: retentionPlan(cfg),
	}, nil
}

// GenerateStatusPlan builds the plan of the status command.
func GenerateStatusPlan(cfg config.Config, limit int, order SortOrder) (*StatusPlan, error) {
	ledgerBackend, err := ledger.ParseBackend(cfg.Ledger.Backend)
	if err != nil {
		return nil, err
	}
	return &StatusPlan{
		StateDir:      cfg.StatePath(),
		LedgerBackend: ledgerBackend,
		Limit:         limit,
		Order:         order,
	}, nil
}

func retentionPlan(cfg config.Config) *retention.Plan {
	sources := make([]string, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		sources = append(sources, s.Name)
	}
	return &retention.Plan{
		RetentionDays: cfg.General.RetentionDays,
		MinKeepCount:  cfg.General.MinKeepCount,
		Sources:       sources,
		// Global Flags
		DeleteWorkers: cfg.Performance.DeleteWorkers,
		DryRun:        cfg.Runtime.DryRun,
		Metrics:       cfg.Metrics.Enabled,
	}
}

// Apply orders records, which the ledger returns newest first.
func (s SortOrder) Apply(records []ledger.RunRecord) []ledger.RunRecord {
	out := slices.Clone(records)
	if s == Asc {
		slices.Reverse(out)
	}
	return out
}
