package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/paulschiretz/pgl-vault/pkg/fault"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
	"github.com/paulschiretz/pgl-vault/pkg/util"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const (
	sqliteFileName      = "ledger.db"
	sqliteSchemaVersion = 1
	// Fixed width so that text order equals time order.
	sqliteTimeFormat = "2006-01-02T15:04:05.000000000Z07:00"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS run_markers (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		started_at TEXT NOT NULL,
		staging_dir TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS run_records (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		started_at TEXT NOT NULL,
		ended_at TEXT NOT NULL,
		status TEXT NOT NULL,
		dry_run INTEGER NOT NULL,
		body BLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS source_outcomes (
		run_id TEXT NOT NULL REFERENCES run_records(id),
		source TEXT NOT NULL,
		status TEXT NOT NULL,
		PRIMARY KEY (run_id, source)
	)`,
	`CREATE TABLE IF NOT EXISTS run_checkpoints (
		run_id TEXT NOT NULL REFERENCES run_markers(id),
		seq INTEGER NOT NULL,
		source TEXT NOT NULL,
		body BLOB NOT NULL,
		PRIMARY KEY (run_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_run_records_started ON run_records(started_at)`,
	`CREATE INDEX IF NOT EXISTS idx_source_outcomes_source ON source_outcomes(source, status)`,
}

// SQLiteLedger keeps markers and records in one SQLite database. Complete inserts
// the record and deletes the marker in a single transaction.
type SQLiteLedger struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// Statically assert that *SQLiteLedger implements the Ledger interface.
var _ Ledger = (*SQLiteLedger)(nil)

// OpenSQLite opens (creating if needed) "<absStateDir>/ledger/ledger.db".
func OpenSQLite(absStateDir string) (*SQLiteLedger, error) {
	dir := filepath.Join(absStateDir, ledgerDirName)
	if err := os.MkdirAll(dir, util.UserOnlyDirPerms); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory %s: %w", dir, err)
	}
	return openSQLitePath(filepath.Join(dir, sqliteFileName))
}

func openSQLitePath(path string) (*SQLiteLedger, error) {
	_, statErr := os.Stat(path)
	existed := statErr == nil

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	// One connection keeps the pragmas below in effect for every statement.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			if existed {
				return nil, fault.New(fault.LedgerCorrupt, "ledger database %s cannot be opened: %v", path, err)
			}
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if err := checkIntegrity(db, path); err != nil {
		db.Close()
		return nil, err
	}
	if err := migrate(db, path); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteLedger{db: db}, nil
}

func checkIntegrity(db *sql.DB, path string) error {
	var result string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return fault.New(fault.LedgerCorrupt, "ledger database %s failed the integrity check: %v", path, err)
	}
	if result != "ok" {
		return fault.New(fault.LedgerCorrupt, "ledger database %s failed the integrity check: %s", path, result)
	}
	return nil
}

func migrate(db *sql.DB, path string) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fault.New(fault.LedgerCorrupt, "cannot read schema version of %s: %v", path, err)
	}
	if version > sqliteSchemaVersion {
		return fault.New(fault.LedgerCorrupt, "ledger database %s has schema version %d, this build supports %d", path, version, sqliteSchemaVersion)
	}
	if version == sqliteSchemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()
	for _, stmt := range sqliteSchema {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("create ledger schema: %w", err)
		}
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version=%d", sqliteSchemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	plog.Debug("Ledger database initialized", "path", path, "version", sqliteSchemaVersion)
	return nil
}

func (s *SQLiteLedger) Begin(ctx context.Context, planID, stagingDir string) (RunToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return RunToken{}, ErrClosed
	}

	token := RunToken{
		ID:         uuid.NewString(),
		PlanID:     planID,
		StartedAt:  time.Now().UTC(),
		StagingDir: stagingDir,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_markers (id, plan_id, started_at, staging_dir) VALUES (?, ?, ?, ?)`,
		token.ID, token.PlanID, token.StartedAt.Format(sqliteTimeFormat), token.StagingDir)
	if err != nil {
		return RunToken{}, fmt.Errorf("could not write run marker: %w", err)
	}
	return token, nil
}

func (s *SQLiteLedger) Checkpoint(ctx context.Context, token RunToken, outcome SourceOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	body, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("could not marshal source outcome: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO run_checkpoints (run_id, seq, source, body)
		SELECT id, (SELECT COUNT(*) FROM run_checkpoints WHERE run_id = ?), ?, ?
		FROM run_markers WHERE id = ?
	`, token.ID, outcome.Name, body, token.ID)
	if err != nil {
		return fmt.Errorf("could not write run checkpoint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRun, token.ID)
	}
	return nil
}

func (s *SQLiteLedger) checkpoints(ctx context.Context, runID string) ([]SourceOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM run_checkpoints WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run checkpoints: %w", err)
	}
	defer rows.Close()

	outcomes := []SourceOutcome{}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fault.New(fault.LedgerCorrupt, "unreadable run checkpoint: %v", err)
		}
		var o SourceOutcome
		if err := json.Unmarshal(body, &o); err != nil {
			return nil, fault.New(fault.LedgerCorrupt, "run checkpoint of %s is unreadable: %v", runID, err)
		}
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list run checkpoints: %w", err)
	}
	return outcomes, nil
}

func (s *SQLiteLedger) Complete(ctx context.Context, token RunToken, record RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.complete(ctx, token, record)
}

func (s *SQLiteLedger) complete(ctx context.Context, token RunToken, record RunRecord) (retErr error) {
	record.ID = token.ID
	record.PlanID = token.PlanID
	record.StartedAt = token.StartedAt
	if record.Sources == nil {
		record.Sources = []SourceOutcome{}
	}

	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("could not marshal run record: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete: %w", err)
	}
	defer func() {
		if retErr != nil {
			tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_checkpoints WHERE run_id = ?`, token.ID); err != nil {
		return fmt.Errorf("could not remove run checkpoints: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM run_markers WHERE id = ?`, token.ID)
	if err != nil {
		return fmt.Errorf("could not remove run marker: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRun, token.ID)
	}

	dryRun := 0
	if record.DryRun {
		dryRun = 1
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO run_records (id, plan_id, started_at, ended_at, status, dry_run, body) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.PlanID, record.StartedAt.UTC().Format(sqliteTimeFormat), record.EndedAt.UTC().Format(sqliteTimeFormat),
		record.Status.String(), dryRun, body); err != nil {
		return fmt.Errorf("could not write run record: %w", err)
	}
	for _, o := range record.Sources {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO source_outcomes (run_id, source, status) VALUES (?, ?, ?)`,
			record.ID, o.Name, o.Status.String()); err != nil {
			return fmt.Errorf("could not write source outcome: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run record: %w", err)
	}
	return nil
}

func (s *SQLiteLedger) FindOrphaned(ctx context.Context) ([]RunToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, plan_id, started_at, staging_dir FROM run_markers ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("list run markers: %w", err)
	}
	defer rows.Close()

	var orphans []RunToken
	for rows.Next() {
		var token RunToken
		var startedAt string
		if err := rows.Scan(&token.ID, &token.PlanID, &startedAt, &token.StagingDir); err != nil {
			return nil, fault.New(fault.LedgerCorrupt, "unreadable run marker: %v", err)
		}
		token.StartedAt, err = time.Parse(sqliteTimeFormat, startedAt)
		if err != nil {
			return nil, fault.New(fault.LedgerCorrupt, "run marker %s has an invalid start time %q", token.ID, startedAt)
		}
		orphans = append(orphans, token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list run markers: %w", err)
	}
	return orphans, nil
}

func (s *SQLiteLedger) Abandon(ctx context.Context, token RunToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	published, err := s.checkpoints(ctx, token.ID)
	if err != nil {
		return err
	}
	return s.complete(ctx, token, RunRecord{
		EndedAt: time.Now().UTC(),
		Status:  Interrupted,
		Sources: published,
	})
}

func (s *SQLiteLedger) LastSuccess(ctx context.Context, planID, source string) (time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return time.Time{}, false, ErrClosed
	}

	var startedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT r.started_at FROM source_outcomes o
		JOIN run_records r ON r.id = o.run_id
		WHERE r.plan_id = ? AND o.source = ? AND o.status = ? AND r.dry_run = 0
		ORDER BY r.started_at DESC
		LIMIT 1
	`, planID, source, SourceSuccess.String()).Scan(&startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query last success: %w", err)
	}
	t, err := time.Parse(sqliteTimeFormat, startedAt)
	if err != nil {
		return time.Time{}, false, fault.New(fault.LedgerCorrupt, "run record has an invalid start time %q", startedAt)
	}
	return t, true, nil
}

func (s *SQLiteLedger) History(ctx context.Context, limit int) ([]RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	query := `SELECT id, body FROM run_records ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list run records: %w", err)
	}
	defer rows.Close()

	var records []RunRecord
	for rows.Next() {
		var id string
		var body []byte
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fault.New(fault.LedgerCorrupt, "unreadable run record: %v", err)
		}
		var rec RunRecord
		if err := json.Unmarshal(body, &rec); err != nil {
			return nil, fault.New(fault.LedgerCorrupt, "run record %s is unreadable: %v", id, err)
		}
		if rec.ID != id {
			return nil, fault.New(fault.LedgerCorrupt, "run record %s does not match its run id %q", id, rec.ID)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list run records: %w", err)
	}
	return records, nil
}

func (s *SQLiteLedger) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("ledger already closed")
	}
	s.closed = true
	return s.db.Close()
}
