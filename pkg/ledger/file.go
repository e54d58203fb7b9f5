package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/paulschiretz/pgl-vault/pkg/fault"
	"github.com/paulschiretz/pgl-vault/pkg/plog"
	"github.com/paulschiretz/pgl-vault/pkg/util"
)

const (
	fileLedgerVersion = 1

	inProgressDirName = "inprogress"
	recordsDirName    = "records"
	ledgerDirName     = "ledger"

	recordTimeFormat = "20060102_150405.000000000"
	jsonSuffix       = ".json"
)

// marker is the on-disk content of an in-progress marker.
type marker struct {
	Version   int             `json:"version"`
	Token     RunToken        `json:"token"`
	Published []SourceOutcome `json:"published,omitempty"`
}

// recordFile is the on-disk content of a completed record.
type recordFile struct {
	Version int       `json:"version"`
	Record  RunRecord `json:"record"`
}

// FileLedger stores one JSON file per marker and per record. Every write goes
// through a temp file, fsync, rename and a directory fsync.
type FileLedger struct {
	mu            sync.Mutex
	inProgressDir string
	recordsDir    string
	closed        bool
}

// Statically assert that *FileLedger implements the Ledger interface.
var _ Ledger = (*FileLedger)(nil)

// OpenFile opens (creating if needed) the file ledger below absStateDir.
func OpenFile(absStateDir string) (*FileLedger, error) {
	root := filepath.Join(absStateDir, ledgerDirName)
	l := &FileLedger{
		inProgressDir: filepath.Join(root, inProgressDirName),
		recordsDir:    filepath.Join(root, recordsDirName),
	}
	for _, dir := range []string{l.inProgressDir, l.recordsDir} {
		if err := os.MkdirAll(dir, util.UserOnlyDirPerms); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory %s: %w", dir, err)
		}
	}
	return l, nil
}

func (l *FileLedger) markerPath(id string) string {
	return filepath.Join(l.inProgressDir, id+jsonSuffix)
}

func (l *FileLedger) recordPath(startedAt time.Time, id string) string {
	return filepath.Join(l.recordsDir, startedAt.UTC().Format(recordTimeFormat)+"_"+id+jsonSuffix)
}

func (l *FileLedger) Begin(ctx context.Context, planID, stagingDir string) (RunToken, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return RunToken{}, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return RunToken{}, err
	}

	token := RunToken{
		ID:         uuid.NewString(),
		PlanID:     planID,
		StartedAt:  time.Now().UTC(),
		StagingDir: stagingDir,
	}
	data, err := json.MarshalIndent(marker{Version: fileLedgerVersion, Token: token}, "", "  ")
	if err != nil {
		return RunToken{}, fmt.Errorf("could not marshal run marker: %w", err)
	}
	if err := util.WriteFileDurable(l.markerPath(token.ID), data, util.UserOnlyFilePerms); err != nil {
		return RunToken{}, fmt.Errorf("could not write run marker: %w", err)
	}
	plog.Debug("Run marker written", "run_id", token.ID)
	return token, nil
}

func (l *FileLedger) Checkpoint(ctx context.Context, token RunToken, outcome SourceOutcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	path := l.markerPath(token.ID)
	m, err := readMarkerFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrUnknownRun, token.ID)
		}
		return err
	}
	m.Published = append(m.Published, outcome)
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal run marker: %w", err)
	}
	if err := util.WriteFileDurable(path, data, util.UserOnlyFilePerms); err != nil {
		return fmt.Errorf("could not write run marker: %w", err)
	}
	plog.Debug("Run checkpoint written", "run_id", token.ID, "source", outcome.Name)
	return nil
}

func (l *FileLedger) Complete(ctx context.Context, token RunToken, record RunRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	return l.complete(token, record)
}

// complete writes the record and then removes the marker. The caller holds mu.
func (l *FileLedger) complete(token RunToken, record RunRecord) error {
	if _, err := os.Stat(l.markerPath(token.ID)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrUnknownRun, token.ID)
		}
		return fmt.Errorf("could not stat run marker: %w", err)
	}

	record.ID = token.ID
	record.PlanID = token.PlanID
	record.StartedAt = token.StartedAt

	recPath := l.recordPath(token.StartedAt, token.ID)
	if _, err := os.Stat(recPath); err == nil {
		// Records are append only. Finish the interrupted completion instead.
		plog.Warn("Run record already exists; clearing stale marker", "run_id", token.ID)
		return util.RemoveDurable(l.markerPath(token.ID))
	}

	data, err := json.MarshalIndent(recordFile{Version: fileLedgerVersion, Record: record}, "", "  ")
	if err != nil {
		return fmt.Errorf("could not marshal run record: %w", err)
	}
	if err := util.WriteFileDurable(recPath, data, util.UserOnlyFilePerms); err != nil {
		return fmt.Errorf("could not write run record: %w", err)
	}
	// The marker goes only after the record is durable.
	if err := util.RemoveDurable(l.markerPath(token.ID)); err != nil {
		return fmt.Errorf("could not remove run marker: %w", err)
	}
	plog.Debug("Run record written", "run_id", token.ID, "status", record.Status)
	return nil
}

func (l *FileLedger) FindOrphaned(ctx context.Context) ([]RunToken, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	entries, err := os.ReadDir(l.inProgressDir)
	if err != nil {
		return nil, fmt.Errorf("could not read run markers: %w", err)
	}

	var orphans []RunToken
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if util.IsTempFile(name) {
			// A marker write that never got renamed; the run never started.
			os.Remove(filepath.Join(l.inProgressDir, name))
			continue
		}
		if entry.IsDir() || !strings.HasSuffix(name, jsonSuffix) {
			continue
		}

		path := filepath.Join(l.inProgressDir, name)
		token, err := readMarker(path)
		if err != nil {
			return nil, err
		}

		if _, err := os.Stat(l.recordPath(token.StartedAt, token.ID)); err == nil {
			// Crashed after the record was written but before the marker was removed.
			plog.Debug("Clearing marker of completed run", "run_id", token.ID)
			if err := util.RemoveDurable(path); err != nil {
				return nil, fmt.Errorf("could not remove stale run marker: %w", err)
			}
			continue
		}
		orphans = append(orphans, token)
	}

	sort.Slice(orphans, func(i, j int) bool { return orphans[i].StartedAt.Before(orphans[j].StartedAt) })
	return orphans, nil
}

func readMarker(path string) (RunToken, error) {
	m, err := readMarkerFile(path)
	if err != nil {
		return RunToken{}, err
	}
	return m.Token, nil
}

func readMarkerFile(path string) (marker, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return marker{}, fmt.Errorf("could not read run marker %s: %w", path, err)
	}
	var m marker
	if err := json.Unmarshal(data, &m); err != nil {
		return marker{}, fault.New(fault.LedgerCorrupt, "run marker %s is unreadable: %v", path, err)
	}
	if m.Version != fileLedgerVersion {
		return marker{}, fault.New(fault.LedgerCorrupt, "run marker %s has unsupported version %d", path, m.Version)
	}
	if m.Token.ID == "" || m.Token.ID+jsonSuffix != filepath.Base(path) {
		return marker{}, fault.New(fault.LedgerCorrupt, "run marker %s does not match its run id %q", path, m.Token.ID)
	}
	return m, nil
}

func (l *FileLedger) Abandon(ctx context.Context, token RunToken) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	published := []SourceOutcome{}
	m, err := readMarkerFile(l.markerPath(token.ID))
	switch {
	case err == nil:
		published = append(published, m.Published...)
	case errors.Is(err, os.ErrNotExist):
		// complete reports the unknown run.
	default:
		return err
	}
	return l.complete(token, RunRecord{
		EndedAt: time.Now().UTC(),
		Status:  Interrupted,
		Sources: published,
	})
}

func (l *FileLedger) LastSuccess(ctx context.Context, planID, source string) (time.Time, bool, error) {
	records, err := l.History(ctx, 0)
	if err != nil {
		return time.Time{}, false, err
	}
	for _, r := range records {
		if r.PlanID != planID || r.DryRun {
			continue
		}
		if o, ok := r.Outcome(source); ok && o.Status == SourceSuccess {
			return r.StartedAt, true, nil
		}
	}
	return time.Time{}, false, nil
}

func (l *FileLedger) History(ctx context.Context, limit int) ([]RunRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}

	entries, err := os.ReadDir(l.recordsDir)
	if err != nil {
		return nil, fmt.Errorf("could not read run records: %w", err)
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || util.IsTempFile(name) || !strings.HasSuffix(name, jsonSuffix) {
			continue
		}
		names = append(names, name)
	}
	// Names start with the UTC start time, so a reverse lexical sort is newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	if limit > 0 && len(names) > limit {
		names = names[:limit]
	}

	records := make([]RunRecord, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := readRecord(filepath.Join(l.recordsDir, name))
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func readRecord(path string) (RunRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RunRecord{}, fmt.Errorf("could not read run record %s: %w", path, err)
	}
	var rf recordFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return RunRecord{}, fault.New(fault.LedgerCorrupt, "run record %s is unreadable: %v", path, err)
	}
	if rf.Version != fileLedgerVersion {
		return RunRecord{}, fault.New(fault.LedgerCorrupt, "run record %s has unsupported version %d", path, rf.Version)
	}
	if rf.Record.ID == "" || !strings.HasSuffix(filepath.Base(path), "_"+rf.Record.ID+jsonSuffix) {
		return RunRecord{}, fault.New(fault.LedgerCorrupt, "run record %s does not match its run id %q", path, rf.Record.ID)
	}
	return rf.Record, nil
}

func (l *FileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errors.New("ledger already closed")
	}
	l.closed = true
	return nil
}
