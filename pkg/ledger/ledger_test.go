package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulschiretz/pgl-vault/pkg/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type opener func(t *testing.T, stateDir string) Ledger

var backends = map[string]opener{
	"file": func(t *testing.T, stateDir string) Ledger {
		l, err := OpenFile(stateDir)
		require.NoError(t, err)
		return l
	},
	"sqlite": func(t *testing.T, stateDir string) Ledger {
		l, err := OpenSQLite(stateDir)
		require.NoError(t, err)
		return l
	},
}

func forEachBackend(t *testing.T, fn func(t *testing.T, open opener)) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, open)
		})
	}
}

func successRecord(sources ...string) RunRecord {
	rec := RunRecord{EndedAt: time.Now().UTC(), Status: Success}
	for _, s := range sources {
		rec.Sources = append(rec.Sources, SourceOutcome{Name: s, Status: SourceSuccess, Duration: time.Second})
	}
	return rec
}

func TestLedger_BeginComplete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		ctx := context.Background()
		l := open(t, t.TempDir())
		defer l.Close()

		token, err := l.Begin(ctx, "plan", "/state/staging/x")
		require.NoError(t, err)
		assert.NotEmpty(t, token.ID)
		assert.Equal(t, "plan", token.PlanID)

		orphans, err := l.FindOrphaned(ctx)
		require.NoError(t, err)
		require.Len(t, orphans, 1, "an incomplete run is reported as orphaned")
		assert.Equal(t, token.ID, orphans[0].ID)
		assert.Equal(t, "/state/staging/x", orphans[0].StagingDir)

		require.NoError(t, l.Complete(ctx, token, successRecord("project1", "project2")))

		orphans, err = l.FindOrphaned(ctx)
		require.NoError(t, err)
		assert.Empty(t, orphans)

		history, err := l.History(ctx, 0)
		require.NoError(t, err)
		require.Len(t, history, 1)
		rec := history[0]
		assert.Equal(t, token.ID, rec.ID)
		assert.Equal(t, "plan", rec.PlanID)
		assert.True(t, rec.StartedAt.Equal(token.StartedAt))
		assert.Equal(t, Success, rec.Status)
		require.Len(t, rec.Sources, 2)
		assert.Equal(t, SourceSuccess, rec.Sources[0].Status)

		// Records are append only; a token completes once.
		assert.Error(t, l.Complete(ctx, token, successRecord("project1")))
	})
}

func TestLedger_CompleteUnknownRun(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		l := open(t, t.TempDir())
		defer l.Close()
		err := l.Complete(context.Background(), RunToken{ID: "nope", StartedAt: time.Now()}, successRecord())
		assert.ErrorIs(t, err, ErrUnknownRun)
	})
}

func TestLedger_LastSuccess(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		ctx := context.Background()
		l := open(t, t.TempDir())
		defer l.Close()

		_, ok, err := l.LastSuccess(ctx, "plan", "project1")
		require.NoError(t, err)
		assert.False(t, ok)

		first, err := l.Begin(ctx, "plan", "")
		require.NoError(t, err)
		require.NoError(t, l.Complete(ctx, first, successRecord("project1")))

		time.Sleep(2 * time.Millisecond)
		second, err := l.Begin(ctx, "plan", "")
		require.NoError(t, err)
		rec := RunRecord{EndedAt: time.Now().UTC(), Status: PartialFailure, Sources: []SourceOutcome{
			{Name: "project1", Status: SourceSuccess},
			{Name: "project2", Status: SourceFailed, ErrorKind: "EncryptionFailed", Error: "boom"},
		}}
		require.NoError(t, l.Complete(ctx, second, rec))

		// Skipped and dry runs never count as a success.
		third, err := l.Begin(ctx, "plan", "")
		require.NoError(t, err)
		require.NoError(t, l.Complete(ctx, third, RunRecord{EndedAt: time.Now().UTC(), Status: Success, Sources: []SourceOutcome{
			{Name: "project1", Status: SourceSkipped},
			{Name: "project2", Status: SourceSkipped},
		}}))
		dry, err := l.Begin(ctx, "plan", "")
		require.NoError(t, err)
		dryRec := successRecord("project2")
		dryRec.DryRun = true
		require.NoError(t, l.Complete(ctx, dry, dryRec))

		last, ok, err := l.LastSuccess(ctx, "plan", "project1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.True(t, last.Equal(second.StartedAt), "want %s, got %s", second.StartedAt, last)

		_, ok, err = l.LastSuccess(ctx, "plan", "project2")
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = l.LastSuccess(ctx, "other-plan", "project1")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestLedger_HistoryOrderAndLimit(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		ctx := context.Background()
		l := open(t, t.TempDir())
		defer l.Close()

		var ids []string
		for i := 0; i < 4; i++ {
			token, err := l.Begin(ctx, "plan", "")
			require.NoError(t, err)
			require.NoError(t, l.Complete(ctx, token, successRecord("s")))
			ids = append(ids, token.ID)
			time.Sleep(2 * time.Millisecond)
		}

		history, err := l.History(ctx, 2)
		require.NoError(t, err)
		require.Len(t, history, 2)
		assert.Equal(t, ids[3], history[0].ID)
		assert.Equal(t, ids[2], history[1].ID)

		all, err := l.History(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, all, 4)
	})
}

func TestLedger_Abandon(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		ctx := context.Background()
		stateDir := t.TempDir()
		l := open(t, stateDir)

		token, err := l.Begin(ctx, "plan", filepath.Join(stateDir, "staging", "run"))
		require.NoError(t, err)
		// Simulate a crash: the process goes away without Complete.
		require.NoError(t, l.Close())

		l = open(t, stateDir)
		defer l.Close()
		orphans, err := l.FindOrphaned(ctx)
		require.NoError(t, err)
		require.Len(t, orphans, 1)
		assert.Equal(t, token.ID, orphans[0].ID)

		require.NoError(t, l.Abandon(ctx, orphans[0]))

		orphans, err = l.FindOrphaned(ctx)
		require.NoError(t, err)
		assert.Empty(t, orphans)

		history, err := l.History(ctx, 0)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, Interrupted, history[0].Status)
		assert.Equal(t, token.ID, history[0].ID)
	})
}

func TestLedger_AbandonKeepsCheckpoints(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		ctx := context.Background()
		stateDir := t.TempDir()
		l := open(t, stateDir)

		token, err := l.Begin(ctx, "plan", filepath.Join(stateDir, "staging"))
		require.NoError(t, err)
		require.NoError(t, l.Checkpoint(ctx, token, SourceOutcome{Name: "docs", Status: SourceSuccess, ArtifactPath: "/backups/docs/a.tar.gz", Duration: time.Second}))
		require.NoError(t, l.Checkpoint(ctx, token, SourceOutcome{Name: "photos", Status: SourceSuccess, ArtifactPath: "/backups/photos/b.tar.gz"}))
		require.NoError(t, l.Close())

		l = open(t, stateDir)
		defer l.Close()
		orphans, err := l.FindOrphaned(ctx)
		require.NoError(t, err)
		require.Len(t, orphans, 1)
		require.NoError(t, l.Abandon(ctx, orphans[0]))

		history, err := l.History(ctx, 0)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, Interrupted, history[0].Status)
		require.Len(t, history[0].Sources, 2)
		assert.Equal(t, "docs", history[0].Sources[0].Name)
		assert.Equal(t, "/backups/docs/a.tar.gz", history[0].Sources[0].ArtifactPath)
		assert.Equal(t, time.Second, history[0].Sources[0].Duration)
		assert.Equal(t, "photos", history[0].Sources[1].Name)

		last, ok, err := l.LastSuccess(ctx, "plan", "docs")
		require.NoError(t, err)
		assert.True(t, ok, "a source published by an interrupted run counts as backed up")
		assert.True(t, last.Equal(token.StartedAt))
	})
}

func TestLedger_CheckpointThenComplete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		ctx := context.Background()
		l := open(t, t.TempDir())
		defer l.Close()

		token, err := l.Begin(ctx, "plan", "")
		require.NoError(t, err)
		require.NoError(t, l.Checkpoint(ctx, token, SourceOutcome{Name: "docs", Status: SourceSuccess}))
		require.NoError(t, l.Complete(ctx, token, successRecord("docs", "photos")))

		orphans, err := l.FindOrphaned(ctx)
		require.NoError(t, err)
		assert.Empty(t, orphans)

		history, err := l.History(ctx, 0)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Len(t, history[0].Sources, 2, "the final record replaces the checkpoints")
	})
}

func TestLedger_CheckpointUnknownRun(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		l := open(t, t.TempDir())
		defer l.Close()
		err := l.Checkpoint(context.Background(), RunToken{ID: "00000000-0000-0000-0000-000000000000", StartedAt: time.Now()}, SourceOutcome{Name: "docs"})
		assert.ErrorIs(t, err, ErrUnknownRun)
	})
}

func TestLedger_Closed(t *testing.T) {
	forEachBackend(t, func(t *testing.T, open opener) {
		l := open(t, t.TempDir())
		require.NoError(t, l.Close())
		_, err := l.Begin(context.Background(), "plan", "")
		assert.ErrorIs(t, err, ErrClosed)
		assert.Error(t, l.Close())
	})
}

func TestFileLedger_CrashAfterRecordWrite(t *testing.T) {
	ctx := context.Background()
	stateDir := t.TempDir()
	l, err := OpenFile(stateDir)
	require.NoError(t, err)

	token, err := l.Begin(ctx, "plan", "")
	require.NoError(t, err)
	require.NoError(t, l.Complete(ctx, token, successRecord("project1")))

	// Re-create the marker as if the process died between record write and marker removal.
	data, err := os.ReadFile(filepath.Join(stateDir, "ledger", "records", token.StartedAt.UTC().Format(recordTimeFormat)+"_"+token.ID+".json"))
	require.NoError(t, err)
	require.NotEmpty(t, data)
	markerData := []byte(`{"version":1,"token":{"id":"` + token.ID + `","planID":"plan","startedAt":"` + token.StartedAt.Format(time.RFC3339Nano) + `","stagingDir":""}}`)
	require.NoError(t, os.WriteFile(l.markerPath(token.ID), markerData, 0600))

	orphans, err := l.FindOrphaned(ctx)
	require.NoError(t, err)
	assert.Empty(t, orphans, "a run with a durable record is not orphaned")
	assert.NoFileExists(t, l.markerPath(token.ID))
}

func TestFileLedger_Corrupt(t *testing.T) {
	ctx := context.Background()

	t.Run("garbage marker", func(t *testing.T) {
		stateDir := t.TempDir()
		l, err := OpenFile(stateDir)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(l.markerPath("abc"), []byte("{not json"), 0600))

		_, err = l.FindOrphaned(ctx)
		require.Error(t, err)
		assert.True(t, fault.Is(err, fault.LedgerCorrupt))
		assert.True(t, fault.IsFatal(err))
	})

	t.Run("marker for another id", func(t *testing.T) {
		stateDir := t.TempDir()
		l, err := OpenFile(stateDir)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(l.markerPath("abc"), []byte(`{"version":1,"token":{"id":"xyz"}}`), 0600))

		_, err = l.FindOrphaned(ctx)
		assert.True(t, fault.Is(err, fault.LedgerCorrupt))
	})

	t.Run("truncated record", func(t *testing.T) {
		stateDir := t.TempDir()
		l, err := OpenFile(stateDir)
		require.NoError(t, err)
		path := filepath.Join(stateDir, "ledger", "records", "20240101_000000.000000000_abc.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"version":1,"record":{"id":"ab`), 0600))

		_, err = l.History(ctx, 0)
		assert.True(t, fault.Is(err, fault.LedgerCorrupt))
		_, _, err = l.LastSuccess(ctx, "plan", "project1")
		assert.True(t, fault.Is(err, fault.LedgerCorrupt))
	})

	t.Run("unsupported version", func(t *testing.T) {
		stateDir := t.TempDir()
		l, err := OpenFile(stateDir)
		require.NoError(t, err)
		path := filepath.Join(stateDir, "ledger", "records", "20240101_000000.000000000_abc.json")
		require.NoError(t, os.WriteFile(path, []byte(`{"version":99,"record":{"id":"abc","status":"Success","sources":[]}}`), 0600))

		_, err = l.History(ctx, 0)
		assert.True(t, fault.Is(err, fault.LedgerCorrupt))
	})

	t.Run("leftover temp files are ignored", func(t *testing.T) {
		stateDir := t.TempDir()
		l, err := OpenFile(stateDir)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(stateDir, "ledger", "inprogress", "pgl-vault-1.tmp"), []byte("{"), 0600))
		require.NoError(t, os.WriteFile(filepath.Join(stateDir, "ledger", "records", "pgl-vault-2.tmp"), []byte("{"), 0600))

		orphans, err := l.FindOrphaned(ctx)
		require.NoError(t, err)
		assert.Empty(t, orphans)
		_, err = l.History(ctx, 0)
		require.NoError(t, err)
	})
}

func TestSQLiteLedger_Corrupt(t *testing.T) {
	t.Run("not a database", func(t *testing.T) {
		stateDir := t.TempDir()
		dir := filepath.Join(stateDir, "ledger")
		require.NoError(t, os.MkdirAll(dir, 0700))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "ledger.db"), []byte("this is definitely not sqlite, padded to look like a header......................................................"), 0600))

		_, err := OpenSQLite(stateDir)
		require.Error(t, err)
		assert.True(t, fault.Is(err, fault.LedgerCorrupt))
	})

	t.Run("future schema", func(t *testing.T) {
		stateDir := t.TempDir()
		l, err := OpenSQLite(stateDir)
		require.NoError(t, err)
		_, err = l.db.Exec("PRAGMA user_version=42")
		require.NoError(t, err)
		require.NoError(t, l.Close())

		_, err = OpenSQLite(stateDir)
		require.Error(t, err)
		assert.True(t, fault.Is(err, fault.LedgerCorrupt))
	})

	t.Run("garbage record body", func(t *testing.T) {
		ctx := context.Background()
		l, err := OpenSQLite(t.TempDir())
		require.NoError(t, err)
		defer l.Close()
		_, err = l.db.Exec(`INSERT INTO run_records (id, plan_id, started_at, ended_at, status, dry_run, body) VALUES ('x', 'plan', '2024', '2024', 'Success', 0, '{oops')`)
		require.NoError(t, err)

		_, err = l.History(ctx, 0)
		assert.True(t, fault.Is(err, fault.LedgerCorrupt))
	})
}

func TestAggregate(t *testing.T) {
	testCases := []struct {
		name     string
		statuses []SourceStatus
		want     Status
	}{
		{name: "all success", statuses: []SourceStatus{SourceSuccess, SourceSuccess}, want: Success},
		{name: "success and skipped", statuses: []SourceStatus{SourceSuccess, SourceSkipped}, want: Success},
		{name: "all skipped", statuses: []SourceStatus{SourceSkipped, SourceSkipped}, want: Success},
		{name: "one failed", statuses: []SourceStatus{SourceSuccess, SourceFailed}, want: PartialFailure},
		{name: "all failed", statuses: []SourceStatus{SourceFailed, SourceFailed}, want: Failed},
		{name: "failed and skipped", statuses: []SourceStatus{SourceFailed, SourceSkipped}, want: Failed},
		{name: "empty", statuses: nil, want: Success},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var outcomes []SourceOutcome
			for i, s := range tc.statuses {
				outcomes = append(outcomes, SourceOutcome{Name: string(rune('a' + i)), Status: s})
			}
			assert.Equal(t, tc.want, Aggregate(outcomes))
		})
	}
}

func TestParseBackend(t *testing.T) {
	b, err := ParseBackend("")
	require.NoError(t, err)
	assert.Equal(t, FileBackend, b)
	b, err = ParseBackend("sqlite")
	require.NoError(t, err)
	assert.Equal(t, SQLiteBackend, b)
	_, err = ParseBackend("postgres")
	assert.Error(t, err)
}
