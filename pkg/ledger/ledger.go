// Package ledger implements the RunLedger: the durable, append-only history of runs
// used for idempotency checks and crash recovery.
//
// A run writes an in-progress marker on Begin before any pipeline work starts. On
// Complete the terminal record is written durably first and only then is the marker
// removed. A crash in between leaves a marker behind that FindOrphaned reports on the
// next startup. A ledger that cannot be parsed is reported as LedgerCorrupt and is
// never repaired by guessing.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-vault/pkg/util"
	"gopkg.in/yaml.v3"
)

// ErrUnknownRun is returned when a token does not belong to an in-progress run.
var ErrUnknownRun = errors.New("run is not in progress")

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("ledger is closed")

// Ledger persists run markers and run records.
type Ledger interface {
	// Begin durably records a new in-progress run.
	Begin(ctx context.Context, planID, stagingDir string) (RunToken, error)
	// Complete durably writes the terminal record and then clears the marker.
	Complete(ctx context.Context, token RunToken, record RunRecord) error
	// Checkpoint durably adds a published source to the in-progress run, so that
	// an interrupted run still accounts for what it already delivered.
	Checkpoint(ctx context.Context, token RunToken, outcome SourceOutcome) error
	// FindOrphaned returns in-progress markers with no completed record.
	FindOrphaned(ctx context.Context) ([]RunToken, error)
	// Abandon closes an orphaned run with an Interrupted record carrying its
	// checkpointed outcomes.
	Abandon(ctx context.Context, token RunToken) error
	// LastSuccess returns the start time of the newest run in which source succeeded.
	LastSuccess(ctx context.Context, planID, source string) (time.Time, bool, error)
	// History returns up to limit records, newest first. limit <= 0 returns all.
	History(ctx context.Context, limit int) ([]RunRecord, error)
	Close() error
}

// Backend selects the ledger storage.
type Backend string

const (
	FileBackend   Backend = "file"
	SQLiteBackend Backend = "sqlite"
)

var backendToString = map[Backend]string{
	FileBackend:   "file",
	SQLiteBackend: "sqlite",
}

var stringToBackend map[string]Backend

func init() {
	stringToBackend = util.InvertMap(backendToString)
}

func (b Backend) String() string {
	if str, ok := backendToString[b]; ok {
		return str
	}
	return fmt.Sprintf("unknown_ledger_backend(%s)", string(b))
}

// ParseBackend parses a string into a Backend. It defaults to file if the string is empty.
func ParseBackend(s string) (Backend, error) {
	if s == "" {
		return FileBackend, nil
	}
	if b, ok := stringToBackend[s]; ok {
		return b, nil
	}
	return "", fmt.Errorf("invalid ledger backend: %q. Must be 'file' or 'sqlite'", s)
}

func (b Backend) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

func (b *Backend) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("ledger backend should be a string, got %s", data)
	}
	parsed, err := ParseBackend(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

func (b *Backend) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("ledger backend should be a string: %w", err)
	}
	parsed, err := ParseBackend(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// Open opens the ledger stored below absStateDir.
func Open(backend Backend, absStateDir string) (Ledger, error) {
	switch backend {
	case SQLiteBackend:
		return OpenSQLite(absStateDir)
	case FileBackend, "":
		return OpenFile(absStateDir)
	default:
		return nil, fmt.Errorf("unsupported ledger backend: %s", backend)
	}
}
