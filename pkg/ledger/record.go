package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/paulschiretz/pgl-vault/pkg/artifact"
	"github.com/paulschiretz/pgl-vault/pkg/util"
)

// Status is the terminal state of a whole run.
type Status string

const (
	Success        Status = "Success"
	PartialFailure Status = "PartialFailure"
	Failed         Status = "Failed"
	// Cancelled runs were stopped by an external signal.
	Cancelled Status = "Cancelled"
	// Interrupted records are written for orphaned runs found at startup.
	Interrupted Status = "Interrupted"
)

var statusToString = map[Status]string{
	Success:        "Success",
	PartialFailure: "PartialFailure",
	Failed:         "Failed",
	Cancelled:      "Cancelled",
	Interrupted:    "Interrupted",
}

var stringToStatus map[string]Status

// SourceStatus is the outcome of one source in one run.
type SourceStatus string

const (
	SourceSuccess SourceStatus = "Success"
	SourceSkipped SourceStatus = "Skipped"
	SourceFailed  SourceStatus = "Failed"
)

var sourceStatusToString = map[SourceStatus]string{
	SourceSuccess: "Success",
	SourceSkipped: "Skipped",
	SourceFailed:  "Failed",
}

var stringToSourceStatus map[string]SourceStatus

func init() {
	stringToStatus = util.InvertMap(statusToString)
	stringToSourceStatus = util.InvertMap(sourceStatusToString)
}

func (s Status) String() string {
	if str, ok := statusToString[s]; ok {
		return str
	}
	return fmt.Sprintf("unknown_status(%s)", string(s))
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("run status should be a string, got %s", data)
	}
	parsed, ok := stringToStatus[str]
	if !ok {
		return fmt.Errorf("invalid run status: %q", str)
	}
	*s = parsed
	return nil
}

func (s SourceStatus) String() string {
	if str, ok := sourceStatusToString[s]; ok {
		return str
	}
	return fmt.Sprintf("unknown_source_status(%s)", string(s))
}

func (s SourceStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *SourceStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("source status should be a string, got %s", data)
	}
	parsed, ok := stringToSourceStatus[str]
	if !ok {
		return fmt.Errorf("invalid source status: %q", str)
	}
	*s = parsed
	return nil
}

// SourceOutcome is what happened to one source in one run.
type SourceOutcome struct {
	Name      string       `json:"name"`
	Status    SourceStatus `json:"status"`
	Stage     string       `json:"stage,omitempty"`
	ErrorKind string       `json:"errorKind,omitempty"`
	Error     string       `json:"error,omitempty"`
	// Reason explains a skip, e.g. "already backed up in this period".
	Reason       string             `json:"reason,omitempty"`
	Artifact     *artifact.Artifact `json:"artifact,omitempty"`
	ArtifactPath string             `json:"artifactPath,omitempty"`
	Duration     time.Duration      `json:"duration"`
}

// RunToken identifies an in-flight run between Begin and Complete.
type RunToken struct {
	ID         string    `json:"id"`
	PlanID     string    `json:"planID"`
	StartedAt  time.Time `json:"startedAt"`
	StagingDir string    `json:"stagingDir"`
}

// RunRecord is the immutable outcome of one run.
type RunRecord struct {
	ID          string              `json:"id"`
	PlanID      string              `json:"planID"`
	StartedAt   time.Time           `json:"startedAt"`
	EndedAt     time.Time           `json:"endedAt"`
	Status      Status              `json:"status"`
	DryRun      bool                `json:"dryRun,omitempty"`
	Sources     []SourceOutcome     `json:"sources"`
	Pruned      []artifact.Artifact `json:"pruned,omitempty"`
	PruneErrors []string            `json:"pruneErrors,omitempty"`
}

// Elapsed is the wall time of the run.
func (r RunRecord) Elapsed() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// Outcomes returns the sources with the given status, in plan order.
func (r RunRecord) Outcomes(status SourceStatus) []SourceOutcome {
	var out []SourceOutcome
	for _, o := range r.Sources {
		if o.Status == status {
			out = append(out, o)
		}
	}
	return out
}

// Outcome returns the outcome of the named source.
func (r RunRecord) Outcome(name string) (SourceOutcome, bool) {
	for _, o := range r.Sources {
		if o.Name == name {
			return o, true
		}
	}
	return SourceOutcome{}, false
}

// Aggregate derives the overall status from per-source outcomes. Skipped sources do
// not count; a run where every source was skipped is a Success.
func Aggregate(outcomes []SourceOutcome) Status {
	var succeeded, failed int
	for _, o := range outcomes {
		switch o.Status {
		case SourceSuccess:
			succeeded++
		case SourceFailed:
			failed++
		}
	}
	switch {
	case failed == 0:
		return Success
	case succeeded == 0:
		return Failed
	default:
		return PartialFailure
	}
}
