// Package fault defines the error taxonomy of a backup run and the "hint" mechanism
// for soft failures.
//
// Every error that crosses a package boundary inside the engine is either a *Error
// carrying a Kind (what failed, for which source, in which stage) or a hint. Hints
// are signals that a step was skipped (nothing to prune, already backed up in this
// period) and must never be reported as failures.
package fault

import (
	"errors"
	"fmt"
	"strings"

	"github.com/paulschiretz/pgl-vault/pkg/util"
)

// Kind classifies a failure.
type Kind int

const (
	Unknown Kind = iota
	// ConfigInvalid is fatal and aborts before any work.
	ConfigInvalid
	ArchiveFailed
	EncryptionFailed
	// PublishFailed is filesystem level, e.g. cross-device rename or disk full.
	PublishFailed
	// PruneFailed is per artifact and never fatal.
	PruneFailed
	// NotifyFailed is never fatal.
	NotifyFailed
	// LedgerCorrupt is fatal; the ledger is the source of truth for recovery.
	LedgerCorrupt
	// Cancelled marks work aborted by an external cancellation signal.
	Cancelled
)

var kindToString = map[Kind]string{
	Unknown:          "Unknown",
	ConfigInvalid:    "ConfigInvalid",
	ArchiveFailed:    "ArchiveFailed",
	EncryptionFailed: "EncryptionFailed",
	PublishFailed:    "PublishFailed",
	PruneFailed:      "PruneFailed",
	NotifyFailed:     "NotifyFailed",
	LedgerCorrupt:    "LedgerCorrupt",
	Cancelled:        "Cancelled",
}

var stringToKind map[string]Kind

func init() {
	stringToKind = util.InvertMap(kindToString)
}

func (k Kind) String() string {
	if str, ok := kindToString[k]; ok {
		return str
	}
	return fmt.Sprintf("unknown_kind(%d)", int(k))
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	if k, ok := stringToKind[s]; ok {
		return k, nil
	}
	return Unknown, fmt.Errorf("invalid error kind: %q", s)
}

// Error is a classified failure with the context needed to diagnose it without
// reproducing: the source it belongs to and the pipeline stage it happened in.
type Error struct {
	Kind   Kind
	Source string
	Stage  string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Source != "" {
		b.WriteString(" [source=")
		b.WriteString(e.Source)
		b.WriteString("]")
	}
	if e.Stage != "" {
		b.WriteString(" [stage=")
		b.WriteString(e.Stage)
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(causeMessage(e.Err))
	}
	return b.String()
}

// causeMessage renders err without repeating the kind and context prefix of a
// classified error nested inside it.
func causeMessage(err error) string {
	msg := err.Error()
	var inner *Error
	if errors.As(err, &inner) && inner.Err != nil {
		msg = strings.Replace(msg, inner.Error(), inner.Err.Error(), 1)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error from a message.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err. A nil err stays nil and an already classified err is
// returned unchanged.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{Kind: kind, Err: err}
}

// WithContext attaches source and stage to err, classifying it as kind when it
// carries no classification yet. An existing classification wins, and any
// context wrapped around it is kept.
func WithContext(err error, kind Kind, source, stage string) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		if source == "" {
			source = fe.Source
		}
		if stage == "" {
			stage = fe.Stage
		}
		if fe == err {
			return &Error{Kind: fe.Kind, Source: source, Stage: stage, Err: fe.Err}
		}
		return &Error{Kind: fe.Kind, Source: source, Stage: stage, Err: err}
	}
	return &Error{Kind: kind, Source: source, Stage: stage, Err: err}
}

// KindOf returns the classification of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsFatal reports whether err must abort the process before any pipeline starts.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case ConfigInvalid, LedgerCorrupt:
		return true
	}
	return false
}
