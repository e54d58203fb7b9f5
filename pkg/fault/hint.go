package fault

import "errors"

type hintErr struct {
	err error
}

func (h *hintErr) Error() string {
	if h == nil || h.err == nil {
		return "unknown hint"
	}
	return h.err.Error()
}
func (h *hintErr) IsHint() bool  { return true }
func (h *hintErr) Unwrap() error { return h.err }

// Hint creates a soft-failure signal from a string.
func Hint(msg string) error {
	return &hintErr{err: errors.New(msg)}
}

// AsHint promotes an existing error to a hint.
func AsHint(err error) error {
	if err == nil {
		return nil
	}
	return &hintErr{err: err}
}

// IsHint checks if any error in the chain behaves like a hint.
func IsHint(err error) bool {
	var h interface{ IsHint() bool }
	return errors.As(err, &h) && h.IsHint()
}

// IsHintFor checks if err is a hint AND matches target.
func IsHintFor(err, target error) bool {
	return IsHint(err) && errors.Is(err, target)
}
