// Package errtrail wraps errors with a trail of operation descriptions.
//
// Each layer that handles an error appends one human-readable line saying
// what it was doing, so the full chain of attempts survives into DLQ records
// and logs instead of collapsing into a bare error string.
package errtrail

import (
	"errors"
	"fmt"
)

// Error carries an underlying error plus the ordered list of operations
// that were in progress when it occurred, outermost first.
type Error struct {
	ops []string
	err error
}

// Wrap annotates err with an operation description. A nil err returns nil.
// Wrapping an existing *Error extends its trail rather than nesting.
func Wrap(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	op := fmt.Sprintf(format, args...)
	var te *Error
	if errors.As(err, &te) {
		return &Error{ops: append([]string{op}, te.ops...), err: te.err}
	}
	return &Error{ops: []string{op}, err: err}
}

// Error renders the trail outermost-first, ending with the root cause.
func (e *Error) Error() string {
	msg := ""
	for _, op := range e.ops {
		msg += op + ": "
	}
	return msg + e.err.Error()
}

// Unwrap exposes the root cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.err }

// Trail returns the operation descriptions, outermost first. The returned
// slice is a copy.
func Trail(err error) []string {
	var te *Error
	if !errors.As(err, &te) {
		return nil
	}
	out := make([]string, len(te.ops))
	copy(out, te.ops)
	return out
}
