package snapshot

import (
	"errors"
	"fmt"

	"exporthub/internal/store"
)

// Error carries a user facing message classified by one of the store sentinels.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap exposes both the classification and the cause to errors.Is.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func notFoundf(format string, args ...interface{}) error {
	return &Error{Kind: store.ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

func conflictf(format string, args ...interface{}) error {
	return &Error{Kind: store.ErrConflict, Message: fmt.Sprintf(format, args...)}
}

func validationf(format string, args ...interface{}) error {
	return &Error{Kind: store.ErrValidation, Message: fmt.Sprintf(format, args...)}
}

func storageErr(message string, err error) error {
	return &Error{Kind: store.ErrStorage, Message: message, Err: err}
}

// errNotClaimed matches job errors raised before the job owned its row.
var errNotClaimed = errors.New("job did not claim its row")

// claimError wraps a failure of the claim phase. It formats like the wrapped
// error so the recorded traceback keeps its stack.
type claimError struct {
	err error
}

func notClaimed(err error) error {
	return &claimError{err: err}
}

func (e *claimError) Error() string { return e.err.Error() }

func (e *claimError) Unwrap() error { return e.err }

func (e *claimError) Is(target error) bool { return target == errNotClaimed }

func (e *claimError) Format(s fmt.State, verb rune) {
	fmt.Fprintf(s, fmt.FormatString(s, verb), e.err)
}

// failure picks the transition recording jobErr. Unclaimed rows only fail
// from created, so a duplicate job cannot fail the attempt that owns the row.
func failure(jobErr error, traceback string) store.Transition {
	if errors.Is(jobErr, errNotClaimed) {
		return store.FailUnclaimed(traceback)
	}
	return store.Fail(traceback)
}
