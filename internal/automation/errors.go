package automation

import (
	"errors"
	"fmt"

	"taskpilot/internal/intercept"
	"taskpilot/internal/repo"
)

var (
	// ErrMissingOrganization rejects events without organizationId.
	ErrMissingOrganization = errors.New("event payload has no organizationId")

	// ErrCascadeLimit stops events produced by too many chained automations.
	ErrCascadeLimit = errors.New("cascade depth limit exceeded")

	ErrUnknownAction = errors.New("unknown action type")
)

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil || IsPermanent(err) {
		return err
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, is permanent.
// A joined error is permanent only when every member is.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs := joined.Unwrap()
		if len(errs) == 0 {
			return false
		}
		for _, e := range errs {
			if !IsPermanent(e) {
				return false
			}
		}
		return true
	}
	var p permanentError
	return errors.As(err, &p)
}

func invalid(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// classify turns collaborator errors that retrying cannot fix into permanent ones.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, intercept.ErrInvalidTask) {
		return Permanent(err)
	}
	return err
}
