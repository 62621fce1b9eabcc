package retry

import "errors"

type transientError struct {
	err error
}

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// Transient marks err as retryable. A nil error stays nil.
func Transient(err error) error {
	if err == nil || IsTransient(err) {
		return err
	}
	return transientError{err: err}
}

// IsTransient reports whether any error in err's chain was marked with Transient.
func IsTransient(err error) bool {
	var t transientError
	return errors.As(err, &t)
}
