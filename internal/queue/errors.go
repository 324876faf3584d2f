package queue

import "errors"

// ErrNotReady signals that a job's precondition is not met yet (for example
// the source object is not visible in storage). The job is rescheduled
// without consuming an attempt.
var ErrNotReady = errors.New("not ready")

// permanentError marks an executor failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the pool fails the job terminally on the first
// occurrence instead of scheduling a retry.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// maxErrorLen bounds stored error messages.
const maxErrorLen = 500

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) <= maxErrorLen {
		return msg
	}
	// Cut on a rune boundary.
	cut := maxErrorLen
	for cut > 0 && !isRuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
