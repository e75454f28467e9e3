// Package channel delivers queue items to external services. Every sender
// reports a three-way Result so the processor never has to inspect errors.
package channel

import (
	"errors"
	"fmt"
)

// Outcome is the coarse result of one delivery attempt.
type Outcome int

const (
	// Sent means the external service accepted the message.
	Sent Outcome = iota
	// Retryable means a later attempt may succeed.
	Retryable
	// Permanent means retrying cannot help.
	Permanent
)

func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case Retryable:
		return "retryable"
	case Permanent:
		return "permanent"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result is returned by every Sender. Err is nil only when Outcome is Sent.
// Bounced marks a permanent failure caused by the recipient being rejected.
type Result struct {
	Outcome Outcome
	Bounced bool
	Err     error
}

// OK reports a successful send.
func OK() Result { return Result{Outcome: Sent} }

// Retry reports a transient failure.
func Retry(err error) Result { return Result{Outcome: Retryable, Err: err} }

// Fail reports a permanent failure.
func Fail(err error) Result { return Result{Outcome: Permanent, Err: err} }

// Bounce reports a permanent recipient rejection.
func Bounce(err error) Result { return Result{Outcome: Permanent, Bounced: true, Err: err} }

// PermanentError wraps an error that must not be retried.
type PermanentError struct {
	Err     error
	Bounced bool
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanentf builds a PermanentError from a format string.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// FromError maps an error onto a Result: nil is Sent, a PermanentError is
// Permanent, anything else is Retryable.
func FromError(err error) Result {
	if err == nil {
		return OK()
	}
	var perm *PermanentError
	if errors.As(err, &perm) {
		if perm.Bounced {
			return Bounce(err)
		}
		return Fail(err)
	}
	return Retry(err)
}
