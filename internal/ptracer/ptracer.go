// Package ptracer acquires and releases exclusive control over a target
// process with ptrace. Attaching stops every thread of the target
// (all-or-nothing) so no thread can touch the descriptor table while a
// swap is in flight; detaching resumes them all and is idempotent.
//
// At most one live session per pid exists in this process. Admission is
// fail-fast: a second attach on the same pid returns ErrAlreadyAttached
// instead of queueing, because a concurrent attach on one target almost
// always means operator error.
package ptracer

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrAlreadyAttached means a live session for the pid exists in
	// this process.
	ErrAlreadyAttached = errors.New("already attached")

	// ErrAttachTimeout means the target's threads could not all be
	// stopped within the attach deadline.
	ErrAttachTimeout = errors.New("attach timed out")
)

// DetachError reports threads that could not be resumed. It is the
// worst condition this package can produce: the target may be left
// stopped, and callers must surface it rather than swallow it.
type DetachError struct {
	PID  int
	Errs []error
}

func (e *DetachError) Error() string {
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("detach from %d incomplete, target may be left stopped: %s",
		e.PID, strings.Join(msgs, "; "))
}

func (e *DetachError) Unwrap() error {
	if len(e.Errs) == 0 {
		return nil
	}
	return e.Errs[0]
}
