package engine

import (
	"errors"
	"fmt"

	"github.com/dr-natetorious/logfile-hotswap/internal/proc"
	"github.com/dr-natetorious/logfile-hotswap/internal/ptracer"
)

var (
	// ErrProcessNotFound means the target pid does not exist.
	ErrProcessNotFound = errors.New("process not found")

	// ErrPermissionDenied means the engine lacks the privilege to
	// control the target (different owner, no CAP_SYS_PTRACE).
	ErrPermissionDenied = errors.New("permission denied")

	// ErrAmbiguousNamespace means the target lives in a different
	// mount namespace that cannot be bridged through /proc.
	ErrAmbiguousNamespace = errors.New("target mount namespace differs and cannot be bridged")

	// ErrAlreadyAttached mirrors the session layer's fail-fast
	// admission error.
	ErrAlreadyAttached = ptracer.ErrAlreadyAttached

	// ErrDescriptorNotFound means no descriptor of the target resolves
	// to the requested path.
	ErrDescriptorNotFound = proc.ErrNoDescriptor
)

// VerificationError is the one failure with an ambiguous on-disk
// effect: the redirect call succeeded but the descriptor does not read
// back as the new path. No automatic redirect-back is attempted (it
// could fail too and make things worse without consent); the pre-swap
// snapshot is attached so a caller can run an explicit corrective
// transaction.
type VerificationError struct {
	Expected string
	Original proc.Descriptor
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("descriptor %d did not verify as %s after redirect; pre-swap state: %s",
		e.Original.FD, e.Expected, e.Original)
}

// StateError wraps a failure with the state the transaction reached.
type StateError struct {
	State State
	Err   error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("transaction failed at state %q: %v", e.State, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }
