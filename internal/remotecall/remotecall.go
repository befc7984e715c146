// Package remotecall executes individual system calls inside a stopped
// target process. A call runs with the target's memory, credentials,
// and filesystem namespace, so a path passed to OpenAt is resolved and
// permission-checked exactly as if the target had opened it itself.
//
// Injection works by saving the chosen thread's registers, writing a
// syscall instruction over the text at its program counter, single-
// stepping once, and then restoring text and registers byte-for-byte.
// Each call is atomic from the target's point of view; sequencing calls
// into a transaction is the caller's job. No call is ever retried.
package remotecall

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrUnsupportedArch is returned on architectures without a register
// backend.
var ErrUnsupportedArch = errors.New("remote calls not supported on this architecture")

// CallError is a remote syscall failing inside the target. Errno is the
// target-side failure code, surfaced verbatim.
type CallError struct {
	Call  string
	Errno unix.Errno
}

func (e *CallError) Error() string {
	return fmt.Sprintf("remote %s failed in target: %v", e.Call, e.Errno)
}

func (e *CallError) Unwrap() error { return e.Errno }

func callError(call string, errno unix.Errno) error {
	return &CallError{Call: call, Errno: errno}
}
