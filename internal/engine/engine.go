// Package engine drives a descriptor swap as a single-use transaction:
// attach, locate, open the replacement inside the target, redirect the
// descriptor onto it, verify, detach. Every failure before the redirect
// rolls back automatically; after the redirect the engine reports and
// leaves corrective action to the caller.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dr-natetorious/logfile-hotswap/internal/proc"
)

// Request describes one descriptor redirect.
type Request struct {
	PID      int
	FromPath string // current backing path of the descriptor
	ToPath   string // replacement path, created in the target's namespace if missing
	FD       int    // explicit descriptor number; -1 locates by FromPath

	AttachTimeout time.Duration
}

// Result is the terminal outcome of a transaction.
type Result struct {
	// State is the last state reached. StateCommitted is the only
	// success; State.Mutated tells an operator whether the target's
	// descriptor table was changed.
	State State

	// Original is the pre-swap descriptor snapshot, set once the
	// transaction reaches StateLocated. On verification failure it is
	// the input for an explicit corrective transaction.
	Original proc.Descriptor

	// Warnings are non-fatal defects (a leaked temporary descriptor in
	// the target).
	Warnings []string

	Err error
}

// Transaction is a single-use swap. Run may be called exactly once;
// callers wanting a retry build a new transaction.
type Transaction struct {
	req     Request
	attach  AttachFunc
	inspect Inspector

	state State
	used  bool
}

func newTransaction(req Request, attach AttachFunc, inspect Inspector) *Transaction {
	return &Transaction{req: req, attach: attach, inspect: inspect, state: StateIdle}
}

// Run executes the swap, blocking until a terminal state. The target is
// detached on every path out of StateAttached, including cancellation;
// a detach failure outranks everything else in the result because the
// target may be left stopped.
func (t *Transaction) Run(ctx context.Context) Result {
	if t.used {
		return Result{State: StateFailed, Err: errors.New("transaction already ran; build a new one")}
	}
	t.used = true

	res := Result{State: StateIdle}
	if err := t.validate(); err != nil {
		res.State = StateFailed
		res.Err = &StateError{State: StateIdle, Err: err}
		return res
	}
	if err := t.inspect.Precheck(t.req.PID); err != nil {
		res.State = StateFailed
		res.Err = &StateError{State: StateIdle, Err: err}
		return res
	}

	slog.Debug("attaching", "pid", t.req.PID, "timeout", t.req.AttachTimeout)
	target, err := t.attach(ctx, t.req.PID, t.req.AttachTimeout)
	if err != nil {
		// No mutation occurred; attach is all-or-nothing.
		res.State = StateFailed
		res.Err = &StateError{State: StateIdle, Err: err}
		return res
	}
	t.state = StateAttached

	res = t.runAttached(ctx, target)

	if derr := target.Detach(); derr != nil {
		// Worst-severity condition the engine can produce: the target
		// may be left stopped. Joined in front so it leads the report
		// without discarding the transaction's own failure.
		res.Err = errors.Join(fmt.Errorf("detach failure: %w", derr), res.Err)
	}
	return res
}

func (t *Transaction) validate() error {
	if t.req.PID <= 0 {
		return fmt.Errorf("invalid pid %d", t.req.PID)
	}
	if t.req.FromPath == "" {
		return errors.New("original path is empty")
	}
	if t.req.ToPath == "" {
		return errors.New("new path is empty")
	}
	return nil
}

// runAttached drives Located through Committed. The caller owns detach.
func (t *Transaction) runAttached(ctx context.Context, target Target) Result {
	res := Result{}
	pid := t.req.PID

	fail := func(at State, err error) Result {
		res.State = StateFailed
		res.Err = &StateError{State: at, Err: err}
		return res
	}

	// Cancellation is honored only between states; an abrupt stop
	// mid-call could tear the target.
	if err := ctx.Err(); err != nil {
		return fail(t.state, err)
	}

	if err := t.inspect.CheckNamespace(pid); err != nil {
		return fail(t.state, err)
	}

	original, err := t.locate(pid)
	if err != nil {
		return fail(t.state, err)
	}
	t.state = StateLocated
	res.Original = original
	slog.Info("located descriptor", "pid", pid, "fd", original.FD,
		"path", original.Path, "flags", fmt.Sprintf("0%o", original.Flags), "offset", original.Offset)

	if err := ctx.Err(); err != nil {
		return fail(t.state, err)
	}

	// Open the replacement inside the target with the original's flags
	// so the writer sees no behavioral change, creating it with the
	// original's mode bits when it does not exist yet.
	mode := t.inspect.FileMode(pid, t.req.FromPath)
	tempFD, err := target.OpenAt(t.req.ToPath, original.Flags|unix.O_CREAT, mode)
	if err != nil {
		// Nothing to undo: the original descriptor is untouched.
		return fail(t.state, err)
	}
	t.state = StateOpened
	slog.Debug("opened replacement in target",
		"fd", tempFD, "path", t.req.ToPath, "mode", fmt.Sprintf("0%o", mode))

	rollback := func(at State, err error) Result {
		t.state = StateRollingBack
		if cerr := target.Close(tempFD); cerr != nil {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("rollback: temporary fd %d leaked in target: %v", tempFD, cerr))
		}
		return fail(at, err)
	}

	if tempFD == original.FD {
		// Cannot happen while the original is open, but a dup3 onto
		// itself would silently no-op the swap.
		return rollback(t.state, fmt.Errorf("replacement landed on descriptor %d itself", tempFD))
	}

	if _, err := target.Seek(tempFD, original.Offset, unix.SEEK_SET); err != nil {
		return rollback(t.state, err)
	}

	if err := ctx.Err(); err != nil {
		return rollback(t.state, err)
	}

	// The swap itself: one call, after which every existing reader and
	// writer of the original number is on the new file. dup3 would reset
	// close-on-exec, so carry the original's flag through.
	dupFlags := 0
	if original.Flags&unix.O_CLOEXEC != 0 {
		dupFlags = unix.O_CLOEXEC
	}
	if err := target.Dup3(tempFD, original.FD, dupFlags); err != nil {
		return rollback(t.state, err)
	}
	t.state = StateRedirected
	slog.Info("redirected descriptor", "pid", pid, "fd", original.FD, "to", t.req.ToPath)

	// The swap already happened; a failed cleanup is a leak in the
	// target, not a transaction failure.
	if err := target.Close(tempFD); err != nil {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("cleanup: temporary fd %d leaked in target: %v", tempFD, err))
	}

	ok, err := t.inspect.Verify(pid, original.FD, t.req.ToPath)
	if err != nil {
		res.State = StateFailed
		res.Err = &StateError{State: t.state, Err: fmt.Errorf("verify: %w", err)}
		return res
	}
	if !ok {
		// No automatic redirect-back: undoing means re-opening the
		// original path, which can itself fail. Report with the
		// pre-swap snapshot and let the caller decide.
		res.State = StateFailed
		res.Err = &StateError{State: t.state, Err: &VerificationError{
			Expected: t.req.ToPath,
			Original: original,
		}}
		return res
	}
	t.state = StateVerified

	t.state = StateCommitted
	res.State = StateCommitted
	slog.Info("committed", "pid", pid, "fd", original.FD, "path", t.req.ToPath)
	return res
}

// locate resolves the descriptor to swap: by explicit number when the
// request names one, otherwise lowest-numbered path match.
func (t *Transaction) locate(pid int) (proc.Descriptor, error) {
	if t.req.FD >= 0 {
		d, err := t.inspect.Resolve(pid, t.req.FD)
		if err != nil {
			return proc.Descriptor{}, fmt.Errorf("%w: fd %d: %v", ErrDescriptorNotFound, t.req.FD, err)
		}
		want, err := t.inspect.TargetPath(pid, t.req.FromPath)
		if err != nil {
			return proc.Descriptor{}, err
		}
		if d.Path != want {
			return proc.Descriptor{}, fmt.Errorf("%w: fd %d resolves to %s, not %s",
				ErrDescriptorNotFound, t.req.FD, d.Path, want)
		}
		return d, nil
	}
	return t.inspect.Locate(pid, t.req.FromPath)
}
