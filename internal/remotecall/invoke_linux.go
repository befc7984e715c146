//go:build linux

package remotecall

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dr-natetorious/logfile-hotswap/internal/ptracer"
)

// stackScratchGap keeps the staging area clear of the red zone and any
// live spill slots below the stopped thread's stack pointer.
const stackScratchGap = 512

// Caller injects syscalls into one attached target. All calls run on
// the target's main thread (or the lowest surviving thread) and must be
// issued from the goroutine that attached the session.
type Caller struct {
	s   *ptracer.Session
	tid int
}

// New returns a Caller bound to the session's injection thread.
func New(s *ptracer.Session) *Caller {
	return &Caller{s: s, tid: s.MainTID()}
}

// OpenAt opens path inside the target, returning the new descriptor
// number in the target's table. The path is interpreted in the target's
// filesystem namespace and checked against the target's credentials.
func (c *Caller) OpenAt(path string, flags int, mode uint32) (int, error) {
	sp, err := stackPointer(c.tid)
	if err != nil {
		return -1, err
	}
	addr, restore, err := c.stageBytes(sp, append([]byte(path), 0))
	if err != nil {
		return -1, err
	}
	defer restore()

	ret, errno, err := execSyscall(c.s, c.tid, unix.SYS_OPENAT, [6]uintptr{
		uintptr(unixAtFDCWD), addr, uintptr(flags), uintptr(mode),
	})
	if err != nil {
		return -1, err
	}
	if errno != 0 {
		return -1, callError("openat", errno)
	}
	return int(ret), nil
}

// Dup3 makes descriptor newfd of the target refer to the same open file
// as oldfd, closing whatever newfd previously held in the same call.
// dup3 resets close-on-exec on newfd unless flags carries O_CLOEXEC.
func (c *Caller) Dup3(oldfd, newfd, flags int) error {
	_, errno, err := execSyscall(c.s, c.tid, unix.SYS_DUP3, [6]uintptr{
		uintptr(oldfd), uintptr(newfd), uintptr(flags),
	})
	if err != nil {
		return err
	}
	if errno != 0 {
		return callError("dup3", errno)
	}
	return nil
}

// Close closes descriptor fd in the target.
func (c *Caller) Close(fd int) error {
	_, errno, err := execSyscall(c.s, c.tid, unix.SYS_CLOSE, [6]uintptr{uintptr(fd)})
	if err != nil {
		return err
	}
	if errno != 0 {
		return callError("close", errno)
	}
	return nil
}

// Seek repositions descriptor fd of the target.
func (c *Caller) Seek(fd int, offset int64, whence int) (int64, error) {
	ret, errno, err := execSyscall(c.s, c.tid, unix.SYS_LSEEK, [6]uintptr{
		uintptr(fd), uintptr(offset), uintptr(whence),
	})
	if err != nil {
		return -1, err
	}
	if errno != 0 {
		return -1, callError("lseek", errno)
	}
	return int64(ret), nil
}

// unixAtFDCWD as its own int avoids a negative-constant-to-uintptr
// conversion error at the call site.
var unixAtFDCWD = unix.AT_FDCWD

// stageBytes writes data into scratch space below the stopped thread's
// stack pointer and returns its address plus a restore function that
// puts the original bytes back.
func (c *Caller) stageBytes(sp uintptr, data []byte) (uintptr, func() error, error) {
	addr := (sp - stackScratchGap - uintptr(len(data))) &^ 0xf

	saved := make([]byte, len(data))
	if err := c.s.PeekData(c.tid, addr, saved); err != nil {
		return 0, nil, fmt.Errorf("save staging area: %w", err)
	}
	if err := c.s.PokeData(c.tid, addr, data); err != nil {
		return 0, nil, fmt.Errorf("stage %d bytes: %w", len(data), err)
	}
	restore := func() error {
		return c.s.PokeData(c.tid, addr, saved)
	}
	return addr, restore, nil
}

// maxStepSignals bounds how many pending signals a single injected call
// will defer before giving up.
const maxStepSignals = 64

// singleStepAndWait executes exactly one instruction (the injected
// syscall) in the stopped thread and reaps the step trap. A signal
// pending on the thread wins the race against the injected instruction
// and surfaces as its own signal-delivery-stop first; accepting that
// stop as the trap would read a stale return register and report a
// result for a call that never ran. Such signals are suppressed for the
// duration of the step and re-queued with tgkill afterwards, so the
// target still sees them once it resumes.
func singleStepAndWait(pid, tid int) error {
	var deferred []unix.Signal
	for {
		if len(deferred) > maxStepSignals {
			return fmt.Errorf("thread %d: step trap never arrived after deferring %d signals", tid, maxStepSignals)
		}
		if err := unix.PtraceSingleStep(tid); err != nil {
			return fmt.Errorf("single-step thread %d: %w", tid, err)
		}
		ws, err := waitStopped(tid)
		if err != nil {
			return err
		}
		sig := ws.StopSignal()
		if sig == unix.SIGTRAP {
			break
		}
		deferred = append(deferred, sig)
	}
	for _, sig := range deferred {
		_ = unix.Tgkill(pid, tid, sig)
	}
	return nil
}

// waitStopped reaps the next stop of tid.
func waitStopped(tid int) (unix.WaitStatus, error) {
	var ws unix.WaitStatus
	for {
		wpid, err := unix.Wait4(tid, &ws, unix.WALL, nil)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return ws, fmt.Errorf("wait after step in %d: %w", tid, err)
		}
		if wpid != tid {
			time.Sleep(time.Millisecond)
			continue
		}
		if ws.Exited() || ws.Signaled() {
			return ws, fmt.Errorf("thread %d died during remote call: %w", tid, unix.ESRCH)
		}
		if ws.Stopped() {
			return ws, nil
		}
	}
}

// errnoFromRet decodes a raw syscall return value. The kernel reports
// failure as -errno in the return register; the ERESTART family (only
// visible to a tracer) collapses to EINTR.
func errnoFromRet(ret uint64) (uintptr, unix.Errno) {
	v := int64(ret)
	if v < 0 && v > -4096 {
		errno := unix.Errno(-v)
		if v <= -512 && v >= -530 {
			errno = unix.EINTR
		}
		return 0, errno
	}
	return uintptr(ret), 0
}
