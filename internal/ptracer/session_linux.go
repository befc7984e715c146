//go:build linux

package ptracer

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dr-natetorious/logfile-hotswap/internal/proc"
)

// DefaultAttachTimeout bounds how long Attach waits for the kernel to
// stop every thread of the target.
const DefaultAttachTimeout = 5 * time.Second

const stopPollInterval = time.Millisecond

// Session is exclusive ptrace control over a fully stopped process.
// All ptrace requests must come from the OS thread that attached, so
// Attach locks the calling goroutine to its thread and Detach unlocks
// it; use a Session only from the goroutine that created it.
type Session struct {
	pid      int
	tids     []int
	detached bool
}

// Attach stops every thread of pid and returns a session holding them.
// Threads spawned while the stop is in progress are caught by rescanning
// the task list until a pass finds nothing new. On any failure all
// already-stopped threads are resumed before the error is returned, so a
// failed attach never leaves the target disturbed.
func Attach(ctx context.Context, pid int, timeout time.Duration) (*Session, error) {
	if !acquire(pid) {
		return nil, fmt.Errorf("pid %d: %w", pid, ErrAlreadyAttached)
	}
	if timeout <= 0 {
		timeout = DefaultAttachTimeout
	}

	runtime.LockOSThread()
	s := &Session{pid: pid}

	if err := s.stopAll(ctx, time.Now().Add(timeout)); err != nil {
		s.resumeAll()
		runtime.UnlockOSThread()
		release(pid)
		return nil, err
	}
	return s, nil
}

// Pid returns the target's process ID.
func (s *Session) Pid() int { return s.pid }

// MainTID returns the thread the invoker injects calls into: the main
// thread when it is still alive, otherwise the lowest stopped TID.
func (s *Session) MainTID() int {
	for _, tid := range s.tids {
		if tid == s.pid {
			return tid
		}
	}
	return s.tids[0]
}

// TIDs returns the stopped threads, ascending.
func (s *Session) TIDs() []int {
	out := make([]int, len(s.tids))
	copy(out, s.tids)
	return out
}

// Detach resumes every stopped thread and releases the session. It is
// idempotent; the second call is a no-op. A thread that cannot be
// resumed is reported through DetachError, never silently dropped.
func (s *Session) Detach() error {
	if s.detached {
		return nil
	}
	s.detached = true

	errs := s.resumeAll()
	runtime.UnlockOSThread()
	release(s.pid)

	if len(errs) > 0 {
		return &DetachError{PID: s.pid, Errs: errs}
	}
	return nil
}

// PeekData reads len(buf) bytes from the target's memory at addr.
func (s *Session) PeekData(tid int, addr uintptr, buf []byte) error {
	n, err := unix.PtracePeekData(tid, addr, buf)
	if err != nil {
		return fmt.Errorf("peek %d bytes at %#x in %d: %w", len(buf), addr, tid, err)
	}
	if n != len(buf) {
		return fmt.Errorf("peek at %#x in %d: short read (%d of %d)", addr, tid, n, len(buf))
	}
	return nil
}

// PokeData writes data into the target's memory at addr.
func (s *Session) PokeData(tid int, addr uintptr, data []byte) error {
	n, err := unix.PtracePokeData(tid, addr, data)
	if err != nil {
		return fmt.Errorf("poke %d bytes at %#x in %d: %w", len(data), addr, tid, err)
	}
	if n != len(data) {
		return fmt.Errorf("poke at %#x in %d: short write (%d of %d)", addr, tid, n, len(data))
	}
	return nil
}

func (s *Session) stopAll(ctx context.Context, deadline time.Time) error {
	stopped := make(map[int]bool)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		tids, err := proc.Tasks(s.pid)
		if err != nil {
			return err
		}

		newlyStopped := 0
		for _, tid := range tids {
			if stopped[tid] {
				continue
			}
			if err := unix.PtraceAttach(tid); err != nil {
				if errors.Is(err, unix.ESRCH) {
					// Thread exited between the scan and the attach.
					// The whole process going away is fatal.
					if tid == s.pid {
						return fmt.Errorf("process %d: %w", s.pid, unix.ESRCH)
					}
					continue
				}
				return fmt.Errorf("attach thread %d of %d: %w", tid, s.pid, err)
			}
			if err := waitStop(tid, deadline); err != nil {
				// Count it as attached so resumeAll detaches it.
				stopped[tid] = true
				s.tids = append(s.tids, tid)
				return err
			}
			stopped[tid] = true
			s.tids = append(s.tids, tid)
			newlyStopped++
		}

		if newlyStopped == 0 {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("stopping threads of %d: %w", s.pid, ErrAttachTimeout)
		}
	}

	if len(s.tids) == 0 {
		return fmt.Errorf("process %d: %w", s.pid, unix.ESRCH)
	}
	sort.Ints(s.tids)
	return nil
}

func (s *Session) resumeAll() []error {
	var errs []error
	for _, tid := range s.tids {
		if err := unix.PtraceDetach(tid); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("detach thread %d: %w", tid, err))
		}
	}
	s.tids = nil
	return errs
}

// waitStop reaps the attach-stop of one thread. Non-leader threads need
// __WALL to be waitable.
func waitStop(tid int, deadline time.Time) error {
	var ws unix.WaitStatus
	for {
		wpid, err := unix.Wait4(tid, &ws, unix.WALL|unix.WNOHANG, nil)
		if err != nil && !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("wait for thread %d to stop: %w", tid, err)
		}
		if wpid == tid {
			if ws.Exited() || ws.Signaled() {
				return fmt.Errorf("thread %d exited while stopping: %w", tid, unix.ESRCH)
			}
			if ws.Stopped() {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("thread %d did not stop: %w", tid, ErrAttachTimeout)
		}
		time.Sleep(stopPollInterval)
	}
}
