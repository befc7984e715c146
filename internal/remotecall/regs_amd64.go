//go:build linux && amd64

package remotecall

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/dr-natetorious/logfile-hotswap/internal/ptracer"
)

// syscallInsn is the x86-64 syscall instruction (0f 05).
var syscallInsn = []byte{0x0f, 0x05}

func stackPointer(tid int) (uintptr, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &regs); err != nil {
		return 0, fmt.Errorf("read registers of %d: %w", tid, err)
	}
	return uintptr(regs.Rsp), nil
}

// execSyscall runs one syscall in the stopped thread: overwrite the
// text at RIP with a syscall instruction, load the syscall number and
// arguments into the ABI registers, single-step, then restore text and
// the full register file so the target resumes exactly where it was.
func execSyscall(s *ptracer.Session, tid int, nr uintptr, args [6]uintptr) (uintptr, unix.Errno, error) {
	var saved unix.PtraceRegs
	if err := unix.PtraceGetRegs(tid, &saved); err != nil {
		return 0, 0, fmt.Errorf("read registers of %d: %w", tid, err)
	}

	pc := uintptr(saved.Rip)
	origText := make([]byte, len(syscallInsn))
	if err := s.PeekData(tid, pc, origText); err != nil {
		return 0, 0, err
	}
	if err := s.PokeData(tid, pc, syscallInsn); err != nil {
		return 0, 0, err
	}

	regs := saved
	regs.Rax = uint64(nr)
	regs.Rdi = uint64(args[0])
	regs.Rsi = uint64(args[1])
	regs.Rdx = uint64(args[2])
	regs.R10 = uint64(args[3])
	regs.R8 = uint64(args[4])
	regs.R9 = uint64(args[5])
	if err := unix.PtraceSetRegs(tid, &regs); err != nil {
		_ = s.PokeData(tid, pc, origText)
		return 0, 0, fmt.Errorf("load syscall registers into %d: %w", tid, err)
	}

	stepErr := singleStepAndWait(s.Pid(), tid)

	var after unix.PtraceRegs
	getErr := unix.PtraceGetRegs(tid, &after)

	// Restore unconditionally; a half-restored target is worse than a
	// failed call.
	restoreTextErr := s.PokeData(tid, pc, origText)
	restoreRegsErr := unix.PtraceSetRegs(tid, &saved)

	switch {
	case stepErr != nil:
		return 0, 0, stepErr
	case getErr != nil:
		return 0, 0, fmt.Errorf("read result registers of %d: %w", tid, getErr)
	case restoreTextErr != nil:
		return 0, 0, restoreTextErr
	case restoreRegsErr != nil:
		return 0, 0, fmt.Errorf("restore registers of %d: %w", tid, restoreRegsErr)
	}

	ret, errno := errnoFromRet(after.Rax)
	return ret, errno, nil
}
