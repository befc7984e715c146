//go:build linux && arm64

package remotecall

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/dr-natetorious/logfile-hotswap/internal/ptracer"
)

// syscallInsn is the arm64 svc #0 instruction, little-endian.
var syscallInsn = []byte{0x01, 0x00, 0x00, 0xd4}

// arm64 has no PTRACE_GETREGS; the register file moves through
// PTRACE_GETREGSET with NT_PRSTATUS.
func getRegs(tid int, regs *unix.PtraceRegsArm64) error {
	return unix.PtraceGetRegSetArm64(tid, unix.NT_PRSTATUS, regs)
}

func setRegs(tid int, regs *unix.PtraceRegsArm64) error {
	return unix.PtraceSetRegSetArm64(tid, unix.NT_PRSTATUS, regs)
}

func stackPointer(tid int) (uintptr, error) {
	var regs unix.PtraceRegsArm64
	if err := getRegs(tid, &regs); err != nil {
		return 0, fmt.Errorf("read registers of %d: %w", tid, err)
	}
	return uintptr(regs.Sp), nil
}

// execSyscall runs one syscall in the stopped thread: overwrite the
// text at PC with svc #0, load x8 and x0..x5 per the arm64 syscall ABI,
// single-step, then restore text and registers.
func execSyscall(s *ptracer.Session, tid int, nr uintptr, args [6]uintptr) (uintptr, unix.Errno, error) {
	var saved unix.PtraceRegsArm64
	if err := getRegs(tid, &saved); err != nil {
		return 0, 0, fmt.Errorf("read registers of %d: %w", tid, err)
	}

	pc := uintptr(saved.Pc)
	origText := make([]byte, len(syscallInsn))
	if err := s.PeekData(tid, pc, origText); err != nil {
		return 0, 0, err
	}
	if err := s.PokeData(tid, pc, syscallInsn); err != nil {
		return 0, 0, err
	}

	regs := saved
	regs.Regs[8] = uint64(nr)
	for i, arg := range args {
		regs.Regs[i] = uint64(arg)
	}
	if err := setRegs(tid, &regs); err != nil {
		_ = s.PokeData(tid, pc, origText)
		return 0, 0, fmt.Errorf("load syscall registers into %d: %w", tid, err)
	}

	stepErr := singleStepAndWait(s.Pid(), tid)

	var after unix.PtraceRegsArm64
	getErr := getRegs(tid, &after)

	restoreTextErr := s.PokeData(tid, pc, origText)
	restoreRegsErr := setRegs(tid, &saved)

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

	ret, errno := errnoFromRet(after.Regs[0])
	return ret, errno, nil
}
