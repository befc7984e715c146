//go:build linux && !amd64 && !arm64

package remotecall

import (
	"golang.org/x/sys/unix"

	"github.com/dr-natetorious/logfile-hotswap/internal/ptracer"
)

var syscallInsn []byte

func stackPointer(tid int) (uintptr, error) {
	return 0, ErrUnsupportedArch
}

func execSyscall(s *ptracer.Session, tid int, nr uintptr, args [6]uintptr) (uintptr, unix.Errno, error) {
	return 0, 0, ErrUnsupportedArch
}
