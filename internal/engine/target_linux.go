//go:build linux

package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dr-natetorious/logfile-hotswap/internal/proc"
	"github.com/dr-natetorious/logfile-hotswap/internal/ptracer"
	"github.com/dr-natetorious/logfile-hotswap/internal/remotecall"
)

// defaultFileMode is used for the replacement file when the original
// cannot be stat'ed.
const defaultFileMode = 0o644

// liveTarget couples a ptrace session with a syscall injector.
type liveTarget struct {
	*ptracer.Session
	caller *remotecall.Caller
}

func (t *liveTarget) OpenAt(path string, flags int, mode uint32) (int, error) {
	return t.caller.OpenAt(path, flags, mode)
}

func (t *liveTarget) Dup3(oldfd, newfd, flags int) error { return t.caller.Dup3(oldfd, newfd, flags) }
func (t *liveTarget) Close(fd int) error                 { return t.caller.Close(fd) }

func (t *liveTarget) Seek(fd int, offset int64, whence int) (int64, error) {
	return t.caller.Seek(fd, offset, whence)
}

func attachLive(ctx context.Context, pid int, timeout time.Duration) (Target, error) {
	s, err := ptracer.Attach(ctx, pid, timeout)
	if err != nil {
		return nil, classifyAttachError(err)
	}
	return &liveTarget{Session: s, caller: remotecall.New(s)}, nil
}

func classifyAttachError(err error) error {
	switch {
	case errors.Is(err, unix.ESRCH), errors.Is(err, fs.ErrNotExist):
		return errors.Join(ErrProcessNotFound, err)
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		return errors.Join(ErrPermissionDenied, err)
	}
	return err
}

// procInspector is the production Inspector, backed by procfs.
type procInspector struct{}

func (procInspector) Precheck(pid int) error {
	if !proc.Exists(pid) {
		return fmt.Errorf("pid %d: %w", pid, ErrProcessNotFound)
	}
	info, err := proc.ReadInfo(pid)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("pid %d: %w", pid, ErrProcessNotFound)
		}
		return err
	}
	// Same ownership rule as the attach itself: root can touch anything,
	// anyone else only their own processes.
	euid := uint32(os.Geteuid())
	if euid != 0 && info.UID != euid {
		return fmt.Errorf("process %d is owned by uid %d, you are uid %d: %w",
			pid, info.UID, euid, ErrPermissionDenied)
	}
	return nil
}

func (procInspector) Locate(pid int, path string) (proc.Descriptor, error) {
	return proc.Locate(pid, path)
}

func (procInspector) TargetPath(pid int, path string) (string, error) {
	return proc.TargetPath(pid, path)
}

func (procInspector) Resolve(pid, fd int) (proc.Descriptor, error) {
	return proc.Resolve(pid, fd)
}

func (procInspector) Verify(pid, fd int, expected string) (bool, error) {
	return proc.Verify(pid, fd, expected)
}

func (procInspector) CheckNamespace(pid int) error {
	if _, err := proc.BridgePath(pid, "/"); err != nil {
		return errors.Join(ErrAmbiguousNamespace, err)
	}
	return nil
}

func (procInspector) FileMode(pid int, path string) uint32 {
	bridged, err := proc.BridgePath(pid, path)
	if err != nil {
		return defaultFileMode
	}
	info, err := os.Stat(bridged)
	if err != nil {
		return defaultFileMode
	}
	return uint32(info.Mode().Perm())
}

// New builds a production transaction: ptrace attachment, procfs
// inspection.
func New(req Request) *Transaction {
	return newTransaction(req, attachLive, procInspector{})
}
