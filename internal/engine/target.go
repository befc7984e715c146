package engine

import (
	"context"
	"time"

	"github.com/dr-natetorious/logfile-hotswap/internal/proc"
)

// Target is an attached, fully stopped process on which remote calls
// can be issued. Detach must always be called, on every path.
type Target interface {
	Pid() int
	OpenAt(path string, flags int, mode uint32) (int, error)
	Dup3(oldfd, newfd, flags int) error
	Close(fd int) error
	Seek(fd int, offset int64, whence int) (int64, error)
	Detach() error
}

// AttachFunc acquires exclusive control of a process.
type AttachFunc func(ctx context.Context, pid int, timeout time.Duration) (Target, error)

// Inspector reads kernel-visible target state. It never mutates the
// target.
type Inspector interface {
	// Precheck rejects targets that do not exist or that the engine
	// has no business touching (owned by another user, no privilege),
	// before any attach is attempted.
	Precheck(pid int) error
	// Locate finds the lowest descriptor resolving to path.
	Locate(pid int, path string) (proc.Descriptor, error)
	// TargetPath normalizes path in the target's filesystem view, so it
	// compares against kernel-recorded descriptor targets.
	TargetPath(pid int, path string) (string, error)
	// Resolve snapshots one descriptor by number.
	Resolve(pid, fd int) (proc.Descriptor, error)
	// Verify reports whether fd now resolves to expected.
	Verify(pid, fd int, expected string) (bool, error)
	// CheckNamespace fails when the target's filesystem view cannot be
	// reconciled with ours.
	CheckNamespace(pid int) error
	// FileMode returns the mode bits to create the replacement file
	// with, taken from the original when it can be read.
	FileMode(pid int, path string) uint32
}
