// Package proc inspects the kernel-visible state of a target process
// through procfs: its descriptor table, thread list, credentials, and
// mount-namespace view. It is read-only; all mutation of the target
// happens in internal/remotecall.
package proc

import "fmt"

// Descriptor is a point-in-time snapshot of one entry in a process's
// descriptor table. It is recomputed, never mutated, when a fresh view
// is needed.
type Descriptor struct {
	FD     int    // descriptor number
	Path   string // resolved backing path, as seen from the target's namespace
	Flags  int    // open flags as recorded by the kernel (fdinfo)
	Offset int64  // current file position
}

func (d Descriptor) String() string {
	return fmt.Sprintf("fd %d -> %s (flags 0%o, offset %d)", d.FD, d.Path, d.Flags, d.Offset)
}

// Info holds the identity of a process as read from /proc/<pid>/status.
type Info struct {
	PID     int
	UID     uint32 // effective UID
	GID     uint32 // effective GID
	Threads []int  // TIDs, ascending
}
