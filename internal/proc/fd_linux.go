//go:build linux

package proc

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Descriptors snapshots the target's descriptor table: every numeric
// entry of /proc/<pid>/fd with its readlink target, flags, and offset.
// Entries that vanish mid-scan are skipped.
func Descriptors(pid int) ([]Descriptor, error) {
	fdDir := filepath.Join("/proc", strconv.Itoa(pid), "fd")
	entries, err := os.ReadDir(fdDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("process %d: %w", pid, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("read descriptor table of %d: %w", pid, err)
	}

	var fds []Descriptor
	for _, e := range entries {
		fd, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		d, err := Resolve(pid, fd)
		if err != nil {
			continue
		}
		fds = append(fds, d)
	}
	sort.Slice(fds, func(i, j int) bool { return fds[i].FD < fds[j].FD })
	return fds, nil
}

// Resolve snapshots a single descriptor of the target. The path comes
// from the /proc/<pid>/fd/<n> symlink (already resolved by the kernel
// in the target's namespace terms), flags and offset from fdinfo.
func Resolve(pid, fd int) (Descriptor, error) {
	base := filepath.Join("/proc", strconv.Itoa(pid))
	link, err := os.Readlink(filepath.Join(base, "fd", strconv.Itoa(fd)))
	if err != nil {
		return Descriptor{}, fmt.Errorf("resolve fd %d of %d: %w", fd, pid, err)
	}
	// The kernel appends " (deleted)" when the backing file was unlinked.
	link = strings.TrimSuffix(link, " (deleted)")

	d := Descriptor{FD: fd, Path: link}

	f, err := os.Open(filepath.Join(base, "fdinfo", strconv.Itoa(fd)))
	if err != nil {
		return Descriptor{}, fmt.Errorf("fdinfo of fd %d of %d: %w", fd, pid, err)
	}
	defer f.Close()

	d.Offset, d.Flags, err = parseFDInfo(f)
	if err != nil {
		return Descriptor{}, fmt.Errorf("fdinfo of fd %d of %d: %w", fd, pid, err)
	}
	return d, nil
}

// parseFDInfo reads the "pos:" and "flags:" lines of a fdinfo file.
// Flags are octal, as the kernel prints them.
func parseFDInfo(r io.Reader) (pos int64, flags int, err error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		switch fields[0] {
		case "pos:":
			pos, err = strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return 0, 0, fmt.Errorf("bad pos %q: %w", fields[1], err)
			}
		case "flags:":
			f64, perr := strconv.ParseInt(fields[1], 8, 64)
			if perr != nil {
				return 0, 0, fmt.Errorf("bad flags %q: %w", fields[1], perr)
			}
			flags = int(f64)
		}
	}
	return pos, flags, scanner.Err()
}

// Locate finds the descriptor of pid whose recorded target equals path
// after normalization in the target's filesystem view. When several
// descriptors share the path (dup'ed or inherited table entries) the
// lowest number wins; callers needing a specific one resolve it by
// number instead.
func Locate(pid int, path string) (Descriptor, error) {
	want, err := TargetPath(pid, path)
	if err != nil {
		return Descriptor{}, err
	}

	fds, err := Descriptors(pid)
	if err != nil {
		return Descriptor{}, err
	}
	for _, d := range fds {
		if d.Path == want {
			return d, nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w for %s in process %d", ErrNoDescriptor, want, pid)
}

// Verify re-resolves descriptor fd of pid and reports whether it now
// points at expected (compared under the same normalization Locate
// uses). Mismatch is a false return, not an error; only a failure to
// read the table at all errors.
func Verify(pid, fd int, expected string) (bool, error) {
	want, err := TargetPath(pid, expected)
	if err != nil {
		return false, err
	}
	d, err := Resolve(pid, fd)
	if err != nil {
		return false, err
	}
	return d.Path == want, nil
}
