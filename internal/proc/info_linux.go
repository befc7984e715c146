//go:build linux

package proc

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Exists reports whether a process with the given pid is alive. Uses
// kill(pid, 0): EPERM still means the process exists.
func Exists(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// ReadInfo parses /proc/<pid>/status for the target's effective
// credentials and enumerates its thread IDs from /proc/<pid>/task.
func ReadInfo(pid int) (*Info, error) {
	statusPath := filepath.Join("/proc", strconv.Itoa(pid), "status")
	f, err := os.Open(statusPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("process %d: %w", pid, fs.ErrNotExist)
		}
		return nil, err
	}
	defer f.Close()

	info := &Info{PID: pid}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		// Uid/Gid lines: real, effective, saved, filesystem.
		switch fields[0] {
		case "Uid:":
			uid, err := strconv.ParseUint(fields[2], 10, 32)
			if err == nil {
				info.UID = uint32(uid)
			}
		case "Gid:":
			gid, err := strconv.ParseUint(fields[2], 10, 32)
			if err == nil {
				info.GID = uint32(gid)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", statusPath, err)
	}

	info.Threads, err = Tasks(pid)
	if err != nil {
		return nil, err
	}
	return info, nil
}

// Tasks returns the TIDs of every thread of pid, ascending. The list is
// a snapshot; threads may appear or exit immediately after.
func Tasks(pid int) ([]int, error) {
	taskDir := filepath.Join("/proc", strconv.Itoa(pid), "task")
	entries, err := os.ReadDir(taskDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("process %d: %w", pid, fs.ErrNotExist)
		}
		return nil, err
	}

	tids := make([]int, 0, len(entries))
	for _, e := range entries {
		tid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	return tids, nil
}
