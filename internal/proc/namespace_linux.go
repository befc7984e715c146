//go:build linux

package proc

import (
	"fmt"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// SameMountNamespace reports whether the target shares our mount
// namespace, by comparing the inode of /proc/*/ns/mnt on both sides.
func SameMountNamespace(pid int) (bool, error) {
	var self, target unix.Stat_t
	if err := unix.Stat("/proc/self/ns/mnt", &self); err != nil {
		return false, fmt.Errorf("stat own mount namespace: %w", err)
	}
	targetPath := filepath.Join("/proc", strconv.Itoa(pid), "ns", "mnt")
	if err := unix.Stat(targetPath, &target); err != nil {
		return false, fmt.Errorf("stat mount namespace of %d: %w", pid, err)
	}
	return self.Ino == target.Ino && self.Dev == target.Dev, nil
}

// sameRoot reports whether the target's filesystem root is our own, by
// comparing the directories behind /proc/*/root. Catches chroot'ed
// targets that still share our mount namespace.
func sameRoot(pid int) (bool, error) {
	var self, target unix.Stat_t
	if err := unix.Stat("/proc/self/root", &self); err != nil {
		return false, fmt.Errorf("stat own root: %w", err)
	}
	targetPath := filepath.Join("/proc", strconv.Itoa(pid), "root")
	if err := unix.Stat(targetPath, &target); err != nil {
		return false, fmt.Errorf("stat root of %d: %w", pid, err)
	}
	return self.Ino == target.Ino && self.Dev == target.Dev, nil
}

// BridgePath translates a path in the target's filesystem view into one
// reachable from ours, via /proc/<pid>/root. When the target shares our
// mount namespace and root the path is returned unchanged. The
// translation is only used for engine-side reads (locate, verify, stat
// of the original file); remote calls interpret paths in the target's
// namespace natively and need no bridge.
func BridgePath(pid int, path string) (string, error) {
	same, err := SameMountNamespace(pid)
	if err != nil {
		return "", err
	}
	if same {
		sameR, err := sameRoot(pid)
		if err != nil {
			return "", err
		}
		if sameR {
			return path, nil
		}
	}

	root := filepath.Join("/proc", strconv.Itoa(pid), "root")
	if err := unix.Access(root, unix.R_OK); err != nil {
		return "", fmt.Errorf("filesystem view of %d differs and %s is not readable: %w", pid, root, err)
	}
	return filepath.Join(root, path), nil
}

// TargetPath normalizes path as the target sees it. In a shared
// filesystem view this is plain normalization; for a foreign mount
// namespace or root the path is first re-rooted through /proc/<pid>/root
// so the result compares against kernel-recorded descriptor targets,
// which procfs renders from our side.
func TargetPath(pid int, path string) (string, error) {
	bridged, err := BridgePath(pid, path)
	if err != nil {
		return "", err
	}
	return NormalizePath(bridged)
}
