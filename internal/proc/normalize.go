package proc

import (
	"errors"
	"path/filepath"
)

// ErrNoDescriptor is returned by Locate when no descriptor of the
// target resolves to the requested path.
var ErrNoDescriptor = errors.New("no matching descriptor")

// NormalizePath makes path absolute, cleans it, and resolves symlinks
// when the path exists on disk. Resolution happens once, here, against
// the recorded request; descriptors are compared by their kernel-recorded
// targets, never re-resolved against the live filesystem.
func NormalizePath(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Path may not exist yet (e.g. the replacement file). Resolve
		// the parent instead so a symlinked directory still matches.
		dir, base := filepath.Split(abs)
		if rdir, derr := filepath.EvalSymlinks(filepath.Clean(dir)); derr == nil {
			return filepath.Join(rdir, base), nil
		}
		return filepath.Clean(abs), nil
	}
	return resolved, nil
}
