package ptracer

import "sync"

// registry is the only process-wide mutable state of the engine: the
// set of pids with a live session. Keyed admission keeps concurrent
// transactions on different targets independent.
var registry = struct {
	mu   sync.Mutex
	pids map[int]struct{}
}{pids: make(map[int]struct{})}

func acquire(pid int) bool {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if _, live := registry.pids[pid]; live {
		return false
	}
	registry.pids[pid] = struct{}{}
	return true
}

func release(pid int) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	delete(registry.pids, pid)
}
