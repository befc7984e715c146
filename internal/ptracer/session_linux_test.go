//go:build linux

package ptracer_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/dr-natetorious/logfile-hotswap/internal/ptracer"
)

// spawnSleeper starts a child we are allowed to trace even under Yama
// ptrace_scope 1 (children are always attachable by their parent).
func spawnSleeper(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})
	// Give it a moment past execve.
	time.Sleep(50 * time.Millisecond)
	return cmd.Process.Pid
}

// attachOrSkip skips tests in environments where ptrace is denied
// entirely (seccomp, hardened containers).
func attachOrSkip(t *testing.T, pid int) *ptracer.Session {
	t.Helper()
	s, err := ptracer.Attach(context.Background(), pid, 5*time.Second)
	if err != nil {
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
			t.Skipf("ptrace not permitted here: %v", err)
		}
		require.NoError(t, err)
	}
	return s
}

// threadState reads the state letter from /proc/<pid>/stat. A traced
// stop shows up as "t".
func threadState(t *testing.T, pid int) string {
	t.Helper()
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	require.NoError(t, err)
	raw := string(data)
	// Command name sits in parentheses; the state letter follows.
	end := strings.LastIndex(raw, ")")
	require.GreaterOrEqual(t, end, 0)
	fields := strings.Fields(raw[end+1:])
	require.NotEmpty(t, fields)
	return fields[0]
}

func TestAttach_StopsTarget(t *testing.T) {
	pid := spawnSleeper(t)
	s := attachOrSkip(t, pid)
	defer s.Detach()

	assert.Equal(t, pid, s.Pid())
	assert.NotEmpty(t, s.TIDs())
	assert.Equal(t, pid, s.MainTID())
	assert.Equal(t, "t", threadState(t, pid))
}

func TestAttach_Exclusive(t *testing.T) {
	pid := spawnSleeper(t)
	s := attachOrSkip(t, pid)
	defer s.Detach()

	_, err := ptracer.Attach(context.Background(), pid, time.Second)
	require.ErrorIs(t, err, ptracer.ErrAlreadyAttached)
}

func TestDetach_ResumesAndIsIdempotent(t *testing.T) {
	pid := spawnSleeper(t)
	s := attachOrSkip(t, pid)

	require.NoError(t, s.Detach())
	assert.NotEqual(t, "t", threadState(t, pid), "target must be resumed after detach")

	// Second detach is a no-op.
	require.NoError(t, s.Detach())

	// And the pid is attachable again.
	s2 := attachOrSkip(t, pid)
	require.NoError(t, s2.Detach())
}

func TestAttach_NoSuchProcess(t *testing.T) {
	_, err := ptracer.Attach(context.Background(), 0x7ffffffe, time.Second)
	require.Error(t, err)
}

func TestAttach_CancelledContext(t *testing.T) {
	pid := spawnSleeper(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ptracer.Attach(ctx, pid, time.Second)
	require.ErrorIs(t, err, context.Canceled)

	// A failed attach must leave the pid acquirable.
	s := attachOrSkip(t, pid)
	require.NoError(t, s.Detach())
}

func TestPeekData_ReadableMapping(t *testing.T) {
	pid := spawnSleeper(t)
	s := attachOrSkip(t, pid)
	defer s.Detach()

	// The first line of /proc/<pid>/maps names a mapped region; its
	// start address is readable target memory.
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/maps")
	require.NoError(t, err)
	line := strings.SplitN(string(data), "\n", 2)[0]
	startHex := line[:strings.Index(line, "-")]
	start, err := strconv.ParseUint(startHex, 16, 64)
	require.NoError(t, err)

	buf := make([]byte, 16)
	require.NoError(t, s.PeekData(s.MainTID(), uintptr(start), buf))
}
