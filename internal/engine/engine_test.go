package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/dr-natetorious/logfile-hotswap/internal/proc"
)

// fakeTarget records the remote calls a transaction issues, in order.
type fakeTarget struct {
	pid int

	openFD  int
	openErr error
	seekErr error
	dup3Err error
	// closeErrs is consumed per Close call, so cleanup and rollback
	// failures can be scripted independently.
	closeErrs []error
	detachErr error

	calls    []string
	detached int
}

func (f *fakeTarget) Pid() int { return f.pid }

func (f *fakeTarget) OpenAt(path string, flags int, mode uint32) (int, error) {
	f.calls = append(f.calls, fmt.Sprintf("openat(%s,0%o,0%o)", path, flags, mode))
	if f.openErr != nil {
		return -1, f.openErr
	}
	return f.openFD, nil
}

func (f *fakeTarget) Seek(fd int, offset int64, whence int) (int64, error) {
	f.calls = append(f.calls, fmt.Sprintf("lseek(%d,%d,%d)", fd, offset, whence))
	if f.seekErr != nil {
		return -1, f.seekErr
	}
	return offset, nil
}

func (f *fakeTarget) Dup3(oldfd, newfd, flags int) error {
	f.calls = append(f.calls, fmt.Sprintf("dup3(%d,%d,%d)", oldfd, newfd, flags))
	return f.dup3Err
}

func (f *fakeTarget) Close(fd int) error {
	f.calls = append(f.calls, fmt.Sprintf("close(%d)", fd))
	if len(f.closeErrs) == 0 {
		return nil
	}
	err := f.closeErrs[0]
	f.closeErrs = f.closeErrs[1:]
	return err
}

func (f *fakeTarget) Detach() error {
	f.detached++
	return f.detachErr
}

// fakeInspector scripts the procfs view the transaction sees.
type fakeInspector struct {
	precheckErr error
	nsErr       error

	located   proc.Descriptor
	locateErr error

	resolved   proc.Descriptor
	resolveErr error

	verifyOK  bool
	verifyErr error

	mode uint32
}

func (f *fakeInspector) Precheck(pid int) error       { return f.precheckErr }
func (f *fakeInspector) CheckNamespace(pid int) error { return f.nsErr }

func (f *fakeInspector) Locate(pid int, path string) (proc.Descriptor, error) {
	return f.located, f.locateErr
}

func (f *fakeInspector) TargetPath(pid int, path string) (string, error) {
	return path, nil
}

func (f *fakeInspector) Resolve(pid, fd int) (proc.Descriptor, error) {
	return f.resolved, f.resolveErr
}

func (f *fakeInspector) Verify(pid, fd int, expected string) (bool, error) {
	return f.verifyOK, f.verifyErr
}

func (f *fakeInspector) FileMode(pid int, path string) uint32 {
	if f.mode == 0 {
		return 0o644
	}
	return f.mode
}

// appLog is the canonical pre-swap descriptor used across tests:
// fd 3 on /var/log/app.log, append mode, offset 10000.
func appLog() proc.Descriptor {
	return proc.Descriptor{
		FD:     3,
		Path:   "/var/log/app.log",
		Flags:  unix.O_WRONLY | unix.O_APPEND,
		Offset: 10000,
	}
}

func request() Request {
	return Request{
		PID:           4242,
		FromPath:      "/var/log/app.log",
		ToPath:        "/var/log/app.new.log",
		FD:            -1,
		AttachTimeout: time.Second,
	}
}

func newHarness(target *fakeTarget, inspect *fakeInspector) *Transaction {
	attach := func(ctx context.Context, pid int, timeout time.Duration) (Target, error) {
		return target, nil
	}
	return newTransaction(request(), attach, inspect)
}

func TestRun_CommitsAndDetaches(t *testing.T) {
	target := &fakeTarget{pid: 4242, openFD: 7}
	inspect := &fakeInspector{located: appLog(), verifyOK: true}
	tx := newHarness(target, inspect)

	res := tx.Run(context.Background())

	require.NoError(t, res.Err)
	assert.Equal(t, StateCommitted, res.State)
	assert.Equal(t, appLog(), res.Original)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, 1, target.detached)

	// Fixed call sequence: open replacement with original flags plus
	// O_CREAT, seek to the original offset, dup onto the original
	// number, close the temporary.
	wantFlags := unix.O_WRONLY | unix.O_APPEND | unix.O_CREAT
	assert.Equal(t, []string{
		fmt.Sprintf("openat(/var/log/app.new.log,0%o,0644)", wantFlags),
		"lseek(7,10000,0)",
		"dup3(7,3,0)",
		"close(7)",
	}, target.calls)
}

func TestRun_NoRemoteCallsWhenLocateFails(t *testing.T) {
	target := &fakeTarget{pid: 4242, openFD: 7}
	inspect := &fakeInspector{locateErr: proc.ErrNoDescriptor}
	tx := newHarness(target, inspect)

	res := tx.Run(context.Background())

	require.ErrorIs(t, res.Err, ErrDescriptorNotFound)
	assert.Equal(t, StateFailed, res.State)
	assert.Empty(t, target.calls, "no remote call may be issued after a failed locate")
	assert.Equal(t, 1, target.detached, "detach must run on the failure path")

	var serr *StateError
	require.ErrorAs(t, res.Err, &serr)
	assert.Equal(t, StateAttached, serr.State)
	assert.False(t, serr.State.Mutated())
}

func TestRun_OpenFailureLeavesNothingToUndo(t *testing.T) {
	openErr := errors.New("remote openat failed in target: permission denied")
	target := &fakeTarget{pid: 4242, openErr: openErr}
	inspect := &fakeInspector{located: appLog()}
	tx := newHarness(target, inspect)

	res := tx.Run(context.Background())

	require.ErrorIs(t, res.Err, openErr)
	assert.Equal(t, StateFailed, res.State)
	assert.Len(t, target.calls, 1, "only the failed openat may have been issued")
	assert.Equal(t, 1, target.detached)

	var serr *StateError
	require.ErrorAs(t, res.Err, &serr)
	assert.Equal(t, StateLocated, serr.State)
}

func TestRun_SeekFailureRollsBack(t *testing.T) {
	seekErr := errors.New("lseek: invalid argument")
	target := &fakeTarget{pid: 4242, openFD: 7, seekErr: seekErr}
	inspect := &fakeInspector{located: appLog()}
	tx := newHarness(target, inspect)

	res := tx.Run(context.Background())

	require.ErrorIs(t, res.Err, seekErr)
	assert.Equal(t, StateFailed, res.State)
	assert.Contains(t, target.calls, "close(7)", "rollback must close the temporary descriptor")
	assert.Equal(t, 1, target.detached)
}

func TestRun_RedirectFailureRollsBack(t *testing.T) {
	dupErr := errors.New("dup3: bad file descriptor")
	target := &fakeTarget{pid: 4242, openFD: 7, dup3Err: dupErr}
	inspect := &fakeInspector{located: appLog()}
	tx := newHarness(target, inspect)

	res := tx.Run(context.Background())

	require.ErrorIs(t, res.Err, dupErr)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, "close(7)", target.calls[len(target.calls)-1])
	assert.Equal(t, 1, target.detached)

	var serr *StateError
	require.ErrorAs(t, res.Err, &serr)
	assert.Equal(t, StateOpened, serr.State)
	assert.False(t, serr.State.Mutated())
}

func TestRun_RollbackCloseFailureIsWarning(t *testing.T) {
	target := &fakeTarget{
		pid:       4242,
		openFD:    7,
		dup3Err:   errors.New("dup3 failed"),
		closeErrs: []error{errors.New("close failed too")},
	}
	inspect := &fakeInspector{located: appLog()}
	tx := newHarness(target, inspect)

	res := tx.Run(context.Background())

	require.Error(t, res.Err)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "leaked")
}

func TestRun_CleanupFailureDoesNotFailTransaction(t *testing.T) {
	target := &fakeTarget{
		pid:       4242,
		openFD:    7,
		closeErrs: []error{errors.New("close failed")},
	}
	inspect := &fakeInspector{located: appLog(), verifyOK: true}
	tx := newHarness(target, inspect)

	res := tx.Run(context.Background())

	require.NoError(t, res.Err, "the swap already succeeded; a leak is a warning")
	assert.Equal(t, StateCommitted, res.State)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "leaked")
}

func TestRun_VerificationFailure(t *testing.T) {
	target := &fakeTarget{pid: 4242, openFD: 7}
	inspect := &fakeInspector{located: appLog(), verifyOK: false}
	tx := newHarness(target, inspect)

	res := tx.Run(context.Background())

	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, 1, target.detached)

	var verr *VerificationError
	require.ErrorAs(t, res.Err, &verr)
	assert.Equal(t, "/var/log/app.new.log", verr.Expected)
	assert.Equal(t, appLog(), verr.Original, "pre-swap snapshot must ride along for explicit rollback")

	// No redirect-back may have been attempted.
	for _, call := range target.calls {
		assert.NotContains(t, call, "openat(/var/log/app.log")
	}

	var serr *StateError
	require.ErrorAs(t, res.Err, &serr)
	assert.True(t, serr.State.Mutated(), "operator must see that the target was mutated")
}

func TestRun_PreservesCloseOnExec(t *testing.T) {
	d := appLog()
	d.Flags |= unix.O_CLOEXEC
	target := &fakeTarget{pid: 4242, openFD: 7}
	inspect := &fakeInspector{located: d, verifyOK: true}
	tx := newHarness(target, inspect)

	res := tx.Run(context.Background())

	require.NoError(t, res.Err)
	assert.Contains(t, target.calls, fmt.Sprintf("dup3(7,3,%d)", unix.O_CLOEXEC),
		"a close-on-exec original must stay close-on-exec after the swap")
}

func TestRun_DetachFailureKeepsTransactionError(t *testing.T) {
	target := &fakeTarget{
		pid:       4242,
		openFD:    7,
		detachErr: errors.New("thread would not resume"),
	}
	inspect := &fakeInspector{located: appLog(), verifyOK: false}
	tx := newHarness(target, inspect)

	res := tx.Run(context.Background())

	require.ErrorContains(t, res.Err, "detach failure")

	// The verification failure must survive underneath it; the operator
	// still needs the pre-swap snapshot.
	var verr *VerificationError
	require.ErrorAs(t, res.Err, &verr)
	assert.Equal(t, appLog(), verr.Original)
}

func TestRun_DetachFailureOutranksSuccess(t *testing.T) {
	target := &fakeTarget{
		pid:       4242,
		openFD:    7,
		detachErr: errors.New("thread would not resume"),
	}
	inspect := &fakeInspector{located: appLog(), verifyOK: true}
	tx := newHarness(target, inspect)

	res := tx.Run(context.Background())

	require.ErrorContains(t, res.Err, "detach failure")
	assert.Equal(t, StateCommitted, res.State, "the swap itself still committed")
}

func TestRun_PrecheckFailureSkipsAttach(t *testing.T) {
	attached := false
	attach := func(ctx context.Context, pid int, timeout time.Duration) (Target, error) {
		attached = true
		return nil, errors.New("unreachable")
	}
	tx := newTransaction(request(), attach, &fakeInspector{precheckErr: ErrProcessNotFound})

	res := tx.Run(context.Background())

	require.ErrorIs(t, res.Err, ErrProcessNotFound)
	assert.Equal(t, StateFailed, res.State)
	assert.False(t, attached, "precheck failure must not attach")
}

func TestRun_AttachFailure(t *testing.T) {
	attach := func(ctx context.Context, pid int, timeout time.Duration) (Target, error) {
		return nil, ErrAlreadyAttached
	}
	tx := newTransaction(request(), attach, &fakeInspector{})

	res := tx.Run(context.Background())

	require.ErrorIs(t, res.Err, ErrAlreadyAttached)
	assert.Equal(t, StateFailed, res.State)
}

func TestRun_NamespaceFailure(t *testing.T) {
	target := &fakeTarget{pid: 4242}
	inspect := &fakeInspector{nsErr: ErrAmbiguousNamespace, located: appLog()}
	tx := newHarness(target, inspect)

	res := tx.Run(context.Background())

	require.ErrorIs(t, res.Err, ErrAmbiguousNamespace)
	assert.Empty(t, target.calls)
	assert.Equal(t, 1, target.detached)
}

func TestRun_CancelledBetweenStates(t *testing.T) {
	target := &fakeTarget{pid: 4242, openFD: 7}
	inspect := &fakeInspector{located: appLog(), verifyOK: true}
	tx := newHarness(target, inspect)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := tx.Run(ctx)

	require.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, StateFailed, res.State)
	assert.Empty(t, target.calls, "cancellation before locate must issue no remote call")
	assert.Equal(t, 1, target.detached)
}

func TestRun_SingleUse(t *testing.T) {
	target := &fakeTarget{pid: 4242, openFD: 7}
	inspect := &fakeInspector{located: appLog(), verifyOK: true}
	tx := newHarness(target, inspect)

	first := tx.Run(context.Background())
	require.NoError(t, first.Err)

	second := tx.Run(context.Background())
	require.Error(t, second.Err)
	assert.Equal(t, 1, target.detached, "a spent transaction must not touch the target again")
}

func TestRun_ExplicitFD(t *testing.T) {
	target := &fakeTarget{pid: 4242, openFD: 7}
	d := appLog()
	d.FD = 9
	inspect := &fakeInspector{resolved: d, verifyOK: true}

	req := request()
	req.FD = 9
	attach := func(ctx context.Context, pid int, timeout time.Duration) (Target, error) {
		return target, nil
	}
	tx := newTransaction(req, attach, inspect)

	res := tx.Run(context.Background())

	require.NoError(t, res.Err)
	assert.Equal(t, 9, res.Original.FD)
	assert.Contains(t, target.calls, "dup3(7,9,0)")
}

func TestRun_ExplicitFDPathMismatch(t *testing.T) {
	target := &fakeTarget{pid: 4242, openFD: 7}
	d := appLog()
	d.Path = "/var/log/other.log"
	inspect := &fakeInspector{resolved: d}

	req := request()
	req.FD = 3
	attach := func(ctx context.Context, pid int, timeout time.Duration) (Target, error) {
		return target, nil
	}
	tx := newTransaction(req, attach, inspect)

	res := tx.Run(context.Background())

	require.ErrorIs(t, res.Err, ErrDescriptorNotFound)
	assert.Empty(t, target.calls)
}

func TestRun_ValidatesRequest(t *testing.T) {
	tests := []struct {
		name string
		mut  func(*Request)
	}{
		{"zero pid", func(r *Request) { r.PID = 0 }},
		{"negative pid", func(r *Request) { r.PID = -1 }},
		{"empty from", func(r *Request) { r.FromPath = "" }},
		{"empty to", func(r *Request) { r.ToPath = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request()
			tt.mut(&req)
			attached := false
			attach := func(ctx context.Context, pid int, timeout time.Duration) (Target, error) {
				attached = true
				return nil, errors.New("unreachable")
			}
			tx := newTransaction(req, attach, &fakeInspector{})

			res := tx.Run(context.Background())

			require.Error(t, res.Err)
			assert.Equal(t, StateFailed, res.State)
			assert.False(t, attached)
		})
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "committed", StateCommitted.String())
	assert.Equal(t, "rolling-back", StateRollingBack.String())
	assert.True(t, StateRedirected.Mutated())
	assert.False(t, StateOpened.Mutated())
}
