// ABOUTME: Tests for the exec approval state machine
// ABOUTME: Covers resolve/timeout/auto-expire races, audit writes, and lockdown

package approval

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/ward-gateway/internal/audit"
	"github.com/2389/ward-gateway/internal/registry"
	"github.com/2389/ward-gateway/internal/scope"
)

// lockdownFlag is a LockdownChecker with a settable state.
type lockdownFlag bool

func (l lockdownFlag) Lockdown() bool { return bool(l) }

type fixture struct {
	reg   *registry.Registry
	log   *audit.Log
	path  string
	mgr   *Manager
	timer time.Duration
}

func newFixture(t *testing.T, lockdown bool) *fixture {
	t.Helper()
	reg := registry.New(nil)
	path := filepath.Join(t.TempDir(), "audit.log")
	log, err := audit.Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = log.Close() })

	mgr := NewManager(reg, reg, log, lockdownFlag(lockdown), 0, nil)
	return &fixture{reg: reg, log: log, path: path, mgr: mgr}
}

// addApprover registers a connection holding the approvals scope.
func (f *fixture) addApprover(t *testing.T) *registry.Connection {
	t.Helper()
	c := registry.NewConnection([]string{scope.Read, scope.Approvals}, "", "op-1", nil)
	require.NoError(t, f.reg.Register(c))
	return c
}

func TestCreate_BroadcastsToApprovers(t *testing.T) {
	f := newFixture(t, false)
	approver := f.addApprover(t)

	rec, _, err := f.mgr.Create(Request{Command: "rm -rf /tmp/x"}, "", 0, Attribution{ConnID: "c1"})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)

	ev := <-approver.Events()
	assert.Equal(t, EventRequested, ev.Name)
	payload, ok := ev.Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, rec.ID, payload["id"])
	assert.Equal(t, rec.CreatedAt.UnixMilli(), payload["createdAtMs"])
	assert.Equal(t, rec.ExpiresAt.UnixMilli(), payload["expiresAtMs"])
}

func TestResolve_SettlesWaiter(t *testing.T) {
	f := newFixture(t, false)
	f.addApprover(t)

	_, done, err := f.mgr.Create(Request{Command: "ls"}, "appr-1", 0, Attribution{})
	require.NoError(t, err)

	require.True(t, f.mgr.Resolve("appr-1", DecisionAllowOnce, "op-1"))

	res := <-done
	assert.Equal(t, DecisionAllowOnce, res.Decision)
	assert.True(t, res.Approved())
	assert.Zero(t, f.mgr.Pending())
}

func TestResolve_SecondResolveIsNoOp(t *testing.T) {
	f := newFixture(t, false)
	f.addApprover(t)

	_, done, err := f.mgr.Create(Request{Command: "ls"}, "appr-1", 0, Attribution{})
	require.NoError(t, err)

	assert.True(t, f.mgr.Resolve("appr-1", DecisionDeny, "op-1"))
	assert.False(t, f.mgr.Resolve("appr-1", DecisionAllowOnce, "op-2"))

	res := <-done
	assert.Equal(t, DecisionDeny, res.Decision)

	// Exactly one resolution was audited.
	got := audit.Verify(f.path)
	assert.True(t, got.OK)
	assert.Equal(t, 1, got.Count)
}

func TestResolve_UnknownIDIsNoOp(t *testing.T) {
	f := newFixture(t, false)
	assert.False(t, f.mgr.Resolve("never-created", DecisionDeny, "op-1"))
}

func TestResolve_RejectsBadDecision(t *testing.T) {
	f := newFixture(t, false)
	f.addApprover(t)

	_, _, err := f.mgr.Create(Request{Command: "ls"}, "appr-1", 0, Attribution{})
	require.NoError(t, err)

	assert.False(t, f.mgr.Resolve("appr-1", Decision("maybe"), "op-1"))
	assert.Equal(t, 1, f.mgr.Pending())
}

func TestTimeout_SettlesAsExpired(t *testing.T) {
	f := newFixture(t, false)
	f.addApprover(t)

	// MinTimeout clamping is exercised separately; reach into the timer
	// path with the smallest allowed value by expiring manually.
	_, done, err := f.mgr.Create(Request{Command: "ls"}, "appr-t", 0, Attribution{})
	require.NoError(t, err)

	f.mgr.expire("appr-t")

	res := <-done
	assert.Equal(t, DecisionExpired, res.Decision)
	assert.False(t, res.Approved())

	// The timer losing the race later is harmless.
	f.mgr.expire("appr-t")
}

func TestAutoExpire_WhenNoApprovers(t *testing.T) {
	f := newFixture(t, false)

	_, done, err := f.mgr.Create(Request{Command: "ls"}, "", 0, Attribution{})
	require.NoError(t, err)

	select {
	case res := <-done:
		assert.Equal(t, DecisionExpired, res.Decision)
		assert.Contains(t, res.Reason, scope.Approvals)
	default:
		t.Fatal("auto-expire must settle immediately when no approver is connected")
	}
	assert.Zero(t, f.mgr.Pending())
}

func TestCreate_DuplicateID(t *testing.T) {
	f := newFixture(t, false)
	f.addApprover(t)

	_, _, err := f.mgr.Create(Request{Command: "ls"}, "dup", 0, Attribution{})
	require.NoError(t, err)

	_, _, err = f.mgr.Create(Request{Command: "ls"}, "dup", 0, Attribution{})
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestCreate_TimeoutClamped(t *testing.T) {
	f := newFixture(t, false)
	f.addApprover(t)

	rec, _, err := f.mgr.Create(Request{Command: "ls"}, "", time.Millisecond, Attribution{})
	require.NoError(t, err)

	assert.GreaterOrEqual(t, rec.ExpiresAt.Sub(rec.CreatedAt), MinTimeout)
}

func TestCreate_Lockdown(t *testing.T) {
	f := newFixture(t, true)
	f.addApprover(t)

	_, _, err := f.mgr.Create(Request{Command: "ls"}, "", 0, Attribution{})
	assert.ErrorIs(t, err, ErrLockdown)
}

func TestAsk_ResolvedPath(t *testing.T) {
	f := newFixture(t, false)
	f.addApprover(t)

	go func() {
		// Wait for the record to appear, then approve it.
		for f.mgr.Pending() == 0 {
			time.Sleep(time.Millisecond)
		}
		f.mgr.Resolve("ask-1", DecisionAllowAlways, "op-1")
	}()

	out, err := f.mgr.Ask(context.Background(), Request{Command: "ls"}, "ask-1", 0, Attribution{})
	require.NoError(t, err)
	assert.True(t, out.Approved)
	assert.Equal(t, DecisionAllowAlways, out.Decision)
}

func TestAsk_AutoExpireOutcome(t *testing.T) {
	f := newFixture(t, false)

	out, err := f.mgr.Ask(context.Background(), Request{Command: "ls"}, "", 0, Attribution{})
	require.NoError(t, err)
	assert.False(t, out.Approved)
	assert.Equal(t, DecisionExpired, out.Decision)
}

func TestAsk_LockdownError(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.mgr.Ask(context.Background(), Request{Command: "ls"}, "", 0, Attribution{})
	assert.ErrorIs(t, err, ErrLockdown)
}

func TestAsk_DuplicateIDImmediateDenial(t *testing.T) {
	f := newFixture(t, false)
	f.addApprover(t)

	_, _, err := f.mgr.Create(Request{Command: "ls"}, "dup", 0, Attribution{})
	require.NoError(t, err)

	out, err := f.mgr.Ask(context.Background(), Request{Command: "ls"}, "dup", 0, Attribution{})
	require.NoError(t, err)
	assert.False(t, out.Approved)
	assert.Contains(t, out.Reason, "already pending")
}

func TestAsk_CallerAbandonLeavesRecordPending(t *testing.T) {
	f := newFixture(t, false)
	f.addApprover(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := f.mgr.Ask(ctx, Request{Command: "ls"}, "aband-1", 0, Attribution{})
	require.NoError(t, err)
	assert.False(t, out.Approved)

	// The requester is gone, but the approval remains decidable.
	assert.Equal(t, 1, f.mgr.Pending())
	assert.True(t, f.mgr.Resolve("aband-1", DecisionDeny, "op-1"))
}

func TestResolution_AuditedBeforeCallerObserves(t *testing.T) {
	f := newFixture(t, false)
	f.addApprover(t)

	_, done, err := f.mgr.Create(Request{Command: "reboot"}, "appr-a", 0,
		Attribution{ConnID: "c9", ClientID: "client-9"})
	require.NoError(t, err)

	require.True(t, f.mgr.Resolve("appr-a", DecisionDeny, "op-1"))
	<-done

	got := audit.Verify(f.path)
	require.True(t, got.OK)
	require.Equal(t, 1, got.Count)
}
