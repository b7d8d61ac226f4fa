package recurring

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmesh/internal/cluster"
	"jobmesh/internal/jobs"
)

func TestHandleProgressiveTaskSeedsState(t *testing.T) {
	h := newHarness(t)
	h.at(7000)
	task := cluster.Task{
		Op:                     cluster.OpScheduleProgressive,
		From:                   "b",
		Descriptor:             desc,
		Priority:               2,
		StartAt:                6500,
		TimeoutMs:              20_000,
		InitialIntervalMs:      1000,
		IntervalMs:             2250,
		ProgressionRatePercent: 50,
		Params:                 json.RawMessage(`{"depth":1}`),
	}
	require.NoError(t, h.svc.HandleTask(context.Background(), task))

	at, ok := h.armedAt()
	require.True(t, ok)
	assert.Equal(t, time.UnixMilli(6500), at, "past start fires on the next dispatch")

	st := h.state()
	assert.Equal(t, int64(2250), st.CurrentIntervalMs, "interval carried over")
	assert.Equal(t, int64(1000), st.InitialIntervalMs)
	assert.Equal(t, int64(7000), st.LastUpdatedAt)
	assert.JSONEq(t, `{"depth":1}`, string(h.svc.params(desc)))

	require.NoError(t, h.fire())
	assert.Equal(t, int64(3375), h.state().CurrentIntervalMs)
}

func TestHandleProgressiveTaskKeepsSharedState(t *testing.T) {
	h := newHarness(t)
	existing := jobs.State{
		Descriptor:             desc,
		LastRunAt:              100,
		LastUpdatedAt:          100,
		TimeoutMs:              60_000,
		InitialIntervalMs:      1000,
		CurrentIntervalMs:      5062,
		ProgressionRatePercent: 50,
	}
	require.NoError(t, h.reg.Put(context.Background(), desc.Key(), existing, existing.TTL()))

	task := cluster.Task{Op: cluster.OpScheduleProgressive, Descriptor: desc, StartAt: 900, TimeoutMs: 60_000, IntervalMs: 1000}
	require.NoError(t, h.svc.HandleTask(context.Background(), task))
	assert.Equal(t, existing, h.state())
}

func TestHandleFixedTaskDoesNotBounce(t *testing.T) {
	h := newHarness(t)
	h.own.set(desc.ResourceID(), "b")
	task := cluster.Task{Op: cluster.OpScheduleFixed, From: "b", Descriptor: desc, StartAt: 2000, IntervalMs: 1000}
	require.NoError(t, h.svc.HandleTask(context.Background(), task))

	assert.Empty(t, h.members.sent())
	tr, ok := h.triggers.Get(desc.TriggerName())
	require.True(t, ok)
	assert.Equal(t, time.UnixMilli(2000), tr.FireAt)
}

func TestHandleTaskRejectsUnknownOp(t *testing.T) {
	h := newHarness(t)
	err := h.svc.HandleTask(context.Background(), cluster.Task{Op: "reboot"})
	assert.ErrorIs(t, err, ErrUnknownOp)
}

func TestHandleUnscheduleGroupTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	other := jobs.Descriptor{Tenant: 1, Principal: 43, Module: "infostore", Kind: "index"}
	h.own.set(other.ResourceID(), "a")

	require.NoError(t, h.svc.ScheduleProgressive(ctx, progressive(time.Time{})))
	require.NoError(t, h.svc.ScheduleFixedInterval(ctx, FixedRequest{Descriptor: other, IntervalMs: 1000}))

	require.NoError(t, h.svc.HandleTask(ctx, cluster.Task{Op: cluster.OpUnscheduleGroup, From: "b", Group: desc.Group()}))
	assert.Equal(t, 1, h.triggers.Count())
	_, ok := h.triggers.Get(other.TriggerName())
	assert.True(t, ok)

	require.NoError(t, h.svc.HandleTask(ctx, cluster.Task{Op: cluster.OpUnscheduleGroup, Group: jobs.TenantGroupPrefix(1), Prefix: true}))
	assert.Zero(t, h.triggers.Count())
}

func TestUnscheduleForPrincipal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	other := jobs.Descriptor{Tenant: 1, Principal: 43, Module: "infostore", Kind: "index"}
	h.own.set(other.ResourceID(), "a")

	require.NoError(t, h.svc.ScheduleProgressive(ctx, progressive(time.Time{})))
	otherReq := progressive(time.Time{})
	otherReq.Descriptor = other
	require.NoError(t, h.svc.ScheduleProgressive(ctx, otherReq))

	require.NoError(t, h.svc.UnscheduleForPrincipal(ctx, 1, 42))

	_, armed := h.armedAt()
	assert.False(t, armed)
	_, ok, err := h.reg.Get(ctx, desc.Key())
	require.NoError(t, err)
	assert.False(t, ok, "state removed")
	_, ok, _ = h.reg.Get(ctx, other.Key())
	assert.True(t, ok, "other principal untouched")

	sent := h.members.sent()
	require.Len(t, sent, 2, "every other member notified")
	for _, s := range sent {
		assert.NotEqual(t, cluster.MemberID("a"), s.member)
		assert.Equal(t, cluster.OpUnscheduleGroup, s.task.Op)
		assert.Equal(t, "1/42", s.task.Group)
		assert.False(t, s.task.Prefix)
	}
}

func TestUnscheduleForTenant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	neighbour := jobs.Descriptor{Tenant: 11, Principal: 42, Module: "infostore", Kind: "index"}
	h.own.set(neighbour.ResourceID(), "a")

	require.NoError(t, h.svc.ScheduleProgressive(ctx, progressive(time.Time{})))
	req := progressive(time.Time{})
	req.Descriptor = neighbour
	require.NoError(t, h.svc.ScheduleProgressive(ctx, req))

	require.NoError(t, h.svc.UnscheduleForTenant(ctx, 1))

	assert.Equal(t, 1, h.triggers.Count(), "tenant 11 is not a prefix match")
	entries, err := h.reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, neighbour.Key(), entries[0].Key)

	for _, s := range h.members.sent() {
		assert.True(t, s.task.Prefix)
		assert.Equal(t, "1/", s.task.Group)
	}
}
