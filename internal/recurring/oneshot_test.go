package recurring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobmesh/internal/cluster"
	"jobmesh/internal/trigger"
	logx "jobmesh/pkg/logx"
)

func fixed(every int64) FixedRequest {
	return FixedRequest{Descriptor: desc, IntervalMs: every, Priority: 1}
}

func TestScheduleFixedValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.svc.ScheduleFixedInterval(ctx, fixed(0)), ErrInvalidInterval)

	req := fixed(0)
	req.Cron = "not a cron"
	assert.Error(t, h.svc.ScheduleFixedInterval(ctx, req))

	req = fixed(1000)
	req.Descriptor.Kind = "unknown"
	assert.ErrorIs(t, h.svc.ScheduleFixedInterval(ctx, req), ErrUnknownKind)
	assert.Zero(t, h.triggers.Count())
}

func TestScheduleFixedLocal(t *testing.T) {
	h := newHarness(t)
	now := h.at(250)
	require.NoError(t, h.svc.ScheduleFixedInterval(context.Background(), fixed(1000)))

	tr, ok := h.triggers.Get(desc.TriggerName())
	require.True(t, ok)
	assert.True(t, tr.Repeating())
	assert.Equal(t, time.Second, tr.Every)
	assert.Equal(t, now, tr.FireAt)
	assert.Empty(t, h.members.sent())

	entries, err := h.reg.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries, "fixed jobs keep no registry state")
}

func TestScheduleFixedCron(t *testing.T) {
	h := newHarness(t)
	req := fixed(0)
	req.Cron = "*/5 * * * * *"
	require.NoError(t, h.svc.ScheduleFixedInterval(context.Background(), req))

	tr, ok := h.triggers.Get(desc.TriggerName())
	require.True(t, ok)
	assert.Equal(t, "*/5 * * * * *", tr.Cron)
	assert.Equal(t, time.UnixMilli(5000), tr.FireAt)
}

func TestScheduleFixedOnRemoteOwner(t *testing.T) {
	h := newHarness(t)
	h.own.set(desc.ResourceID(), "c")
	require.NoError(t, h.triggers.ScheduleOnce(desc.Key(), desc.TriggerName(), desc.Group(), time.UnixMilli(99), 0,
		func(context.Context, trigger.Fire) error { return nil }))

	req := fixed(2000)
	req.StartAt = time.UnixMilli(500)
	require.NoError(t, h.svc.ScheduleFixedInterval(context.Background(), req))

	_, armed := h.triggers.Get(desc.TriggerName())
	assert.False(t, armed, "stale local trigger removed")
	sent := h.members.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, cluster.MemberID("c"), sent[0].member)
	assert.Equal(t, cluster.OpScheduleFixed, sent[0].task.Op)
	assert.Equal(t, int64(500), sent[0].task.StartAt)
	assert.Equal(t, int64(2000), sent[0].task.IntervalMs)
}

func TestScheduleFixedSubmitFailure(t *testing.T) {
	h := newHarness(t)
	h.own.set(desc.ResourceID(), "c")
	h.members.err = errors.New("connection refused")
	assert.Error(t, h.svc.ScheduleFixedInterval(context.Background(), fixed(1000)))
}

func TestScheduleFixedUnresolvedArmsLocally(t *testing.T) {
	h := newHarness(t)
	delete(h.own.owners, desc.ResourceID())
	require.NoError(t, h.svc.ScheduleFixedInterval(context.Background(), fixed(1000)))
	_, armed := h.triggers.Get(desc.TriggerName())
	assert.True(t, armed)
	assert.Equal(t, 1, h.own.startups)
}

func TestScheduleFixedAsync(t *testing.T) {
	h := newHarness(t)
	h.start()
	req := fixed(1000)
	req.Async = true
	req.StartAt = time.UnixMilli(60_000)
	require.NoError(t, h.svc.ScheduleFixedInterval(context.Background(), req))

	require.Eventually(t, func() bool {
		_, ok := h.triggers.Get(desc.TriggerName())
		return ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFixedFireOutcomes(t *testing.T) {
	req := fixed(1000)
	fire := func(h *harness) error {
		now := h.clock.Now()
		tr := trigger.Trigger{Key: desc.TriggerName(), FireAt: now, Every: time.Second}
		return h.svc.fireFixed(context.Background(), req, trigger.Fire{Trigger: tr, ScheduledAt: now, FiredAt: now})
	}

	t.Run("runs locally", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, fire(h))
		assert.Equal(t, int64(1), h.runs.Load())
	})

	t.Run("failure keeps cadence", func(t *testing.T) {
		h := newHarness(t)
		h.failing.Store(true)
		assert.NoError(t, fire(h))
		assert.Equal(t, int64(1), h.runs.Load())
	})

	t.Run("skipped when ineligible", func(t *testing.T) {
		h := newHarness(t)
		h.elig.disabled = true
		assert.NoError(t, fire(h))
		assert.Zero(t, h.runs.Load())
	})

	t.Run("skipped when unresolved", func(t *testing.T) {
		h := newHarness(t)
		delete(h.own.owners, desc.ResourceID())
		assert.NoError(t, fire(h))
		assert.Zero(t, h.runs.Load())
		assert.Empty(t, h.members.sent())
	})

	t.Run("redirects to new owner", func(t *testing.T) {
		h := newHarness(t)
		h.at(3000)
		require.NoError(t, h.svc.ScheduleFixedInterval(context.Background(), req))
		h.own.set(desc.ResourceID(), "b")

		require.NoError(t, fire(h))
		assert.Zero(t, h.runs.Load())
		_, armed := h.triggers.Get(desc.TriggerName())
		assert.False(t, armed)
		sent := h.members.sent()
		require.Len(t, sent, 1)
		assert.Equal(t, cluster.MemberID("b"), sent[0].member)
		assert.Equal(t, int64(4000), sent[0].task.StartAt, "next slot of the cadence")
	})

	t.Run("redirect failure re-arms locally", func(t *testing.T) {
		h := newHarness(t)
		h.own.set(desc.ResourceID(), "b")
		h.members.err = errors.New("down")
		require.NoError(t, fire(h))
		tr, armed := h.triggers.Get(desc.TriggerName())
		require.True(t, armed)
		assert.Equal(t, time.UnixMilli(1000), tr.FireAt)
	})

	t.Run("unreachable owner re-arms locally", func(t *testing.T) {
		h := newHarness(t)
		m := cluster.NewHTTPMembership(cluster.HTTPConfig{
			Local:       "a",
			Peers:       []cluster.Peer{{ID: "b", Addr: "http://127.0.0.1:1"}},
			CallTimeout: time.Second,
		}, logx.Nop())
		defer m.Close(context.Background())
		h.svc.membership = m

		require.NoError(t, h.svc.ScheduleFixedInterval(context.Background(), req))
		h.own.set(desc.ResourceID(), "b")
		require.NoError(t, fire(h))

		tr, armed := h.triggers.Get(desc.TriggerName())
		require.True(t, armed)
		assert.Equal(t, time.UnixMilli(1000), tr.FireAt)
		assert.Equal(t, time.Second, tr.Every)
		_, failed := m.Stats()
		assert.Equal(t, uint64(1), failed)
	})
}
