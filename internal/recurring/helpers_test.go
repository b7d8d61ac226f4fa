package recurring

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"jobmesh/internal/cluster"
	"jobmesh/internal/engine"
	"jobmesh/internal/eventbus"
	"jobmesh/internal/jobs"
	"jobmesh/internal/registry"
	"jobmesh/internal/trigger"
	logx "jobmesh/pkg/logx"
)

type fakeOwnership struct {
	mu       sync.Mutex
	owners   map[string]cluster.MemberID
	onStart  cluster.MemberID // owner assigned by StartUp, if set
	startups int
	err      error
}

func (o *fakeOwnership) set(resource string, m cluster.MemberID) {
	o.mu.Lock()
	o.owners[resource] = m
	o.mu.Unlock()
}

func (o *fakeOwnership) OwnerOf(ctx context.Context, rid string) (cluster.MemberID, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return "", false, o.err
	}
	m, ok := o.owners[rid]
	return m, ok, nil
}

func (o *fakeOwnership) StartUp(ctx context.Context, desc jobs.Descriptor) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.startups++
	if o.onStart != "" {
		o.owners[desc.ResourceID()] = o.onStart
	}
	return nil
}

type submission struct {
	member cluster.MemberID
	task   cluster.Task
}

type fakeMembership struct {
	local   cluster.MemberID
	members []cluster.MemberID

	mu      sync.Mutex
	submits []submission
	err     error
}

func (m *fakeMembership) Members(ctx context.Context) ([]cluster.MemberID, error) { return m.members, nil }
func (m *fakeMembership) Local() cluster.MemberID                                 { return m.local }

func (m *fakeMembership) Submit(ctx context.Context, member cluster.MemberID, t cluster.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.submits = append(m.submits, submission{member: member, task: t})
	return nil
}

func (m *fakeMembership) sent() []submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]submission(nil), m.submits...)
}

type fakeEligibility struct {
	disabled bool
	locked   bool
}

func (e *fakeEligibility) IsModuleEnabled(ctx context.Context, tenant, principal int64, module string) (bool, error) {
	return !e.disabled, nil
}

func (e *fakeEligibility) IsLocked(ctx context.Context, tenant, principal int64, module string) (bool, error) {
	return e.locked, nil
}

type harness struct {
	t        *testing.T
	clock    *jobs.ManualClock
	reg      registry.Registry
	triggers *trigger.Service
	engine   *engine.Service
	own      *fakeOwnership
	members  *fakeMembership
	elig     *fakeEligibility
	bus      eventbus.Bus
	svc      *Service

	runs    atomic.Int64
	failing atomic.Bool
	ran     chan jobs.Descriptor
}

var desc = jobs.Descriptor{Tenant: 1, Principal: 42, Module: "infostore", Kind: "index"}

// newHarness builds a Service on a manual clock at t=0, owning every
// resource locally. The trigger scheduler is not started; tests either fire
// handlers directly or call start.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		clock:   jobs.NewManualClock(time.UnixMilli(0)),
		own:     &fakeOwnership{owners: map[string]cluster.MemberID{}},
		members: &fakeMembership{local: "a", members: []cluster.MemberID{"a", "b", "c"}},
		elig:    &fakeEligibility{},
		bus:     eventbus.New(),
		ran:     make(chan jobs.Descriptor, 64),
	}
	h.own.set(desc.ResourceID(), "a")
	h.reg = registry.NewMemory(h.clock)
	h.engine = engine.New(engine.Config{Workers: 2}, logx.Nop())
	h.triggers = trigger.New(trigger.Config{RetainDelay: time.Second}, h.engine, h.clock, logx.Nop(), h.bus)

	f := jobs.NewFactories()
	f.MustRegister("index", func(json.RawMessage) (jobs.Callback, error) {
		return jobs.CallbackFunc(func(ctx context.Context, d jobs.Descriptor) error {
			h.runs.Add(1)
			select {
			case h.ran <- d:
			default:
			}
			if h.failing.Load() {
				return errors.New("index unavailable")
			}
			return nil
		}), nil
	})

	h.svc = New(Config{RetryDelay: 5 * time.Second}, Deps{
		Registry:    h.reg,
		Triggers:    h.triggers,
		Executor:    h.engine,
		Ownership:   h.own,
		Membership:  h.members,
		Eligibility: h.elig,
		Factories:   f,
		Bus:         h.bus,
		Clock:       h.clock,
		Log:         logx.Nop(),
	})
	return h
}

func (h *harness) start() {
	h.engine.Start(context.Background())
	h.triggers.Start(context.Background())
	h.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.triggers.Stop(ctx)
		h.engine.Stop(ctx)
	})
}

func (h *harness) at(ms int64) time.Time {
	h.clock.Set(time.UnixMilli(ms))
	return time.UnixMilli(ms)
}

// fire runs the progressive handler as the trigger would at the current time.
func (h *harness) fire() error {
	now := h.clock.Now()
	return h.svc.fireProgressive(context.Background(), desc, trigger.Fire{ScheduledAt: now, FiredAt: now})
}

func (h *harness) state() jobs.State {
	h.t.Helper()
	st, ok, err := h.reg.Get(context.Background(), desc.Key())
	require.NoError(h.t, err)
	require.True(h.t, ok, "state missing")
	return st
}

func (h *harness) armedAt() (time.Time, bool) {
	tr, ok := h.triggers.Get(desc.TriggerName())
	return tr.FireAt, ok
}

func progressive(startAt time.Time) ProgressiveRequest {
	return ProgressiveRequest{
		Descriptor:             desc,
		StartAt:                startAt,
		TimeoutMs:              10_000,
		InitialIntervalMs:      1000,
		ProgressionRatePercent: 50,
		Priority:               3,
	}
}
