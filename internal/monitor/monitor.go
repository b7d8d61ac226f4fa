// Package monitor is the read-only view over the registry, the local
// trigger table and the worker pool. Reads never fail on a missing key.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"jobmesh/internal/engine"
	"jobmesh/internal/jobs"
	"jobmesh/internal/registry"
	"jobmesh/internal/trigger"
	logx "jobmesh/pkg/logx"
)

// Triggers is the trigger table subset the monitor reads.
type Triggers interface {
	Count() int
	List() []trigger.Trigger
	Get(triggerKey string) (trigger.Trigger, bool)
	InFlight() []trigger.InFlight
}

// EngineStats is implemented by *engine.Service.
type EngineStats interface {
	Snapshot() engine.Snapshot
}

type Service struct {
	reg      registry.Registry
	triggers Triggers
	engine   EngineStats
	clock    jobs.Clock
	log      logx.Logger
}

func New(reg registry.Registry, triggers Triggers, eng EngineStats, clock jobs.Clock, log logx.Logger) *Service {
	if clock == nil {
		clock = jobs.SystemClock
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{reg: reg, triggers: triggers, engine: eng, clock: clock, log: log}
}

// RegistryEntries lists live job states sorted by key. A failing registry
// reads as empty.
func (s *Service) RegistryEntries(ctx context.Context) []registry.Entry {
	if s.reg == nil {
		return nil
	}
	entries, err := s.reg.List(ctx)
	if err != nil {
		s.log.Warn("registry list failed", logx.Err(err))
		return nil
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

func (s *Service) RegistryCount(ctx context.Context) int {
	return len(s.RegistryEntries(ctx))
}

func (s *Service) TriggerCount() int {
	if s.triggers == nil {
		return 0
	}
	return s.triggers.Count()
}

// Triggers returns the local triggers grouped by trigger group.
func (s *Service) Triggers() map[string][]trigger.Trigger {
	out := map[string][]trigger.Trigger{}
	if s.triggers == nil {
		return out
	}
	for _, t := range s.triggers.List() {
		out[t.Group] = append(out[t.Group], t)
	}
	return out
}

func (s *Service) InFlight() []trigger.InFlight {
	if s.triggers == nil {
		return nil
	}
	return s.triggers.InFlight()
}

func (s *Service) InFlightCount() int { return len(s.InFlight()) }

// DescribeState renders the stored state of a job key, or "" if none.
func (s *Service) DescribeState(ctx context.Context, key string) string {
	if s.reg == nil {
		return ""
	}
	st, ok, err := s.reg.Get(ctx, key)
	if err != nil {
		s.log.Warn("registry get failed", logx.String("job", key), logx.Err(err))
		return ""
	}
	if !ok {
		return ""
	}
	now := s.clock.Now()
	interval := time.Duration(st.CurrentIntervalMs) * time.Millisecond

	var b strings.Builder
	fmt.Fprintf(&b, "%s: last run %s, next run %s, interval %s",
		key,
		humanize.RelTime(time.UnixMilli(st.LastRunAt), now, "ago", "from now"),
		humanize.RelTime(time.UnixMilli(st.NextRunAt()), now, "ago", "from now"),
		interval,
	)
	if st.Progressive() {
		fmt.Fprintf(&b, " (+%d%% per run)", st.ProgressionRatePercent)
	}
	if st.TimeoutMs > 0 {
		fmt.Fprintf(&b, ", abandoned %s", humanize.RelTime(time.UnixMilli(st.LastUpdatedAt+st.TimeoutMs), now, "ago", "from now"))
	}
	return b.String()
}

// DescribeTrigger renders a local trigger, or "" if the key is unknown.
func (s *Service) DescribeTrigger(key string) string {
	if s.triggers == nil {
		return ""
	}
	t, ok := s.triggers.Get(key)
	if !ok {
		return ""
	}
	now := s.clock.Now()
	cadence := "once"
	switch {
	case t.Cron != "":
		cadence = "cron " + t.Cron
	case t.Every > 0:
		cadence = "every " + t.Every.String()
	}
	return fmt.Sprintf("%s [%s] %s, fires %s, %s fires so far, priority %d",
		key, t.State, cadence,
		humanize.RelTime(t.FireAt, now, "ago", "from now"),
		humanize.Comma(int64(t.Fires)),
		t.Priority,
	)
}

// Snapshot is the JSON view served on GET /monitor.
type Snapshot struct {
	Time          time.Time                    `json:"time"`
	RegistryCount int                          `json:"registry_count"`
	Registry      []registry.Entry             `json:"registry"`
	TriggerCount  int                          `json:"trigger_count"`
	Triggers      map[string][]trigger.Trigger `json:"triggers"`
	InFlightCount int                          `json:"in_flight_count"`
	InFlight      []trigger.InFlight           `json:"in_flight"`
	Engine        *engine.Snapshot             `json:"engine,omitempty"`
}

func (s *Service) Snapshot(ctx context.Context) Snapshot {
	entries := s.RegistryEntries(ctx)
	inflight := s.InFlight()
	snap := Snapshot{
		Time:          s.clock.Now(),
		RegistryCount: len(entries),
		Registry:      entries,
		TriggerCount:  s.TriggerCount(),
		Triggers:      s.Triggers(),
		InFlightCount: len(inflight),
		InFlight:      inflight,
	}
	if s.engine != nil {
		es := s.engine.Snapshot()
		snap.Engine = &es
	}
	return snap
}
