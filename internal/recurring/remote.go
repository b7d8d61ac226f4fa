package recurring

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"jobmesh/internal/cluster"
	"jobmesh/internal/jobs"
	logx "jobmesh/pkg/logx"
)

// HandleTask is the landing point for tasks submitted by other members.
func (s *Service) HandleTask(ctx context.Context, t cluster.Task) error {
	switch t.Op {
	case cluster.OpScheduleProgressive:
		return s.landProgressive(ctx, t)
	case cluster.OpScheduleFixed:
		req := FixedRequest{
			Descriptor: t.Descriptor,
			StartAt:    time.UnixMilli(t.StartAt),
			IntervalMs: t.IntervalMs,
			Cron:       t.Cron,
			Priority:   t.Priority,
			Params:     t.Params,
			from:       t.From,
		}
		if t.StartAt == 0 {
			req.StartAt = s.now()
		}
		if err := req.validate(); err != nil {
			return fmt.Errorf("land fixed %s: %w", t.Descriptor.Key(), err)
		}
		if _, err := s.factories.Bind(t.Descriptor, t.Params); err != nil {
			return fmt.Errorf("land fixed %s: %w", t.Descriptor.Key(), err)
		}
		return s.placeFixed(ctx, req)
	case cluster.OpUnscheduleGroup:
		n := s.unscheduleLocal(t.Group, t.Prefix)
		s.log.Debug("group unscheduled by peer", logx.String("from", string(t.From)), logx.String("group", t.Group), logx.Bool("prefix", t.Prefix), logx.Int("triggers", n))
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, t.Op)
	}
}

// landProgressive arms a redirected progressive job here. Its trigger fires
// at StartAt, immediately if that already passed. Members that do not share
// the registry with the sender get the state seeded from the task.
func (s *Service) landProgressive(ctx context.Context, t cluster.Task) error {
	desc := t.Descriptor
	if err := desc.Validate(); err != nil {
		return fmt.Errorf("land progressive: %w", err)
	}
	if _, err := s.factories.Bind(desc, t.Params); err != nil {
		return fmt.Errorf("land progressive %s: %w", desc.Key(), err)
	}

	_, ok, err := s.getState(ctx, desc.Key())
	if err != nil {
		return fmt.Errorf("land progressive %s: load state: %w", desc.Key(), err)
	}
	if !ok && t.TimeoutMs > 0 && t.IntervalMs > 0 {
		nowMs := s.now().UnixMilli()
		st := jobs.State{
			Descriptor:             desc,
			Priority:               t.Priority,
			LastRunAt:              nowMs,
			LastUpdatedAt:          nowMs,
			TimeoutMs:              t.TimeoutMs,
			InitialIntervalMs:      t.InitialIntervalMs,
			CurrentIntervalMs:      t.IntervalMs,
			ProgressionRatePercent: t.ProgressionRatePercent,
		}
		if err := s.putState(ctx, st); err != nil {
			return fmt.Errorf("land progressive %s: seed state: %w", desc.Key(), err)
		}
	}

	at := time.UnixMilli(t.StartAt)
	if t.StartAt == 0 {
		at = s.now()
	}
	if err := s.armProgressive(desc, at, t.Priority); err != nil {
		return fmt.Errorf("land progressive %s: %w", desc.Key(), err)
	}
	s.log.Info("redirected job landed", logx.String("job", desc.Key()), logx.String("from", string(t.From)), logx.Time("fire_at", at))
	return nil
}

func (s *Service) submit(ctx context.Context, member cluster.MemberID, t cluster.Task) error {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return s.membership.Submit(cctx, member, t)
}

func (s *Service) params(desc jobs.Descriptor) json.RawMessage {
	return s.factories.Params(desc.Key())
}

// UnscheduleForPrincipal removes every job of a principal: local triggers,
// registry entries, and (best effort) the triggers held by other members.
func (s *Service) UnscheduleForPrincipal(ctx context.Context, tenant, principal int64) error {
	return s.unscheduleEverywhere(ctx, jobs.PrincipalGroup(tenant, principal), false)
}

// UnscheduleForTenant removes every job of every principal of a tenant.
func (s *Service) UnscheduleForTenant(ctx context.Context, tenant int64) error {
	return s.unscheduleEverywhere(ctx, jobs.TenantGroupPrefix(tenant), true)
}

func (s *Service) unscheduleEverywhere(ctx context.Context, group string, prefix bool) error {
	n := s.unscheduleLocal(group, prefix)

	removed, rerr := s.deleteStates(ctx, group, prefix)
	if rerr != nil {
		s.log.Warn("registry cleanup failed", logx.String("group", group), logx.Err(rerr))
	}

	members, err := s.membership.Members(ctx)
	if err != nil {
		s.log.Warn("member list unavailable; unschedule not broadcast", logx.String("group", group), logx.Err(err))
	}
	local := s.membership.Local()
	sent := 0
	for _, m := range members {
		if m == local {
			continue
		}
		task := cluster.Task{Op: cluster.OpUnscheduleGroup, Group: group, Prefix: prefix}
		if err := s.submit(ctx, m, task); err != nil {
			s.log.Warn("unschedule broadcast failed", logx.String("member", string(m)), logx.String("group", group), logx.Err(err))
			continue
		}
		sent++
	}
	s.log.Info("jobs unscheduled",
		logx.String("group", group),
		logx.Bool("prefix", prefix),
		logx.Int("triggers", n),
		logx.Int("states", removed),
		logx.Int("members_notified", sent),
	)
	if rerr != nil {
		return fmt.Errorf("unschedule %s: %w", group, rerr)
	}
	return nil
}

func (s *Service) unscheduleLocal(group string, prefix bool) int {
	if prefix {
		return s.triggers.UnschedulePrefix(group)
	}
	return s.triggers.UnscheduleGroup(group)
}

func (s *Service) deleteStates(ctx context.Context, group string, prefix bool) (int, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	entries, err := s.registry.List(cctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		g := e.State.Descriptor.Group()
		if g != group && !(prefix && strings.HasPrefix(g, group)) {
			continue
		}
		ok, err := s.registry.Delete(cctx, e.Key)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
		s.factories.Unbind(e.Key)
	}
	return removed, nil
}
