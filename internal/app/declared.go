package app

import (
	"context"
	"fmt"

	"jobmesh/internal/config"
	"jobmesh/internal/jobs"
	"jobmesh/internal/recurring"
	"jobmesh/internal/trigger"
	logx "jobmesh/pkg/logx"
)

// scheduleDeclared schedules the jobs listed in the config file. Progressive
// jobs re-activate when the registry already knows them, so a restart
// does not reset a healthy job. Failures are logged per job.
func (a *App) scheduleDeclared(ctx context.Context, list []config.JobConfig) int {
	ok := 0
	for _, jc := range list {
		if err := a.scheduleJob(ctx, jc); err != nil {
			a.log.Warn("declared job not scheduled", logx.String("job", jc.Name()), logx.Err(err))
			continue
		}
		ok++
	}
	if len(list) > 0 {
		a.log.Info("declared jobs scheduled", logx.Int("ok", ok), logx.Int("total", len(list)))
	}
	return ok
}

func (a *App) scheduleJob(ctx context.Context, jc config.JobConfig) error {
	desc := jobs.Descriptor{Tenant: jc.Tenant, Principal: jc.Principal, Module: jc.Module, Kind: jc.Kind}

	if p := jc.Progressive; p != nil {
		timeout, err := config.ParseDurationField("progressive.timeout", p.Timeout)
		if err != nil {
			return err
		}
		initial, err := config.ParseDurationField("progressive.initial_interval", p.InitialInterval)
		if err != nil {
			return err
		}
		startIn, err := config.ParseDurationField("progressive.start_in", p.StartIn)
		if err != nil {
			return err
		}
		return a.svc.ScheduleProgressive(ctx, recurring.ProgressiveRequest{
			Descriptor:             desc,
			StartAt:                a.clock.Now().Add(startIn),
			TimeoutMs:              timeout.Milliseconds(),
			InitialIntervalMs:      initial.Milliseconds(),
			ProgressionRatePercent: p.RatePercent,
			Priority:               jc.Priority,
			ResetProgressionOnly:   true,
			Params:                 jc.Params,
		})
	}

	spec, err := trigger.ParseSchedule(jc.Schedule)
	if err != nil {
		return err
	}
	req := recurring.FixedRequest{Descriptor: desc, Priority: jc.Priority, Params: jc.Params}
	switch spec.Kind {
	case trigger.SpecCron:
		req.Cron = spec.Cron
	case trigger.SpecInterval:
		req.IntervalMs = spec.Every.Milliseconds()
		req.StartAt = a.clock.Now().Add(spec.Every)
	default:
		return fmt.Errorf("schedule %q: unsupported kind", jc.Schedule)
	}
	return a.svc.ScheduleFixedInterval(ctx, req)
}
