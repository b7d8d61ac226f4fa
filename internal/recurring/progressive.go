package recurring

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"jobmesh/internal/cluster"
	"jobmesh/internal/eventbus"
	"jobmesh/internal/jobs"
	"jobmesh/internal/trigger"
	logx "jobmesh/pkg/logx"
)

// ProgressiveRequest schedules a job whose interval grows after every
// successful run.
type ProgressiveRequest struct {
	Descriptor             jobs.Descriptor `json:"descriptor"`
	StartAt                time.Time       `json:"start_at"` // zero means now
	TimeoutMs              int64           `json:"timeout_ms"`
	InitialIntervalMs      int64           `json:"initial_interval_ms"`
	ProgressionRatePercent int64           `json:"progression_rate_percent"`
	Priority               int             `json:"priority"`

	// ResetProgressionOnly re-activates a known job: the interval is reset
	// and a lost trigger is replaced, but a healthy trigger is left alone.
	ResetProgressionOnly bool `json:"reset_progression_only"`

	Params json.RawMessage `json:"params,omitempty"`
}

func (r ProgressiveRequest) validate() error {
	if r.TimeoutMs <= 0 {
		return ErrInvalidTimeout
	}
	if r.InitialIntervalMs <= 0 {
		return ErrInvalidInterval
	}
	if r.ProgressionRatePercent <= 0 {
		return ErrInvalidProgression
	}
	return r.Descriptor.Validate()
}

// ScheduleProgressive records the job state and arms its trigger.
func (s *Service) ScheduleProgressive(ctx context.Context, req ProgressiveRequest) error {
	if err := req.validate(); err != nil {
		return fmt.Errorf("schedule progressive %s: %w", req.Descriptor.Key(), err)
	}
	desc := req.Descriptor
	if _, err := s.factories.Bind(desc, req.Params); err != nil {
		return fmt.Errorf("schedule progressive %s: %w", desc.Key(), err)
	}

	if req.ResetProgressionOnly {
		st, ok, err := s.getState(ctx, desc.Key())
		if err != nil {
			return fmt.Errorf("schedule progressive %s: load state: %w", desc.Key(), err)
		}
		if ok {
			return s.reactivate(ctx, req, st)
		}
	}

	now := s.now()
	nowMs := now.UnixMilli()
	st := jobs.State{
		Descriptor:             desc,
		Priority:               req.Priority,
		LastRunAt:              nowMs,
		LastUpdatedAt:          nowMs,
		TimeoutMs:              req.TimeoutMs,
		InitialIntervalMs:      req.InitialIntervalMs,
		CurrentIntervalMs:      req.InitialIntervalMs,
		ProgressionRatePercent: req.ProgressionRatePercent,
	}
	if err := s.putState(ctx, st); err != nil {
		return fmt.Errorf("schedule progressive %s: store state: %w", desc.Key(), err)
	}
	startAt := req.StartAt
	if startAt.IsZero() {
		startAt = now
	}
	if err := s.armProgressive(desc, startAt, req.Priority); err != nil {
		return fmt.Errorf("schedule progressive %s: %w", desc.Key(), err)
	}
	s.log.Info("progressive job scheduled",
		logx.String("job", desc.Key()),
		logx.Time("start_at", startAt),
		logx.Int64("interval_ms", st.CurrentIntervalMs),
		logx.Int64("rate_pct", st.ProgressionRatePercent),
		logx.Int64("timeout_ms", st.TimeoutMs),
	)
	return nil
}

// reactivate handles a re-registration of a known job. The trigger is
// presumed lost when the job is overdue according to the interval stored
// in the registry now.
func (s *Service) reactivate(ctx context.Context, req ProgressiveRequest, st jobs.State) error {
	desc := req.Descriptor
	now := s.now()
	nowMs := now.UnixMilli()

	if nowMs > st.NextRunAt() {
		if err := s.rearmProgressive(desc, now, st.Priority); err != nil {
			return fmt.Errorf("schedule progressive %s: re-arm: %w", desc.Key(), err)
		}
		s.log.Info("progressive job overdue; trigger presumed lost, re-armed",
			logx.String("job", desc.Key()),
			logx.Int64("last_run_at", st.LastRunAt),
			logx.Int64("interval_ms", st.CurrentIntervalMs),
			logx.Int64("overdue_ms", nowMs-st.NextRunAt()),
		)
		s.publish(eventbus.TypeJobRecovered, desc, st)
	}

	if st.CurrentIntervalMs == req.InitialIntervalMs && st.InitialIntervalMs == req.InitialIntervalMs {
		// Progression already at its start; only extend the lifetime.
		touched, err := s.touchState(ctx, desc.Key())
		if err != nil {
			return fmt.Errorf("schedule progressive %s: touch: %w", desc.Key(), err)
		}
		if touched {
			s.log.Debug("progressive job touched", logx.String("job", desc.Key()))
			return nil
		}
	}
	st.CurrentIntervalMs = req.InitialIntervalMs
	st.InitialIntervalMs = req.InitialIntervalMs
	st.LastUpdatedAt = nowMs
	if err := s.putState(ctx, st); err != nil {
		return fmt.Errorf("schedule progressive %s: reset progression: %w", desc.Key(), err)
	}
	s.log.Debug("progressive job reset", logx.String("job", desc.Key()), logx.Int64("interval_ms", st.CurrentIntervalMs))
	return nil
}

// armProgressive replaces whatever trigger the job holds with a one-shot.
func (s *Service) armProgressive(desc jobs.Descriptor, at time.Time, priority int) error {
	return s.triggers.ScheduleOnce(desc.Key(), desc.TriggerName(), desc.Group(), at, priority, s.progressiveHandler(desc))
}

// rearmProgressive moves the job's trigger to at, creating it if a redirect
// or a lost fire left none.
func (s *Service) rearmProgressive(desc jobs.Descriptor, at time.Time, priority int) error {
	return s.triggers.Reschedule(desc.Key(), desc.TriggerName(), desc.Group(), at, priority, s.progressiveHandler(desc))
}

func (s *Service) progressiveHandler(desc jobs.Descriptor) trigger.Handler {
	return func(ctx context.Context, f trigger.Fire) error {
		return s.fireProgressive(ctx, desc, f)
	}
}

// fireProgressive runs one fire of a progressive job. Returning
// trigger.ErrRetain keeps the current trigger armed for a later retry.
func (s *Service) fireProgressive(ctx context.Context, desc jobs.Descriptor, f trigger.Fire) error {
	key := desc.Key()
	now := s.now()
	nowMs := now.UnixMilli()

	st, ok, err := s.getState(ctx, key)
	if err != nil {
		s.log.Warn("registry unavailable; fire retained", logx.String("job", key), logx.Err(err))
		s.publish(eventbus.TypeJobSkipped, desc, "registry")
		return trigger.ErrRetain
	}
	if !ok {
		s.log.Info("job state gone; terminated", logx.String("job", key))
		s.publish(eventbus.TypeJobTerminated, desc, "absent")
		return nil
	}
	if st.Expired(nowMs) {
		s.log.Debug("job timed out; terminated", logx.String("job", key), logx.Int64("last_updated_at", st.LastUpdatedAt), logx.Int64("timeout_ms", st.TimeoutMs))
		s.publish(eventbus.TypeJobTerminated, desc, "expired")
		return nil
	}

	owner, res := s.resolve(ctx, desc)
	switch res {
	case unresolved:
		s.log.Warn("no executor for job; fire retained", logx.String("job", key), logx.String("resource", desc.ResourceID()))
		s.publish(eventbus.TypeJobSkipped, desc, "unresolved")
		return trigger.ErrRetain
	case remote:
		return s.redirectProgressive(ctx, desc, st, owner, f)
	}

	if !s.eligible(ctx, desc) {
		s.log.Debug("job not eligible here; fire retained", logx.String("job", key))
		s.publish(eventbus.TypeJobSkipped, desc, "ineligible")
		return trigger.ErrRetain
	}

	if err := s.execute(ctx, desc); err != nil {
		next := now.Add(time.Duration(st.CurrentIntervalMs) * time.Millisecond)
		s.log.Warn("job failed", logx.String("job", key), logx.Err(err), logx.Time("next", next))
		s.publish(eventbus.TypeJobFailed, desc, err.Error())
		if aerr := s.rearmProgressive(desc, next, st.Priority); aerr != nil {
			s.log.Error("re-arm failed", logx.String("job", key), logx.Err(aerr))
		}
		return nil
	}

	if st.Progressive() {
		st.CurrentIntervalMs = st.NextInterval()
	}
	st.LastRunAt = nowMs
	st.LastUpdatedAt = nowMs
	if err := s.putState(ctx, st); err != nil {
		s.log.Warn("job state not stored", logx.String("job", key), logx.Err(err))
	}
	next := time.UnixMilli(st.NextRunAt())
	if err := s.rearmProgressive(desc, next, st.Priority); err != nil {
		s.log.Error("re-arm failed", logx.String("job", key), logx.Err(err))
	}
	s.log.Debug("job completed",
		logx.String("job", key),
		logx.Int64("interval_ms", st.CurrentIntervalMs),
		logx.Time("next", next),
	)
	s.publish(eventbus.TypeJobCompleted, desc, st)
	return nil
}

// redirectProgressive hands the job to its owner. The local trigger is
// removed before submitting so a task racing back cannot be undone by it.
func (s *Service) redirectProgressive(ctx context.Context, desc jobs.Descriptor, st jobs.State, owner cluster.MemberID, f trigger.Fire) error {
	s.triggers.Unschedule(desc.TriggerName())

	task := cluster.Task{
		Op:                     cluster.OpScheduleProgressive,
		Descriptor:             desc,
		Priority:               st.Priority,
		StartAt:                f.FiredAt.UnixMilli(),
		TimeoutMs:              st.TimeoutMs,
		InitialIntervalMs:      st.InitialIntervalMs,
		IntervalMs:             st.CurrentIntervalMs,
		ProgressionRatePercent: st.ProgressionRatePercent,
		Params:                 s.params(desc),
	}
	if err := s.submit(ctx, owner, task); err != nil {
		retry := s.now().Add(s.cfg.RetryDelay)
		s.log.Warn("redirect failed; re-armed locally", logx.String("job", desc.Key()), logx.String("owner", string(owner)), logx.Err(err), logx.Time("retry_at", retry))
		if aerr := s.rearmProgressive(desc, retry, st.Priority); aerr != nil {
			s.log.Error("re-arm failed", logx.String("job", desc.Key()), logx.Err(aerr))
		}
		return nil
	}
	s.log.Info("job redirected", logx.String("job", desc.Key()), logx.String("owner", string(owner)))
	s.publish(eventbus.TypeJobRedirected, desc, string(owner))
	return nil
}
