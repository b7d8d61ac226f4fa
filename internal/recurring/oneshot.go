package recurring

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"jobmesh/internal/cluster"
	"jobmesh/internal/engine"
	"jobmesh/internal/eventbus"
	"jobmesh/internal/jobs"
	"jobmesh/internal/trigger"
	logx "jobmesh/pkg/logx"
)

// FixedRequest schedules a job at a constant cadence: every IntervalMs, or
// following Cron when set.
type FixedRequest struct {
	Descriptor jobs.Descriptor `json:"descriptor"`
	StartAt    time.Time       `json:"start_at"` // zero means now; ignored for cron
	IntervalMs int64           `json:"interval_ms"`
	Cron       string          `json:"cron,omitempty"`
	Priority   int             `json:"priority"`

	// Async resolves ownership and submits on the worker pool; the call
	// returns as soon as the work is queued.
	Async bool `json:"async"`

	Params json.RawMessage `json:"params,omitempty"`

	// from is the member that redirected the job here, if any.
	from cluster.MemberID
}

func (r FixedRequest) validate() error {
	if strings.TrimSpace(r.Cron) != "" {
		if _, err := trigger.ParseCron(r.Cron); err != nil {
			return err
		}
	} else if r.IntervalMs <= 0 {
		return ErrInvalidInterval
	}
	return r.Descriptor.Validate()
}

// ScheduleFixedInterval places a fixed-cadence job on the member that owns
// its resource.
func (s *Service) ScheduleFixedInterval(ctx context.Context, req FixedRequest) error {
	desc := req.Descriptor
	if err := req.validate(); err != nil {
		return fmt.Errorf("schedule fixed %s: %w", desc.Key(), err)
	}
	if _, err := s.factories.Bind(desc, req.Params); err != nil {
		return fmt.Errorf("schedule fixed %s: %w", desc.Key(), err)
	}
	if req.StartAt.IsZero() {
		req.StartAt = s.now()
	}

	if !req.Async || s.exec == nil {
		return s.placeFixed(ctx, req)
	}
	err := s.exec.Enqueue(engine.Task{
		Name: desc.Key(),
		Run: func(ctx context.Context) error {
			if err := s.placeFixed(ctx, req); err != nil {
				s.log.Warn("async fixed scheduling failed", logx.String("job", desc.Key()), logx.Err(err))
				return err
			}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("schedule fixed %s: %w", desc.Key(), err)
	}
	return nil
}

// placeFixed arms the repeating trigger here or hands the job to its owner.
func (s *Service) placeFixed(ctx context.Context, req FixedRequest) error {
	desc := req.Descriptor
	owner, res := s.resolve(ctx, desc)
	switch {
	case res == remote && owner == req.from:
		// The owner just sent it here; do not bounce it back.
		s.log.Warn("job redirected back by its owner; arming locally", logx.String("job", desc.Key()), logx.String("owner", string(owner)))
	case res == remote:
		s.triggers.Unschedule(desc.TriggerName())
		if err := s.submit(ctx, owner, s.fixedTask(req)); err != nil {
			return fmt.Errorf("schedule fixed %s: submit to %s: %w", desc.Key(), owner, err)
		}
		s.log.Info("fixed job placed on owner", logx.String("job", desc.Key()), logx.String("owner", string(owner)))
		s.publish(eventbus.TypeJobRedirected, desc, string(owner))
		return nil
	case res == unresolved:
		// Each fire resolves again.
		s.log.Warn("no executor for fixed job; arming locally", logx.String("job", desc.Key()))
	}
	return s.armFixed(req)
}

func (s *Service) armFixed(req FixedRequest) error {
	desc := req.Descriptor
	h := s.fixedHandler(req)
	var err error
	if c := strings.TrimSpace(req.Cron); c != "" {
		err = s.triggers.ScheduleCron(desc.Key(), desc.TriggerName(), desc.Group(), c, req.Priority, h)
	} else {
		every := time.Duration(req.IntervalMs) * time.Millisecond
		err = s.triggers.ScheduleRepeating(desc.Key(), desc.TriggerName(), desc.Group(), req.StartAt, every, req.Priority, h)
	}
	if err != nil {
		return fmt.Errorf("schedule fixed %s: %w", desc.Key(), err)
	}
	s.log.Info("fixed job scheduled",
		logx.String("job", desc.Key()),
		logx.Int64("interval_ms", req.IntervalMs),
		logx.String("cron", req.Cron),
		logx.Time("start_at", req.StartAt),
	)
	return nil
}

func (s *Service) fixedTask(req FixedRequest) cluster.Task {
	return cluster.Task{
		Op:         cluster.OpScheduleFixed,
		Descriptor: req.Descriptor,
		Priority:   req.Priority,
		StartAt:    req.StartAt.UnixMilli(),
		IntervalMs: req.IntervalMs,
		Cron:       req.Cron,
		Params:     req.Params,
	}
}

func (s *Service) fixedHandler(req FixedRequest) trigger.Handler {
	return func(ctx context.Context, f trigger.Fire) error {
		return s.fireFixed(ctx, req, f)
	}
}

// fireFixed runs one fire of a fixed job. The repeating trigger keeps its
// cadence whatever the outcome, so nothing is re-armed here.
func (s *Service) fireFixed(ctx context.Context, req FixedRequest, f trigger.Fire) error {
	desc := req.Descriptor
	key := desc.Key()

	owner, res := s.resolve(ctx, desc)
	switch res {
	case unresolved:
		s.log.Warn("no executor for job; fire skipped", logx.String("job", key))
		s.publish(eventbus.TypeJobSkipped, desc, "unresolved")
		return nil
	case remote:
		s.triggers.Unschedule(desc.TriggerName())
		moved := req
		moved.StartAt = f.Trigger.FireAt
		if f.Trigger.Every > 0 {
			moved.StartAt = f.ScheduledAt.Add(f.Trigger.Every)
		}
		if err := s.submit(ctx, owner, s.fixedTask(moved)); err != nil {
			s.log.Warn("redirect failed; re-armed locally", logx.String("job", key), logx.String("owner", string(owner)), logx.Err(err))
			if aerr := s.armFixed(moved); aerr != nil {
				s.log.Error("re-arm failed", logx.String("job", key), logx.Err(aerr))
			}
			return nil
		}
		s.log.Info("job redirected", logx.String("job", key), logx.String("owner", string(owner)))
		s.publish(eventbus.TypeJobRedirected, desc, string(owner))
		return nil
	}

	if !s.eligible(ctx, desc) {
		s.log.Debug("job not eligible here; fire skipped", logx.String("job", key))
		s.publish(eventbus.TypeJobSkipped, desc, "ineligible")
		return nil
	}
	if err := s.execute(ctx, desc); err != nil {
		s.log.Warn("job failed", logx.String("job", key), logx.Err(err))
		s.publish(eventbus.TypeJobFailed, desc, err.Error())
		return nil
	}
	s.publish(eventbus.TypeJobCompleted, desc, nil)
	return nil
}
