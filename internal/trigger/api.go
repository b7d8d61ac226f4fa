package trigger

import (
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "jobmesh/pkg/logx"
)

// ScheduleOnce arms a one-shot trigger. It upserts by trigger key: an
// existing trigger with the same key is replaced, so a job never holds more
// than one armed trigger.
func (s *Service) ScheduleOnce(jobKey, triggerKey, group string, fireAt time.Time, priority int, h Handler) error {
	return s.upsert(Trigger{Key: triggerKey, JobKey: jobKey, Group: group, FireAt: fireAt, Priority: priority}, nil, h)
}

// ScheduleRepeating arms a trigger that first fires at fireAt and then every
// interval.
func (s *Service) ScheduleRepeating(jobKey, triggerKey, group string, fireAt time.Time, every time.Duration, priority int, h Handler) error {
	if every <= 0 {
		return ErrInvalidInterval
	}
	t := Trigger{Key: triggerKey, JobKey: jobKey, Group: group, FireAt: fireAt, Priority: priority, Every: every}
	return s.upsert(t, everySchedule{every: every}, h)
}

// ScheduleCron arms a trigger following a cron expression.
func (s *Service) ScheduleCron(jobKey, triggerKey, group, spec string, priority int, h Handler) error {
	sched, err := ParseCron(spec)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	t := Trigger{Key: triggerKey, JobKey: jobKey, Group: group, FireAt: sched.Next(now), Priority: priority, Cron: strings.TrimSpace(spec)}
	return s.upsert(t, sched, h)
}

func (s *Service) upsert(t Trigger, sched cron.Schedule, h Handler) error {
	t.Key = strings.TrimSpace(t.Key)
	t.JobKey = strings.TrimSpace(t.JobKey)
	if t.Key == "" || t.JobKey == "" {
		return ErrInvalidKey
	}
	if h == nil {
		return ErrNilHandler
	}
	now := s.clock.Now()
	if t.FireAt.IsZero() {
		t.FireAt = now
	}
	t.Misfire = MisfireFireNow
	t.State = StateArmed
	t.CreatedAt = now

	s.mu.Lock()
	if old, ok := s.byKey[t.Key]; ok {
		s.q.remove(old)
	}
	s.seq++
	e := &entry{trig: t, sched: sched, handler: h, ver: s.seq, index: -1}
	s.byKey[t.Key] = e
	s.q.push(e)
	s.mu.Unlock()

	s.log.Debug("trigger armed",
		logx.String("trigger", t.Key),
		logx.String("job", t.JobKey),
		logx.Time("fire_at", t.FireAt),
		logx.Int("priority", t.Priority),
		logx.Bool("repeating", sched != nil),
	)
	s.Wake()
	return nil
}

// Reschedule moves the trigger under triggerKey to fireAt. It is
// idempotent: an existing trigger keeps its repeat schedule and takes the
// new handler and priority; a missing one is created as a one-shot.
func (s *Service) Reschedule(jobKey, triggerKey, group string, fireAt time.Time, priority int, h Handler) error {
	triggerKey = strings.TrimSpace(triggerKey)
	if h == nil {
		return ErrNilHandler
	}
	s.mu.Lock()
	e, ok := s.byKey[triggerKey]
	if !ok {
		s.mu.Unlock()
		return s.ScheduleOnce(jobKey, triggerKey, group, fireAt, priority, h)
	}
	if fireAt.IsZero() {
		fireAt = s.clock.Now()
	}
	// A new version so a fire in progress does not dispose of the new arming.
	s.seq++
	e.ver = s.seq
	e.handler = h
	e.trig.FireAt = fireAt
	e.trig.Priority = priority
	e.trig.State = StateArmed
	s.q.push(e)
	s.mu.Unlock()

	s.log.Debug("trigger rescheduled", logx.String("trigger", triggerKey), logx.Time("fire_at", fireAt))
	s.Wake()
	return nil
}

// Unschedule removes a trigger. A fire already running completes.
func (s *Service) Unschedule(triggerKey string) bool {
	s.mu.Lock()
	ok := s.removeLocked(strings.TrimSpace(triggerKey))
	s.mu.Unlock()
	if ok {
		s.log.Debug("trigger removed", logx.String("trigger", triggerKey))
	}
	return ok
}

// UnscheduleGroup removes every trigger of a group and returns the count.
func (s *Service) UnscheduleGroup(group string) int {
	return s.unscheduleWhere(func(t Trigger) bool { return t.Group == group })
}

// UnschedulePrefix removes every trigger whose group starts with prefix.
func (s *Service) UnschedulePrefix(prefix string) int {
	if prefix == "" {
		return 0
	}
	return s.unscheduleWhere(func(t Trigger) bool { return strings.HasPrefix(t.Group, prefix) })
}

func (s *Service) unscheduleWhere(match func(Trigger) bool) int {
	s.mu.Lock()
	var keys []string
	for k, e := range s.byKey {
		if match(e.trig) {
			keys = append(keys, k)
		}
	}
	for _, k := range keys {
		s.removeLocked(k)
	}
	s.mu.Unlock()
	if len(keys) > 0 {
		s.log.Debug("triggers removed", logx.Int("count", len(keys)))
	}
	return len(keys)
}

func (s *Service) removeLocked(key string) bool {
	e, ok := s.byKey[key]
	if !ok {
		return false
	}
	s.q.remove(e)
	delete(s.byKey, key)
	return true
}

// Get returns a copy of a trigger.
func (s *Service) Get(triggerKey string) (Trigger, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byKey[strings.TrimSpace(triggerKey)]
	if !ok {
		return Trigger{}, false
	}
	return e.trig, true
}

// Count is the number of triggers held.
func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

// List returns all triggers ordered by next fire time.
func (s *Service) List() []Trigger {
	s.mu.Lock()
	out := make([]Trigger, 0, len(s.byKey))
	for _, e := range s.byKey {
		out = append(out, e.trig)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].FireAt.Before(out[j].FireAt)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// InFlight lists fires currently executing, oldest first.
func (s *Service) InFlight() []InFlight {
	s.mu.Lock()
	out := make([]InFlight, 0, len(s.running))
	for _, f := range s.running {
		out = append(out, f)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}
