package trigger

import (
	"context"
	"errors"
	"sync"
	"time"

	"jobmesh/internal/engine"
	"jobmesh/internal/eventbus"
	"jobmesh/internal/jobs"
	"jobmesh/internal/runtime/supervisor"
	logx "jobmesh/pkg/logx"
)

const idleWait = time.Minute

// Service is the local trigger scheduler. Trigger state is kept in memory
// only and is lost when the process exits.
type Service struct {
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	clock  jobs.Clock
	engine *engine.Service

	mu      sync.Mutex
	byKey   map[string]*entry
	q       queue
	running map[string]InFlight // job key -> current fire
	blocked map[string][]string // job key -> trigger keys held until the fire completes
	seq     uint64

	wake chan struct{}
	sup  *supervisor.Supervisor

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time
}

func New(cfg Config, eng *engine.Service, clock jobs.Clock, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.RetainDelay <= 0 {
		cfg.RetainDelay = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	if clock == nil {
		clock = jobs.SystemClock
	}
	return &Service{
		cfg:         cfg,
		log:         log,
		bus:         bus,
		clock:       clock,
		engine:      eng,
		byKey:       map[string]*entry{},
		running:     map[string]InFlight{},
		blocked:     map[string][]string{},
		wake:        make(chan struct{}, 1),
		lastEnqWarn: map[string]time.Time{},
	}
}

// Start launches the dispatcher. Triggers registered before Start fire once
// it runs; overdue ones fire immediately.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.sup.GoRestart("trigger.dispatcher", s.dispatch,
		supervisor.WithRestartBackoff(100*time.Millisecond, 5*time.Second))
	s.log.Info("trigger scheduler started", logx.Int("triggers", len(s.byKey)), logx.Duration("retain_delay", s.cfg.RetainDelay))
}

// Stop stops the dispatcher. Armed triggers stay in the table.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("trigger dispatcher stop", logx.Err(err))
	}
	s.log.Info("trigger scheduler stopped")
}

// Wake makes the dispatcher re-evaluate due triggers now.
func (s *Service) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) dispatch(ctx context.Context) error {
	timer := time.NewTimer(idleWait)
	defer timer.Stop()
	for {
		due, wait := s.collectDue()
		for _, f := range due {
			s.fire(f)
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		case <-timer.C:
		}
	}
}

type pendingFire struct {
	e     *entry
	ver   uint64
	fire  Fire
	block bool
}

// collectDue pops every due trigger and returns how long to sleep until the
// next one.
func (s *Service) collectDue() ([]pendingFire, time.Duration) {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []pendingFire
	for {
		e := s.q.peek()
		if e == nil {
			return out, idleWait
		}
		if e.trig.FireAt.After(now) {
			return out, e.trig.FireAt.Sub(now)
		}
		s.q.remove(e)
		jobKey := e.trig.JobKey

		if _, busy := s.running[jobKey]; busy {
			e.trig.State = StateBlocked
			s.blocked[jobKey] = appendUnique(s.blocked[jobKey], e.trig.Key)
			out = append(out, pendingFire{e: e, block: true, fire: Fire{Trigger: e.trig}})
			continue
		}

		scheduled := e.trig.FireAt
		e.trig.Fires++
		e.trig.LastFireAt = now
		f := Fire{Trigger: e.trig, ScheduledAt: scheduled, FiredAt: now}
		f.Trigger.State = StateFiring
		if e.sched != nil {
			e.trig.FireAt = nextFire(e.sched, scheduled, now)
			e.trig.State = StateArmed
			s.q.push(e)
		} else {
			e.trig.State = StateFiring
		}
		s.running[jobKey] = InFlight{JobKey: jobKey, TriggerKey: e.trig.Key, Group: e.trig.Group, Started: now}
		out = append(out, pendingFire{e: e, ver: e.ver, fire: f})
	}
}

func (s *Service) fire(p pendingFire) {
	t := p.fire.Trigger
	if p.block {
		s.log.Debug("trigger blocked: job still running", logx.String("trigger", t.Key), logx.String("job", t.JobKey))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeTriggerBlocked, Key: t.JobKey, Data: t})
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTriggerFired, Key: t.JobKey, Data: t})

	h := p.e.handler
	fire := p.fire
	err := s.engine.Enqueue(engine.Task{
		Name:    t.JobKey,
		Timeout: s.cfg.FireTimeout,
		Run:     func(ctx context.Context) error { return h(ctx, fire) },
		Done:    func(err error) { s.complete(p, err) },
	})
	if err != nil {
		s.reportEnqueueError(t.Key, err)
		s.complete(p, err)
	}
}

// complete finishes a fire: releases the job key, disposes of or retains a
// one-shot trigger, and releases fires held while the job was running.
func (s *Service) complete(p pendingFire, err error) {
	t := p.fire.Trigger
	now := s.clock.Now()

	s.mu.Lock()
	if cur, ok := s.running[t.JobKey]; ok && cur.TriggerKey == t.Key {
		delete(s.running, t.JobKey)
	}
	if cur := s.byKey[t.Key]; cur == p.e && cur.ver == p.ver && cur.sched == nil {
		if retained(err) {
			cur.trig.FireAt = now.Add(s.cfg.RetainDelay)
			cur.trig.State = StateArmed
			s.q.push(cur)
		} else {
			delete(s.byKey, t.Key)
		}
	}
	released := 0
	for _, key := range s.blocked[t.JobKey] {
		e := s.byKey[key]
		if e == nil || e.trig.State != StateBlocked {
			continue
		}
		e.trig.State = StateArmed
		e.trig.FireAt = now
		s.q.push(e)
		released++
	}
	delete(s.blocked, t.JobKey)
	s.mu.Unlock()

	if err != nil && !retained(err) {
		s.log.Debug("trigger fire failed", logx.String("trigger", t.Key), logx.Err(err))
	}
	if released > 0 {
		s.log.Debug("released blocked trigger", logx.String("job", t.JobKey), logx.Int("count", released))
	}
	s.Wake()
}

func retained(err error) bool {
	return errors.Is(err, ErrRetain) ||
		errors.Is(err, engine.ErrQueueFull) ||
		errors.Is(err, engine.ErrStale) ||
		errors.Is(err, engine.ErrStopped) ||
		errors.Is(err, engine.ErrStopping)
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

const enqueueWarnThrottle = 5 * time.Second

func (s *Service) reportEnqueueError(name string, err error) {
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	if !last.IsZero() && now.Sub(last) < enqueueWarnThrottle {
		s.enqMu.Unlock()
		return
	}
	s.lastEnqWarn[name] = now
	s.enqMu.Unlock()

	// Queue full / stopping are important but can be bursty.
	s.log.Warn("trigger failed to enqueue fire; retained", logx.String("trigger", name), logx.Err(err), logx.Duration("retry_in", s.cfg.RetainDelay))
}
