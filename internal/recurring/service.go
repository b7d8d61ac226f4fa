package recurring

import (
	"context"
	"time"

	"jobmesh/internal/cluster"
	"jobmesh/internal/engine"
	"jobmesh/internal/eventbus"
	"jobmesh/internal/jobs"
	"jobmesh/internal/registry"
	"jobmesh/internal/trigger"
	logx "jobmesh/pkg/logx"
)

// Triggers is the local trigger table the runners arm. *trigger.Service
// implements it.
type Triggers interface {
	ScheduleOnce(jobKey, triggerKey, group string, fireAt time.Time, priority int, h trigger.Handler) error
	ScheduleRepeating(jobKey, triggerKey, group string, fireAt time.Time, every time.Duration, priority int, h trigger.Handler) error
	ScheduleCron(jobKey, triggerKey, group, spec string, priority int, h trigger.Handler) error
	Reschedule(jobKey, triggerKey, group string, fireAt time.Time, priority int, h trigger.Handler) error
	Unschedule(triggerKey string) bool
	UnscheduleGroup(group string) int
	UnschedulePrefix(prefix string) int
	Get(triggerKey string) (trigger.Trigger, bool)
}

// Executor runs work on the worker pool. *engine.Service implements it.
type Executor interface {
	Enqueue(t engine.Task) error
}

type Config struct {
	// CallTimeout bounds each registry and ownership call. 0 means 5s.
	CallTimeout time.Duration
	// StartupTimeout bounds the resource start-up request. 0 means 2s.
	StartupTimeout time.Duration
	// RetryDelay is used to re-arm a job whose redirect could not be
	// submitted. 0 means 30s.
	RetryDelay time.Duration
}

// Deps are the collaborators of a Service. Bus, Clock and Log are optional.
type Deps struct {
	Registry    registry.Registry
	Triggers    Triggers
	Executor    Executor
	Ownership   cluster.Ownership
	Membership  cluster.Membership
	Eligibility cluster.Eligibility
	Factories   *jobs.Factories
	Bus         eventbus.Bus
	Clock       jobs.Clock
	Log         logx.Logger
}

// Service schedules recurring jobs and runs their fires: progressive jobs
// re-arm themselves with a growing interval, fixed jobs use a repeating
// trigger. Both move to the member owning the job's resource.
type Service struct {
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	clock       jobs.Clock
	registry    registry.Registry
	triggers    Triggers
	exec        Executor
	ownership   cluster.Ownership
	membership  cluster.Membership
	eligibility cluster.Eligibility
	factories   *jobs.Factories
}

func New(cfg Config, d Deps) *Service {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 2 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop()
	}
	if d.Clock == nil {
		d.Clock = jobs.SystemClock
	}
	if d.Factories == nil {
		d.Factories = jobs.NewFactories()
	}
	return &Service{
		cfg:         cfg,
		log:         d.Log,
		bus:         d.Bus,
		clock:       d.Clock,
		registry:    d.Registry,
		triggers:    d.Triggers,
		exec:        d.Executor,
		ownership:   d.Ownership,
		membership:  d.Membership,
		eligibility: d.Eligibility,
		factories:   d.Factories,
	}
}

func (s *Service) now() time.Time { return s.clock.Now() }

type resolution int

const (
	unresolved resolution = iota
	local
	remote
)

func (r resolution) String() string {
	switch r {
	case local:
		return "local"
	case remote:
		return "remote"
	default:
		return "unresolved"
	}
}

// resolve finds the member that should execute desc. A resource without an
// owner is started once and queried again.
func (s *Service) resolve(ctx context.Context, desc jobs.Descriptor) (cluster.MemberID, resolution) {
	rid := desc.ResourceID()
	owner, ok, err := s.ownerOf(ctx, rid)
	if err != nil {
		s.log.Warn("ownership lookup failed", logx.String("job", desc.Key()), logx.String("resource", rid), logx.Err(err))
		return "", unresolved
	}
	if !ok {
		sctx, cancel := context.WithTimeout(ctx, s.cfg.StartupTimeout)
		err := s.ownership.StartUp(sctx, desc)
		cancel()
		if err != nil {
			s.log.Warn("resource start-up failed", logx.String("job", desc.Key()), logx.String("resource", rid), logx.Err(err))
		}
		owner, ok, err = s.ownerOf(ctx, rid)
		if err != nil || !ok {
			if err != nil {
				s.log.Warn("ownership lookup failed", logx.String("job", desc.Key()), logx.String("resource", rid), logx.Err(err))
			}
			return "", unresolved
		}
	}
	if owner == s.membership.Local() {
		return owner, local
	}
	return owner, remote
}

func (s *Service) ownerOf(ctx context.Context, rid string) (cluster.MemberID, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return s.ownership.OwnerOf(cctx, rid)
}

// eligible reports whether desc may run here: module enabled and resource
// not locked. Lookup errors count as ineligible.
func (s *Service) eligible(ctx context.Context, desc jobs.Descriptor) bool {
	if s.eligibility == nil {
		return true
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	enabled, err := s.eligibility.IsModuleEnabled(cctx, desc.Tenant, desc.Principal, desc.Module)
	if err != nil {
		s.log.Warn("eligibility lookup failed", logx.String("job", desc.Key()), logx.Err(err))
		return false
	}
	if !enabled {
		return false
	}
	locked, err := s.eligibility.IsLocked(cctx, desc.Tenant, desc.Principal, desc.Module)
	if err != nil {
		s.log.Warn("lock lookup failed", logx.String("job", desc.Key()), logx.Err(err))
		return false
	}
	return !locked
}

// execute runs the job callback in the current fire.
func (s *Service) execute(ctx context.Context, desc jobs.Descriptor) error {
	cb, err := s.factories.Resolve(desc)
	if err != nil {
		return err
	}
	return cb.Execute(ctx, desc)
}

func (s *Service) getState(ctx context.Context, key string) (jobs.State, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return s.registry.Get(cctx, key)
}

func (s *Service) putState(ctx context.Context, st jobs.State) error {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return s.registry.Put(cctx, st.Descriptor.Key(), st, st.TTL())
}

func (s *Service) touchState(ctx context.Context, key string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()
	return s.registry.Touch(cctx, key)
}

func (s *Service) publish(typ string, desc jobs.Descriptor, data any) {
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Key: desc.Key(), Data: data})
}
