package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"jobmesh/internal/cluster"
	"jobmesh/internal/config"
	"jobmesh/internal/engine"
	"jobmesh/internal/eventbus"
	"jobmesh/internal/jobs"
	"jobmesh/internal/monitor"
	"jobmesh/internal/recurring"
	"jobmesh/internal/registry"
	"jobmesh/internal/runtime/supervisor"
	"jobmesh/internal/server"
	"jobmesh/internal/trigger"
	logx "jobmesh/pkg/logx"
)

// App is one jobmesh node: registry, worker pool, trigger scheduler,
// cluster transport, recurring job service and its HTTP API.
type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config
	sup  *supervisor.Supervisor

	clock jobs.Clock
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus

	reg       registry.Registry
	engine    *engine.Service
	triggers  *trigger.Service
	members   *cluster.HTTPMembership
	ownership *cluster.HashOwnership
	elig      *cluster.StaticEligibility
	factories *jobs.Factories
	svc       *recurring.Service
	mon       *monitor.Service
	http      *server.Service
	handler   http.Handler

	nodeID  string // as configured; may be empty
	prune   time.Duration
	pins    map[string]string
	stopped atomic.Bool
}

// New loads the config file and builds a node. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	a, err := NewFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.cfgm = cfgm
	return a, nil
}

// NewFromConfig builds a node from an already validated config. Hot reload
// is unavailable without a config file.
func NewFromConfig(cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logs, root := logx.New(mapLogConfig(cfg))
	a := &App{
		cfg:    cfg,
		nodeID: strings.TrimSpace(cfg.Node.ID),
		clock:  jobs.SystemClock,
		log:    root.With(logx.String("comp", "app")),
		logs:   logs,
		bus:    eventbus.New(),
		pins:   map[string]string{},
	}
	if err := a.build(cfg, root); err != nil {
		_ = logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, root logx.Logger) error {
	rc, err := mapRegistryConfig(cfg)
	if err != nil {
		return err
	}
	ec, err := mapEngineConfig(cfg)
	if err != nil {
		return err
	}
	tc, err := mapTriggerConfig(cfg)
	if err != nil {
		return err
	}
	cc, err := mapClusterConfig(cfg)
	if err != nil {
		return err
	}
	recCfg, err := mapRecurringConfig(cfg)
	if err != nil {
		return err
	}
	sc, err := mapServerConfig(cfg)
	if err != nil {
		return err
	}
	if a.prune, err = prunePeriod(cfg); err != nil {
		return err
	}

	reg, err := registry.Open(rc, a.clock, root.With(logx.String("comp", "registry")))
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}
	a.reg = reg

	a.engine = engine.New(ec, root.With(logx.String("comp", "engine")))
	a.triggers = trigger.New(tc, a.engine, a.clock, root.With(logx.String("comp", "trigger")), a.bus)

	a.members = cluster.NewHTTPMembership(cc, root.With(logx.String("comp", "cluster")))
	a.ownership = cluster.NewHashOwnership(a.members)
	a.ownership.RequireStartUp = cfg.Cluster.RequireStartUp
	applyPins(a.ownership, nil, cfg.Cluster.Pins)
	a.pins = cfg.Cluster.Pins
	a.elig = cluster.NewStaticEligibility(cfg.Eligibility.Disabled, cfg.Eligibility.Locked)

	a.factories = jobs.NewFactories()
	registerBuiltinKinds(a.factories, root.With(logx.String("comp", "job")), &http.Client{})

	a.svc = recurring.New(recCfg, recurring.Deps{
		Registry:    a.reg,
		Triggers:    a.triggers,
		Executor:    a.engine,
		Ownership:   a.ownership,
		Membership:  a.members,
		Eligibility: a.elig,
		Factories:   a.factories,
		Bus:         a.bus,
		Clock:       a.clock,
		Log:         root.With(logx.String("comp", "recurring")),
	})
	a.members.SetHandler(a.svc)

	a.mon = monitor.New(a.reg, a.triggers, a.engine, a.clock, root.With(logx.String("comp", "monitor")))
	a.handler = a.routes(sc)
	a.http = server.New(sc, a.handler, root.With(logx.String("comp", "http")))
	return nil
}

// Factories is the job-kind table. Register kinds before Start.
func (a *App) Factories() *jobs.Factories { return a.factories }

func (a *App) Recurring() *recurring.Service { return a.svc }

func (a *App) Monitor() *monitor.Service { return a.mon }

// Handler is the node's HTTP API.
func (a *App) Handler() http.Handler { return a.handler }

// Local is this node's member ID.
func (a *App) Local() cluster.MemberID { return a.members.Local() }

// Addr is the bound HTTP address once the server listens.
func (a *App) Addr() string { return a.http.Addr() }

// Ready is closed when the HTTP server is listening.
func (a *App) Ready() <-chan struct{} { return a.http.Ready() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	c := a.sup.Context()

	a.engine.Start(c)
	a.triggers.Start(c)
	a.http.Start(c)

	a.sup.GoRestart("registry.prune", a.pruneLoop, supervisor.WithRestartBackoff(time.Second, time.Minute))
	a.startEventLog()

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(a.validateReload)
		a.startReload()
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.scheduleDeclared(c, a.cfg.Jobs)

	a.log.Info("node started",
		logx.String("member", string(a.members.Local())),
		logx.String("registry", a.cfg.Registry.Driver),
		logx.Int("peers", len(a.cfg.Cluster.Peers)),
		logx.Any("kinds", a.factories.Kinds()),
	)
	return nil
}

func (a *App) pruneLoop(ctx context.Context) error {
	t := time.NewTicker(a.prune)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := a.reg.Prune(ctx)
			if err != nil {
				return fmt.Errorf("registry prune: %w", err)
			}
			if n > 0 {
				a.log.Debug("registry pruned", logx.Int("removed", n))
			}
		}
	}
}

// startEventLog logs bus events at debug level.
func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(256)
	log := a.log.With(logx.String("comp", "events"))
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				fields := []logx.Field{logx.String("type", e.Type), logx.String("key", e.Key)}
				if s, ok := e.Data.(string); ok && s != "" {
					fields = append(fields, logx.String("detail", s))
				}
				log.Debug("event", fields...)
			}
		}
	})
}

// validateReload rejects a reload that would fail to map.
func (a *App) validateReload(ctx context.Context, cfg *config.Config) error {
	if _, err := mapClusterConfig(cfg); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Node.ID) != a.nodeID {
		return fmt.Errorf("node.id cannot change at runtime")
	}
	return nil
}

// startReload applies hot-reloadable sections: logging, eligibility and the
// cluster member list. Other changes are logged as needing a restart.
func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfg
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(last, next)
				last = next
			}
		}
	})
}

func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(next))
		case "eligibility":
			a.elig.Set(next.Eligibility.Disabled, next.Eligibility.Locked)
		case "cluster":
			cc, err := mapClusterConfig(next)
			if err != nil {
				a.log.Warn("invalid cluster config; keeping previous", logx.Err(err))
				continue
			}
			// require_start_up is read at build time only.
			a.members.Apply(cc)
			applyPins(a.ownership, a.pins, next.Cluster.Pins)
			a.pins = next.Cluster.Pins
		}
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in reverse start order. Only the first call
// does anything.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if a.sup == nil {
		// Never started: only the registry and log sinks are open.
		err := a.reg.Close()
		_ = a.logs.Close()
		return err
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	a.step(ctx, "http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
	a.step(ctx, "trigger", 2*time.Second, func(c context.Context) error { a.triggers.Stop(c); return nil })
	a.step(ctx, "engine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "cluster", 2*time.Second, a.members.Close)
	a.step(ctx, "registry", time.Second, func(context.Context) error { return a.reg.Close() })
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max (never past ctx's deadline),
// so one stuck component cannot stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}
