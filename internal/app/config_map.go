package app

import (
	"strings"
	"time"

	"jobmesh/internal/cluster"
	"jobmesh/internal/config"
	"jobmesh/internal/engine"
	"jobmesh/internal/recurring"
	"jobmesh/internal/registry"
	"jobmesh/internal/server"
	"jobmesh/internal/trigger"
	logx "jobmesh/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapRegistryConfig(cfg *config.Config) (registry.Config, error) {
	rc := cfg.Registry
	busy, err := config.ParseDurationField("registry.busy_timeout", rc.BusyTimeout)
	if err != nil {
		return registry.Config{}, err
	}
	return registry.Config{
		Driver:       strings.ToLower(strings.TrimSpace(rc.Driver)),
		Path:         strings.TrimSpace(rc.Path),
		BusyTimeout:  busy,
		CompactEvery: rc.CompactEvery,
	}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	ec := cfg.Engine
	workers := ec.Workers
	if workers <= 0 {
		workers = 4
	}
	queueSize := ec.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	history := ec.HistorySize
	if history <= 0 {
		history = 200
	}
	defTimeout, err := config.ParseDurationField("engine.default_timeout", ec.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.ParseDurationField("engine.max_queue_delay", ec.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:        workers,
		QueueSize:      queueSize,
		DefaultTimeout: defTimeout,
		MaxQueueDelay:  maxQueueDelay,
		HistorySize:    history,
	}, nil
}

func mapTriggerConfig(cfg *config.Config) (trigger.Config, error) {
	retain, err := config.ParseDurationOrDefault("scheduler.retain_delay", cfg.Scheduler.RetainDelay, 30*time.Second)
	if err != nil {
		return trigger.Config{}, err
	}
	fire, err := config.ParseDurationField("scheduler.fire_timeout", cfg.Scheduler.FireTimeout)
	if err != nil {
		return trigger.Config{}, err
	}
	return trigger.Config{RetainDelay: retain, FireTimeout: fire}, nil
}

func mapClusterConfig(cfg *config.Config) (cluster.HTTPConfig, error) {
	cc := cfg.Cluster
	timeout, err := config.ParseDurationOrDefault("cluster.call_timeout", cc.CallTimeout, 5*time.Second)
	if err != nil {
		return cluster.HTTPConfig{}, err
	}
	rate := cc.SubmitRate
	if rate == 0 {
		rate = 50
	}
	burst := cc.SubmitBurst
	if burst == 0 {
		burst = 100
	}
	peers := make([]cluster.Peer, 0, len(cc.Peers))
	for _, p := range cc.Peers {
		peers = append(peers, cluster.Peer{ID: cluster.MemberID(strings.TrimSpace(p.ID)), Addr: strings.TrimSpace(p.Addr)})
	}
	return cluster.HTTPConfig{
		Local:       cluster.MemberID(strings.TrimSpace(cfg.Node.ID)),
		Peers:       peers,
		CallTimeout: timeout,
		SubmitRate:  rate,
		SubmitBurst: burst,
		Secret:      strings.TrimSpace(cc.Secret),
	}, nil
}

func mapRecurringConfig(cfg *config.Config) (recurring.Config, error) {
	cc := cfg.Cluster
	call, err := config.ParseDurationOrDefault("cluster.call_timeout", cc.CallTimeout, 5*time.Second)
	if err != nil {
		return recurring.Config{}, err
	}
	startup, err := config.ParseDurationOrDefault("cluster.startup_timeout", cc.StartupTimeout, 2*time.Second)
	if err != nil {
		return recurring.Config{}, err
	}
	retry, err := config.ParseDurationOrDefault("cluster.retry_delay", cc.RetryDelay, 30*time.Second)
	if err != nil {
		return recurring.Config{}, err
	}
	return recurring.Config{CallTimeout: call, StartupTimeout: startup, RetryDelay: retry}, nil
}

func mapServerConfig(cfg *config.Config) (server.Config, error) {
	hc := cfg.HTTP
	read, err := config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 15*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 30*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 60*time.Second)
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		Addr:         strings.TrimSpace(hc.Addr),
		Token:        strings.TrimSpace(hc.Token),
		Pprof:        hc.Pprof,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}

func prunePeriod(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("registry.prune_interval", cfg.Registry.PruneInterval, time.Minute)
}

// applyPins replaces the pinned owners, clearing pins that were dropped.
func applyPins(own *cluster.HashOwnership, prev, next map[string]string) {
	for rid := range prev {
		if _, ok := next[rid]; !ok {
			own.Pin(rid, "")
		}
	}
	for rid, m := range next {
		own.Pin(strings.TrimSpace(rid), cluster.MemberID(strings.TrimSpace(m)))
	}
}
