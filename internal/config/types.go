package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"jobmesh/internal/trigger"
	logx "jobmesh/pkg/logx"
)

// Config is the node configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Node        NodeConfig        `json:"node"`
	Cluster     ClusterConfig     `json:"cluster"`
	Registry    RegistryConfig    `json:"registry"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Engine      EngineConfig      `json:"engine"`
	Logging     LoggingConfig     `json:"logging"`
	HTTP        HTTPConfig        `json:"http"`
	Eligibility EligibilityConfig `json:"eligibility"`
	Jobs        []JobConfig       `json:"jobs,omitempty"`
}

type NodeConfig struct {
	// ID is this member's identity in the cluster. Empty generates a random
	// one at start, which only suits single-node setups.
	ID string `json:"id"`
}

// ClusterConfig lists the other members and bounds coordination calls.
//
// Defaults:
//   - call_timeout: "5s"
//   - startup_timeout: "2s"
//   - retry_delay: "30s"
//   - submit_rate: 50 (per second), submit_burst: 100
type ClusterConfig struct {
	Peers          []PeerConfig `json:"peers,omitempty"`
	CallTimeout    string       `json:"call_timeout,omitempty"`
	StartupTimeout string       `json:"startup_timeout,omitempty"`
	RetryDelay     string       `json:"retry_delay,omitempty"`
	SubmitRate     float64      `json:"submit_rate,omitempty"`
	SubmitBurst    int          `json:"submit_burst,omitempty"`

	// RequireStartUp makes a resource unowned until StartUp was requested
	// for it on this member.
	RequireStartUp bool `json:"require_start_up,omitempty"`

	// Pins maps a resource id ("tenant/module") to the member that owns it,
	// overriding the hash placement.
	Pins map[string]string `json:"pins,omitempty"`

	// Secret is shared by all members. When set, task deliveries carry it
	// and /cluster/task rejects requests without it.
	Secret string `json:"secret,omitempty"`
}

type PeerConfig struct {
	ID   string `json:"id"`
	Addr string `json:"addr"` // base URL, e.g. "http://10.0.0.2:8080"
}

// RegistryConfig selects the job-state backend.
//
// Example:
//
//	"registry": { "driver": "sqlite", "path": "./jobmesh.db" }
type RegistryConfig struct {
	Driver        string `json:"driver"`
	Path          string `json:"path,omitempty"`
	BusyTimeout   string `json:"busy_timeout,omitempty"`   // sqlite
	CompactEvery  int    `json:"compact_every,omitempty"`  // file
	PruneInterval string `json:"prune_interval,omitempty"` // default "1m"
}

type SchedulerConfig struct {
	RetainDelay string `json:"retain_delay,omitempty"` // default "30s"
	FireTimeout string `json:"fire_timeout,omitempty"`
}

// EngineConfig sizes the worker pool that runs fires.
//
// Defaults: workers 4, queue_size 256, history_size 200.
type EngineConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig configures the node HTTP server. Token, when set, guards every
// route except /healthz and the peer task endpoint.
type HTTPConfig struct {
	Addr         string `json:"addr"` // default ":8080"
	Token        string `json:"token,omitempty"`
	Pprof        bool   `json:"pprof,omitempty"` // mount /debug/pprof/
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// EligibilityConfig switches modules off and locks resources.
//
// Disabled entries are "module" or "tenant/module". Locked entries are
// "tenant/principal/module", with "*" as principal for a whole tenant.
type EligibilityConfig struct {
	Disabled []string `json:"disabled,omitempty"`
	Locked   []string `json:"locked,omitempty"`
}

// JobConfig declares a job scheduled when the node starts. Either Schedule
// (fixed cadence) or Progressive must be set.
type JobConfig struct {
	Kind      string `json:"kind"`
	Tenant    int64  `json:"tenant"`
	Principal int64  `json:"principal"`
	Module    string `json:"module"`
	Priority  int    `json:"priority,omitempty"`

	// Schedule is a cron expression, "every <duration>", a bare duration,
	// or an "HH:MM" interval ("02:30" repeats every two and a half hours).
	Schedule    string                `json:"schedule,omitempty"`
	Progressive *ProgressiveJobConfig `json:"progressive,omitempty"`

	Params json.RawMessage `json:"params,omitempty"`
}

type ProgressiveJobConfig struct {
	Timeout         string `json:"timeout"`
	InitialInterval string `json:"initial_interval"`
	RatePercent     int64  `json:"rate_percent"`
	StartIn         string `json:"start_in,omitempty"`
}

func (j JobConfig) Name() string {
	return fmt.Sprintf("%s/%d/%d/%s", j.Kind, j.Tenant, j.Principal, j.Module)
}

var ErrInvalidConfig = errors.New("invalid config")

// Validate checks what can be checked without building components.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil", ErrInvalidConfig)
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	if !logx.ValidLevel(c.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}
	if c.Logging.File.Enabled && strings.TrimSpace(c.Logging.File.Path) == "" {
		add(errors.New("logging.file.path: required when file logging is enabled"))
	}

	dur("cluster.call_timeout", c.Cluster.CallTimeout)
	dur("cluster.startup_timeout", c.Cluster.StartupTimeout)
	dur("cluster.retry_delay", c.Cluster.RetryDelay)
	if c.Cluster.SubmitRate < 0 || c.Cluster.SubmitBurst < 0 {
		add(errors.New("cluster.submit_rate/submit_burst: must be >= 0"))
	}
	seen := map[string]bool{}
	for i, p := range c.Cluster.Peers {
		id := strings.TrimSpace(p.ID)
		if id == "" || strings.TrimSpace(p.Addr) == "" {
			add(fmt.Errorf("cluster.peers[%d]: id and addr required", i))
			continue
		}
		if seen[id] {
			add(fmt.Errorf("cluster.peers[%d]: duplicate id %q", i, id))
		}
		seen[id] = true
	}

	switch strings.ToLower(strings.TrimSpace(c.Registry.Driver)) {
	case "", "memory", "mem":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Registry.Path) == "" {
			add(fmt.Errorf("registry.path: required for driver %q", c.Registry.Driver))
		}
	default:
		add(fmt.Errorf("registry.driver: unknown driver %q", c.Registry.Driver))
	}
	dur("registry.busy_timeout", c.Registry.BusyTimeout)
	dur("registry.prune_interval", c.Registry.PruneInterval)

	dur("scheduler.retain_delay", c.Scheduler.RetainDelay)
	dur("scheduler.fire_timeout", c.Scheduler.FireTimeout)

	if c.Engine.Workers < 0 || c.Engine.QueueSize < 0 || c.Engine.HistorySize < 0 {
		add(errors.New("engine: sizes must be >= 0"))
	}
	dur("engine.default_timeout", c.Engine.DefaultTimeout)
	dur("engine.max_queue_delay", c.Engine.MaxQueueDelay)

	dur("http.read_timeout", c.HTTP.ReadTimeout)
	dur("http.write_timeout", c.HTTP.WriteTimeout)
	dur("http.idle_timeout", c.HTTP.IdleTimeout)

	for i, j := range c.Jobs {
		path := fmt.Sprintf("jobs[%d]", i)
		if strings.TrimSpace(j.Kind) == "" || strings.TrimSpace(j.Module) == "" {
			add(fmt.Errorf("%s: kind and module required", path))
		}
		hasSched := strings.TrimSpace(j.Schedule) != ""
		if hasSched == (j.Progressive != nil) {
			add(fmt.Errorf("%s: exactly one of schedule or progressive required", path))
		}
		if hasSched {
			if _, err := trigger.ParseSchedule(j.Schedule); err != nil {
				add(fmt.Errorf("%s.schedule: %w", path, err))
			}
		}
		if p := j.Progressive; p != nil {
			dur(path+".progressive.timeout", p.Timeout)
			dur(path+".progressive.initial_interval", p.InitialInterval)
			dur(path+".progressive.start_in", p.StartIn)
			if p.RatePercent <= 0 {
				add(fmt.Errorf("%s.progressive.rate_percent: must be > 0", path))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
