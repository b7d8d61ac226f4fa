package config

import (
	"reflect"
	"sort"
	"strings"

	logx "jobmesh/pkg/logx"
)

// Sections applied on reload without a restart.
var hotSections = map[string]bool{
	"logging":     true,
	"eligibility": true,
	"cluster":     true,
}

// SummarizeConfigChange returns the changed sections in sorted order and
// structured attrs for logging them.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if strings.TrimSpace(oldCfg.Node.ID) != strings.TrimSpace(newCfg.Node.ID) {
		changed = append(changed, "node")
		attrs = append(attrs, logx.String("node.id", strings.TrimSpace(newCfg.Node.ID)))
	}

	if !reflect.DeepEqual(oldCfg.Cluster, newCfg.Cluster) {
		changed = append(changed, "cluster")
		attrs = append(attrs,
			logx.Int("cluster.peers", len(newCfg.Cluster.Peers)),
			logx.Int("cluster.pins", len(newCfg.Cluster.Pins)),
			logx.String("cluster.call_timeout", newCfg.Cluster.CallTimeout),
		)
	}

	if oldCfg.Registry != newCfg.Registry {
		changed = append(changed, "registry")
		attrs = append(attrs,
			logx.String("registry.driver", newCfg.Registry.Driver),
			logx.Bool("registry.path_set", strings.TrimSpace(newCfg.Registry.Path) != ""),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.retain_delay", newCfg.Scheduler.RetainDelay),
			logx.String("scheduler.fire_timeout", newCfg.Scheduler.FireTimeout),
		)
	}

	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.Int("engine.queue_size", newCfg.Engine.QueueSize),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		// never log the token itself
		attrs = append(attrs,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Eligibility, newCfg.Eligibility) {
		changed = append(changed, "eligibility")
		attrs = append(attrs,
			logx.Int("eligibility.disabled", len(newCfg.Eligibility.Disabled)),
			logx.Int("eligibility.locked", len(newCfg.Eligibility.Locked)),
		)
	}

	if jobs := diffJobs(oldCfg.Jobs, newCfg.Jobs); len(jobs) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs, logx.Int("jobs.changed_count", len(jobs)), logx.Int("jobs.count", len(newCfg.Jobs)))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters the sections a running node cannot apply.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !hotSections[s] {
			out = append(out, s)
		}
	}
	return out
}

// diffJobs returns the names of declared jobs that were added, removed or
// edited.
func diffJobs(oldJobs, newJobs []JobConfig) []string {
	index := func(list []JobConfig) map[string]JobConfig {
		m := make(map[string]JobConfig, len(list))
		for _, j := range list {
			m[j.Name()] = j
		}
		return m
	}
	oldM, newM := index(oldJobs), index(newJobs)

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for name := range set {
		o, ook := oldM[name]
		n, nok := newM[name]
		if ook != nok || !sameJob(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func sameJob(a, b JobConfig) bool {
	if canonicalHashJSON(a.Params) != canonicalHashJSON(b.Params) {
		return false
	}
	a.Params, b.Params = nil, nil
	return reflect.DeepEqual(a, b)
}
