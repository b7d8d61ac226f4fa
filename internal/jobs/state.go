package jobs

import "time"

// State is the replicated progress record of one job. Timestamps are unix
// milliseconds.
type State struct {
	Descriptor Descriptor `json:"descriptor"`
	Priority   int        `json:"priority"`

	LastRunAt     int64 `json:"last_run_at"`
	LastUpdatedAt int64 `json:"last_updated_at"`

	TimeoutMs              int64 `json:"timeout_ms"`
	InitialIntervalMs      int64 `json:"initial_interval_ms"`
	CurrentIntervalMs      int64 `json:"current_interval_ms"`
	ProgressionRatePercent int64 `json:"progression_rate_percent"`
}

// Expired reports whether the job was abandoned: now > LastUpdatedAt + TimeoutMs.
func (s State) Expired(now int64) bool {
	if s.TimeoutMs <= 0 {
		return false
	}
	return now > s.LastUpdatedAt+s.TimeoutMs
}

// Progressive reports whether the interval grows after successful runs.
func (s State) Progressive() bool {
	return s.ProgressionRatePercent > 0 && s.CurrentIntervalMs > 0
}

// NextInterval applies one progression step, rounding down. A non-progressive
// state keeps its interval.
func (s State) NextInterval() int64 {
	if !s.Progressive() {
		return s.CurrentIntervalMs
	}
	return s.CurrentIntervalMs + s.CurrentIntervalMs*s.ProgressionRatePercent/100
}

// NextRunAt is when the job is due after its last run.
func (s State) NextRunAt() int64 { return s.LastRunAt + s.CurrentIntervalMs }

// TTL is the registry lifetime of the entry; 0 means no expiry.
func (s State) TTL() time.Duration {
	if s.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(s.TimeoutMs) * time.Millisecond
}
