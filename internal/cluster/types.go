package cluster

import (
	"context"
	"encoding/json"
	"errors"

	"jobmesh/internal/jobs"
)

// MemberID identifies a cluster member.
type MemberID string

var (
	ErrUnknownMember = errors.New("unknown cluster member")
	ErrClosed        = errors.New("membership closed")
)

// Ownership maps resources to the member currently serving them. It is
// queried, never mutated, by the scheduler.
type Ownership interface {
	// OwnerOf reports the owner of resourceID; false if it has none.
	OwnerOf(ctx context.Context, resourceID string) (MemberID, bool, error)
	// StartUp asks for lazy initialization of the job's resource.
	StartUp(ctx context.Context, desc jobs.Descriptor) error
}

// Membership lists live members and delivers tasks to them.
type Membership interface {
	Members(ctx context.Context) ([]MemberID, error)
	Local() MemberID
	// Submit is fire-and-forget: it returns once the task is handed off,
	// not when the remote member processed it.
	Submit(ctx context.Context, member MemberID, task Task) error
}

// Eligibility decides whether a job may run locally.
type Eligibility interface {
	IsModuleEnabled(ctx context.Context, tenant, principal int64, module string) (bool, error)
	IsLocked(ctx context.Context, tenant, principal int64, module string) (bool, error)
}

// Op is the kind of a cluster task.
type Op string

const (
	OpScheduleProgressive Op = "schedule_progressive"
	OpScheduleFixed       Op = "schedule_fixed"
	OpUnscheduleGroup     Op = "unschedule_group"
)

// Task is the message exchanged between members. Times are unix ms.
type Task struct {
	ID         string          `json:"id"`
	Op         Op              `json:"op"`
	From       MemberID        `json:"from,omitempty"`
	Descriptor jobs.Descriptor `json:"descriptor"`
	Priority   int             `json:"priority,omitempty"`

	StartAt                int64  `json:"start_at,omitempty"`
	IntervalMs             int64  `json:"interval_ms,omitempty"`
	Cron                   string `json:"cron,omitempty"`
	TimeoutMs              int64  `json:"timeout_ms,omitempty"`
	InitialIntervalMs      int64  `json:"initial_interval_ms,omitempty"`
	ProgressionRatePercent int64  `json:"progression_rate_percent,omitempty"`

	// Group is the trigger group (or group prefix) for OpUnscheduleGroup.
	Group  string `json:"group,omitempty"`
	Prefix bool   `json:"prefix,omitempty"`

	// Params are the job kind's settings, so the receiver can build the
	// same callback.
	Params json.RawMessage `json:"params,omitempty"`
}

// TaskHandler is the local landing point of submitted tasks.
type TaskHandler interface {
	HandleTask(ctx context.Context, t Task) error
}

type TaskHandlerFunc func(ctx context.Context, t Task) error

func (f TaskHandlerFunc) HandleTask(ctx context.Context, t Task) error { return f(ctx, t) }
