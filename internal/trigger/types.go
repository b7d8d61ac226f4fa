package trigger

import (
	"context"
	"errors"
	"time"
)

// ErrRetain may be returned by a Handler to keep a one-shot trigger armed.
// The trigger fires again after Config.RetainDelay.
var ErrRetain = errors.New("trigger retained")

var (
	ErrInvalidKey      = errors.New("trigger key and job key are required")
	ErrInvalidInterval = errors.New("repeat interval must be > 0")
	ErrNilHandler      = errors.New("trigger handler is nil")
	ErrInvalidCron     = errors.New("invalid cron")
)

// Config controls the local trigger scheduler.
type Config struct {
	// RetainDelay is the refire delay of a retained one-shot trigger and of
	// fires the engine could not accept. 0 means 30s.
	RetainDelay time.Duration

	// FireTimeout bounds a single fire. 0 uses the engine default.
	FireTimeout time.Duration
}

// MisfirePolicy decides what happens to a trigger whose fire time passed
// while it could not fire.
type MisfirePolicy int

const (
	// MisfireFireNow fires a late trigger immediately. Late fires are never
	// dropped.
	MisfireFireNow MisfirePolicy = iota
)

func (p MisfirePolicy) String() string {
	switch p {
	case MisfireFireNow:
		return "fire_now"
	default:
		return "unknown"
	}
}

// Trigger states.
const (
	StateArmed   = "armed"
	StateFiring  = "firing"
	StateBlocked = "blocked"
)

// Trigger is a node-local handle: fire the job at FireAt.
type Trigger struct {
	Key      string        `json:"key"`
	JobKey   string        `json:"job_key"`
	Group    string        `json:"group"`
	FireAt   time.Time     `json:"fire_at"`
	Priority int           `json:"priority"`
	Misfire  MisfirePolicy `json:"misfire"`

	// Every or Cron is set on repeating triggers.
	Every time.Duration `json:"every,omitempty"`
	Cron  string        `json:"cron,omitempty"`

	State      string    `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	LastFireAt time.Time `json:"last_fire_at,omitzero"`
	Fires      uint64    `json:"fires"`
}

// Repeating reports whether the trigger re-arms itself after each fire.
func (t Trigger) Repeating() bool { return t.Every > 0 || t.Cron != "" }

// Fire is passed to a Handler.
type Fire struct {
	Trigger     Trigger
	ScheduledAt time.Time
	FiredAt     time.Time
}

// Handler runs a fire on an engine worker. Fires of the same job key never
// overlap.
type Handler func(ctx context.Context, f Fire) error

// InFlight is a fire currently executing.
type InFlight struct {
	JobKey     string    `json:"job_key"`
	TriggerKey string    `json:"trigger_key"`
	Group      string    `json:"group"`
	Started    time.Time `json:"started"`
}
