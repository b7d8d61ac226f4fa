package recurring

import (
	"errors"

	"jobmesh/internal/jobs"
)

// Configuration errors, returned synchronously by the Schedule calls.
var (
	ErrInvalidTimeout     = errors.New("timeout must be > 0")
	ErrInvalidInterval    = errors.New("interval must be > 0")
	ErrInvalidProgression = errors.New("progression rate must be > 0")
	ErrUnknownKind        = jobs.ErrUnknownKind
	ErrUnknownOp          = errors.New("unknown cluster task op")
)
