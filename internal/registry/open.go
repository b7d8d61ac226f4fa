package registry

import (
	"errors"
	"strings"

	"jobmesh/internal/jobs"
	logx "jobmesh/pkg/logx"
)

// Open initializes the configured backend. An empty driver selects memory.
func Open(cfg Config, clock jobs.Clock, log logx.Logger) (Registry, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory", "mem":
		return newMem(clock), nil
	case "file":
		s, err := openFile(cfg, clock, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite", "sqlite3":
		s, err := openSQLite(cfg, clock, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, errors.New("unknown registry driver: " + driver)
	}
}
