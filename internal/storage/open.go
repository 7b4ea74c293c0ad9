package storage

import (
	"fmt"
	"strings"

	logx "watchbot/pkg/logx"
)

// Open initializes the configured backend.
func Open(cfg Config, log logx.Logger) (Backend, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "memory", "mem":
		return NewMemory(cfg.HistoryLimit), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "postgresql":
		return openPostgres(cfg, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}
