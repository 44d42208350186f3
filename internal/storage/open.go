package storage

import (
	"fmt"
	"strings"

	logx "digestbot/pkg/logx"
)

// Open initializes the configured store. An empty driver means sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Driver)); driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "postgres", "pgx":
		return openPostgres(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
