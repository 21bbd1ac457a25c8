package storage

import (
	"fmt"
	"strings"

	logx "crawlsched/pkg/logx"
)

var drivers = map[string]func(Config, logx.Logger) (Store, error){
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Open opens the store named by cfg.Driver; an empty driver means "file".
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" {
		name = "file"
	}
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
	cfg.Driver = name
	if cfg.OutcomesPerTarget <= 0 {
		cfg.OutcomesPerTarget = defaultOutcomesPerTarget
	}
	st, err := open(cfg, log.With(logx.String("driver", name)))
	if err != nil {
		return nil, fmt.Errorf("storage: open %s %q: %w", name, cfg.Path, err)
	}
	return st, nil
}
