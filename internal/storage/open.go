package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "delayq/pkg/logx"
)

// ErrUnknownDriver is returned by Open for a driver name it does not know.
var ErrUnknownDriver = errors.New("unknown storage driver")

// Store records job runs. Implementations are safe for concurrent use.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	// LastRun returns the time of the most recent successful run of job.
	LastRun(ctx context.Context, job string) (at time.Time, ok bool, err error)
	Close() error
}

type opener func(Config, logx.Logger) (Store, error)

var drivers = map[string]opener{
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Enabled reports whether driver selects a store at all.
func Enabled(driver string) bool {
	d := strings.ToLower(strings.TrimSpace(driver))
	return d != "" && d != "none"
}

// Open opens the store selected by cfg.Driver. A disabled driver yields
// (nil, nil); callers treat a nil Store as "no history".
func Open(cfg Config, log logx.Logger) (Store, error) {
	if !Enabled(cfg.Driver) {
		return nil, nil
	}
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	st, err := open(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("storage %s: %w", name, err)
	}
	log.Debug("storage opened", logx.String("driver", name), logx.String("path", cfg.Path))
	return st, nil
}
