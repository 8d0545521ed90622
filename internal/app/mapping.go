package app

import (
	"fmt"
	"strings"
	"time"

	"delayq/internal/config"
	"delayq/internal/executor"
	"delayq/internal/jobs"
	"delayq/internal/observability/pprof"
	"delayq/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	if !storage.Enabled(sc.Driver) {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapExecutorConfig(cfg *config.Config) (executor.Config, error) {
	ec := cfg.Executor
	timeout, err := config.ParseDurationField("executor.default_timeout", ec.DefaultTimeout)
	if err != nil {
		return executor.Config{}, err
	}
	return executor.Config{
		Workers:        ec.Workers,
		QueueSize:      ec.QueueSize,
		DefaultTimeout: timeout,
		HistorySize:    ec.HistorySize,
	}, nil
}

func mapJobDefs(cfg *config.Config) ([]jobs.Def, error) {
	defs := make([]jobs.Def, 0, len(cfg.Jobs))
	for i, jc := range cfg.Jobs {
		if jc.Disabled {
			continue
		}
		timeout, err := config.ParseDurationField(fmt.Sprintf("jobs[%d].timeout", i), jc.Timeout)
		if err != nil {
			return nil, err
		}
		defs = append(defs, jobs.Def{
			Name:     strings.TrimSpace(jc.Name),
			Schedule: jc.Schedule,
			Action:   jobs.Action(strings.ToLower(strings.TrimSpace(jc.Action))),
			Message:  jc.Message,
			Command:  jc.Command,
			Timeout:  timeout,
			Once:     jc.Once,
		})
	}
	return defs, nil
}

func mapJobsConfig(cfg *config.Config) (jobs.Config, error) {
	base, err := config.ParseDurationField("breaker.base_delay", cfg.Breaker.BaseDelay)
	if err != nil {
		return jobs.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("breaker.max_delay", cfg.Breaker.MaxDelay)
	if err != nil {
		return jobs.Config{}, err
	}
	return jobs.Config{Breaker: jobs.BreakerConfig{
		Trip:      cfg.Breaker.TripFailures,
		BaseDelay: base,
		MaxDelay:  maxDelay,
	}}, nil
}

func mapPprofConfig(cfg *config.Config) pprof.Config {
	return pprof.Config{Enabled: cfg.Pprof.Enabled, Addr: cfg.Pprof.AddrOrDefault()}
}

// Check validates cfg the way Start and hot reload do, including schedule
// parsing. The CLI check command uses it.
func Check(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapExecutorConfig(cfg); err != nil {
		return err
	}
	if _, err := mapJobsConfig(cfg); err != nil {
		return err
	}
	defs, err := mapJobDefs(cfg)
	if err != nil {
		return err
	}
	return jobs.Validate(defs)
}
