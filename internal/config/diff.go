package config

import (
	"reflect"
	"strings"

	logx "delayq/pkg/logx"
)

// SummarizeChange returns the list of changed top-level sections and safe
// structured fields for logging a reload.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Timer != newCfg.Timer {
		// Timer settings are fixed at construction; a restart is needed.
		changed = append(changed, "timer")
		attrs = append(attrs, logx.Bool("timer.restart_required", true))
	}
	if oldCfg.Executor != newCfg.Executor {
		changed = append(changed, "executor")
		attrs = append(attrs,
			logx.Int("executor.workers", newCfg.Executor.Workers),
			logx.Int("executor.queue_size", newCfg.Executor.QueueSize),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.Bool("storage.restart_required", true))
	}
	if oldCfg.Pprof != newCfg.Pprof {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
		)
	}
	if oldCfg.Breaker != newCfg.Breaker {
		changed = append(changed, "breaker")
		attrs = append(attrs, logx.Bool("breaker.restart_required", true))
	}
	if !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs) {
		changed = append(changed, "jobs")
		attrs = append(attrs, logx.Int("jobs.count", len(newCfg.Jobs)))
	}
	return changed, attrs
}
