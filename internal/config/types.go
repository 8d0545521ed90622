package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Timer    TimerConfig    `json:"timer"`
	Executor ExecutorConfig `json:"executor"`
	Storage  *StorageConfig `json:"storage,omitempty"`
	Pprof    PprofConfig    `json:"pprof,omitempty"`
	Breaker  BreakerConfig  `json:"breaker,omitempty"`
	Jobs     []JobConfig    `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// TimerConfig controls the timer worker.
//
// Defaults (when fields are omitted/zero):
//   - name: "delayq"
//   - late_threshold: "0s" (disabled)
//   - invoke: "executor"
type TimerConfig struct {
	Name          string `json:"name,omitempty"`
	LateThreshold string `json:"late_threshold,omitempty"`
	// LockOSThread pins the worker goroutine to its own OS thread.
	LockOSThread bool `json:"lock_os_thread,omitempty"`
	// Invoke selects how due callbacks run: "executor" (worker pool) or
	// "inline" (on the timer worker).
	Invoke string `json:"invoke,omitempty"`
}

// ExecutorConfig controls the worker pool jobs run on.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - default_timeout: "0s" (disabled)
//   - history_size: 200
type ExecutorConfig struct {
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
}

// StorageConfig controls the optional run history store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/delayq" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// PprofConfig controls the optional pprof HTTP server.
//
// Prefer binding to localhost (default "127.0.0.1:6060").
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
}

// BreakerConfig pauses recurring jobs that keep failing.
//
// Defaults (when fields are omitted/zero):
//   - trip_failures: 5 (negative disables)
//   - base_delay: "5s"
//   - max_delay: "2m"
type BreakerConfig struct {
	TripFailures int    `json:"trip_failures,omitempty"`
	BaseDelay    string `json:"base_delay,omitempty"`
	MaxDelay     string `json:"max_delay,omitempty"`
}

// JobConfig declares one job.
//
// Schedule forms are parsed by the jobs package:
//
//	"after:10s"                  one-shot, relative to start
//	"at:2026-01-02T15:04:05Z"    one-shot, absolute (RFC 3339)
//	"every:30s", "30s", "02:30"  fixed interval
//	"cron:*/5 * * * *"           cron (5 or 6 fields, @descriptors)
type JobConfig struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	// Action is "log" or "exec".
	Action  string   `json:"action"`
	Message string   `json:"message,omitempty"`
	Command []string `json:"command,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
	// Once skips a one-shot job that already ran successfully (needs storage).
	Once     bool `json:"once,omitempty"`
	Disabled bool `json:"disabled,omitempty"`
}
