package config

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"

	logx "delayq/pkg/logx"
)

// Validate checks structural rules that do not need the jobs parser.
// All problems are reported together.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	var err error

	if !logx.ValidLevel(c.Logging.Level) {
		err = multierr.Append(err, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}

	if _, e := ParseDurationField("timer.late_threshold", c.Timer.LateThreshold); e != nil {
		err = multierr.Append(err, e)
	}
	switch strings.ToLower(strings.TrimSpace(c.Timer.Invoke)) {
	case "", "executor", "inline":
	default:
		err = multierr.Append(err, fmt.Errorf("timer.invoke: must be \"executor\" or \"inline\", got %q", c.Timer.Invoke))
	}

	if c.Executor.Workers < 0 {
		err = multierr.Append(err, fmt.Errorf("executor.workers: must be >= 0"))
	}
	if c.Executor.QueueSize < 0 {
		err = multierr.Append(err, fmt.Errorf("executor.queue_size: must be >= 0"))
	}
	if _, e := ParseDurationField("executor.default_timeout", c.Executor.DefaultTimeout); e != nil {
		err = multierr.Append(err, e)
	}

	if c.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(c.Storage.Path) == "" {
				err = multierr.Append(err, fmt.Errorf("storage.path: required for driver %q", c.Storage.Driver))
			}
		default:
			err = multierr.Append(err, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
		}
		if _, e := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); e != nil {
			err = multierr.Append(err, e)
		}
	}

	if _, e := ParseDurationField("breaker.base_delay", c.Breaker.BaseDelay); e != nil {
		err = multierr.Append(err, e)
	}
	if _, e := ParseDurationField("breaker.max_delay", c.Breaker.MaxDelay); e != nil {
		err = multierr.Append(err, e)
	}

	seen := make(map[string]int, len(c.Jobs))
	for i, j := range c.Jobs {
		name := strings.TrimSpace(j.Name)
		if name == "" {
			err = multierr.Append(err, fmt.Errorf("jobs[%d]: name is required", i))
		} else if prev, dup := seen[name]; dup {
			err = multierr.Append(err, fmt.Errorf("jobs[%d]: duplicate name %q (also jobs[%d])", i, name, prev))
		} else {
			seen[name] = i
		}
		switch strings.ToLower(strings.TrimSpace(j.Action)) {
		case "", "log":
		case "exec":
			if len(j.Command) == 0 || strings.TrimSpace(j.Command[0]) == "" {
				err = multierr.Append(err, fmt.Errorf("jobs[%d]: exec action needs a command", i))
			}
		default:
			err = multierr.Append(err, fmt.Errorf("jobs[%d]: unknown action %q", i, j.Action))
		}
		if _, e := ParseDurationField(fmt.Sprintf("jobs[%d].timeout", i), j.Timeout); e != nil {
			err = multierr.Append(err, e)
		}
	}
	return err
}
