package timer

import (
	"time"

	logx "delayq/pkg/logx"
)

// Option configures a Timer at construction.
type Option func(*Timer)

// WithInit sets the per-worker initialization hook. Default: no-op.
func WithInit(in Initializer) Option {
	return func(t *Timer) {
		if in != nil {
			t.init = in
		}
	}
}

// WithInvoker sets the invocation strategy. Default: Inline.
func WithInvoker(inv Invoker) Option {
	return func(t *Timer) {
		if inv != nil {
			t.inv = inv
		}
	}
}

// WithLogger enables lifecycle and lateness logging.
func WithLogger(log logx.Logger) Option {
	return func(t *Timer) { t.log = log }
}

// WithName names the worker (passed to the Initializer and used in logs).
func WithName(name string) Option {
	return func(t *Timer) {
		if name != "" {
			t.name = name
		}
	}
}

// WithLateThreshold counts (and logs, at most once per second) callbacks that
// are dispatched more than d after their deadline. 0 disables the check.
func WithLateThreshold(d time.Duration) Option {
	return func(t *Timer) {
		if d > 0 {
			t.lateThreshold = d
		}
	}
}
