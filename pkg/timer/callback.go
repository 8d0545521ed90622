package timer

import "sync/atomic"

// State is the lifecycle of a Callback. It leaves StatePending exactly once.
type State int32

const (
	StatePending State = iota
	StateCancelled
	StateInvoked
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCancelled:
		return "cancelled"
	case StateInvoked:
		return "invoked"
	default:
		return "unknown"
	}
}

// Callback wraps a user function with at-most-once execution.
//
// The *Callback returned by Schedule is the cancellation handle. It is shared
// between the caller and the timer queue and is released once both drop it.
type Callback struct {
	fn    func()
	state atomic.Int32
}

func newCallback(fn func()) *Callback {
	return &Callback{fn: fn}
}

// Cancel prevents the callback from running.
// It reports true only if this call moved the callback out of StatePending;
// cancelling a callback that already ran or was cancelled returns false.
func (c *Callback) Cancel() bool {
	return c.state.CompareAndSwap(int32(StatePending), int32(StateCancelled))
}

// TryCall runs the wrapped function if the callback is still pending.
// It reports whether the function ran. The function executes on the calling
// goroutine with no locks held.
func (c *Callback) TryCall() bool {
	if !c.state.CompareAndSwap(int32(StatePending), int32(StateInvoked)) {
		return false
	}
	if c.fn != nil {
		c.fn()
	}
	return true
}

// State returns the current state. The value may be stale by the time the
// caller looks at it unless it is terminal.
func (c *Callback) State() State {
	return State(c.state.Load())
}
