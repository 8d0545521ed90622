package timer

import (
	"runtime/debug"

	logx "delayq/pkg/logx"
)

// Invoker decides how a due callback is executed.
//
// Invoke is called on the timer's worker goroutine for every popped entry,
// in non-decreasing deadline order. It must eventually call cb.TryCall (or
// deliberately drop the callback). Blocking in Invoke delays the worker.
type Invoker interface {
	Invoke(cb *Callback)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(cb *Callback)

func (f InvokerFunc) Invoke(cb *Callback) { f(cb) }

// Inline runs callbacks synchronously on the worker. It is the default.
var Inline Invoker = InvokerFunc(func(cb *Callback) { cb.TryCall() })

// Recover runs callbacks inline and contains panics, logging them instead of
// taking the worker (and the process) down.
func Recover(log logx.Logger) Invoker {
	return InvokerFunc(func(cb *Callback) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("timer callback panicked",
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())),
				)
			}
		}()
		cb.TryCall()
	})
}

// Go runs each callback on its own goroutine. Callbacks may then run in
// parallel and their relative order is not preserved.
func Go() Invoker {
	return InvokerFunc(func(cb *Callback) {
		go cb.TryCall()
	})
}
