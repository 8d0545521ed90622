package timer

import (
	"context"
	"runtime"
	"runtime/pprof"
)

// Worker describes the timer's worker goroutine to an Initializer.
type Worker struct {
	Name string
}

// Initializer runs once on the worker goroutine before its loop starts.
// It is the place for per-goroutine setup such as naming or thread pinning.
type Initializer interface {
	Init(w Worker)
}

// InitFunc adapts a function to Initializer.
type InitFunc func(w Worker)

func (f InitFunc) Init(w Worker) { f(w) }

var nopInit Initializer = InitFunc(func(Worker) {})

// Labels tags the worker goroutine with pprof labels timer=<name>, so it is
// identifiable in goroutine and CPU profiles.
func Labels() Initializer {
	return InitFunc(func(w Worker) {
		ctx := pprof.WithLabels(context.Background(), pprof.Labels("timer", w.Name))
		pprof.SetGoroutineLabels(ctx)
	})
}

// LockOSThread wires the worker to its own OS thread for its whole lifetime.
// The thread exits with the worker.
func LockOSThread() Initializer {
	return InitFunc(func(Worker) { runtime.LockOSThread() })
}

// ChainInit runs the given initializers in order. Nil entries are skipped.
func ChainInit(inits ...Initializer) Initializer {
	return InitFunc(func(w Worker) {
		for _, in := range inits {
			if in != nil {
				in.Init(w)
			}
		}
	})
}
