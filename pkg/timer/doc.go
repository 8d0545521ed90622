// Package timer runs single-shot callbacks after a delay on one dedicated
// worker goroutine per Timer.
//
// Producers call Schedule from any goroutine; it never blocks. The worker
// sleeps until the earliest deadline or until a new registration (or Close)
// wakes it, drains everything that is due, and goes back to sleep. It never
// polls.
//
// Each registration returns a *Callback. Cancel and the worker's TryCall race
// on a single atomic state field, so exactly one of them wins: a callback
// either runs once or was cancelled, never both.
//
// How a due callback is executed is pluggable (Invoker). The default runs it
// inline on the worker, so a slow callback delays every later one; use Go()
// or an executor-backed Invoker for parallel execution.
package timer
