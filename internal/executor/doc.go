// Package executor is a bounded worker pool for timer callbacks and jobs.
//
// It is the non-inline invocation strategy for pkg/timer: Invoker() hands due
// callbacks to supervised workers, so a slow callback no longer delays the
// timer's worker. When the pool cannot accept work the callback runs inline
// instead of being lost.
package executor
