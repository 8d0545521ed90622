// Package pqueue provides a mutex-guarded min-heap with a conditional pop.
//
// TryPopIf is the only removal primitive: the caller inspects the current
// minimum and decides, inside the same critical section, whether to take it.
// This lets a consumer drain every due item and learn the next key without a
// separate peek-then-pop window.
package pqueue
