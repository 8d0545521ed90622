// Package storage persists job run history.
//
// It backs two features: the run log operators read after the fact, and
// "once" jobs, which consult LastRun so they do not fire again after a
// restart.
package storage
