package executor

import "errors"

var (
	ErrStopped   = errors.New("executor stopped")
	ErrStopping  = errors.New("executor stopping")
	ErrQueueFull = errors.New("executor queue full")
	ErrInvalid   = errors.New("invalid task")
)
