package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"delayq/internal/eventbus"
	logx "delayq/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, q <-chan queuedTask) error {
	for {
		select {
		case <-ctx.Done():
			for _, qt := range s.takeQueued(q) {
				s.execOne(ctx, qt)
			}
			return ctx.Err()
		case qt := <-q:
			s.execOne(ctx, qt)
		case <-stopCh:
			// Drain whatever was accepted before Stop.
			for {
				select {
				case qt := <-q:
					s.execOne(ctx, qt)
				default:
					return nil
				}
			}
		}
	}
}

// takeQueued empties q under mu. Enqueue checks the worker context under the
// same lock, so once the context is canceled nothing new lands in q after
// this returns.
func (s *Service) takeQueued(q <-chan queuedTask) []queuedTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []queuedTask
	for {
		select {
		case qt := <-q:
			out = append(out, qt)
		default:
			return out
		}
	}
}

func (s *Service) execOne(ctx context.Context, qt queuedTask) {
	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}

	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	runCtx := ctx
	var cancel context.CancelFunc
	if qt.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
	}
	err := s.runTask(runCtx, qt.task)
	if cancel != nil {
		cancel()
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur}
	if err != nil {
		s.failed.Add(1)
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeExecFailed, Data: ev})
		}
	} else {
		s.completed.Add(1)
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		} else {
			s.log.Trace("task.completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		}
	}
	s.record(item)
}

// runTask guards against task panics: one bad task can't kill a worker.
func (s *Service) runTask(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", t.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return t.Run(ctx)
}
