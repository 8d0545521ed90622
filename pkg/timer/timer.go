package timer

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	logx "delayq/pkg/logx"
	"delayq/pkg/pqueue"
)

const defaultName = "timer"

// Timer owns one worker goroutine and a deadline-ordered queue of callbacks.
//
// A Timer is running from New until Close. It must not be copied.
type Timer struct {
	name          string
	log           logx.Logger
	init          Initializer
	inv           Invoker
	lateThreshold time.Duration
	lateLog       *rate.Limiter

	works   *pqueue.Queue[work]
	wake    chan struct{}
	running atomic.Bool
	done    chan struct{}

	closeOnce sync.Once

	scheduled  atomic.Uint64
	dispatched atomic.Uint64
	discarded  atomic.Uint64
	late       atomic.Uint64
}

type work struct {
	deadline time.Time
	cb       *Callback
}

func byDeadline(a, b work) bool { return a.deadline.Before(b.deadline) }

// Stats is a point-in-time view of a Timer's counters.
type Stats struct {
	Name       string `json:"name"`
	Pending    int    `json:"pending"`
	Scheduled  uint64 `json:"scheduled"`
	Dispatched uint64 `json:"dispatched"`
	Discarded  uint64 `json:"discarded"`
	Late       uint64 `json:"late"`
}

// New starts a Timer and its worker goroutine.
func New(opts ...Option) *Timer {
	t := &Timer{
		name:    defaultName,
		init:    nopInit,
		inv:     Inline,
		lateLog: rate.NewLimiter(rate.Every(time.Second), 1),
		works:   pqueue.New(byDeadline),
		// Capacity 1: signals coalesce, and one pending token is enough to make
		// the worker re-read the queue.
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	if t.log.IsZero() {
		t.log = logx.Nop()
	}
	t.log = t.log.With(logx.String("timer", t.name))
	t.running.Store(true)
	go t.run()
	return t
}

// Schedule arranges for fn to run once, d from now. d <= 0 means "as soon as
// possible". It never blocks and may be called from any goroutine, including
// from inside a callback.
//
// The returned handle cancels the registration. Registrations made after
// Close never run.
func (t *Timer) Schedule(fn func(), d time.Duration) *Callback {
	return t.ScheduleAt(fn, time.Now().Add(d))
}

// ScheduleAt is Schedule with an absolute deadline. Deadlines derived from
// time.Now keep their monotonic reading; parsed or constructed times are
// compared by wall clock.
func (t *Timer) ScheduleAt(fn func(), at time.Time) *Callback {
	cb := newCallback(fn)
	t.works.Push(work{deadline: at, cb: cb})
	t.scheduled.Add(1)
	// Always signal, even if this is not the new earliest entry: the worker
	// re-evaluates and goes back to sleep with a fresh timeout.
	t.signal()
	return cb
}

// Close stops the worker and waits for it to exit. Pending callbacks are
// discarded without running. After Close returns no callback of this Timer
// is invoked. Close is idempotent, but must not be called from a callback
// that runs inline on the worker.
func (t *Timer) Close() {
	t.closeOnce.Do(func() {
		t.running.Store(false)
		t.signal()
	})
	<-t.done
}

// Len returns the number of registrations not yet dispatched.
func (t *Timer) Len() int { return t.works.Len() }

// Name returns the worker name.
func (t *Timer) Name() string { return t.name }

func (t *Timer) Stats() Stats {
	return Stats{
		Name:       t.name,
		Pending:    t.works.Len(),
		Scheduled:  t.scheduled.Load(),
		Dispatched: t.dispatched.Load(),
		Discarded:  t.discarded.Load(),
		Late:       t.late.Load(),
	}
}

func (t *Timer) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Timer) run() {
	defer close(t.done)

	t.init.Init(Worker{Name: t.name})
	t.log.Debug("timer worker started")

	sleeper := time.NewTimer(time.Hour)
	sleeper.Stop()
	defer sleeper.Stop()

	for t.running.Load() {
		var (
			next    time.Time
			hasNext bool
		)
		now := time.Now()
		for {
			w, ok := t.works.TryPopIf(func(w work) bool {
				if !w.deadline.After(now) {
					return true
				}
				next, hasNext = w.deadline, true
				return false
			})
			if !ok {
				break
			}
			t.dispatch(w)
		}

		if !hasNext {
			<-t.wake
			continue
		}
		sleeper.Reset(next.Sub(now))
		select {
		case <-t.wake:
		case <-sleeper.C:
		}
		sleeper.Stop()
	}

	if n := t.works.Clear(); n > 0 {
		t.discarded.Add(uint64(n))
		t.log.Debug("timer closed with pending callbacks; discarded", logx.Int("discarded", n))
	}
	t.log.Debug("timer worker stopped",
		logx.Uint64("scheduled", t.scheduled.Load()),
		logx.Uint64("dispatched", t.dispatched.Load()),
	)
}

func (t *Timer) dispatch(w work) {
	t.dispatched.Add(1)
	if t.lateThreshold > 0 {
		if lag := time.Since(w.deadline); lag > t.lateThreshold {
			t.late.Add(1)
			if t.lateLog.Allow() {
				t.log.Warn("timer callback dispatched late",
					logx.Duration("lag", lag),
					logx.Duration("threshold", t.lateThreshold),
					logx.Int("pending", t.works.Len()),
				)
			}
		}
	}
	t.inv.Invoke(w.cb)
}
