package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/time/rate"

	"delayq/internal/eventbus"
	rtsup "delayq/internal/runtime/supervisor"
	logx "delayq/pkg/logx"
	"delayq/pkg/timer"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedTask
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopping bool

	inFlight  atomic.Int32
	idSeq     atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	inline    atomic.Uint64

	// Throttles queue-full warnings.
	warnLimit *rate.Limiter

	hmu     sync.Mutex
	history *queue.Queue // of HistoryItem
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg.withDefaults(),
		log:       log,
		bus:       bus,
		warnLimit: rate.NewLimiter(rate.Every(5*time.Second), 1),
		history:   queue.New(),
	}
}

// Apply updates settings. Worker count and queue size take effect on the
// next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	// Start is idempotent.
	if s.q != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopping = false
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "executor"))),
		rtsup.WithCancelOnError(false),
	)
	q, stopCh, sup := s.q, s.stopCh, s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			return s.worker(c, stopCh, q)
		})
	}
	s.log.Info("executor started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(q)))
}

// Stop stops accepting work, lets workers drain what is already queued and
// waits for them. If ctx expires first, running tasks are canceled.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.q == nil || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	close(s.stopCh)
	sup := s.sup
	s.mu.Unlock()

	start := time.Now()
	err := sup.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		s.log.Warn("executor stop timed out; canceling running tasks", logx.Err(ctx.Err()))
		_ = sup.Stop(context.Background())
	} else {
		sup.Cancel()
	}

	s.mu.Lock()
	s.q = nil
	s.stopCh = nil
	s.sup = nil
	s.mu.Unlock()
	s.log.Info("executor stopped", logx.Duration("took", time.Since(start)))
}

// Enqueue tries to enqueue a task without blocking.
func (s *Service) Enqueue(t Task) error {
	t, err := s.prepare(t)
	if err != nil {
		return err
	}

	// The non-blocking send happens under mu so it cannot interleave with
	// Stop: anything accepted here is drained by the workers.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.q == nil {
		return ErrStopped
	}
	if s.stopping {
		return ErrStopping
	}
	// Workers exit once their context is canceled; nothing would drain q.
	if s.sup.Context().Err() != nil {
		return ErrStopped
	}
	select {
	case s.q <- queued(t):
		return nil
	default:
		s.onQueueFull(t, len(s.q), cap(s.q))
		return ErrQueueFull
	}
}

// Invoker returns a timer invocation strategy that runs due callbacks on the
// pool. If the pool rejects the callback it runs inline (with panic
// containment) so it is never silently lost.
func (s *Service) Invoker() timer.Invoker {
	fallback := timer.Recover(s.log.With(logx.String("comp", "executor")))
	return timer.InvokerFunc(func(cb *timer.Callback) {
		err := s.Enqueue(Task{
			Name: "timer.callback",
			Run: func(context.Context) error {
				cb.TryCall()
				return nil
			},
		})
		if err == nil {
			return
		}
		s.inline.Add(1)
		s.log.Debug("timer callback running inline", logx.Err(err))
		fallback.Invoke(cb)
	})
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	snap := Snapshot{
		Running:        q != nil,
		Workers:        cfg.Workers,
		InFlight:       int(s.inFlight.Load()),
		Completed:      s.completed.Load(),
		Failed:         s.failed.Load(),
		Dropped:        s.dropped.Load(),
		Inline:         s.inline.Load(),
		DefaultTimeout: cfg.DefaultTimeout,
	}
	if q != nil {
		snap.QueueLen = len(q)
		snap.QueueCap = cap(q)
	}

	s.hmu.Lock()
	snap.History = make([]HistoryItem, 0, s.history.Length())
	for i := 0; i < s.history.Length(); i++ {
		snap.History = append(snap.History, s.history.Get(i).(HistoryItem))
	}
	s.hmu.Unlock()
	return snap
}

func (s *Service) prepare(t Task) (Task, error) {
	if t.Run == nil {
		return t, fmt.Errorf("%w: Run is nil", ErrInvalid)
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return t, fmt.Errorf("%w: Name is required", ErrInvalid)
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = s.newTaskID(time.Now())
	}
	if t.Timeout <= 0 {
		s.mu.Lock()
		t.Timeout = s.cfg.DefaultTimeout
		s.mu.Unlock()
	}
	return t, nil
}

func queued(t Task) queuedTask {
	return queuedTask{task: t, enqueuedAt: time.Now(), timeout: t.Timeout}
}

func (s *Service) newTaskID(now time.Time) string {
	seq := s.idSeq.Add(1)
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), seq)
}

func (s *Service) onQueueFull(t Task, ql, qc int) {
	s.dropped.Add(1)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeExecDropped, Data: TaskEvent{ID: t.ID, Name: t.Name, Started: time.Now(), Error: "queue_full"}})
	}
	if s.warnLimit.Allow() {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Int("queue_len", ql),
			logx.Int("queue_cap", qc),
			logx.Uint64("dropped", s.dropped.Load()),
		)
	}
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history.Add(item)
	for s.history.Length() > size {
		s.history.Remove()
	}
	s.hmu.Unlock()
}
