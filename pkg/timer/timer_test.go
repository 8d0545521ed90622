package timer

import (
	"bytes"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "delayq/pkg/logx"
)

// recorder collects callback names in invocation order.
type recorder struct {
	mu    sync.Mutex
	names []string
	times []time.Time
	ch    chan string
}

func newRecorder() *recorder { return &recorder{ch: make(chan string, 64)} }

func (r *recorder) fn(name string) func() {
	return func() {
		r.mu.Lock()
		r.names = append(r.names, name)
		r.times = append(r.times, time.Now())
		r.mu.Unlock()
		r.ch <- name
	}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func waitFor(t *testing.T, ch <-chan string, want string, within time.Duration) {
	t.Helper()
	select {
	case got := <-ch:
		require.Equal(t, want, got)
	case <-time.After(within):
		t.Fatalf("timed out waiting for %q", want)
	}
}

func TestScheduleFiresAfterDelay(t *testing.T) {
	t.Parallel()
	tm := New()
	defer tm.Close()

	rec := newRecorder()
	start := time.Now()
	tm.Schedule(rec.fn("f"), 50*time.Millisecond)

	waitFor(t, rec.ch, "f", 2*time.Second)
	rec.mu.Lock()
	elapsed := rec.times[0].Sub(start)
	rec.mu.Unlock()
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestEarlierRegistrationRunsFirst(t *testing.T) {
	t.Parallel()
	tm := New()
	defer tm.Close()

	rec := newRecorder()
	tm.Schedule(rec.fn("f"), 30*time.Millisecond)
	tm.Schedule(rec.fn("g"), 5*time.Millisecond)

	waitFor(t, rec.ch, "g", 2*time.Second)
	waitFor(t, rec.ch, "f", 2*time.Second)
}

func TestCancelBeforeDeadline(t *testing.T) {
	t.Parallel()
	tm := New()
	defer tm.Close()

	var ran atomic.Int32
	h := tm.Schedule(func() { ran.Add(1) }, 100*time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	require.True(t, h.Cancel())

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(0), ran.Load())
	assert.Equal(t, StateCancelled, h.State())
}

func TestCancelAfterFireReturnsFalse(t *testing.T) {
	t.Parallel()
	tm := New()
	defer tm.Close()

	rec := newRecorder()
	h := tm.Schedule(rec.fn("f"), time.Millisecond)
	waitFor(t, rec.ch, "f", 2*time.Second)

	assert.False(t, h.Cancel())
	assert.Equal(t, []string{"f"}, rec.snapshot())
}

func TestConcurrentCancelNearDeadline(t *testing.T) {
	t.Parallel()
	tm := New()
	defer tm.Close()

	for i := 0; i < 50; i++ {
		var ran atomic.Int32
		h := tm.Schedule(func() { ran.Add(1) }, 2*time.Millisecond)

		var (
			wg   sync.WaitGroup
			wins atomic.Int32
		)
		time.Sleep(time.Duration(i%4) * time.Millisecond)
		for g := 0; g < 2; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if h.Cancel() {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()

		require.LessOrEqual(t, wins.Load(), int32(1))
		// Fired XOR cancelled, never both and never neither.
		require.Eventually(t, func() bool { return wins.Load()+ran.Load() == 1 }, time.Second, time.Millisecond)
		time.Sleep(time.Millisecond)
		require.Equal(t, int32(1), wins.Load()+ran.Load())
	}
}

func TestOrderingAcrossProducers(t *testing.T) {
	t.Parallel()
	tm := New()
	defer tm.Close()

	const n = 20
	var (
		mu    sync.Mutex
		order []int
		wg    sync.WaitGroup
		done  = make(chan struct{}, n)
	)
	base := time.Now().Add(100 * time.Millisecond)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tm.ScheduleAt(func() {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				done <- struct{}{}
			}, base.Add(time.Duration(i)*time.Millisecond))
		}(n - 1 - i)
	}
	wg.Wait()
	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for callbacks")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(order); i++ {
		require.Less(t, order[i-1], order[i])
	}
}

func TestScheduleWakesEmptyTimer(t *testing.T) {
	t.Parallel()
	tm := New()
	defer tm.Close()

	// Nothing queued: the worker blocks on the wake channel with no deadline.
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, tm.Len())

	rec := newRecorder()
	start := time.Now()
	tm.Schedule(rec.fn("first"), 10*time.Millisecond)
	waitFor(t, rec.ch, "first", time.Second)

	rec.mu.Lock()
	elapsed := rec.times[0].Sub(start)
	rec.mu.Unlock()
	assert.GreaterOrEqual(t, elapsed, 10*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestScheduleShortensLongWait(t *testing.T) {
	t.Parallel()
	tm := New()
	defer tm.Close()

	// Park a far deadline so a stale timeout would be long.
	tm.Schedule(func() {}, time.Hour)
	time.Sleep(20 * time.Millisecond)

	rec := newRecorder()
	start := time.Now()
	tm.Schedule(rec.fn("soon"), 10*time.Millisecond)
	waitFor(t, rec.ch, "soon", time.Second)

	rec.mu.Lock()
	elapsed := rec.times[0].Sub(start)
	rec.mu.Unlock()
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestCloseDiscardsPending(t *testing.T) {
	t.Parallel()
	tm := New()

	var ran atomic.Int32
	h := tm.Schedule(func() { ran.Add(1) }, time.Hour)
	tm.Schedule(func() { ran.Add(1) }, time.Hour)

	closed := make(chan struct{})
	go func() {
		tm.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	assert.Equal(t, int32(0), ran.Load())
	assert.Equal(t, StatePending, h.State())
	assert.Equal(t, uint64(2), tm.Stats().Discarded)
	assert.Equal(t, 0, tm.Len())

	// Idempotent.
	tm.Close()
}

func TestScheduleAfterCloseNeverRuns(t *testing.T) {
	t.Parallel()
	tm := New()
	tm.Close()

	var ran atomic.Int32
	tm.Schedule(func() { ran.Add(1) }, 0)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), ran.Load())
}

func TestInitRunsOnceOnWorker(t *testing.T) {
	t.Parallel()
	var (
		calls atomic.Int32
		name  atomic.Value
	)
	tm := New(
		WithName("probe"),
		WithInit(ChainInit(Labels(), InitFunc(func(w Worker) {
			calls.Add(1)
			name.Store(w.Name)
		}))),
	)
	rec := newRecorder()
	tm.Schedule(rec.fn("a"), 0)
	tm.Schedule(rec.fn("b"), time.Millisecond)
	waitFor(t, rec.ch, "a", time.Second)
	waitFor(t, rec.ch, "b", time.Second)
	tm.Close()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "probe", name.Load())
	assert.Equal(t, "probe", tm.Name())
}

func TestCustomInvokerSeesEveryDueCallback(t *testing.T) {
	t.Parallel()
	var seen atomic.Int32
	tm := New(WithInvoker(InvokerFunc(func(cb *Callback) {
		seen.Add(1)
		cb.TryCall()
	})))
	defer tm.Close()

	rec := newRecorder()
	cancelled := tm.Schedule(rec.fn("x"), 5*time.Millisecond)
	require.True(t, cancelled.Cancel())
	tm.Schedule(rec.fn("y"), 5*time.Millisecond)

	waitFor(t, rec.ch, "y", time.Second)
	// The cancelled entry is still popped and handed to the invoker; TryCall
	// turns it into a no-op.
	require.Eventually(t, func() bool { return seen.Load() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"y"}, rec.snapshot())
	assert.Equal(t, uint64(2), tm.Stats().Dispatched)
}

func TestRecoverInvokerContainsPanics(t *testing.T) {
	t.Parallel()
	var buf syncBuffer
	log := logx.NewWriter(&buf, "debug")
	tm := New(WithInvoker(Recover(log)))
	defer tm.Close()

	tm.Schedule(func() { panic("boom") }, 0)
	rec := newRecorder()
	tm.Schedule(rec.fn("after"), time.Millisecond)

	waitFor(t, rec.ch, "after", time.Second)
	assert.Contains(t, buf.String(), "timer callback panicked")
}

func TestGoInvokerRunsCallbacksOffWorker(t *testing.T) {
	t.Parallel()
	tm := New(WithInvoker(Go()))
	defer tm.Close()

	release := make(chan struct{})
	rec := newRecorder()
	tm.Schedule(func() { <-release }, 0)
	tm.Schedule(rec.fn("next"), time.Millisecond)

	// The blocked first callback must not hold up the second one.
	waitFor(t, rec.ch, "next", time.Second)
	close(release)
}

func TestLateCallbacksAreCounted(t *testing.T) {
	t.Parallel()
	var buf syncBuffer
	tm := New(
		WithLogger(logx.NewWriter(&buf, "debug")),
		WithLateThreshold(5*time.Millisecond),
	)
	defer tm.Close()

	rec := newRecorder()
	tm.Schedule(func() { time.Sleep(40 * time.Millisecond) }, 0)
	tm.Schedule(rec.fn("late"), time.Millisecond)

	waitFor(t, rec.ch, "late", time.Second)
	assert.GreaterOrEqual(t, tm.Stats().Late, uint64(1))
	assert.True(t, strings.Contains(buf.String(), "dispatched late"))
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}
