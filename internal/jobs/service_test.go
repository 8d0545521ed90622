package jobs

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delayq/internal/eventbus"
	"delayq/internal/executor"
	"delayq/internal/storage"
	"delayq/pkg/logx"
	"delayq/pkg/timer"
)

type harness struct {
	svc   *Service
	tm    *timer.Timer
	exec  *executor.Service
	bus   eventbus.Bus
	store storage.Store

	mu    sync.Mutex
	calls map[string]int
}

func newHarness(t *testing.T, store storage.Store) *harness {
	t.Helper()
	bus := eventbus.New()
	ex := executor.New(executor.Config{Workers: 2, QueueSize: 32}, logx.Nop(), bus)
	ex.Start(context.Background())
	tm := timer.New(timer.WithName("jobs-test"), timer.WithInvoker(ex.Invoker()))

	h := &harness{tm: tm, exec: ex, bus: bus, store: store, calls: map[string]int{}}
	h.svc = New(Config{Location: time.UTC}, logx.Nop(), bus, tm, ex, store)
	h.svc.runAction = func(ctx context.Context, d Def) (string, error) {
		h.mu.Lock()
		h.calls[d.Name]++
		h.mu.Unlock()
		if d.Message == "fail" {
			return "", errors.New("boom")
		}
		return "", nil
	}
	t.Cleanup(func() {
		h.svc.Stop()
		tm.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ex.Stop(ctx)
	})
	return h
}

func (h *harness) count(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[name]
}

func TestOneShotFiresOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	require.NoError(t, h.svc.Apply(context.Background(), []Def{{Name: "hello", Schedule: "after:20ms"}}))
	require.Eventually(t, func() bool { return h.count("hello") == 1 }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, h.count("hello"))

	snap := h.svc.Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Done)
	assert.True(t, snap[0].Next.IsZero())
	assert.Equal(t, SpecOnce, snap[0].Kind)
}

func TestIntervalRearms(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	require.NoError(t, h.svc.Apply(context.Background(), []Def{{Name: "tick", Schedule: "every:15ms"}}))
	require.Eventually(t, func() bool { return h.count("tick") >= 3 }, 3*time.Second, 5*time.Millisecond)

	snap := h.svc.Snapshot()
	require.Len(t, snap, 1)
	assert.False(t, snap[0].Next.IsZero())
	assert.False(t, snap[0].Done)

	require.NoError(t, h.svc.Cancel("tick"))
	assert.ErrorIs(t, h.svc.Cancel("tick"), ErrUnknownJob)

	// At most one firing may have been in flight when it was cancelled.
	settled := h.count("tick")
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, h.count("tick"), settled+1)
}

func TestApplyCancelsRemovedAndKeepsUnchanged(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	keep := Def{Name: "keep", Schedule: "after:150ms"}
	drop := Def{Name: "drop", Schedule: "after:150ms"}
	require.NoError(t, h.svc.Apply(context.Background(), []Def{keep, drop}))

	before := h.svc.Snapshot()
	require.Len(t, before, 2)
	require.Equal(t, "keep", before[1].Name)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, h.svc.Apply(context.Background(), []Def{keep}))

	after := h.svc.Snapshot()
	require.Len(t, after, 1)
	assert.Equal(t, "keep", after[0].Name)
	// The deadline is not pushed back by re-applying the same definition.
	assert.True(t, before[1].Next.Equal(after[0].Next))

	require.Eventually(t, func() bool { return h.count("keep") == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, h.count("drop"))
}

func TestApplyRejectsInvalidSet(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	require.NoError(t, h.svc.Apply(context.Background(), []Def{{Name: "a", Schedule: "after:1h"}}))
	err := h.svc.Apply(context.Background(), []Def{{Name: "b", Schedule: "nope"}})
	require.Error(t, err)

	snap := h.svc.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "a", snap[0].Name)
}

func TestFailedApplyLeavesJobsReachable(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	keep := Def{Name: "keep", Schedule: "after:80ms"}
	require.NoError(t, h.svc.Apply(context.Background(), []Def{keep}))
	require.Error(t, h.svc.Apply(context.Background(), []Def{keep, {Name: "bad", Schedule: "cron:* * *"}}))

	snap := h.svc.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "keep", snap[0].Name)

	require.NoError(t, h.svc.Cancel("keep"))
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, h.count("keep"))
}

func TestCancelOneShot(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	require.NoError(t, h.svc.Apply(context.Background(), []Def{
		{Name: "stay", Schedule: "after:40ms"},
		{Name: "gone", Schedule: "after:40ms"},
	}))
	require.NoError(t, h.svc.Cancel(" gone "))
	assert.ErrorIs(t, h.svc.Cancel("gone"), ErrUnknownJob)
	assert.ErrorIs(t, h.svc.Cancel("never-defined"), ErrUnknownJob)

	snap := h.svc.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "stay", snap[0].Name)

	require.Eventually(t, func() bool { return h.count("stay") == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, h.count("gone"))
}

func TestFailuresAreRecordedAndPublished(t *testing.T) {
	t.Parallel()
	store, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "runs")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := newHarness(t, store)
	events, unsubscribe := h.bus.Subscribe(64)
	defer unsubscribe()

	require.NoError(t, h.svc.Apply(context.Background(), []Def{
		{Name: "bad", Schedule: "after:10ms", Message: "fail"},
		{Name: "good", Schedule: "after:10ms"},
	}))

	seen := map[string]string{}
	deadline := time.After(3 * time.Second)
	for len(seen) < 2 {
		select {
		case ev := <-events:
			if ev.Type != eventbus.TypeJobFinished && ev.Type != eventbus.TypeJobFailed {
				continue
			}
			je, ok := ev.Data.(JobEvent)
			require.True(t, ok)
			seen[je.Job] = ev.Type
		case <-deadline:
			t.Fatalf("missing job events, got %v", seen)
		}
	}
	assert.Equal(t, eventbus.TypeJobFailed, seen["bad"])
	assert.Equal(t, eventbus.TypeJobFinished, seen["good"])

	ctx := context.Background()
	_, ok, err := store.LastRun(ctx, "good")
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = store.LastRun(ctx, "bad")
	require.NoError(t, err)
	assert.False(t, ok, "failed runs do not count as a last run")

	var bad JobInfo
	for _, ji := range h.svc.Snapshot() {
		if ji.Name == "bad" {
			bad = ji
		}
	}
	assert.Equal(t, uint64(1), bad.Failures)
	assert.Equal(t, "boom", bad.LastError)
}

func TestOnceSkipsAfterSuccessfulRun(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "runs")
	store, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.AppendRun(context.Background(), storage.RunRecord{
		At: time.Now().Add(-time.Hour), Job: "setup", Schedule: "after:0s", OK: true,
	}))

	h := newHarness(t, store)
	events, unsubscribe := h.bus.Subscribe(16)
	defer unsubscribe()

	require.NoError(t, h.svc.Apply(context.Background(), []Def{
		{Name: "setup", Schedule: "after:0s", Once: true},
		{Name: "fresh", Schedule: "after:0s", Once: true},
	}))

	require.Eventually(t, func() bool { return h.count("fresh") == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, h.count("setup"))

	skipped := false
	for !skipped {
		select {
		case ev := <-events:
			skipped = ev.Type == eventbus.TypeJobSkipped
		case <-time.After(time.Second):
			t.Fatal("no skip event")
		}
	}
}

func TestStopCancelsEverything(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)

	require.NoError(t, h.svc.Apply(context.Background(), []Def{{Name: "late", Schedule: "after:50ms"}}))
	h.svc.Stop()
	h.svc.Stop()

	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 0, h.count("late"))
	assert.ErrorIs(t, h.svc.Apply(context.Background(), nil), ErrStopped)
}

func TestWithoutExecutorRunsOnTimer(t *testing.T) {
	t.Parallel()
	tm := timer.New()
	defer tm.Close()

	var ran atomic.Int32
	svc := New(Config{}, logx.Nop(), nil, tm, nil, nil)
	svc.runAction = func(ctx context.Context, d Def) (string, error) {
		if _, ok := ctx.Deadline(); ok {
			ran.Add(1)
		}
		return "", nil
	}
	defer svc.Stop()

	require.NoError(t, svc.Apply(context.Background(), []Def{{Name: "x", Schedule: "after:1ms", Timeout: time.Second}}))
	require.Eventually(t, func() bool { return ran.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestRunCommand(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	out, err := runCommand(context.Background(), []string{"sh", "-c", "echo hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)

	_, err = runCommand(context.Background(), []string{"sh", "-c", "exit 3"})
	require.Error(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = runCommand(ctx, []string{"sh", "-c", "sleep 5"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = runCommand(context.Background(), nil)
	require.ErrorIs(t, err, errNoCommand)
}

func TestCappedOutput(t *testing.T) {
	t.Parallel()
	var c capped
	big := make([]byte, maxOutput+10)
	for i := range big {
		big[i] = 'x'
	}
	n, err := c.Write(big)
	require.NoError(t, err)
	assert.Equal(t, len(big), n)
	_, _ = c.Write([]byte("more"))
	assert.Len(t, c.String(), maxOutput+len("...(truncated)"))
}
