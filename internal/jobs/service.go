package jobs

import (
	"context"
	"sort"
	"strings"
	"time"

	"delayq/internal/eventbus"
	"delayq/internal/executor"
	"delayq/internal/storage"
	"delayq/pkg/logx"
	"delayq/pkg/timer"
)

const storeTimeout = 5 * time.Second

// New creates the jobs service. exec and store may be nil: without an
// executor jobs run on whatever goroutine the timer invokes them on, and
// without a store nothing is recorded.
func New(cfg Config, log logx.Logger, bus eventbus.Bus, tm *timer.Timer, exec *executor.Service, store storage.Store) *Service {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	cfg.Breaker = cfg.Breaker.withDefaults()
	s := &Service{
		cfg:   cfg,
		log:   log.With(logx.String("comp", "jobs")),
		bus:   bus,
		tm:    tm,
		exec:  exec,
		store: store,
		jobs:  map[string]*job{},
	}
	s.runAction = s.defaultAction
	return s
}

// Apply replaces the job set. Definitions identical to an armed job keep
// their pending deadline; removed or changed jobs are cancelled. Nothing
// changes if any definition is invalid.
func (s *Service) Apply(ctx context.Context, defs []Def) error {
	specs, err := parseDefs(defs)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	now := time.Now()
	next := make(map[string]*job, len(defs))
	var fresh []*job
	kept := 0
	for i, d := range defs {
		d.Name = strings.TrimSpace(d.Name)
		if d.Action == "" {
			d.Action = ActionLog
		}
		if old, ok := s.jobs[d.Name]; ok && old.def.equal(d) {
			next[d.Name] = old
			kept++
			continue
		}
		sched, err := specs[i].compile(s.cfg.Location, now)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		j := &job{def: d, spec: specs[i], sched: sched}
		next[d.Name] = j
		fresh = append(fresh, j)
	}
	// s.jobs is untouched until every definition compiled.
	removed := 0
	for name, old := range s.jobs {
		if next[name] == old {
			continue
		}
		s.disarmLocked(old)
		removed++
	}
	s.jobs = next
	s.mu.Unlock()

	for _, j := range fresh {
		s.start(ctx, j, now)
	}
	s.log.Info("jobs applied",
		logx.Int("jobs", len(next)),
		logx.Int("armed", len(fresh)),
		logx.Int("kept", kept),
		logx.Int("removed", removed),
	)
	return nil
}

// start arms a newly applied job, unless it is a once job that already ran.
func (s *Service) start(ctx context.Context, j *job, now time.Time) {
	if j.def.Once && s.store != nil {
		sctx, cancel := context.WithTimeout(ctx, storeTimeout)
		at, ok, err := s.store.LastRun(sctx, j.def.Name)
		cancel()
		if err != nil {
			s.log.Warn("last run lookup failed; arming anyway", logx.String("job", j.def.Name), logx.Err(err))
		} else if ok {
			s.mu.Lock()
			j.done = true
			j.lastRun = at
			s.mu.Unlock()
			s.log.Info("job already ran; skipping", logx.String("job", j.def.Name), logx.Time("last_run", at))
			s.publish(eventbus.TypeJobSkipped, JobEvent{Job: j.def.Name, Schedule: j.def.Schedule, Reason: "already ran"})
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if j.removed || s.stopped {
		return
	}
	s.armLocked(j, j.sched.Next(now))
}

// armLocked registers the next firing of j on the timer. Call with s.mu held.
func (s *Service) armLocked(j *job, at time.Time) {
	j.next = at
	j.handle = s.tm.ScheduleAt(func() { s.fire(j, at) }, at)
	s.publish(eventbus.TypeJobScheduled, JobEvent{Job: j.def.Name, Schedule: j.def.Schedule, Deadline: at})
	s.log.Debug("job armed", logx.String("job", j.def.Name), logx.Time("next", at))
}

// disarmLocked cancels j. A firing that already won its race still runs,
// but it will not re-arm. Call with s.mu held.
func (s *Service) disarmLocked(j *job) {
	j.removed = true
	if j.handle != nil {
		j.handle.Cancel()
		j.handle = nil
	}
	j.next = time.Time{}
}

// fire is the timer callback. It re-arms recurring jobs before handing the
// run to the executor so a slow run never delays the next deadline.
func (s *Service) fire(j *job, deadline time.Time) {
	s.mu.Lock()
	if j.removed || s.stopped {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	j.handle = nil
	j.next = time.Time{}
	if j.spec.Recurring() {
		s.armLocked(j, j.sched.Next(now))
	} else {
		j.done = true
	}
	def := j.def
	paused := j.breaker.open(now)
	pausedUntil := j.breaker.openUntil
	s.mu.Unlock()

	if paused {
		s.log.Debug("job paused; skipping run", logx.String("job", def.Name), logx.Time("until", pausedUntil))
		s.publish(eventbus.TypeJobSkipped, JobEvent{Job: def.Name, Schedule: def.Schedule, Deadline: deadline, Reason: "paused after failures"})
		return
	}

	s.publish(eventbus.TypeTimerFired, JobEvent{Job: def.Name, Schedule: def.Schedule, Deadline: deadline, Lag: time.Since(deadline)})

	run := func(ctx context.Context) error { return s.run(ctx, j, def, deadline) }
	if s.exec == nil {
		ctx := context.Background()
		if def.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, def.Timeout)
			defer cancel()
		}
		_ = run(ctx)
		return
	}
	err := s.exec.Enqueue(executor.Task{Name: "job." + def.Name, Timeout: def.Timeout, Run: run})
	if err != nil {
		s.log.Warn("job dropped", logx.String("job", def.Name), logx.Err(err))
		s.finish(j, def, deadline, time.Now(), 0, err)
	}
}

func (s *Service) run(ctx context.Context, j *job, def Def, deadline time.Time) error {
	start := time.Now()
	out, err := s.runAction(ctx, def)
	took := time.Since(start)
	if out != "" {
		s.log.Debug("job output", logx.String("job", def.Name), logx.String("output", out))
	}
	s.finish(j, def, deadline, start, took, err)
	return err
}

// finish records the outcome of one firing.
func (s *Service) finish(j *job, def Def, deadline, start time.Time, took time.Duration, err error) {
	lag := start.Sub(deadline)
	if lag < 0 {
		lag = 0
	}
	rec := storage.RunRecord{
		At:       start,
		Job:      def.Name,
		Schedule: def.Schedule,
		LagMS:    lag.Milliseconds(),
		TookMS:   took.Milliseconds(),
		OK:       err == nil,
	}
	ev := JobEvent{Job: def.Name, Schedule: def.Schedule, Deadline: deadline, Lag: lag, Took: took}
	if err != nil {
		rec.Error = err.Error()
		ev.Error = rec.Error
	}

	s.mu.Lock()
	j.runs++
	j.lastRun = start
	j.lastError = rec.Error
	if err != nil {
		j.failures++
	}
	var pausedUntil time.Time
	if j.spec.Recurring() {
		pausedUntil = j.breaker.record(s.cfg.Breaker, time.Now(), err)
	}
	s.mu.Unlock()

	if !pausedUntil.IsZero() {
		s.log.Warn("job paused after repeated failures", logx.String("job", def.Name), logx.Time("until", pausedUntil))
	}

	if s.store != nil {
		sctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		if serr := s.store.AppendRun(sctx, rec); serr != nil {
			s.log.Warn("run record failed", logx.String("job", def.Name), logx.Err(serr))
		}
		cancel()
	}

	if err != nil {
		s.log.Warn("job failed", logx.String("job", def.Name), logx.Duration("took", took), logx.Err(err))
		s.publish(eventbus.TypeJobFailed, ev)
		return
	}
	s.log.Info("job finished", logx.String("job", def.Name), logx.Duration("lag", lag), logx.Duration("took", took))
	s.publish(eventbus.TypeJobFinished, ev)
}

func (s *Service) publish(typ string, ev JobEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

// Cancel disarms a single job until the next Apply that (re)declares it.
func (s *Service) Cancel(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[strings.TrimSpace(name)]
	if !ok {
		return ErrUnknownJob
	}
	s.disarmLocked(j)
	delete(s.jobs, j.def.Name)
	return nil
}

// Stop cancels every armed job. Runs already handed to the executor finish
// there.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	for _, j := range s.jobs {
		s.disarmLocked(j)
	}
	s.log.Info("jobs stopped", logx.Int("jobs", len(s.jobs)))
}

// Snapshot lists jobs sorted by name.
func (s *Service) Snapshot() []JobInfo {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobInfo{
			Name:      j.def.Name,
			Schedule:  j.def.Schedule,
			Kind:      j.spec.Kind,
			Next:      j.next,
			Runs:      j.runs,
			Failures:  j.failures,
			LastRun:   j.lastRun,
			LastError: j.lastError,
			Done:      j.done,
			Paused:    pausedAt(j, now),
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

func pausedAt(j *job, now time.Time) time.Time {
	if j.breaker.open(now) {
		return j.breaker.openUntil
	}
	return time.Time{}
}
