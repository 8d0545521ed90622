package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"

	"delayq/internal/eventbus"
	"delayq/internal/executor"
	"delayq/internal/storage"
	"delayq/pkg/logx"
	"delayq/pkg/timer"
)

var (
	ErrStopped    = errors.New("jobs: service stopped")
	ErrUnknownJob = errors.New("jobs: unknown job")
)

type Action string

const (
	ActionLog  Action = "log"
	ActionExec Action = "exec"
)

// Def declares a job.
type Def struct {
	Name     string
	Schedule string
	Action   Action
	Message  string
	Command  []string
	Timeout  time.Duration
	// Once skips the job when storage already holds a successful run.
	// Only valid for one-shot schedules.
	Once bool
}

func (d Def) equal(o Def) bool {
	if d.Name != o.Name || d.Schedule != o.Schedule || d.Action != o.Action ||
		d.Message != o.Message || d.Timeout != o.Timeout || d.Once != o.Once ||
		len(d.Command) != len(o.Command) {
		return false
	}
	for i := range d.Command {
		if d.Command[i] != o.Command[i] {
			return false
		}
	}
	return true
}

// Validate parses every definition and reports all problems at once.
func Validate(defs []Def) error {
	_, err := parseDefs(defs)
	return err
}

func parseDefs(defs []Def) ([]ParsedSpec, error) {
	specs := make([]ParsedSpec, len(defs))
	seen := make(map[string]struct{}, len(defs))
	var errs []error
	for i, d := range defs {
		name := strings.TrimSpace(d.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("job %d: name required", i))
			continue
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("job %q: duplicate name", name))
			continue
		}
		seen[name] = struct{}{}

		p, err := ParseSchedule(d.Schedule)
		if err != nil {
			errs = append(errs, fmt.Errorf("job %q: %w", name, err))
			continue
		}
		if d.Once && p.Recurring() {
			errs = append(errs, fmt.Errorf("job %q: once needs an after: or at: schedule", name))
		}
		switch d.Action {
		case ActionLog, "":
		case ActionExec:
			if len(d.Command) == 0 || strings.TrimSpace(d.Command[0]) == "" {
				errs = append(errs, fmt.Errorf("job %q: exec needs a command", name))
			}
		default:
			errs = append(errs, fmt.Errorf("job %q: unknown action %q", name, d.Action))
		}
		specs[i] = p
	}
	return specs, multierr.Combine(errs...)
}

// JobEvent is published on the bus for job lifecycle events.
type JobEvent struct {
	Job      string        `json:"job"`
	Schedule string        `json:"schedule"`
	Deadline time.Time     `json:"deadline"`
	Lag      time.Duration `json:"lag,omitempty"`
	Took     time.Duration `json:"took,omitempty"`
	Error    string        `json:"error,omitempty"`
	Reason   string        `json:"reason,omitempty"`
}

// JobInfo describes one job for diagnostics.
type JobInfo struct {
	Name      string
	Schedule  string
	Kind      SpecKind
	Next      time.Time // zero when not armed
	Runs      uint64
	Failures  uint64
	LastRun   time.Time
	LastError string
	Done      bool      // one-shot job that already fired or was skipped
	Paused    time.Time // breaker open until this time; zero when closed
}

type Config struct {
	// Location is used for cron schedules. Defaults to time.Local.
	Location *time.Location
	Breaker  BreakerConfig
}

type job struct {
	def   Def
	spec  ParsedSpec
	sched cron.Schedule

	handle  *timer.Callback
	next    time.Time
	removed bool
	done    bool

	runs      uint64
	failures  uint64
	lastRun   time.Time
	lastError string
	breaker   breaker
}

type Service struct {
	mu sync.Mutex

	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	tm    *timer.Timer
	exec  *executor.Service
	store storage.Store

	jobs    map[string]*job
	stopped bool

	// runAction is swapped in tests.
	runAction func(ctx context.Context, d Def) (string, error)
}
