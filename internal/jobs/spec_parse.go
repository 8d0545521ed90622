package jobs

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SpecKind describes the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
	SpecOnce
)

func (k SpecKind) String() string {
	switch k {
	case SpecCron:
		return "cron"
	case SpecInterval:
		return "interval"
	case SpecOnce:
		return "once"
	default:
		return fmt.Sprintf("SpecKind(%d)", int(k))
	}
}

// ParsedSpec represents a parsed schedule string.
//
// Supported forms:
//   - One-shot relative: "after:10s" (from the moment the job is armed)
//   - One-shot absolute: "at:2026-01-02T15:04:05Z" (RFC 3339)
//   - Cron: "*/5 * * * *", "0 */5 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	After  time.Duration
	At     time.Time
	Source string // "cron" | "duration" | "hhmm" | "after" | "at"
}

// Recurring reports whether the job re-arms after firing.
func (p ParsedSpec) Recurring() bool { return p.Kind != SpecOnce }

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// cronParser accepts 5-field specs, an optional leading seconds field and
// descriptors such as @daily.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a schedule string. Cron expressions are checked here
// so a bad spec is reported when the config is loaded, not when it fires.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "after:"):
		v := strings.TrimSpace(s[len("after:"):])
		d, err := time.ParseDuration(v)
		if err != nil {
			return ParsedSpec{}, fmt.Errorf("invalid delay %q (use a Go duration like '10s')", v)
		}
		if d < 0 {
			return ParsedSpec{}, fmt.Errorf("delay must be >= 0")
		}
		return ParsedSpec{Kind: SpecOnce, After: d, Source: "after"}, nil
	case strings.HasPrefix(low, "at:"):
		v := strings.TrimSpace(s[len("at:"):])
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return ParsedSpec{}, fmt.Errorf("invalid time %q (use RFC 3339 like '2026-01-02T15:04:05Z')", v)
		}
		return ParsedSpec{Kind: SpecOnce, At: at, Source: "at"}, nil
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return parseCron(expr)
	case strings.HasPrefix(low, "interval:"):
		return intervalSpec(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return intervalSpec(s[len("every:"):])
	}

	// Whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}

	if reHHMM.MatchString(s) {
		d, err := parseHHMMDuration(s)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "hhmm"}, nil
	}

	d, err := time.ParseDuration(s)
	if err == nil {
		if d <= 0 {
			return ParsedSpec{}, fmt.Errorf("interval must be > 0")
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
	}

	return ParsedSpec{}, fmt.Errorf(
		"invalid schedule %q (use 'after:10s', 'at:<RFC 3339>', cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
		raw,
	)
}

func parseCron(expr string) (ParsedSpec, error) {
	if _, err := cronParser.Parse(expr); err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
}

func intervalSpec(v string) (ParsedSpec, error) {
	d, src, err := parseInterval(v)
	if err != nil {
		return ParsedSpec{}, err
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: src}, nil
}

func parseInterval(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		return d, "hhmm", err
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return 0, "", fmt.Errorf("interval must be > 0")
	}
	return d, "duration", nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

// compile turns the parsed schedule into a cron.Schedule. armedAt anchors "after:".
func (p ParsedSpec) compile(loc *time.Location, armedAt time.Time) (cron.Schedule, error) {
	switch p.Kind {
	case SpecCron:
		sched, err := cronParser.Parse(p.Cron)
		if err != nil {
			return nil, err
		}
		if loc != nil && !hasTZPrefix(p.Cron) {
			if spec, ok := sched.(*cron.SpecSchedule); ok {
				spec.Location = loc
			}
		}
		return sched, nil
	case SpecInterval:
		return everySchedule{every: p.Every}, nil
	case SpecOnce:
		at := p.At
		if p.Source == "after" {
			at = armedAt.Add(p.After)
		}
		return onceSchedule{at: at}, nil
	default:
		return nil, fmt.Errorf("unknown schedule kind %v", p.Kind)
	}
}

func hasTZPrefix(expr string) bool {
	return strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=")
}

// everySchedule fires every d after the previous firing. Unlike
// cron.Every it keeps sub-second precision.
type everySchedule struct{ every time.Duration }

func (s everySchedule) Next(t time.Time) time.Time { return t.Add(s.every) }

// onceSchedule fires at a fixed time; a time in the past fires right away.
type onceSchedule struct{ at time.Time }

func (s onceSchedule) Next(t time.Time) time.Time {
	if t.Before(s.at) {
		return s.at
	}
	return t
}
