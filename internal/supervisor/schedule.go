package supervisor

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule is the trigger of a schedule-driven service.
// It is a closed set: CronSchedule or IntervalSchedule.
type Schedule interface {
	String() string
	schedule()
}

// CronSchedule fires on a cron expression (5 or 6 fields, or a descriptor like @hourly).
type CronSchedule struct {
	Expr string
}

// IntervalSchedule fires every fixed duration, measured from the previous fire time.
type IntervalSchedule struct {
	Every time.Duration
}

func (CronSchedule) schedule()     {}
func (IntervalSchedule) schedule() {}

func (s CronSchedule) String() string     { return "cron:" + s.Expr }
func (s IntervalSchedule) String() string { return "every:" + s.Every.String() }

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// trigger is a validated schedule ready to compute fire times.
type trigger struct {
	spec Schedule
	cron cron.Schedule
}

func compileSchedule(s Schedule) (*trigger, error) {
	switch s := s.(type) {
	case CronSchedule:
		expr := strings.TrimSpace(s.Expr)
		if expr == "" {
			return nil, fmt.Errorf("empty cron expression")
		}
		cs, err := cronParser.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("cron %q: %w", expr, err)
		}
		return &trigger{spec: s, cron: cs}, nil
	case IntervalSchedule:
		if s.Every <= 0 {
			return nil, fmt.Errorf("interval must be > 0, got %s", s.Every)
		}
		return &trigger{spec: s}, nil
	case nil:
		return nil, fmt.Errorf("nil schedule")
	default:
		return nil, fmt.Errorf("unsupported schedule type %T", s)
	}
}

// next returns the first fire time strictly after now.
func (t *trigger) next(now time.Time) time.Time {
	switch s := t.spec.(type) {
	case CronSchedule:
		return t.cron.Next(now)
	case IntervalSchedule:
		return now.Add(s.Every)
	}
	panic(fmt.Sprintf("supervisor: unreachable schedule type %T", t.spec))
}

// NextRuns previews the next n fire times of s after now.
func NextRuns(s Schedule, now time.Time, n int) ([]time.Time, error) {
	t, err := compileSchedule(s)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	at := now
	for i := 0; i < n; i++ {
		at = t.next(at)
		if at.IsZero() {
			break
		}
		out = append(out, at)
	}
	return out, nil
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule parses a schedule string into a CronSchedule or an IntervalSchedule.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 30 * * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Optional prefixes: "cron:" forces cron, "interval:" or "every:" force an interval.
// Cron expressions are validated here so bad input never reaches the scheduler.
func ParseSchedule(raw string) (Schedule, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseInterval(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseInterval(s[len("every:"):])
	}

	// Whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}
	if reHHMM.MatchString(s) {
		return parseInterval(s)
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("interval must be > 0")
		}
		return IntervalSchedule{Every: d}, nil
	}

	return nil, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
		raw,
	)
}

func parseCron(expr string) (Schedule, error) {
	cs := CronSchedule{Expr: expr}
	if _, err := compileSchedule(cs); err != nil {
		return nil, err
	}
	return cs, nil
}

func parseInterval(v string) (Schedule, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		if err != nil {
			return nil, err
		}
		return IntervalSchedule{Every: d}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return nil, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	return IntervalSchedule{Every: d}, nil
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
