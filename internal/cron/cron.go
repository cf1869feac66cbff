// Package cron evaluates six-field cron expressions
// (second minute hour day-of-month month day-of-week).
//
// Day-of-week counts from Monday=1 to Sunday=7; 0 is accepted as Sunday too.
// Fields are matched in the process's local time zone.
package cron

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	cronlib "github.com/robfig/cron/v3"
)

var ErrInvalidExpression = errors.New("invalid cron expression")

var parser = cronlib.NewParser(
	cronlib.Second | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

var dayNames = map[string]int{
	"MON": 1, "TUE": 2, "WED": 3, "THU": 4, "FRI": 5, "SAT": 6, "SUN": 7,
}

// Schedule is a parsed expression. It holds no state between calls.
type Schedule struct {
	expr  string
	sched cronlib.Schedule
}

func Parse(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 6 {
		return nil, errors.Mark(
			errors.Newf("cron %q: expected 6 fields, got %d", expr, len(fields)),
			ErrInvalidExpression,
		)
	}
	dow, err := normalizeDow(fields[5])
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "cron %q", expr), ErrInvalidExpression)
	}
	fields[5] = dow

	sched, err := parser.Parse(strings.Join(fields, " "))
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "cron %q", expr), ErrInvalidExpression)
	}
	return &Schedule{expr: expr, sched: sched}, nil
}

func (s *Schedule) String() string { return s.expr }

// Next returns the earliest instant strictly after ref, or false when the
// expression can never fire again.
func (s *Schedule) Next(ref time.Time) (time.Time, bool) {
	next := s.sched.Next(ref.In(time.Local))
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

// Validate reports whether expr parses.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

// NextExecution parses expr and returns its next instant strictly after ref.
func NextExecution(expr string, ref time.Time) (time.Time, bool, error) {
	s, err := Parse(expr)
	if err != nil {
		return time.Time{}, false, err
	}
	next, ok := s.Next(ref)
	return next, ok, nil
}

// normalizeDow rewrites a Monday=1..Sunday=7 day-of-week field into the
// Sunday=0..Saturday=6 form the underlying parser understands.
func normalizeDow(field string) (string, error) {
	parts := strings.Split(field, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		p, err := normalizeDowPart(strings.ToUpper(part))
		if err != nil {
			return "", err
		}
		out = append(out, p)
	}
	return strings.Join(out, ","), nil
}

func normalizeDowPart(part string) (string, error) {
	rng, stepStr, hasStep := strings.Cut(part, "/")
	if rng == "*" || rng == "?" {
		if !hasStep {
			return part, nil
		}
		// Steps count from Monday.
		rng = "1-7"
	}

	step := 1
	if hasStep {
		n, err := strconv.Atoi(stepStr)
		if err != nil || n <= 0 {
			return "", errors.Newf("bad day-of-week step %q", stepStr)
		}
		step = n
	}

	loStr, hiStr, isRange := strings.Cut(rng, "-")
	lo, err := dowValue(loStr)
	if err != nil {
		return "", err
	}
	hi := lo
	switch {
	case isRange:
		if hi, err = dowValue(hiStr); err != nil {
			return "", err
		}
	case hasStep:
		hi = 7
	}
	if lo == 0 && hi == 7 {
		lo = 1
	}
	if lo > hi {
		return "", errors.Newf("day-of-week range %q runs backwards", rng)
	}

	seen := make(map[int]bool)
	var days []string
	for d := lo; d <= hi; d += step {
		v := d % 7
		if !seen[v] {
			seen[v] = true
			days = append(days, strconv.Itoa(v))
		}
	}
	return strings.Join(days, ","), nil
}

func dowValue(s string) (int, error) {
	if v, ok := dayNames[s]; ok {
		return v, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 || v > 7 {
		return 0, errors.Newf("bad day-of-week value %q", s)
	}
	return v, nil
}
