// Package scheduler runs the optimization cycle one at a time on a fixed
// interval or cron schedule, guarded by a cross-process file lock.
package scheduler

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"
)

// CronExpr is a parsed 5-field cron expression (minute, hour, day-of-month,
// month, day-of-week). Each field is a bit set of allowed values.
type CronExpr struct {
	minute, hour, dom, month, dow uint64
	expr                          string
}

type cronField struct {
	name     string
	min, max int
}

var cronFields = [5]cronField{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// ParseCron parses a standard 5-field cron expression. Each field accepts
// *, */N, N, N-M and N-M/S, comma-separated.
func ParseCron(expr string) (*CronExpr, error) {
	parts := strings.Fields(expr)
	if len(parts) != len(cronFields) {
		return nil, fmt.Errorf("cron: expected 5 fields, got %d", len(parts))
	}
	var sets [5]uint64
	for i, f := range cronFields {
		set, err := parseCronField(parts[i], f.min, f.max)
		if err != nil {
			return nil, fmt.Errorf("cron: %s: %w", f.name, err)
		}
		sets[i] = set
	}
	return &CronExpr{
		minute: sets[0], hour: sets[1], dom: sets[2], month: sets[3], dow: sets[4],
		expr: strings.Join(parts, " "),
	}, nil
}

// String returns the normalised expression.
func (c *CronExpr) String() string { return c.expr }

func has(set uint64, v int) bool { return set&(1<<uint(v)) != 0 }

// Matches reports whether t (to the minute) is a scheduled instant.
func (c *CronExpr) Matches(t time.Time) bool {
	return has(c.minute, t.Minute()) &&
		has(c.hour, t.Hour()) &&
		has(c.dom, t.Day()) &&
		has(c.month, int(t.Month())) &&
		has(c.dow, int(t.Weekday()))
}

// Next returns the first scheduled minute strictly after t, or the zero
// time when nothing matches within two years.
func (c *CronExpr) Next(t time.Time) time.Time {
	next := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(2, 0, 0)
	for next.Before(limit) {
		switch {
		case !has(c.month, int(next.Month())):
			next = time.Date(next.Year(), next.Month()+1, 1, 0, 0, 0, 0, next.Location())
		case !has(c.dom, next.Day()) || !has(c.dow, int(next.Weekday())):
			next = time.Date(next.Year(), next.Month(), next.Day()+1, 0, 0, 0, 0, next.Location())
		case !has(c.hour, next.Hour()):
			next = time.Date(next.Year(), next.Month(), next.Day(), next.Hour()+1, 0, 0, 0, next.Location())
		case !has(c.minute, next.Minute()):
			next = next.Add(time.Minute)
		default:
			return next
		}
	}
	return time.Time{}
}

func parseCronField(field string, min, max int) (uint64, error) {
	var set uint64
	for _, part := range strings.Split(field, ",") {
		lo, hi, step := min, max, 1
		rng, stepStr, hasStep := strings.Cut(part, "/")
		if hasStep {
			n, err := strconv.Atoi(stepStr)
			if err != nil || n <= 0 {
				return 0, fmt.Errorf("invalid step %q", part)
			}
			step = n
		}
		switch {
		case rng == "*":
		case strings.Contains(rng, "-"):
			a, b, _ := strings.Cut(rng, "-")
			var err1, err2 error
			lo, err1 = strconv.Atoi(a)
			hi, err2 = strconv.Atoi(b)
			if err1 != nil || err2 != nil {
				return 0, fmt.Errorf("invalid range %q", part)
			}
		default:
			if hasStep {
				return 0, fmt.Errorf("step needs a range in %q", part)
			}
			v, err := strconv.Atoi(rng)
			if err != nil {
				return 0, fmt.Errorf("invalid value %q", part)
			}
			lo, hi = v, v
		}
		if lo < min || hi > max || lo > hi {
			return 0, fmt.Errorf("%q out of bounds [%d,%d]", part, min, max)
		}
		for v := lo; v <= hi; v += step {
			set |= 1 << uint(v)
		}
	}
	if bits.OnesCount64(set) == 0 {
		return 0, fmt.Errorf("empty field %q", field)
	}
	return set, nil
}
