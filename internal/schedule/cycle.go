package schedule

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cycle is a fixed-length repeating day sequence anchored to a start date.
type Cycle struct {
	Start  time.Time // anchor date; only Y/M/D are significant
	Length int
}

// DayFor maps a calendar date to its 1-based day number within the cycle.
// The result is always in [1, Length], including for dates before the
// anchor: the day difference is reduced with a true mathematical modulus,
// not Go's truncating remainder.
func (c Cycle) DayFor(d time.Time) int {
	delta := daysBetween(c.Start, d)
	m := delta % c.Length
	if m < 0 {
		m += c.Length
	}
	return m + 1
}

// daysBetween counts calendar days from a to b, ignoring clock time and
// timezone offsets (both dates are re-anchored in UTC so DST transitions
// cannot produce off-by-one results).
func daysBetween(a, b time.Time) int {
	au := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	bu := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(bu.Sub(au) / (24 * time.Hour))
}

// ParseHHMM parses a 24-hour "HH:MM" time-of-day.
func ParseHHMM(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
