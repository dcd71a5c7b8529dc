package dispatch

import (
	"time"

	"qibot/internal/schedule"
)

// Queries is the ad hoc lookup surface behind the chat commands. It shares
// the schedule store and cycle clock with the tick loop, so the timer path
// and the command path can never disagree about what is scheduled.
type Queries struct {
	Store *schedule.Store
	Cycle schedule.Cycle
	Loc   *time.Location
	Now   func() time.Time
}

// Positioned is an event together with where it sits in the cycle.
type Positioned struct {
	Day   int // cycle day number
	Index int // 0-based position within the day's sorted events
	Event schedule.RawEvent
}

// DayCount summarizes one cycle day for overview listings.
type DayCount struct {
	Day   int
	Title string
	Count int
}

func (q *Queries) now() time.Time {
	if q.Now != nil {
		return q.Now().In(q.Loc)
	}
	return time.Now().In(q.Loc)
}

// TodayNumber returns the current cycle day number.
func (q *Queries) TodayNumber() int {
	return q.Cycle.DayFor(q.now())
}

// EventsForDay returns day num's events (sorted by time) from the plan's
// schedule. A missing file or unknown day yields an empty slice.
func (q *Queries) EventsForDay(schedulePath string, num int) ([]schedule.RawEvent, error) {
	doc, err := q.Store.Get(schedulePath)
	if err != nil {
		return nil, err
	}
	return doc.EventsForDay(num), nil
}

// Document exposes the cached schedule document for resolution.
func (q *Queries) Document(schedulePath string) (*schedule.Document, error) {
	return q.Store.Get(schedulePath)
}

// EventAtFlatIndex addresses events by a 1-based index counted across the
// whole cycle in day order.
func (q *Queries) EventAtFlatIndex(schedulePath string, n int) (Positioned, bool, error) {
	if n < 1 {
		return Positioned{}, false, nil
	}
	doc, err := q.Store.Get(schedulePath)
	if err != nil {
		return Positioned{}, false, err
	}
	seen := 0
	for day := 1; day <= q.Cycle.Length; day++ {
		evs := doc.EventsForDay(day)
		if n-seen <= len(evs) {
			idx := n - seen - 1
			return Positioned{Day: day, Index: idx, Event: evs[idx]}, true, nil
		}
		seen += len(evs)
	}
	return Positioned{}, false, nil
}

// MostRecent finds the latest event at or before now, scanning backward up
// to one full cycle. The bound guarantees termination on empty schedules.
func (q *Queries) MostRecent(schedulePath string) (Positioned, bool, error) {
	doc, err := q.Store.Get(schedulePath)
	if err != nil {
		return Positioned{}, false, err
	}
	now := q.now()
	nowMinutes := now.Hour()*60 + now.Minute()

	for back := 0; back <= q.Cycle.Length; back++ {
		date := now.AddDate(0, 0, -back)
		day := q.Cycle.DayFor(date)
		evs := doc.EventsForDay(day)
		for i := len(evs) - 1; i >= 0; i-- {
			h, m, err := schedule.ParseHHMM(evs[i].Time)
			if err != nil {
				continue
			}
			if back > 0 || h*60+m <= nowMinutes {
				return Positioned{Day: day, Index: i, Event: evs[i]}, true, nil
			}
		}
	}
	return Positioned{}, false, nil
}

// Next finds the first event after now, scanning forward up to one full
// cycle.
func (q *Queries) Next(schedulePath string) (Positioned, bool, error) {
	doc, err := q.Store.Get(schedulePath)
	if err != nil {
		return Positioned{}, false, err
	}
	now := q.now()
	nowMinutes := now.Hour()*60 + now.Minute()

	for ahead := 0; ahead <= q.Cycle.Length; ahead++ {
		date := now.AddDate(0, 0, ahead)
		day := q.Cycle.DayFor(date)
		evs := doc.EventsForDay(day)
		for i, ev := range evs {
			h, m, err := schedule.ParseHHMM(ev.Time)
			if err != nil {
				continue
			}
			if ahead > 0 || h*60+m > nowMinutes {
				return Positioned{Day: day, Index: i, Event: ev}, true, nil
			}
		}
	}
	return Positioned{}, false, nil
}

// HalfDay filters a day's events to the morning (before 12:00) or the
// afternoon (12:00 and later). The noon boundary is deliberate: 12:00
// itself belongs to the afternoon.
func (q *Queries) HalfDay(schedulePath string, num int, morning bool) ([]schedule.RawEvent, error) {
	evs, err := q.EventsForDay(schedulePath, num)
	if err != nil {
		return nil, err
	}
	var out []schedule.RawEvent
	for _, ev := range evs {
		h, _, err := schedule.ParseHHMM(ev.Time)
		if err != nil {
			continue
		}
		if (h < 12) == morning {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Overview lists the per-day event counts across the cycle, skipping empty
// days.
func (q *Queries) Overview(schedulePath string) ([]DayCount, error) {
	doc, err := q.Store.Get(schedulePath)
	if err != nil {
		return nil, err
	}
	var out []DayCount
	for day := 1; day <= q.Cycle.Length; day++ {
		evs := doc.EventsForDay(day)
		if len(evs) == 0 {
			continue
		}
		title := doc.Days[day].Title
		out = append(out, DayCount{Day: day, Title: title, Count: len(evs)})
	}
	return out, nil
}
