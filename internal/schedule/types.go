package schedule

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Document is one parsed schedule file: day number -> day spec, plus
// reusable event templates. Day numbers need not be contiguous; a missing
// day simply has no events.
type Document struct {
	Days      map[int]Day
	Templates map[string]RawEvent
}

// EmptyDocument is what a missing schedule file resolves to. The scheduler
// keeps running with no events rather than failing.
func EmptyDocument() *Document {
	return &Document{Days: map[int]Day{}, Templates: map[string]RawEvent{}}
}

// Day is the canonical form of a day entry. Files may write a day either as
// a bare event list or as an object with a title/notes around the list; both
// normalize to this at parse time so nothing downstream branches on shape.
type Day struct {
	Title  string
	Notes  string
	Events []RawEvent
}

// RawEvent is one scheduled entry as authored. Pointer fields distinguish
// "absent" from "present but empty", which template merging depends on.
type RawEvent struct {
	Time  string            `json:"time"`
	Title *string           `json:"title,omitempty"`
	Text  *string           `json:"text,omitempty"`
	Image ImageField        `json:"image,omitempty"`
	Vars  map[string]string `json:"vars,omitempty"`
	Use   string            `json:"use,omitempty"`
}

// ImageField accepts a single path, a list of paths, or an explicit null
// (which suppresses an image inherited from a template).
type ImageField struct {
	Present bool
	Null    bool
	Paths   []string
}

func (f *ImageField) UnmarshalJSON(b []byte) error {
	f.Present = true
	f.Null = false
	f.Paths = nil
	t := bytes.TrimSpace(b)
	if bytes.Equal(t, []byte("null")) {
		f.Null = true
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		f.Paths = []string{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		f.Paths = list
		return nil
	}
	return fmt.Errorf("image: expected string, string list, or null")
}

func (f ImageField) MarshalJSON() ([]byte, error) {
	switch {
	case !f.Present || f.Null:
		return []byte("null"), nil
	case len(f.Paths) == 1:
		return json.Marshal(f.Paths[0])
	default:
		return json.Marshal(f.Paths)
	}
}

// ParseDocument decodes a schedule file body (after JSONC stripping) into
// its canonical form.
func ParseDocument(data []byte) (*Document, error) {
	var raw struct {
		Days      map[string]json.RawMessage `json:"days"`
		Templates map[string]RawEvent        `json:"templates"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	doc := EmptyDocument()
	for name, tmpl := range raw.Templates {
		doc.Templates[name] = tmpl
	}
	for key, body := range raw.Days {
		num, err := strconv.Atoi(key)
		if err != nil || num <= 0 {
			return nil, fmt.Errorf("invalid day number %q", key)
		}
		day, err := parseDay(body)
		if err != nil {
			return nil, fmt.Errorf("day %d: %w", num, err)
		}
		doc.Days[num] = day
	}
	return doc, nil
}

// parseDay normalizes the two accepted day shapes.
func parseDay(body json.RawMessage) (Day, error) {
	var events []RawEvent
	if err := json.Unmarshal(body, &events); err == nil {
		return Day{Events: events}, nil
	}

	var obj struct {
		Title  string     `json:"title"`
		Notes  string     `json:"notes"`
		Events []RawEvent `json:"events"`
	}
	if err := json.Unmarshal(body, &obj); err != nil {
		return Day{}, fmt.Errorf("expected event list or day object: %w", err)
	}
	return Day{Title: obj.Title, Notes: obj.Notes, Events: obj.Events}, nil
}

// EventsForDay returns the day's events sorted ascending by time-of-day.
// The sort is stable: events sharing a time keep their authored order.
// Unknown days yield nil.
func (d *Document) EventsForDay(num int) []RawEvent {
	day, ok := d.Days[num]
	if !ok || len(day.Events) == 0 {
		return nil
	}
	out := make([]RawEvent, len(day.Events))
	copy(out, day.Events)
	sort.SliceStable(out, func(i, j int) bool { return timeSortKey(out[i].Time) < timeSortKey(out[j].Time) })
	return out
}

// timeSortKey orders events by parsed time-of-day. Events with malformed
// times (they get skipped at dispatch anyway) sort after well-formed ones.
func timeSortKey(hhmm string) int {
	h, m, err := ParseHHMM(hhmm)
	if err != nil {
		return 24*60 + 1
	}
	return h*60 + m
}
