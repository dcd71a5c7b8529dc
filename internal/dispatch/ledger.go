package dispatch

import (
	"fmt"
	"sync"
	"time"
)

// Ledger is the in-memory set of delivered-event keys for the current
// calendar day. It is intentionally not persisted: a restart mid-day
// forgets what was sent, so events still inside the grace window may be
// delivered a second time. That gap is an accepted part of the design.
//
// The tick loop and command handlers touch the ledger concurrently, so all
// access goes through one mutex.
type Ledger struct {
	mu   sync.Mutex
	keys map[string]struct{}
	day  string // ISO date last observed; rollover clears the set
}

func NewLedger() *Ledger {
	return &Ledger{keys: map[string]struct{}{}}
}

// EventKey identifies one delivery: destination, date, time-of-day and the
// event's position within its day. Membership only; never serialized.
func EventKey(chatID int64, date string, hhmm string, idx int) string {
	return fmt.Sprintf("%d|%s|%s|%d", chatID, date, hhmm, idx)
}

// CaptureKey gates the daily capture job. It shares the rollover clear with
// event keys but can never collide with them (chat IDs are numeric).
func CaptureKey(date string, hhmm string) string {
	return fmt.Sprintf("capture|%s|%s", date, hhmm)
}

// Rollover clears the ledger iff the observed date changed, returning
// whether it cleared. This is the only way the ledger shrinks.
func (l *Ledger) Rollover(today time.Time) bool {
	d := today.Format("2006-01-02")
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.day == d {
		return false
	}
	l.day = d
	l.keys = map[string]struct{}{}
	return true
}

// MarkIfNew records key and reports whether it was newly added. A false
// return means the event was already delivered today.
func (l *Ledger) MarkIfNew(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.keys[key]; ok {
		return false
	}
	l.keys[key] = struct{}{}
	return true
}

func (l *Ledger) Contains(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.keys[key]
	return ok
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
