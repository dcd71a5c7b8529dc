package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"qibot/internal/schedule"
	"qibot/pkg/logx"
)

type sentMsg struct {
	ChatID int64
	Text   string
	Files  []string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMsg
	fail bool
}

func (f *fakeSender) Send(ctx context.Context, chatID int64, text string, attachments []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("boom")
	}
	f.sent = append(f.sent, sentMsg{ChatID: chatID, Text: text, Files: attachments})
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type engineFixture struct {
	engine *Engine
	sender *fakeSender
	store  *schedule.Store
	path   string
}

// newEngineFixture builds an engine over one plan whose schedule file has
// the given body. The cycle anchors at 2025-10-16 with length 14, so
// 2025-10-16 itself is cycle day 1.
func newEngineFixture(t *testing.T, scheduleBody string, cfg Config, captureFn func()) *engineFixture {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "messages.json")
	if err := os.WriteFile(path, []byte(scheduleBody), 0o644); err != nil {
		t.Fatalf("write schedule: %v", err)
	}

	store := schedule.NewStore(logx.Nop())
	t.Cleanup(func() { _ = store.Close() })

	sender := &fakeSender{}
	cycle := schedule.Cycle{Start: time.Date(2025, time.October, 16, 0, 0, 0, 0, time.UTC), Length: 14}
	plan := Plan{Name: "test", SchedulePath: path, ChatIDs: []int64{100, 200}}

	eng := NewEngine(logx.Nop(), cfg, []Plan{plan}, store, cycle, time.UTC, NewLedger(), sender, captureFn)
	return &engineFixture{engine: eng, sender: sender, store: store, path: path}
}

func at(hhmm string) time.Time {
	var h, m int
	_, _ = fmt.Sscanf(hhmm, "%d:%d", &h, &m)
	return time.Date(2025, time.October, 16, h, m, 0, 0, time.UTC)
}

func TestTickDeliversDueEventToAllDestinations(t *testing.T) {
	t.Parallel()
	fx := newEngineFixture(t, `{"days": {"1": [{"time": "10:00", "text": "go"}]}}`, Config{}, nil)

	fx.engine.SetNow(func() time.Time { return at("10:00") })
	fx.engine.Tick(context.Background())

	if fx.sender.count() != 2 {
		t.Fatalf("sent %d messages, want 2 (one per destination)", fx.sender.count())
	}
	for _, m := range fx.sender.sent {
		if m.Text != "go" {
			t.Fatalf("sent text %q, want %q", m.Text, "go")
		}
	}
}

func TestTickIdempotentWithinGraceWindow(t *testing.T) {
	t.Parallel()
	fx := newEngineFixture(t, `{"days": {"1": [{"time": "10:00", "text": "go"}]}}`, Config{}, nil)

	fx.engine.SetNow(func() time.Time { return at("10:00") })
	fx.engine.Tick(context.Background())
	fx.engine.SetNow(func() time.Time { return at("10:05") })
	fx.engine.Tick(context.Background())

	if fx.sender.count() != 2 {
		t.Fatalf("sent %d messages across two ticks, want 2", fx.sender.count())
	}
}

func TestGraceWindowBoundary(t *testing.T) {
	t.Parallel()
	tests := []struct {
		now      string
		wantSent int
	}{
		{now: "09:59", wantSent: 0}, // not yet due
		{now: "10:00", wantSent: 2}, // due at the scheduled instant
		{now: "10:10", wantSent: 2}, // due at the window edge
		{now: "10:11", wantSent: 0}, // window closed
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.now, func(t *testing.T) {
			t.Parallel()
			fx := newEngineFixture(t, `{"days": {"1": [{"time": "10:00", "text": "go"}]}}`,
				Config{GraceWindow: 10 * time.Minute}, nil)
			fx.engine.SetNow(func() time.Time { return at(tt.now) })
			fx.engine.Tick(context.Background())
			if fx.sender.count() != tt.wantSent {
				t.Fatalf("at %s: sent %d, want %d", tt.now, fx.sender.count(), tt.wantSent)
			}
		})
	}
}

func TestDayRolloverClearsLedgerOnly(t *testing.T) {
	t.Parallel()
	fx := newEngineFixture(t, `{"days": {"1": [{"time": "10:00", "text": "d1"}], "2": [{"time": "10:00", "text": "d2"}]}}`, Config{}, nil)

	fx.engine.SetNow(func() time.Time { return at("10:00") })
	fx.engine.Tick(context.Background())
	if fx.sender.count() != 2 {
		t.Fatalf("day 1: sent %d, want 2", fx.sender.count())
	}
	key := EventKey(100, "2025-10-16", "10:00", 0)
	if !fx.engine.Ledger().Contains(key) {
		t.Fatal("ledger missing day-1 key")
	}

	docBefore, err := fx.store.Get(fx.path)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// Next calendar day, same wall time: ledger clears, day 2 delivers.
	fx.engine.SetNow(func() time.Time { return at("10:00").AddDate(0, 0, 1) })
	fx.engine.Tick(context.Background())

	if fx.engine.Ledger().Contains(key) {
		t.Fatal("prior-day key survived rollover")
	}
	if fx.sender.count() != 4 {
		t.Fatalf("after rollover: sent %d total, want 4", fx.sender.count())
	}

	docAfter, err := fx.store.Get(fx.path)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if docBefore != docAfter {
		t.Fatal("rollover must not touch the schedule cache")
	}
}

func TestMalformedTimeSkippedLoopContinues(t *testing.T) {
	t.Parallel()
	fx := newEngineFixture(t,
		`{"days": {"1": [{"time": "nope", "text": "bad"}, {"time": "10:00", "text": "good"}]}}`,
		Config{}, nil)

	fx.engine.SetNow(func() time.Time { return at("10:00") })
	fx.engine.Tick(context.Background())

	if fx.sender.count() != 2 {
		t.Fatalf("sent %d, want 2 (only the well-formed event)", fx.sender.count())
	}
	for _, m := range fx.sender.sent {
		if m.Text != "good" {
			t.Fatalf("unexpected delivery %q", m.Text)
		}
	}
}

func TestEmptyResolvedEventSkippedWithoutLedgerRecord(t *testing.T) {
	t.Parallel()
	fx := newEngineFixture(t, `{"days": {"1": [{"time": "10:00", "text": ""}]}}`, Config{}, nil)

	fx.engine.SetNow(func() time.Time { return at("10:00") })
	fx.engine.Tick(context.Background())

	if fx.sender.count() != 0 {
		t.Fatalf("sent %d, want 0", fx.sender.count())
	}
	// Not recorded: a schedule fix inside the grace window still delivers.
	if fx.engine.Ledger().Contains(EventKey(100, "2025-10-16", "10:00", 0)) {
		t.Fatal("empty event must not be marked sent")
	}
}

func TestSendFailureStillMarksSent(t *testing.T) {
	t.Parallel()
	fx := newEngineFixture(t, `{"days": {"1": [{"time": "10:00", "text": "go"}]}}`, Config{}, nil)
	fx.sender.fail = true

	fx.engine.SetNow(func() time.Time { return at("10:00") })
	fx.engine.Tick(context.Background())
	fx.sender.fail = false
	fx.engine.SetNow(func() time.Time { return at("10:01") })
	fx.engine.Tick(context.Background())

	if fx.sender.count() != 0 {
		t.Fatalf("sent %d, want 0 (failed sends are not retried every tick)", fx.sender.count())
	}
}

func TestCaptureTriggerFiresOncePerDay(t *testing.T) {
	t.Parallel()
	var fired int
	fx := newEngineFixture(t, `{"days": {}}`,
		Config{CaptureEnabled: true, CaptureAt: "04:00", GraceWindow: 10 * time.Minute},
		func() { fired++ })

	fx.engine.SetNow(func() time.Time { return at("03:50") })
	fx.engine.Tick(context.Background())
	if fired != 0 {
		t.Fatal("capture fired before trigger time")
	}

	fx.engine.SetNow(func() time.Time { return at("04:00") })
	fx.engine.Tick(context.Background())
	fx.engine.SetNow(func() time.Time { return at("04:05") })
	fx.engine.Tick(context.Background())
	if fired != 1 {
		t.Fatalf("capture fired %d times, want 1", fired)
	}

	// Next day it is armed again.
	fx.engine.SetNow(func() time.Time { return at("04:00").AddDate(0, 0, 1) })
	fx.engine.Tick(context.Background())
	if fired != 2 {
		t.Fatalf("capture fired %d times after rollover, want 2", fired)
	}
}

func TestCaptureOutsideGraceWindowDoesNotFire(t *testing.T) {
	t.Parallel()
	var fired int
	fx := newEngineFixture(t, `{"days": {}}`,
		Config{CaptureEnabled: true, CaptureAt: "04:00", GraceWindow: 10 * time.Minute},
		func() { fired++ })

	fx.engine.SetNow(func() time.Time { return at("04:11") })
	fx.engine.Tick(context.Background())
	if fired != 0 {
		t.Fatal("capture fired outside the grace window")
	}
}
