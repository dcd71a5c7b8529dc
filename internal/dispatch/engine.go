package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"qibot/internal/schedule"
	"qibot/internal/transport"
	"qibot/pkg/logx"
)

// Plan binds one schedule file to the chats that receive its events.
type Plan struct {
	Name         string
	SchedulePath string
	ChatIDs      []int64
}

type Config struct {
	Tick        time.Duration
	GraceWindow time.Duration

	CaptureEnabled bool
	CaptureAt      string // "HH:MM"
}

// Engine is the scheduler loop. Each tick it refreshes every plan's
// schedule, delivers the events that are due and not yet sent, and
// evaluates the daily capture trigger. Ticks never overlap: one tick runs
// to completion before the loop sleeps.
type Engine struct {
	log    logx.Logger
	cfg    Config
	plans  []Plan
	store  *schedule.Store
	cycle  schedule.Cycle
	loc    *time.Location
	ledger *Ledger
	sender transport.Sender

	// captureFn hands the capture job to the jobs worker queue; the fetch
	// and insert must not run on the tick.
	captureFn func()

	now func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

func NewEngine(
	log logx.Logger,
	cfg Config,
	plans []Plan,
	store *schedule.Store,
	cycle schedule.Cycle,
	loc *time.Location,
	ledger *Ledger,
	sender transport.Sender,
	captureFn func(),
) *Engine {
	if cfg.Tick <= 0 {
		cfg.Tick = 30 * time.Second
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 10 * time.Minute
	}
	return &Engine{
		log:       log.With(logx.String("component", "dispatch")),
		cfg:       cfg,
		plans:     plans,
		store:     store,
		cycle:     cycle,
		loc:       loc,
		ledger:    ledger,
		sender:    sender,
		captureFn: captureFn,
		now:       time.Now,
	}
}

// SetNow injects a clock; used by tests.
func (e *Engine) SetNow(now func() time.Time) { e.now = now }

func (e *Engine) Ledger() *Ledger { return e.ledger }

func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	lctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.stopped = make(chan struct{})

	go func() {
		defer close(e.stopped)
		ticker := time.NewTicker(e.cfg.Tick)
		defer ticker.Stop()
		e.Tick(lctx)
		for {
			select {
			case <-lctx.Done():
				return
			case <-ticker.C:
				e.Tick(lctx)
			}
		}
	}()
	e.log.Info("dispatch loop started",
		logx.Duration("tick", e.cfg.Tick),
		logx.Duration("grace_window", e.cfg.GraceWindow),
		logx.Int("plans", len(e.plans)))
}

func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	cancel := e.cancel
	stopped := e.stopped
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-stopped:
	case <-ctx.Done():
	}
	e.log.Info("dispatch loop stopped")
}

// Tick runs one full scheduler pass using the injected clock.
func (e *Engine) Tick(ctx context.Context) {
	now := e.now().In(e.loc)
	today := now.Format("2006-01-02")

	if e.ledger.Rollover(now) {
		e.log.Info("new day",
			logx.String("date", today),
			logx.Int("cycle_day", e.cycle.DayFor(now)))
	}

	for _, plan := range e.plans {
		e.tickPlan(ctx, plan, now, today)
	}

	e.evalCapture(now, today)
}

func (e *Engine) tickPlan(ctx context.Context, plan Plan, now time.Time, today string) {
	doc, err := e.store.Refresh(plan.SchedulePath, false)
	if err != nil {
		// Parse failure is fatal for this path only; the previous document
		// (if any) stays in use and the other plans keep operating.
		e.log.Error("schedule refresh failed", logx.String("plan", plan.Name), logx.Err(err))
	}
	if doc == nil {
		return
	}

	daynum := e.cycle.DayFor(now)
	events := doc.EventsForDay(daynum)

	for idx, ev := range events {
		h, m, err := schedule.ParseHHMM(ev.Time)
		if err != nil {
			e.log.Warn("bad time format in event, skipping",
				logx.String("plan", plan.Name),
				logx.Int("cycle_day", daynum),
				logx.String("time", ev.Time))
			continue
		}
		scheduled := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, e.loc)
		if now.Before(scheduled) || now.Sub(scheduled) > e.cfg.GraceWindow {
			continue
		}
		e.deliver(ctx, plan, doc, ev, idx, today, fmt.Sprintf("%02d:%02d", h, m))
	}
}

// deliver sends one due event to every chat bound to the plan, gated per
// destination by the ledger.
func (e *Engine) deliver(ctx context.Context, plan Plan, doc *schedule.Document, ev schedule.RawEvent, idx int, today, hhmm string) {
	resolved := schedule.Resolve(ev, doc)
	files := schedule.CollectAttachments(resolved.Images)

	for _, chatID := range plan.ChatIDs {
		key := EventKey(chatID, today, hhmm, idx)
		if e.ledger.Contains(key) {
			continue
		}
		if strings.TrimSpace(resolved.Text) == "" && len(files) == 0 {
			// Skipped without a ledger entry: if the schedule file gets
			// fixed within the grace window, the event still goes out.
			e.log.Warn("empty resolved event, not sending",
				logx.String("plan", plan.Name),
				logx.String("time", hhmm),
				logx.Int("index", idx))
			continue
		}
		// Mark before sending: a failing destination is logged, not retried
		// every tick until the window closes.
		if !e.ledger.MarkIfNew(key) {
			continue
		}
		if err := e.sender.Send(ctx, chatID, resolved.Text, files); err != nil {
			e.log.Error("send failed",
				logx.String("plan", plan.Name),
				logx.Int64("chat_id", chatID),
				logx.String("time", hhmm),
				logx.Err(err))
			continue
		}
		e.log.Info("event delivered",
			logx.String("plan", plan.Name),
			logx.Int64("chat_id", chatID),
			logx.String("time", hhmm),
			logx.Int("index", idx))
	}
}

// evalCapture fires the daily capture job at most once per day, using the
// same grace-window policy as message delivery and a ledger key distinct
// from every event key.
func (e *Engine) evalCapture(now time.Time, today string) {
	if !e.cfg.CaptureEnabled || e.captureFn == nil {
		return
	}
	h, m, err := schedule.ParseHHMM(e.cfg.CaptureAt)
	if err != nil {
		e.log.Error("invalid capture trigger time", logx.String("at", e.cfg.CaptureAt))
		return
	}
	scheduled := time.Date(now.Year(), now.Month(), now.Day(), h, m, 0, 0, e.loc)
	if now.Before(scheduled) || now.Sub(scheduled) > e.cfg.GraceWindow {
		return
	}
	if !e.ledger.MarkIfNew(CaptureKey(today, e.cfg.CaptureAt)) {
		return
	}
	e.log.Info("capture job due", logx.String("at", e.cfg.CaptureAt))
	e.captureFn()
}
