// Package commands wires the chat command surface to the schedule query
// API. Handlers are thin: parsing and formatting here, all scheduling truth
// comes from dispatch.Queries so commands and the timer loop can never
// disagree.
package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"qibot/internal/capture"
	"qibot/internal/dispatch"
	"qibot/internal/schedule"
	"qibot/internal/transport"
	"qibot/pkg/logx"
)

type Deps struct {
	Log     logx.Logger
	Sender  transport.Sender
	Queries *dispatch.Queries

	// PlanFor maps a chat to its plan; chats outside every plan are ignored.
	PlanFor func(chatID int64) (dispatch.Plan, bool)

	CycleLength int

	// Capture is nil when the capture job is disabled; StatusChatID may
	// additionally use /capture even if bound to no plan.
	Capture      *capture.Job
	StatusChatID int64

	// EnqueueCapture offloads a manual capture run; a nil func runs inline.
	EnqueueCapture func(fn func(ctx context.Context) error) bool
}

type handlers struct {
	Deps
}

// Register installs all command handlers on the receiver.
func Register(rx transport.Receiver, d Deps) {
	h := &handlers{Deps: d}
	rx.OnCommand("help", h.guarded(h.help))
	rx.OnCommand("today", h.guarded(h.today))
	rx.OnCommand("day", h.guarded(h.day))
	rx.OnCommand("step", h.guarded(h.step))
	rx.OnCommand("at", h.guarded(h.at))
	rx.OnCommand("now", h.guarded(h.now))
	rx.OnCommand("next", h.guarded(h.next))
	rx.OnCommand("all", h.guarded(h.all))
	rx.OnCommand("half", h.guarded(h.half))
	rx.OnCommand("capture", h.captureCmd)
}

// guarded restricts a handler to chats that belong to a plan.
func (h *handlers) guarded(fn func(ctx context.Context, cmd transport.Command, plan dispatch.Plan)) func(context.Context, transport.Command) {
	return func(ctx context.Context, cmd transport.Command) {
		plan, ok := h.PlanFor(cmd.ChatID)
		if !ok {
			return
		}
		fn(ctx, cmd, plan)
	}
}

func (h *handlers) reply(ctx context.Context, chatID int64, text string) {
	if err := h.Sender.Send(ctx, chatID, text, nil); err != nil {
		h.Log.Error("command reply failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

func (h *handlers) help(ctx context.Context, cmd transport.Command, _ dispatch.Plan) {
	lines := []string{
		"Available commands:",
		"/today — all steps scheduled for today",
		"/day N — all steps for cycle day N",
		"/step N M — the M-th step of day N",
		"/at N — the N-th step counted across the whole cycle",
		"/now — the most recent step at or before now",
		"/next — the next upcoming step",
		"/all — per-day step counts for the entire cycle",
		"/half am|pm [N] — morning or afternoon steps of day N (default today)",
	}
	if h.Capture != nil {
		lines = append(lines, "/capture — run the daily data snapshot now")
	}
	h.reply(ctx, cmd.ChatID, strings.Join(lines, "\n"))
}

func (h *handlers) today(ctx context.Context, cmd transport.Command, plan dispatch.Plan) {
	h.sendDay(ctx, cmd.ChatID, plan, h.Queries.TodayNumber())
}

func (h *handlers) day(ctx context.Context, cmd transport.Command, plan dispatch.Plan) {
	if len(cmd.Args) != 1 {
		h.reply(ctx, cmd.ChatID, "Usage: /day N\n    e.g. /day 1 shows all steps for the first cycle day.")
		return
	}
	n, err := strconv.Atoi(cmd.Args[0])
	if err != nil {
		h.reply(ctx, cmd.ChatID, "Usage: /day N\n    e.g. /day 1 shows all steps for the first cycle day.")
		return
	}
	h.sendDay(ctx, cmd.ChatID, plan, n)
}

func (h *handlers) sendDay(ctx context.Context, chatID int64, plan dispatch.Plan, num int) {
	if num < 1 || num > h.CycleLength {
		h.reply(ctx, chatID, fmt.Sprintf("Day %d is out of range; the cycle has %d days.", num, h.CycleLength))
		return
	}
	evs, err := h.Queries.EventsForDay(plan.SchedulePath, num)
	if err != nil {
		h.Log.Error("day query failed", logx.String("plan", plan.Name), logx.Err(err))
		h.reply(ctx, chatID, "Schedule unavailable right now.")
		return
	}
	if len(evs) == 0 {
		h.reply(ctx, chatID, fmt.Sprintf("Day %d: no steps scheduled.", num))
		return
	}
	h.reply(ctx, chatID, fmt.Sprintf("Day %d: %d steps scheduled.", num, len(evs)))
	for _, ev := range evs {
		h.sendFull(ctx, chatID, plan, ev)
	}
}

func (h *handlers) step(ctx context.Context, cmd transport.Command, plan dispatch.Plan) {
	usage := "Usage: /step N M\n    e.g. /step 1 2 shows the second step of day 1."
	if len(cmd.Args) != 2 {
		h.reply(ctx, cmd.ChatID, usage)
		return
	}
	d, err1 := strconv.Atoi(cmd.Args[0])
	m, err2 := strconv.Atoi(cmd.Args[1])
	if err1 != nil || err2 != nil {
		h.reply(ctx, cmd.ChatID, usage)
		return
	}
	evs, err := h.Queries.EventsForDay(plan.SchedulePath, d)
	if err != nil || len(evs) == 0 {
		h.reply(ctx, cmd.ChatID, fmt.Sprintf("Day %d: no steps scheduled.", d))
		return
	}
	if m < 1 || m > len(evs) {
		h.reply(ctx, cmd.ChatID, fmt.Sprintf("Day %d has %d steps; index %d is out of range.", d, len(evs), m))
		return
	}
	h.sendFull(ctx, cmd.ChatID, plan, evs[m-1])
}

func (h *handlers) at(ctx context.Context, cmd transport.Command, plan dispatch.Plan) {
	usage := "Usage: /at N\n    e.g. /at 5 shows the fifth step counted across the whole cycle."
	if len(cmd.Args) != 1 {
		h.reply(ctx, cmd.ChatID, usage)
		return
	}
	n, err := strconv.Atoi(cmd.Args[0])
	if err != nil {
		h.reply(ctx, cmd.ChatID, usage)
		return
	}
	pos, ok, err := h.Queries.EventAtFlatIndex(plan.SchedulePath, n)
	if err != nil || !ok {
		h.reply(ctx, cmd.ChatID, fmt.Sprintf("No step at index %d.", n))
		return
	}
	h.reply(ctx, cmd.ChatID, fmt.Sprintf("Step %d (day %d, %s):", n, pos.Day, pos.Event.Time))
	h.sendFull(ctx, cmd.ChatID, plan, pos.Event)
}

func (h *handlers) now(ctx context.Context, cmd transport.Command, plan dispatch.Plan) {
	pos, ok, err := h.Queries.MostRecent(plan.SchedulePath)
	if err != nil || !ok {
		h.reply(ctx, cmd.ChatID, "No step found at or before now.")
		return
	}
	h.sendFull(ctx, cmd.ChatID, plan, pos.Event)
}

func (h *handlers) next(ctx context.Context, cmd transport.Command, plan dispatch.Plan) {
	pos, ok, err := h.Queries.Next(plan.SchedulePath)
	if err != nil || !ok {
		h.reply(ctx, cmd.ChatID, "No further steps found.")
		return
	}
	h.sendFull(ctx, cmd.ChatID, plan, pos.Event)
}

func (h *handlers) all(ctx context.Context, cmd transport.Command, plan dispatch.Plan) {
	counts, err := h.Queries.Overview(plan.SchedulePath)
	if err != nil {
		h.reply(ctx, cmd.ChatID, "Schedule unavailable right now.")
		return
	}
	if len(counts) == 0 {
		h.reply(ctx, cmd.ChatID, "No scheduled steps found.")
		return
	}
	var b strings.Builder
	for _, c := range counts {
		if c.Title != "" {
			fmt.Fprintf(&b, "Day %d (%s): %d steps\n", c.Day, c.Title, c.Count)
		} else {
			fmt.Fprintf(&b, "Day %d: %d steps\n", c.Day, c.Count)
		}
	}
	h.reply(ctx, cmd.ChatID, strings.TrimRight(b.String(), "\n"))
}

func (h *handlers) half(ctx context.Context, cmd transport.Command, plan dispatch.Plan) {
	usage := "Usage: /half am|pm [N]\n    e.g. /half am 3 shows day 3 steps before 12:00."
	if len(cmd.Args) < 1 || len(cmd.Args) > 2 {
		h.reply(ctx, cmd.ChatID, usage)
		return
	}
	var morning bool
	switch strings.ToLower(cmd.Args[0]) {
	case "am", "morning":
		morning = true
	case "pm", "afternoon":
		morning = false
	default:
		h.reply(ctx, cmd.ChatID, usage)
		return
	}
	num := h.Queries.TodayNumber()
	if len(cmd.Args) == 2 {
		n, err := strconv.Atoi(cmd.Args[1])
		if err != nil {
			h.reply(ctx, cmd.ChatID, usage)
			return
		}
		num = n
	}
	if num < 1 || num > h.CycleLength {
		h.reply(ctx, cmd.ChatID, fmt.Sprintf("Day %d is out of range; the cycle has %d days.", num, h.CycleLength))
		return
	}
	evs, err := h.Queries.HalfDay(plan.SchedulePath, num, morning)
	if err != nil {
		h.reply(ctx, cmd.ChatID, "Schedule unavailable right now.")
		return
	}
	window := "afternoon"
	if morning {
		window = "morning"
	}
	if len(evs) == 0 {
		h.reply(ctx, cmd.ChatID, fmt.Sprintf("Day %d: no %s steps.", num, window))
		return
	}
	h.reply(ctx, cmd.ChatID, fmt.Sprintf("Day %d, %s: %d steps.", num, window, len(evs)))
	for _, ev := range evs {
		h.sendFull(ctx, cmd.ChatID, plan, ev)
	}
}

// sendFull resolves and sends one event as it would go out on schedule.
func (h *handlers) sendFull(ctx context.Context, chatID int64, plan dispatch.Plan, ev schedule.RawEvent) {
	doc, err := h.Queries.Document(plan.SchedulePath)
	if err != nil {
		h.reply(ctx, chatID, "Schedule unavailable right now.")
		return
	}
	resolved := schedule.Resolve(ev, doc)
	files := schedule.CollectAttachments(resolved.Images)
	if strings.TrimSpace(resolved.Text) == "" && len(files) == 0 {
		h.reply(ctx, chatID, "(Empty message — please tell the organizers.)")
		return
	}
	if err := h.Sender.Send(ctx, chatID, resolved.Text, files); err != nil {
		h.Log.Error("command send failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

// captureCmd triggers a manual snapshot run, reporting through the same
// path as the automatic daily one.
func (h *handlers) captureCmd(ctx context.Context, cmd transport.Command) {
	if h.Capture == nil {
		return
	}
	if _, ok := h.PlanFor(cmd.ChatID); !ok && cmd.ChatID != h.StatusChatID {
		return
	}

	run := func(jctx context.Context) error { return h.Capture.RunAndReport(jctx) }
	if h.EnqueueCapture != nil {
		if !h.EnqueueCapture(run) {
			h.reply(ctx, cmd.ChatID, "Capture queue is busy, try again shortly.")
			return
		}
		h.reply(ctx, cmd.ChatID, "Capture run queued.")
		return
	}
	_ = run(ctx)
}
