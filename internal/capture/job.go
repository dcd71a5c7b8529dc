// Package capture implements the once-daily external data capture: fetch
// player rows, filter by thresholds, and load them into the remote snapshot
// store, with success/failure reported to a status chat.
package capture

import (
	"context"
	"fmt"

	"qibot/internal/d1"
	"qibot/pkg/logx"
)

// RowFetcher is implemented by *Fetcher.
type RowFetcher interface {
	FetchRows(ctx context.Context) ([]map[string]any, error)
}

// SnapshotInserter is implemented by *d1.SnapshotStore.
type SnapshotInserter interface {
	InsertDaily(ctx context.Context, rows []d1.Row) (d1.SnapshotResult, error)
}

// Reporter pushes a human-readable status line to the designated chat.
// Reporting failures are logged, never propagated.
type Reporter func(ctx context.Context, text string)

const maxErrorReportLen = 500

type Job struct {
	log    logx.Logger
	fetch  RowFetcher
	store  SnapshotInserter
	report Reporter

	minBattles int64
	minPoints  int64
}

func NewJob(fetch RowFetcher, store SnapshotInserter, report Reporter, minBattles, minPoints int64, log logx.Logger) *Job {
	return &Job{
		log:        log.With(logx.String("component", "capture")),
		fetch:      fetch,
		store:      store,
		report:     report,
		minBattles: minBattles,
		minPoints:  minPoints,
	}
}

// Run performs one capture pass and returns the snapshot result. The insert
// is idempotent per calendar day: a second run finds today's snapshot and
// reports it with Skipped set, inserting nothing.
func (j *Job) Run(ctx context.Context) (d1.SnapshotResult, error) {
	raw, err := j.fetch.FetchRows(ctx)
	if err != nil {
		return d1.SnapshotResult{}, fmt.Errorf("fetch: %w", err)
	}

	rows := BuildRows(raw, j.minBattles, j.minPoints)
	j.log.Info("filtered rows",
		logx.Int("kept", len(rows)),
		logx.Int("total", len(raw)),
		logx.Int64("min_battles", j.minBattles),
		logx.Int64("min_points", j.minPoints))

	result, err := j.store.InsertDaily(ctx, rows)
	if err != nil {
		return d1.SnapshotResult{}, fmt.Errorf("insert snapshot: %w", err)
	}
	return result, nil
}

// RunAndReport wraps Run for the background trigger: every outcome is
// logged and pushed to the status chat, and no error escapes to the
// scheduler loop. The manual command uses the same path so both runs report
// identically.
func (j *Job) RunAndReport(ctx context.Context) error {
	result, err := j.Run(ctx)
	if err != nil {
		j.log.Error("capture job failed", logx.Err(err))
		j.say(ctx, "Daily snapshot failed: "+truncateErr(err))
		return err
	}

	switch {
	case result.Skipped:
		j.say(ctx, fmt.Sprintf(
			"Daily snapshot already stored today: %s (snapshot_id: %d, no rows inserted)",
			result.Label, result.SnapshotID))
	case result.Label == "":
		j.say(ctx, "Daily snapshot: no rows passed the thresholds, nothing stored.")
	default:
		j.say(ctx, fmt.Sprintf(
			"Daily snapshot stored: %s (rows: %d, snapshot_id: %d)",
			result.Label, result.RowsInserted, result.SnapshotID))
	}
	j.log.Info("capture job done",
		logx.String("label", result.Label),
		logx.Int64("snapshot_id", result.SnapshotID),
		logx.Int("rows", result.RowsInserted),
		logx.Bool("skipped", result.Skipped))
	return nil
}

func (j *Job) say(ctx context.Context, text string) {
	if j.report == nil {
		return
	}
	j.report(ctx, text)
}

func truncateErr(err error) string {
	s := err.Error()
	if len(s) > maxErrorReportLen {
		return s[:maxErrorReportLen] + "…"
	}
	return s
}
