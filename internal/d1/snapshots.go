package d1

import (
	"context"
	"fmt"
	"strings"
	"time"

	"qibot/pkg/logx"
)

// Row is one filtered player entry of a daily snapshot.
type Row struct {
	PlayerID int64
	GuildID  int64
	EraNr    int64
	Points   int64
	Battles  int64

	// Optional display names; only used for the insert-if-absent name
	// mappings, never stored on the stats row itself.
	PlayerName string
	GuildName  string
}

// Snapshot is one dated batch of captured rows. At most one exists per
// calendar day.
type Snapshot struct {
	ID         int64
	Label      string
	CapturedAt string
}

// SnapshotResult reports what an insert attempt did.
type SnapshotResult struct {
	Label        string
	SnapshotID   int64
	RowsInserted int
	// Skipped means a snapshot already existed for the day; nothing was
	// inserted and the existing snapshot's identity is reported.
	Skipped bool
}

// D1 enforces a strict per-statement SQL variable limit; stats rows carry 6
// params each, so 10 rows per statement stays well below it.
const (
	statsBatchRows = 10
	statsCols      = 6
)

// SnapshotStore owns the snapshot schema access. All statements run through
// a Querier, so the same logic serves the REST client and local SQLite.
type SnapshotStore struct {
	q   Querier
	log logx.Logger
	loc *time.Location
	now func() time.Time
}

func NewSnapshotStore(q Querier, loc *time.Location, log logx.Logger) *SnapshotStore {
	return &SnapshotStore{
		q:   q,
		log: log.With(logx.String("component", "snapshots")),
		loc: loc,
		now: time.Now,
	}
}

// SetNow injects a clock; used by tests.
func (s *SnapshotStore) SetNow(now func() time.Time) { s.now = now }

// SnapshotForDate looks up the snapshot captured on the given calendar day
// (date in "2006-01-02" form).
func (s *SnapshotStore) SnapshotForDate(ctx context.Context, date string) (Snapshot, bool, error) {
	rows, err := s.q.Query(ctx,
		"SELECT id, label, captured_at FROM snapshots WHERE date(captured_at) = ? LIMIT 1;", date)
	if err != nil {
		return Snapshot{}, false, err
	}
	if len(rows) == 0 {
		return Snapshot{}, false, nil
	}
	return snapshotFromRow(rows[0]), true, nil
}

// InsertDaily stores today's snapshot: at most once per calendar day. If a
// snapshot for today already exists the call is a no-op that reports the
// existing identity with Skipped set.
func (s *SnapshotStore) InsertDaily(ctx context.Context, rows []Row) (SnapshotResult, error) {
	if len(rows) == 0 {
		s.log.Warn("no rows to insert, skipping snapshot")
		return SnapshotResult{}, nil
	}

	now := s.now().In(s.loc)
	today := now.Format("2006-01-02")

	if existing, ok, err := s.SnapshotForDate(ctx, today); err != nil {
		return SnapshotResult{}, err
	} else if ok {
		s.log.Info("snapshot already exists for today, not inserting",
			logx.String("label", existing.Label), logx.Int64("snapshot_id", existing.ID))
		return SnapshotResult{Label: existing.Label, SnapshotID: existing.ID, Skipped: true}, nil
	}

	if err := s.upsertNames(ctx, rows); err != nil {
		return SnapshotResult{}, err
	}

	label := "daily_data_" + now.Format("20060102_150405")
	// No UTC offset: SQLite's date() would otherwise shift the timestamp
	// to UTC and the exists-for-today check could miss around midnight.
	capturedAt := now.Format("2006-01-02T15:04:05")

	if _, err := s.q.Query(ctx,
		"INSERT OR REPLACE INTO snapshots (label, captured_at) VALUES (?, ?);", label, capturedAt); err != nil {
		return SnapshotResult{}, err
	}
	idRows, err := s.q.Query(ctx, "SELECT id FROM snapshots WHERE label = ?;", label)
	if err != nil {
		return SnapshotResult{}, err
	}
	if len(idRows) == 0 {
		return SnapshotResult{}, fmt.Errorf("could not read back id of snapshot %q", label)
	}
	snapshotID := asInt64(idRows[0]["id"])

	total := 0
	for start := 0; start < len(rows); start += statsBatchRows {
		end := start + statsBatchRows
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		placeholders := strings.TrimSuffix(
			strings.Repeat("(?, ?, ?, ?, ?, ?), ", len(chunk)), ", ")
		sql := "INSERT INTO player_stats " +
			"(snapshot_id, player_id, guild_id, era_nr, points, battles) " +
			"VALUES " + placeholders + ";"

		params := make([]any, 0, len(chunk)*statsCols)
		for _, r := range chunk {
			params = append(params, snapshotID, r.PlayerID, r.GuildID, r.EraNr, r.Points, r.Battles)
		}
		if _, err := s.q.Query(ctx, sql, params...); err != nil {
			return SnapshotResult{}, fmt.Errorf("insert stats batch at row %d: %w", start, err)
		}
		total += len(chunk)
	}

	s.log.Info("snapshot stored",
		logx.String("label", label),
		logx.Int64("snapshot_id", snapshotID),
		logx.Int("rows", total))
	return SnapshotResult{Label: label, SnapshotID: snapshotID, RowsInserted: total}, nil
}

// upsertNames records newly observed player/guild display names. Existing
// mappings are never overwritten; renames are out of scope.
func (s *SnapshotStore) upsertNames(ctx context.Context, rows []Row) error {
	for _, r := range rows {
		if r.PlayerName != "" {
			if _, err := s.q.Query(ctx,
				"INSERT OR IGNORE INTO player_names (player_id, name) VALUES (?, ?);",
				r.PlayerID, r.PlayerName); err != nil {
				return fmt.Errorf("upsert player name: %w", err)
			}
		}
		if r.GuildName != "" && r.GuildID != 0 {
			if _, err := s.q.Query(ctx,
				"INSERT OR IGNORE INTO guild_names (guild_id, name) VALUES (?, ?);",
				r.GuildID, r.GuildName); err != nil {
				return fmt.Errorf("upsert guild name: %w", err)
			}
		}
	}
	return nil
}

// Snapshots lists all snapshots, newest first.
func (s *SnapshotStore) Snapshots(ctx context.Context) ([]Snapshot, error) {
	rows, err := s.q.Query(ctx,
		"SELECT id, label, captured_at FROM snapshots ORDER BY captured_at DESC;")
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(rows))
	for _, r := range rows {
		out = append(out, snapshotFromRow(r))
	}
	return out, nil
}

// RowsForSnapshot returns the player rows of one snapshot.
func (s *SnapshotStore) RowsForSnapshot(ctx context.Context, snapshotID int64) ([]Row, error) {
	rows, err := s.q.Query(ctx,
		"SELECT player_id, guild_id, era_nr, points, battles FROM player_stats WHERE snapshot_id = ?;",
		snapshotID)
	if err != nil {
		return nil, err
	}
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		out = append(out, Row{
			PlayerID: asInt64(r["player_id"]),
			GuildID:  asInt64(r["guild_id"]),
			EraNr:    asInt64(r["era_nr"]),
			Points:   asInt64(r["points"]),
			Battles:  asInt64(r["battles"]),
		})
	}
	return out, nil
}

func snapshotFromRow(r map[string]any) Snapshot {
	return Snapshot{
		ID:         asInt64(r["id"]),
		Label:      asString(r["label"]),
		CapturedAt: asString(r["captured_at"]),
	}
}

// asInt64 tolerates the numeric types different Querier backends produce
// (JSON decodes to float64, database/sql to int64).
func asInt64(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	case string:
		var n int64
		_, _ = fmt.Sscan(x, &n)
		return n
	default:
		return 0
	}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
