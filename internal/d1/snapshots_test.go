package d1

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"qibot/pkg/logx"
)

// sqlQuerier runs the store's statements against a local SQLite database.
// D1 is SQLite behind the REST API, so the SQL dialect is identical.
type sqlQuerier struct {
	db *sql.DB
}

func (q *sqlQuerier) Query(ctx context.Context, sqlText string, params ...any) ([]map[string]any, error) {
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(sqlText)), "SELECT") {
		_, err := q.db.ExecContext(ctx, sqlText, params...)
		return nil, err
	}
	rows, err := q.db.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		m := make(map[string]any, len(cols))
		for i, c := range cols {
			m[c] = vals[i]
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const testSchema = `
CREATE TABLE snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	label TEXT UNIQUE NOT NULL,
	captured_at TEXT NOT NULL
);
CREATE TABLE player_stats (
	snapshot_id INTEGER NOT NULL,
	player_id INTEGER NOT NULL,
	guild_id INTEGER NOT NULL,
	era_nr INTEGER NOT NULL,
	points INTEGER NOT NULL,
	battles INTEGER NOT NULL
);
CREATE TABLE player_names (
	player_id INTEGER PRIMARY KEY,
	name TEXT NOT NULL
);
CREATE TABLE guild_names (
	guild_id INTEGER PRIMARY KEY,
	name TEXT NOT NULL
);
`

func newTestStore(t *testing.T) *SnapshotStore {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "d1.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Exec(testSchema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	s := NewSnapshotStore(&sqlQuerier{db: db}, time.UTC, logx.Nop())
	s.SetNow(func() time.Time {
		return time.Date(2025, time.October, 16, 4, 0, 0, 0, time.UTC)
	})
	return s
}

func testRows(n int) []Row {
	rows := make([]Row, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, Row{
			PlayerID:   int64(1000 + i),
			GuildID:    int64(1 + i%3),
			EraNr:      int64(5 + i%4),
			Points:     int64(6_000_000 + i*1000),
			Battles:    int64(12_000 + i),
			PlayerName: "player" + string(rune('a'+i%26)),
			GuildName:  "guild" + string(rune('a'+i%3)),
		})
	}
	return rows
}

func TestInsertDailyStoresBatchedRows(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	// 27 rows exercise two full batches plus a partial one.
	res, err := s.InsertDaily(ctx, testRows(27))
	if err != nil {
		t.Fatalf("InsertDaily: %v", err)
	}
	if res.Skipped {
		t.Fatal("fresh insert reported Skipped")
	}
	if res.RowsInserted != 27 {
		t.Fatalf("RowsInserted = %d, want 27", res.RowsInserted)
	}
	if res.Label != "daily_data_20251016_040000" {
		t.Fatalf("Label = %q", res.Label)
	}

	got, err := s.RowsForSnapshot(ctx, res.SnapshotID)
	if err != nil {
		t.Fatalf("RowsForSnapshot: %v", err)
	}
	if len(got) != 27 {
		t.Fatalf("stored %d rows, want 27", len(got))
	}
	if got[0].PlayerID != 1000 || got[0].Points != 6_000_000 {
		t.Fatalf("first row = %+v", got[0])
	}
}

func TestInsertDailySkipsSecondRunSameDay(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.InsertDaily(ctx, testRows(5))
	if err != nil {
		t.Fatalf("first InsertDaily: %v", err)
	}

	s.SetNow(func() time.Time {
		return time.Date(2025, time.October, 16, 18, 30, 0, 0, time.UTC)
	})
	second, err := s.InsertDaily(ctx, testRows(5))
	if err != nil {
		t.Fatalf("second InsertDaily: %v", err)
	}
	if !second.Skipped {
		t.Fatal("second same-day insert should be skipped")
	}
	if second.SnapshotID != first.SnapshotID || second.Label != first.Label {
		t.Fatalf("skip reported %+v, want identity of %+v", second, first)
	}
	if second.RowsInserted != 0 {
		t.Fatalf("skip inserted %d rows", second.RowsInserted)
	}

	got, err := s.RowsForSnapshot(ctx, first.SnapshotID)
	if err != nil {
		t.Fatalf("RowsForSnapshot: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("snapshot has %d rows after skip, want 5", len(got))
	}
}

func TestInsertDailyNextDayCreatesNewSnapshot(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.InsertDaily(ctx, testRows(3)); err != nil {
		t.Fatalf("day 1 InsertDaily: %v", err)
	}
	s.SetNow(func() time.Time {
		return time.Date(2025, time.October, 17, 4, 0, 0, 0, time.UTC)
	})
	res, err := s.InsertDaily(ctx, testRows(3))
	if err != nil {
		t.Fatalf("day 2 InsertDaily: %v", err)
	}
	if res.Skipped {
		t.Fatal("next-day insert was skipped")
	}

	all, err := s.Snapshots(ctx)
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("have %d snapshots, want 2", len(all))
	}
	// Newest first.
	if all[0].Label != "daily_data_20251017_040000" {
		t.Fatalf("Snapshots[0].Label = %q", all[0].Label)
	}
}

func TestInsertDailyEmptyRowsIsNoop(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	res, err := s.InsertDaily(ctx, nil)
	if err != nil {
		t.Fatalf("InsertDaily(nil): %v", err)
	}
	if res.Label != "" || res.RowsInserted != 0 {
		t.Fatalf("empty insert produced %+v", res)
	}
	all, err := s.Snapshots(ctx)
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("empty insert created %d snapshots", len(all))
	}
}

func TestNameMappingsNeverOverwritten(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	rows := []Row{{PlayerID: 1, GuildID: 10, EraNr: 5, Points: 6_000_000, Battles: 20_000,
		PlayerName: "original", GuildName: "first guild"}}
	if _, err := s.InsertDaily(ctx, rows); err != nil {
		t.Fatalf("InsertDaily: %v", err)
	}

	s.SetNow(func() time.Time {
		return time.Date(2025, time.October, 17, 4, 0, 0, 0, time.UTC)
	})
	renamed := []Row{{PlayerID: 1, GuildID: 10, EraNr: 5, Points: 6_100_000, Battles: 20_500,
		PlayerName: "renamed", GuildName: "second guild"}}
	if _, err := s.InsertDaily(ctx, renamed); err != nil {
		t.Fatalf("second InsertDaily: %v", err)
	}

	q := s.q
	names, err := q.Query(ctx, "SELECT name FROM player_names WHERE player_id = ?;", int64(1))
	if err != nil {
		t.Fatalf("query player_names: %v", err)
	}
	if len(names) != 1 || asString(names[0]["name"]) != "original" {
		t.Fatalf("player name = %v, want the first observed name", names)
	}
	gnames, err := q.Query(ctx, "SELECT name FROM guild_names WHERE guild_id = ?;", int64(10))
	if err != nil {
		t.Fatalf("query guild_names: %v", err)
	}
	if len(gnames) != 1 || asString(gnames[0]["name"]) != "first guild" {
		t.Fatalf("guild name = %v, want the first observed name", gnames)
	}
}

func TestSnapshotForDate(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.SnapshotForDate(ctx, "2025-10-16"); err != nil || ok {
		t.Fatalf("empty store: ok=%v err=%v", ok, err)
	}

	res, err := s.InsertDaily(ctx, testRows(2))
	if err != nil {
		t.Fatalf("InsertDaily: %v", err)
	}
	snap, ok, err := s.SnapshotForDate(ctx, "2025-10-16")
	if err != nil {
		t.Fatalf("SnapshotForDate: %v", err)
	}
	if !ok || snap.ID != res.SnapshotID {
		t.Fatalf("SnapshotForDate = %+v ok=%v, want id %d", snap, ok, res.SnapshotID)
	}
	if _, ok, _ := s.SnapshotForDate(ctx, "2025-10-17"); ok {
		t.Fatal("found a snapshot on a day without one")
	}
}
