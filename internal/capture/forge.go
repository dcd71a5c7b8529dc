package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"qibot/internal/d1"
	"qibot/pkg/logx"
)

// DefaultSourceURL is the Forge-DB datatable endpoint serving all player
// rows of the tracked world in one page.
const DefaultSourceURL = "https://api.dev.forge-db.com/api/datatables/players/de/de14?draw=1&start=0&length=-1"

// Fetcher pulls raw player rows from the external data source.
type Fetcher struct {
	url  string
	log  logx.Logger
	http *http.Client
}

func NewFetcher(url string, timeout time.Duration, log logx.Logger) *Fetcher {
	if url == "" {
		url = DefaultSourceURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Fetcher{
		url:  url,
		log:  log.With(logx.String("component", "forge")),
		http: &http.Client{Timeout: timeout},
	}
}

// FetchRows returns the raw JSON rows. The payload is either
// {"data": [...]} or a bare list, depending on the API version.
func (f *Fetcher) FetchRows(ctx context.Context) ([]map[string]any, error) {
	f.log.Info("fetching players", logx.String("url", f.url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch players: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch players: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read players payload: %w", err)
	}

	var wrapped struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Data != nil {
		f.log.Info("got raw rows", logx.Int("count", len(wrapped.Data)))
		return wrapped.Data, nil
	}
	var bare []map[string]any
	if err := json.Unmarshal(body, &bare); err != nil {
		return nil, fmt.Errorf("unexpected payload shape from data source: %w", err)
	}
	f.log.Info("got raw rows", logx.Int("count", len(bare)))
	return bare, nil
}

// BuildRows turns raw rows into snapshot rows, dropping every row below
// either threshold and every row without a positive player id.
func BuildRows(raw []map[string]any, minBattles, minPoints int64) []d1.Row {
	out := make([]d1.Row, 0, len(raw))
	for _, p := range raw {
		// The API uses either snake_case or camelCase ids depending on
		// version; accept both.
		playerID := coerceInt(firstVal(p, "player_id", "playerId"))
		if playerID <= 0 {
			continue
		}
		points := coerceInt(p["points"])
		battles := coerceInt(p["battles"])
		if battles < minBattles || points < minPoints {
			continue
		}

		out = append(out, d1.Row{
			PlayerID:   playerID,
			GuildID:    coerceInt(firstVal(p, "guild_id", "guildId")),
			EraNr:      extractEraNr(p),
			Points:     points,
			Battles:    battles,
			PlayerName: coerceString(p["name"]),
			GuildName:  coerceString(firstVal(p, "guild_name", "guildName")),
		})
	}
	return out
}

func extractEraNr(p map[string]any) int64 {
	raw, _ := p["raw"].(map[string]any)
	era := strings.TrimSpace(coerceString(raw["era"]))
	return EraNr(era)
}

func firstVal(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func coerceInt(v any) int64 {
	switch x := v.(type) {
	case float64:
		return int64(x)
	case int64:
		return x
	case int:
		return int64(x)
	case json.Number:
		n, _ := x.Int64()
		return n
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func coerceString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
