// Package d1 talks to the remote snapshot store. The production client
// speaks to the Cloudflare D1 REST /query endpoint; the store logic only
// sees the Querier interface, so tests can run the same SQL against a local
// SQLite database (D1 is SQLite behind the API).
package d1

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"qibot/pkg/logx"
)

// Querier executes one SQL statement with positional parameters and returns
// the result rows as generic maps.
type Querier interface {
	Query(ctx context.Context, sql string, params ...any) ([]map[string]any, error)
}

type Config struct {
	AccountID  string
	DatabaseID string
	APIToken   string
	Timeout    time.Duration
}

type Client struct {
	cfg  Config
	log  logx.Logger
	http *http.Client
}

func NewClient(cfg Config, log logx.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		cfg:  cfg,
		log:  log.With(logx.String("component", "d1")),
		http: &http.Client{Timeout: timeout},
	}
}

func (c *Client) baseURL() string {
	return fmt.Sprintf("https://api.cloudflare.com/client/v4/accounts/%s/d1/database/%s",
		c.cfg.AccountID, c.cfg.DatabaseID)
}

// queryResponse is the shape of a D1 /query reply. result holds one entry
// per statement; we always send exactly one.
type queryResponse struct {
	Success bool              `json:"success"`
	Errors  []json.RawMessage `json:"errors"`
	Result  []struct {
		Results []map[string]any `json:"results"`
	} `json:"result"`
}

// Query POSTs a single statement to the /query endpoint. D1 errors are
// surfaced with the API's detail so they end up readable in the status chat
// and the logs.
func (c *Client) Query(ctx context.Context, sql string, params ...any) ([]map[string]any, error) {
	body := map[string]any{"sql": sql}
	if len(params) > 0 {
		// The D1 REST API takes params as strings; SQLite coerces types.
		strs := make([]string, len(params))
		for i, p := range params {
			if p == nil {
				strs[i] = ""
			} else {
				strs[i] = fmt.Sprint(p)
			}
		}
		body["params"] = strs
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+"/query", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach D1 API: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read D1 response: %w", err)
	}

	var parsed queryResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("D1 HTTP %d error (non-JSON body): %s", resp.StatusCode, truncate(string(raw), 1000))
		}
		return nil, fmt.Errorf("D1 returned non-JSON response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || !parsed.Success {
		detail, _ := json.Marshal(parsed.Errors)
		return nil, fmt.Errorf("D1 HTTP %d error: %s", resp.StatusCode, truncate(string(detail), 1000))
	}
	if len(parsed.Result) == 0 {
		return nil, nil
	}
	return parsed.Result[0].Results, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
