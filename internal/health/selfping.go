package health

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"qibot/pkg/logx"
)

// Pinger hits the public base URL so the hosting platform keeps the
// process warm. Disabled when no URL is configured. The once-a-minute
// cadence comes from the jobs interval scheduler, which also retries a
// failed ping once.
type Pinger struct {
	log logx.Logger
	url string
	hc  *http.Client
}

// NewPinger normalizes base (scheme defaulted to https, sp=1 marker query
// appended) and returns nil when base is empty.
func NewPinger(base string, log logx.Logger) *Pinger {
	base = strings.TrimSpace(base)
	if base == "" {
		log.Warn("self-ping disabled (no health URL configured)")
		return nil
	}
	if !strings.HasPrefix(base, "http") {
		base = "https://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		log.Warn("self-ping disabled (bad health URL)", logx.String("url", base), logx.Err(err))
		return nil
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	q := u.Query()
	q.Set("sp", "1")
	u.RawQuery = q.Encode()

	return &Pinger{
		log: log.With(logx.String("component", "self-ping")),
		url: u.String(),
		hc:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Ping performs one keepalive request.
func (p *Pinger) Ping(ctx context.Context) error {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.log.Error("self-ping request build failed", logx.Err(err))
		return err
	}
	req.Header.Set("User-Agent", selfPingUA)
	req.Header.Set(selfPingHeader, "1")

	resp, err := p.hc.Do(req)
	took := time.Since(start)
	if err != nil {
		p.log.Error("self-ping failed", logx.Duration("took", took), logx.Err(err))
		return err
	}
	_ = resp.Body.Close()
	p.log.Debug("self-ping ok", logx.Int("status", resp.StatusCode), logx.Duration("took", took))
	return nil
}
