package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Config is the full bot configuration. Non-secret settings live in a
// YAML/JSON file; secrets come from the environment (see FromEnv).
type Config struct {
	Timezone string         `json:"timezone"`
	Cycle    CycleConfig    `json:"cycle"`
	Dispatch DispatchConfig `json:"dispatch"`
	Plans    []PlanConfig   `json:"plans"`
	Capture  CaptureConfig  `json:"capture"`
	Health   HealthConfig   `json:"health"`
	Logging  LoggingConfig  `json:"logging"`
}

// CycleConfig anchors the repeating day cycle.
type CycleConfig struct {
	StartDate string `json:"start_date"` // YYYY-MM-DD
	Length    int    `json:"length"`
}

type DispatchConfig struct {
	// Tick is the scheduler loop interval.
	Tick Duration `json:"tick,omitempty"`
	// GraceWindow bounds how late a missed event may still be delivered.
	GraceWindow Duration `json:"grace_window,omitempty"`
}

// PlanConfig binds one schedule file to the chats that receive it.
type PlanConfig struct {
	Name         string  `json:"name"`
	ScheduleFile string  `json:"schedule_file"`
	ChatIDs      []int64 `json:"chat_ids"`
}

type CaptureConfig struct {
	Enabled bool `json:"enabled"`
	// At is the daily trigger time ("HH:MM", bot timezone).
	At           string   `json:"at,omitempty"`
	MinBattles   int64    `json:"min_battles,omitempty"`
	MinPoints    int64    `json:"min_points,omitempty"`
	StatusChatID int64    `json:"status_chat_id,omitempty"`
	SourceURL    string   `json:"source_url,omitempty"`
	Timeout      Duration `json:"timeout,omitempty"`
}

type HealthConfig struct {
	Addr string `json:"addr,omitempty"`
	// SelfPingURL is the public base URL to keep-alive ping. Falls back to
	// the HEALTH_URL env var when empty; empty both ways disables the pinger.
	SelfPingURL string `json:"self_ping_url,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level,omitempty"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file,omitempty"`
	Telegram LoggingTelegram `json:"telegram,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// Secrets are startup-fatal when missing (except the optional ones).
type Secrets struct {
	TelegramToken string

	CFAccountID  string
	CFDatabaseID string
	CFAPIToken   string

	HealthURL string // optional
}

const (
	DefaultTick        = 30 * time.Second
	DefaultGraceWindow = 10 * time.Minute
	DefaultCaptureAt   = "04:00"

	defaultMinBattles = 10_000
	defaultMinPoints  = 5_000_000
)

// Load reads, strictly decodes, defaults and validates the config file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	jb, err := coerceToJSONBytes(path, b)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return nil, errors.New("invalid config: trailing data")
		}
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Timezone == "" {
		c.Timezone = "Europe/Zurich"
	}
	if c.Dispatch.Tick <= 0 {
		c.Dispatch.Tick = Duration(DefaultTick)
	}
	if c.Dispatch.GraceWindow <= 0 {
		c.Dispatch.GraceWindow = Duration(DefaultGraceWindow)
	}
	if c.Capture.At == "" {
		c.Capture.At = DefaultCaptureAt
	}
	if c.Capture.MinBattles <= 0 {
		c.Capture.MinBattles = defaultMinBattles
	}
	if c.Capture.MinPoints <= 0 {
		c.Capture.MinPoints = defaultMinPoints
	}
	if c.Capture.Timeout <= 0 {
		c.Capture.Timeout = Duration(60 * time.Second)
	}
	if c.Health.Addr == "" {
		c.Health.Addr = ":10000"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	if _, err := c.CycleStart(); err != nil {
		return err
	}
	if c.Cycle.Length <= 0 {
		return fmt.Errorf("cycle.length must be positive, got %d", c.Cycle.Length)
	}
	seen := map[int64]string{}
	for _, p := range c.Plans {
		if strings.TrimSpace(p.Name) == "" {
			return errors.New("plan with empty name")
		}
		if strings.TrimSpace(p.ScheduleFile) == "" {
			return fmt.Errorf("plan %q: empty schedule_file", p.Name)
		}
		for _, id := range p.ChatIDs {
			if prev, ok := seen[id]; ok {
				return fmt.Errorf("chat %d bound to both plan %q and plan %q", id, prev, p.Name)
			}
			seen[id] = p.Name
		}
	}
	return nil
}

// CycleStart parses the cycle anchor date.
func (c *Config) CycleStart() (time.Time, error) {
	t, err := time.Parse("2006-01-02", c.Cycle.StartDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cycle.start_date %q: %w", c.Cycle.StartDate, err)
	}
	return t, nil
}

// Location resolves the configured timezone. Validate() guarantees success.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// PlanForChat returns the plan a chat is bound to, if any.
func (c *Config) PlanForChat(chatID int64) (PlanConfig, bool) {
	for _, p := range c.Plans {
		for _, id := range p.ChatIDs {
			if id == chatID {
				return p, true
			}
		}
	}
	return PlanConfig{}, false
}

// AllChatIDs returns the deduplicated set of chats across all plans.
func (c *Config) AllChatIDs() []int64 {
	seen := map[int64]bool{}
	out := make([]int64, 0, len(c.Plans)*2)
	for _, p := range c.Plans {
		for _, id := range p.ChatIDs {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}

// FromEnv collects secrets. The Telegram token is always required; the
// Cloudflare D1 credentials only when the capture job is enabled.
func FromEnv(captureEnabled bool) (Secrets, error) {
	s := Secrets{
		TelegramToken: os.Getenv("TELEGRAM_TOKEN"),
		CFAccountID:   os.Getenv("CLOUDFLARE_ACCOUNT_ID"),
		CFDatabaseID:  os.Getenv("CLOUDFLARE_D1_DATABASE_ID"),
		CFAPIToken:    firstNonEmpty(os.Getenv("CLOUDFLARE_D1_API_TOKEN"), os.Getenv("CF_API_TOKEN")),
		HealthURL:     os.Getenv("HEALTH_URL"),
	}
	if strings.TrimSpace(s.TelegramToken) == "" {
		return s, errors.New("missing TELEGRAM_TOKEN in environment")
	}
	if captureEnabled {
		var missing []string
		if s.CFAccountID == "" {
			missing = append(missing, "CLOUDFLARE_ACCOUNT_ID")
		}
		if s.CFDatabaseID == "" {
			missing = append(missing, "CLOUDFLARE_D1_DATABASE_ID")
		}
		if s.CFAPIToken == "" {
			missing = append(missing, "CLOUDFLARE_D1_API_TOKEN/CF_API_TOKEN")
		}
		if len(missing) > 0 {
			return s, fmt.Errorf("missing Cloudflare D1 env vars: %s", strings.Join(missing, ", "))
		}
	}
	return s, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
