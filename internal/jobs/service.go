// Package jobs runs background work off the dispatch tick: cron/interval
// triggers plus a bounded worker queue for one-off tasks. A slow or failing
// job can never stall message delivery.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"qibot/pkg/logx"
)

type Config struct {
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
	HistorySize    int
}

type HistoryItem struct {
	Name     string
	Started  time.Time
	Duration time.Duration
	Error    string
}

type task struct {
	name    string
	timeout time.Duration
	run     func(ctx context.Context) error
	retry   int
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron

	queue  chan task
	stopCh chan struct{}

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, loc *time.Location, log logx.Logger) *Service {
	return &Service{
		cfg:    cfg,
		loc:    loc,
		log:    log.With(logx.String("component", "jobs")),
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	size := s.cfg.QueueSize
	if size <= 0 {
		size = 64
	}
	s.queue = make(chan task, size)
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))

	for i := 0; i < workers; i++ {
		go s.worker(ctx, s.stopCh)
	}
	s.c.Start()
	s.log.Info("jobs service started", logx.Int("workers", workers), logx.String("tz", s.loc.String()))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}

	// Tasks still queued never run; record them so a lost enqueue is
	// visible in the history and the logs.
	dropped := 0
drain:
	for {
		select {
		case t := <-s.queue:
			dropped++
			s.log.Warn("task dropped at shutdown", logx.String("task", t.name))
			s.record(HistoryItem{Name: t.name, Started: time.Now(), Error: "dropped at shutdown"})
		default:
			break drain
		}
	}
	if dropped > 0 {
		s.log.Warn("jobs queue was not empty at shutdown", logx.Int("dropped", dropped))
	}
	s.log.Info("jobs service stopped")
}

// AddInterval schedules job every `every` using an @every cron spec.
func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, job func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return errors.New("jobs service not started")
	}
	spec := fmt.Sprintf("@every %s", every.String())
	_, err := s.c.AddFunc(spec, func() {
		s.enqueue(task{name: name, timeout: s.resolveTimeout(timeout), run: job, retry: 1})
	})
	return err
}

// Enqueue hands a one-off task to the worker pool. Returns false when the
// queue is full (the task is dropped and logged, never blocks the caller).
func (s *Service) Enqueue(name string, timeout time.Duration, job func(ctx context.Context) error) bool {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		s.log.Warn("jobs service not started, dropping task", logx.String("task", name))
		return false
	}
	return s.enqueue(task{name: name, timeout: s.resolveTimeout(timeout), run: job})
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]HistoryItem, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Service) resolveTimeout(t time.Duration) time.Duration {
	if t > 0 {
		return t
	}
	return s.cfg.DefaultTimeout
}

func (s *Service) enqueue(t task) bool {
	select {
	case s.queue <- t:
		return true
	default:
		s.log.Warn("jobs queue full, dropping task", logx.String("task", t.name))
		return false
	}
}

func (s *Service) worker(ctx context.Context, stop <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case t := <-s.queue:
			s.execOne(ctx, t)
		}
	}
}

func (s *Service) execOne(ctx context.Context, t task) {
	start := time.Now()

	err := s.runAttempt(ctx, t)
	if err != nil && t.retry > 0 {
		time.Sleep(500 * time.Millisecond)
		err = s.runAttempt(ctx, t)
	}

	item := HistoryItem{Name: t.name, Started: start, Duration: time.Since(start)}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("task failed", logx.String("task", t.name), logx.Err(err))
	} else {
		s.log.Info("task ok", logx.String("task", t.name), logx.Duration("took", item.Duration))
	}
	s.record(item)
}

// runAttempt applies the per-task timeout to a single attempt, so a retry
// after a timed-out first attempt gets a full budget of its own.
func (s *Service) runAttempt(ctx context.Context, t task) error {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	return t.run(ctx)
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	s.history = append(s.history, item)
	if s.cfg.HistorySize > 0 && len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
}
