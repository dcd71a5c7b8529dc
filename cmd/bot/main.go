package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"qibot/internal/capture"
	"qibot/internal/commands"
	"qibot/internal/config"
	"qibot/internal/d1"
	"qibot/internal/dispatch"
	"qibot/internal/health"
	"qibot/internal/jobs"
	"qibot/internal/schedule"
	"qibot/internal/transport/telegram"
	"qibot/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config yaml/json")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		fmt.Println("warning: .env file not found")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfgPath); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	secrets, err := config.FromEnv(cfg.Capture.Enabled)
	if err != nil {
		return err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Logging.Telegram.ChatID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	})
	defer logSvc.Close()

	loc := cfg.Location()
	start, err := cfg.CycleStart()
	if err != nil {
		return err
	}
	cycle := schedule.Cycle{Start: start, Length: cfg.Cycle.Length}

	store := schedule.NewStore(log)
	defer store.Close()

	tg, err := telegram.New(telegram.Config{Token: secrets.TelegramToken}, log)
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	logSvc.AttachSender(ctx, tg.SendText)

	jobSvc := jobs.New(jobs.Config{
		Workers:     2,
		QueueSize:   16,
		HistorySize: 50,
	}, loc, log)
	jobSvc.Start(ctx)
	defer jobSvc.Stop(context.Background())

	var captureJob *capture.Job
	if cfg.Capture.Enabled {
		client := d1.NewClient(d1.Config{
			AccountID:  secrets.CFAccountID,
			DatabaseID: secrets.CFDatabaseID,
			APIToken:   secrets.CFAPIToken,
			Timeout:    cfg.Capture.Timeout.Std(),
		}, log)
		snapshots := d1.NewSnapshotStore(client, loc, log)
		fetcher := capture.NewFetcher(cfg.Capture.SourceURL, cfg.Capture.Timeout.Std(), log)

		var report capture.Reporter
		if cfg.Capture.StatusChatID != 0 {
			statusChat := cfg.Capture.StatusChatID
			report = func(rctx context.Context, text string) {
				if err := tg.Send(rctx, statusChat, text, nil); err != nil {
					log.Error("capture status report failed", logx.Err(err))
				}
			}
		}
		captureJob = capture.NewJob(fetcher, snapshots, report,
			cfg.Capture.MinBattles, cfg.Capture.MinPoints, log)
	}

	ledger := dispatch.NewLedger()
	plans := make([]dispatch.Plan, 0, len(cfg.Plans))
	for _, p := range cfg.Plans {
		plans = append(plans, dispatch.Plan{
			Name:         p.Name,
			SchedulePath: p.ScheduleFile,
			ChatIDs:      p.ChatIDs,
		})
	}

	var captureFn func()
	if captureJob != nil {
		job := captureJob
		captureFn = func() {
			// The fetch and insert run on a jobs worker; a stalled remote
			// call can never freeze the dispatch tick. Network calls carry
			// their own timeouts, so the task itself is unbounded.
			jobSvc.Enqueue("daily-capture", 0, func(jctx context.Context) error {
				return job.RunAndReport(jctx)
			})
		}
	}

	engine := dispatch.NewEngine(log, dispatch.Config{
		Tick:           cfg.Dispatch.Tick.Std(),
		GraceWindow:    cfg.Dispatch.GraceWindow.Std(),
		CaptureEnabled: cfg.Capture.Enabled,
		CaptureAt:      cfg.Capture.At,
	}, plans, store, cycle, loc, ledger, tg, captureFn)

	queries := &dispatch.Queries{Store: store, Cycle: cycle, Loc: loc}
	commands.Register(tg, commands.Deps{
		Log:     log,
		Sender:  tg,
		Queries: queries,
		PlanFor: func(chatID int64) (dispatch.Plan, bool) {
			for _, p := range plans {
				for _, id := range p.ChatIDs {
					if id == chatID {
						return p, true
					}
				}
			}
			return dispatch.Plan{}, false
		},
		CycleLength:  cfg.Cycle.Length,
		Capture:      captureJob,
		StatusChatID: cfg.Capture.StatusChatID,
		EnqueueCapture: func(fn func(ctx context.Context) error) bool {
			return jobSvc.Enqueue("manual-capture", 0, fn)
		},
	})

	hs := health.NewServer(cfg.Health.Addr, log)
	if err := hs.Start(ctx); err != nil {
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = hs.Stop(sctx)
	}()

	pingURL := cfg.Health.SelfPingURL
	if pingURL == "" {
		pingURL = secrets.HealthURL
	}
	if pinger := health.NewPinger(pingURL, log); pinger != nil {
		if err := jobSvc.AddInterval("self-ping", time.Minute, 15*time.Second, pinger.Ping); err != nil {
			log.Warn("self-ping schedule failed", logx.Err(err))
		}
	}

	if err := tg.Start(ctx); err != nil {
		return fmt.Errorf("start telegram: %w", err)
	}
	defer tg.Stop(context.Background())

	engine.Start(ctx)
	defer engine.Stop(context.Background())

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify failed", logx.Err(err))
	}
	log.Info("qibot ready",
		logx.Int("plans", len(plans)),
		logx.String("tz", loc.String()),
		logx.Bool("capture", cfg.Capture.Enabled))

	<-ctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	return nil
}
