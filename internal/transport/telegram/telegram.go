// Package telegram adapts the transport ports to the Telegram Bot API via
// telebot. It is the only package that imports telebot.
package telegram

import (
	"context"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"qibot/internal/transport"
	"qibot/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
}

type Adapter struct {
	log logx.Logger
	bot *tele.Bot

	runMu   sync.Mutex
	running bool
	stopped chan struct{}
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{log: log.With(logx.String("component", "telegram")), bot: b}, nil
}

// OnCommand registers a handler for "/name" messages. Arguments are the
// whitespace-split payload after the command word.
func (a *Adapter) OnCommand(name string, handler func(ctx context.Context, cmd transport.Command)) {
	a.bot.Handle("/"+name, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Chat == nil {
			return nil
		}
		cmd := transport.Command{
			ChatID: m.Chat.ID,
			Name:   name,
			Args:   strings.Fields(m.Payload),
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		handler(ctx, cmd)
		return nil
	})
}

func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.stopped = make(chan struct{})
	a.runMu.Unlock()

	go func() {
		defer close(a.stopped)
		a.bot.Start()
	}()
	a.log.Info("telegram adapter started")
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	running := a.running
	a.running = false
	stopped := a.stopped
	a.runMu.Unlock()
	if !running {
		return nil
	}
	a.bot.Stop()
	select {
	case <-stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	a.log.Info("telegram adapter stopped")
	return nil
}

// Send delivers text plus any attachments to a chat. A single image goes
// out as one photo with the text as caption; multiple images become an
// album; text-only falls back to a plain message.
func (a *Adapter) Send(ctx context.Context, chatID int64, text string, attachments []string) error {
	to := tele.ChatID(chatID)

	switch len(attachments) {
	case 0:
		if strings.TrimSpace(text) == "" {
			return nil
		}
		_, err := a.bot.Send(to, text)
		return err
	case 1:
		photo := &tele.Photo{File: tele.FromDisk(attachments[0]), Caption: text}
		_, err := a.bot.Send(to, photo)
		return err
	default:
		album := make(tele.Album, 0, len(attachments))
		for i, path := range attachments {
			photo := &tele.Photo{File: tele.FromDisk(path)}
			if i == 0 {
				photo.Caption = text
			}
			album = append(album, photo)
		}
		_, err := a.bot.SendAlbum(to, album)
		return err
	}
}

// SendText is the logx relay hook (plain text, no attachments).
func (a *Adapter) SendText(ctx context.Context, chatID int64, text string) error {
	return a.Send(ctx, chatID, text, nil)
}
