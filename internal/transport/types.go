package transport

import "context"

// Sender is the outbound send capability consumed by the dispatch engine
// and the command handlers. Implementations must tolerate empty text with
// attachments and vice versa; both empty is the caller's mistake.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string, attachments []string) error
}

// Command is one inbound chat command, already tokenized.
type Command struct {
	ChatID int64
	Name   string
	Args   []string
}

// Receiver registers a handler for inbound commands and starts/stops the
// underlying long-poll connection.
type Receiver interface {
	OnCommand(name string, handler func(ctx context.Context, cmd Command))
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
