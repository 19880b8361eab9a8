// Package transport defines the messaging-platform abstraction the rest
// of the bot talks to. The telegram subpackage is the only concrete
// adapter today.
package transport

import "context"

// Update is one inbound event from the platform.
type Update struct {
	Message *Message
}

// Message is a normalized inbound chat message.
type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread id, 0 when not in a topic
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// ChatTarget addresses an outbound destination.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// IsZero reports whether the target is unset.
func (t ChatTarget) IsZero() bool { return t.ChatID == 0 }

// MessageRef identifies a message the adapter delivered.
type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Notification is a routed outbound message. Channel groups related
// traffic (alerts, digests, reminders, ops) for dedup and filtering;
// Priority picks the visual prefix, 0 low through 10 high.
type Notification struct {
	Channel  string
	Priority int
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

// Adapter is the platform driver. Start feeds inbound updates into out
// until Stop is called or ctx is cancelled.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// BotCommand is one entry in the platform's command menu.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a
// command menu (Telegram's setMyCommands).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
