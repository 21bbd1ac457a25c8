// Package transport holds the messaging types shared by the notifier and the
// chat adapters.
package transport

import "context"

// ChatTarget addresses a chat by numeric ID or "@channel" username.
type ChatTarget struct {
	Chat     string
	ThreadID int // telegram forum topic thread id (0 if none)
}

func (t ChatTarget) IsZero() bool { return t.Chat == "" }

type MessageRef struct {
	Chat      string
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// Notification is one outgoing operator message.
type Notification struct {
	Channel  string // "telegram" now
	Priority int    // 0 low.. 10 high
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

// Sender delivers text to a chat.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Command is an inbound "/name args..." message.
type Command struct {
	Chat     string
	ThreadID int
	FromID   int64
	Name     string
	Args     []string
}

// CommandHandler returns the reply text for a command; an empty reply sends nothing.
type CommandHandler func(ctx context.Context, cmd Command) (string, error)
