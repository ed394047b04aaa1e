package transport

import "context"

// MessageKind separates commands from membership updates.
type MessageKind int

const (
	KindText MessageKind = iota
	// KindBotRemoved reports that the bot left or was removed from ChatID.
	KindBotRemoved
)

// Message is one inbound chat message addressed to the bot.
type Message struct {
	Kind         MessageKind
	ID           int
	ChatID       int64
	ThreadID     int // forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Silent         bool
}

// Notification is a queued outbound message for the notifier.
type Notification struct {
	Channel  string // "telegram"
	Priority int    // 0 low .. 10 high
	Target   ChatTarget
	Title    string
	Text     string
	Options  *SendOptions
}

type Adapter interface {
	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)

	// IsChatAdmin reports whether userID administers chatID.
	IsChatAdmin(ctx context.Context, chatID, userID int64) (bool, error)
}

type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish a command
// menu to the platform.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
