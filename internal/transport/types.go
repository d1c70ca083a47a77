package transport

import (
	"context"
	"errors"

	"heraldbot/internal/domain"
)

// Classified delivery errors. ErrForbidden marks chats the bot cannot post
// into (kicked, blocked, never added); dispatch treats those as permanent
// and skips the chat without alerting.
var (
	ErrForbidden        = errors.New("transport: forbidden")
	ErrUnsupportedMedia = errors.New("transport: unsupported media kind")
)

type UpdateKind string

const UpdateMessage UpdateKind = "message"

// Update is the envelope the adapter pushes into the router's channel.
type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	Text         string
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// SendOptions tune one outgoing message. Buttons are rendered one per row
// in slice order; Spoiler only applies to media kinds that support it.
type SendOptions struct {
	Buttons        []domain.ButtonItem
	Spoiler        bool
	DisablePreview bool
}

// Adapter is the platform-facing delivery surface. Implementations classify
// permission failures as ErrForbidden and reject unknown media kinds with
// ErrUnsupportedMedia.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, chatID int64, text string, opt *SendOptions) error
	SendMedia(ctx context.Context, chatID int64, media domain.MediaItem, caption string, opt *SendOptions) error

	// Notify delivers a plain alert line: no buttons, no link preview.
	Notify(ctx context.Context, chatID int64, text string) error

	// IsAdministrator reports whether the bot holds administrator rights
	// in the given chat.
	IsAdministrator(ctx context.Context, chatID int64) (bool, error)
}

// BotCommand is one command-menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface for adapters that can sync a
// platform-specific command menu (e.g. Telegram's /menu list).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
