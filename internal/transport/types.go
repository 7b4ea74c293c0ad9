// Package transport defines the messaging gateway contract shared by the
// scheduler, the notifier and the command router.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrChannelNotText is returned when a channel cannot be resolved or cannot carry text.
var ErrChannelNotText = errors.New("channel not found or not text-based")

// Message is one text message observed in (or sent to) a channel.
type Message struct {
	ID        string
	ChannelID string
	Text      string
	CreatedAt time.Time
}

// Reply is a command response: a title, a body and an outcome color (0xRRGGBB).
// Body lines starting with "> " are quotes.
type Reply struct {
	Title       string
	Description string
	Color       int
}

// Channel is a resolved, text-capable destination.
type Channel interface {
	ID() string
	Send(ctx context.Context, text string) (Message, error)
	// Recent returns at most n messages, newest first.
	Recent(ctx context.Context, n int) ([]Message, error)
}

// Responder is the deferred-reply lifecycle of one invocation:
// Defer acknowledges receipt, Edit replaces the acknowledgement with the answer.
type Responder interface {
	Defer(ctx context.Context) error
	Edit(ctx context.Context, r Reply) error
}

// Invocation is one inbound command.
type Invocation struct {
	// Conn is the key of the connection that received the command.
	Conn string
	// Command is the bare command name ("acme-news"), without "/" or "@bot".
	Command   string
	ChannelID string
	UserID    int64
	Username  string
	Responder Responder
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// Conn is one logged-in gateway connection. Each tenant owns exactly one.
type Conn interface {
	Key() string
	// Start logs in and begins delivering invocations to out. It returns once
	// the connection is live; delivery continues until ctx is canceled or Stop is called.
	Start(ctx context.Context, out chan<- Invocation) error
	Stop(ctx context.Context) error
	// Channel resolves a channel id, failing with ErrChannelNotText.
	Channel(ctx context.Context, id string) (Channel, error)
	// RegisterCommands replaces the connection's command menu.
	RegisterCommands(ctx context.Context, cmds []BotCommand) error
}

// Conns looks up a connection by tenant key.
type Conns interface {
	Conn(key string) (Conn, bool)
}

// ConnSet is a fixed map of connections keyed by tenant key.
type ConnSet map[string]Conn

func (s ConnSet) Conn(key string) (Conn, bool) {
	c, ok := s[key]
	return c, ok
}
