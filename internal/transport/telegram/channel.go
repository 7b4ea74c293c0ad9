package telegram

import (
	"context"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"

	"watchbot/internal/storage"
	"watchbot/internal/transport"
	logx "watchbot/pkg/logx"
)

// channel is a resolved chat. The Bot API has no history endpoint, so Recent
// is served from the messages this process sent or observed.
type channel struct {
	conn *Conn
	bot  *tele.Bot
	chat *tele.Chat
}

func (ch *channel) ID() string { return strconv.FormatInt(ch.chat.ID, 10) }

// Send posts plain text, split into several messages if needed, and returns the first.
func (ch *channel) Send(ctx context.Context, text string) (transport.Message, error) {
	var first transport.Message
	for i, chunk := range splitTelegramText(text, telegramTextLimit, "") {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		m, err := ch.bot.Send(ch.chat, chunk, &tele.SendOptions{})
		if err != nil {
			return first, err
		}
		sent := transport.Message{
			ID:        strconv.Itoa(m.ID),
			ChannelID: ch.ID(),
			Text:      chunk,
			CreatedAt: sentAt(m),
		}
		if ch.conn.hist != nil {
			if err := ch.conn.hist.AppendMessage(ctx, storage.Message(sent)); err != nil {
				ch.conn.log.Warn("history append failed", logx.String("channel", sent.ChannelID), logx.Err(err))
			}
		}
		if i == 0 {
			first = sent
		}
	}
	return first, nil
}

func (ch *channel) Recent(ctx context.Context, n int) ([]transport.Message, error) {
	if ch.conn.hist == nil {
		return nil, nil
	}
	msgs, err := ch.conn.hist.RecentMessages(ctx, ch.ID(), n)
	if err != nil {
		return nil, err
	}
	out := make([]transport.Message, len(msgs))
	for i, m := range msgs {
		out[i] = transport.Message(m)
	}
	return out, nil
}

func sentAt(m *tele.Message) time.Time {
	if m == nil || m.Unixtime == 0 {
		return time.Now().UTC()
	}
	return m.Time().UTC()
}

// responder implements the deferred-reply lifecycle with a placeholder message
// that is edited into the final answer.
type responder struct {
	conn *Conn
	bot  *tele.Bot
	chat *tele.Chat
	to   *tele.Message

	placeholder *tele.Message
}

const placeholderText = "⏳ Working…"

func (r *responder) Defer(ctx context.Context) error {
	opt := &tele.SendOptions{ThreadID: r.to.ThreadID}
	if r.chat.Type != tele.ChatChannel && r.chat.Type != tele.ChatChannelPrivate {
		opt.ReplyTo = r.to
	}
	m, err := r.bot.Send(r.chat, placeholderText, opt)
	if err != nil {
		return err
	}
	r.placeholder = m
	return nil
}

func (r *responder) Edit(ctx context.Context, reply transport.Reply) error {
	chunks := splitTelegramText(renderReply(reply), telegramTextLimit, "HTML")
	opt := &tele.SendOptions{ParseMode: tele.ModeHTML, DisableWebPagePreview: true, ThreadID: r.to.ThreadID}

	rest := chunks
	if r.placeholder != nil {
		if _, err := r.bot.Edit(r.placeholder, chunks[0], opt); err != nil {
			return err
		}
		rest = chunks[1:]
	}
	for _, chunk := range rest {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := r.bot.Send(r.chat, chunk, opt); err != nil {
			return err
		}
	}
	return nil
}
