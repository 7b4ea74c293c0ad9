// Package telegram implements the messaging gateway on the Telegram Bot API.
// Each tenant gets its own bot, so each Conn wraps one telebot instance.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	rtsup "watchbot/internal/runtime/supervisor"
	"watchbot/internal/storage"
	"watchbot/internal/transport"
	logx "watchbot/pkg/logx"
)

const defaultAPIURL = "https://api.telegram.org"

type Config struct {
	Key         string
	Token       string
	APIURL      string
	PollTimeout time.Duration
}

// Conn is one bot connection.
type Conn struct {
	key    string
	token  string
	apiURL string
	poll   time.Duration

	log  logx.Logger
	hist storage.History
	http *http.Client

	runMu   sync.Mutex
	bot     *tele.Bot
	sup     *rtsup.Supervisor
	running bool

	out            atomic.Value // stores (chan<- transport.Invocation)
	droppedUpdates atomic.Uint64

	chMu     sync.Mutex
	channels map[string]*channel

	menuMu   sync.Mutex
	menuHash uint64
}

var _ transport.Conn = (*Conn)(nil)

func New(cfg Config, hist storage.History, log logx.Logger) (*Conn, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	api := strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/")
	if api == "" {
		api = defaultAPIURL
	}
	poll := cfg.PollTimeout
	if poll <= 0 {
		poll = 10 * time.Second
	}
	c := &Conn{
		key:      cfg.Key,
		token:    strings.TrimSpace(cfg.Token),
		apiURL:   api,
		poll:     poll,
		log:      log.With(logx.String("comp", "telegram"), logx.String("tenant", cfg.Key)),
		hist:     hist,
		http:     &http.Client{Timeout: 8 * time.Second},
		channels: map[string]*channel{},
	}
	var nilOut chan<- transport.Invocation
	c.out.Store(nilOut)
	return c, nil
}

func (c *Conn) Key() string { return c.key }

// login creates the telebot instance; telebot calls getMe, so a bad token fails here.
func (c *Conn) login() (*tele.Bot, error) {
	b, err := tele.NewBot(tele.Settings{
		URL:    c.apiURL,
		Token:  c.token,
		Client: &http.Client{Timeout: c.poll + 10*time.Second},
		Poller: &tele.LongPoller{
			Timeout:        c.poll,
			AllowedUpdates: []string{"message", "channel_post", "edited_channel_post"},
		},
		OnError: func(err error, _ tele.Context) {
			c.log.Warn("telegram update error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram login: %w", err)
	}
	c.registerHandlers(b)
	return b, nil
}

func (c *Conn) registerHandlers(b *tele.Bot) {
	b.Handle(tele.OnText, func(tc tele.Context) error {
		c.observe(b, tc.Message())
		return nil
	})
	b.Handle(tele.OnChannelPost, func(tc tele.Context) error {
		c.observe(b, tc.Message())
		return nil
	})
	b.Handle(tele.OnEditedChannelPost, func(tc tele.Context) error {
		c.record(tc.Message())
		return nil
	})
}

// observe records a message into history, or forwards it as an invocation when it is a command.
func (c *Conn) observe(b *tele.Bot, m *tele.Message) {
	if m == nil || m.Chat == nil {
		return
	}
	name, ok := parseCommand(m.Text, b.Me)
	if !ok {
		c.record(m)
		return
	}

	inv := transport.Invocation{
		Conn:      c.key,
		Command:   name,
		ChannelID: strconv.FormatInt(m.Chat.ID, 10),
		Responder: &responder{conn: c, bot: b, chat: m.Chat, to: m},
	}
	if m.Sender != nil {
		inv.UserID = m.Sender.ID
		inv.Username = m.Sender.Username
	}

	out, _ := c.out.Load().(chan<- transport.Invocation)
	if out == nil {
		return
	}
	select {
	case out <- inv:
	default:
		c.droppedUpdates.Add(1)
	}
}

func (c *Conn) record(m *tele.Message) {
	if m == nil || m.Chat == nil || c.hist == nil || strings.TrimSpace(m.Text) == "" {
		return
	}
	msg := storage.Message{
		ID:        strconv.Itoa(m.ID),
		ChannelID: strconv.FormatInt(m.Chat.ID, 10),
		Text:      m.Text,
		CreatedAt: m.Time().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.hist.AppendMessage(ctx, msg); err != nil {
		c.log.Warn("history append failed", logx.String("channel", msg.ChannelID), logx.Err(err))
	}
}

// parseCommand extracts the command name from "/name", "/name args" or "/name@bot".
// Commands addressed to a different bot are rejected.
func parseCommand(text string, me *tele.User) (string, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	word := strings.TrimPrefix(strings.Fields(text)[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		target := word[i+1:]
		word = word[:i]
		if me != nil && me.Username != "" && !strings.EqualFold(target, me.Username) {
			return "", false
		}
	}
	word = strings.ToLower(word)
	if word == "" {
		return "", false
	}
	return word, true
}

func (c *Conn) Start(ctx context.Context, out chan<- transport.Invocation) error {
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return nil
	}
	c.runMu.Unlock()

	b, err := c.login()
	if err != nil {
		return err
	}

	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return nil
	}
	c.bot = b
	c.running = true
	c.out.Store(out)
	c.sup = rtsup.New(ctx,
		rtsup.WithLogger(c.log),
		// adapter errors should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := c.sup

	// Periodic summary for dropped updates (avoid noisy per-update logs).
	sup.Go0("updates.drop_report", func(ctx context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.droppedUpdates.Swap(0); n > 0 {
					c.log.Warn("incoming commands dropped (queue full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
				}
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(ctx context.Context) {
		<-ctx.Done()
		b.Stop()
	})

	// telebot's Start() blocks until Stop(); restart it if it returns on its own.
	sup.GoRestart("telebot.poll", func(ctx context.Context) error {
		c.log.Info("polling started", logx.String("bot", b.Me.Username))
		b.Start()
		c.log.Info("polling stopped")
		if ctx.Err() == nil {
			return errors.New("poller exited")
		}
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
	)
	return nil
}

func (c *Conn) Stop(ctx context.Context) error {
	c.runMu.Lock()
	sup := c.sup
	c.sup = nil
	wasRunning := c.running
	c.running = false
	var nilOut chan<- transport.Invocation
	c.out.Store(nilOut)
	c.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()

	// Keep shutdown snappy even if getUpdates long-poll is still waiting.
	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			c.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		c.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

func (c *Conn) currentBot() (*tele.Bot, error) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.bot == nil {
		return nil, errors.New("telegram connection not started")
	}
	return c.bot, nil
}

// Channel resolves a chat by numeric id or @username.
func (c *Conn) Channel(ctx context.Context, id string) (transport.Channel, error) {
	id = strings.TrimSpace(id)
	c.chMu.Lock()
	if ch, ok := c.channels[id]; ok {
		c.chMu.Unlock()
		return ch, nil
	}
	c.chMu.Unlock()

	b, err := c.currentBot()
	if err != nil {
		return nil, err
	}

	var chat *tele.Chat
	if n, perr := strconv.ParseInt(id, 10, 64); perr == nil {
		chat, err = b.ChatByID(n)
	} else {
		chat, err = b.ChatByUsername(id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", transport.ErrChannelNotText, id, err)
	}
	if chat == nil || !textChat(chat.Type) {
		return nil, fmt.Errorf("%w: %s", transport.ErrChannelNotText, id)
	}

	ch := &channel{conn: c, bot: b, chat: chat}
	c.chMu.Lock()
	c.channels[id] = ch
	c.chMu.Unlock()
	return ch, nil
}

func textChat(t tele.ChatType) bool {
	switch t {
	case tele.ChatChannel, tele.ChatGroup, tele.ChatSuperGroup, tele.ChatPrivate, tele.ChatChannelPrivate:
		return true
	}
	return false
}
