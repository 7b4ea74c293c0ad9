package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"watchbot/internal/eventbus"
	"watchbot/internal/source"
	"watchbot/internal/tenant"
	"watchbot/internal/transport"
	logx "watchbot/pkg/logx"
)

var ErrNoConn = errors.New("no connection for tenant")

const historySize = 50

// HistoryItem is one delivered (or failed) message.
type HistoryItem struct {
	At     time.Time `json:"at"`
	Tenant string    `json:"tenant"`
	Text   string    `json:"text"`
	Error  string    `json:"error,omitempty"`
}

type Config struct {
	// RatePerSec bounds outbound sends across all tenants. Zero means 3/s.
	RatePerSec int
}

// Dispatcher delivers announcements through each tenant's own connection.
// It is safe for concurrent use.
type Dispatcher struct {
	conns   transport.Conns
	log     logx.Logger
	bus     eventbus.Bus
	limiter *rate.Limiter

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, conns transport.Conns, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 3
	}
	return &Dispatcher{
		conns: conns,
		log:   log.With(logx.String("comp", "notifier")),
		bus:   bus,
		// burst = rate per sec, so a tick announcing several tenants doesn't stall.
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

// Announce sends the formatted item to the tenant's alert channel.
func (d *Dispatcher) Announce(ctx context.Context, t *tenant.Tenant, item source.Item, firstRun bool) error {
	text := Format(t, item, firstRun)
	msg, err := d.send(ctx, t, text)
	if err != nil {
		return err
	}
	d.bus.Publish(eventbus.Event{
		Type:   eventbus.ItemAnnounced,
		Tenant: t.Key,
		Data:   map[string]any{"url": item.URL, "first_run": firstRun, "message_id": msg.ID},
	})
	return nil
}

// Startup sends the "bot started" message.
func (d *Dispatcher) Startup(ctx context.Context, t *tenant.Tenant) error {
	_, err := d.send(ctx, t, StartupText(t))
	return err
}

// Send delivers arbitrary text to the tenant's alert channel.
func (d *Dispatcher) Send(ctx context.Context, t *tenant.Tenant, text string) error {
	_, err := d.send(ctx, t, text)
	return err
}

func (d *Dispatcher) send(ctx context.Context, t *tenant.Tenant, text string) (transport.Message, error) {
	msg, err := d.deliver(ctx, t.Key, t.ChannelID, text)
	d.appendHistory(t.Key, text, err)
	if err != nil {
		d.log.Debug("delivery failed", logx.String("tenant", t.Key), logx.Err(err))
	}
	return msg, err
}

func (d *Dispatcher) deliver(ctx context.Context, key, channelID, text string) (transport.Message, error) {
	conn, ok := d.conns.Conn(key)
	if !ok || conn == nil {
		return transport.Message{}, fmt.Errorf("%w %s", ErrNoConn, key)
	}
	ch, err := conn.Channel(ctx, channelID)
	if err != nil {
		return transport.Message{}, err
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return transport.Message{}, err
	}
	return ch.Send(ctx, text)
}

// Snapshot returns recent deliveries, oldest first.
func (d *Dispatcher) Snapshot() []HistoryItem {
	d.hmu.Lock()
	defer d.hmu.Unlock()
	return append([]HistoryItem(nil), d.history...)
}

func (d *Dispatcher) appendHistory(key, text string, err error) {
	it := HistoryItem{At: time.Now(), Tenant: key, Text: text}
	if err != nil {
		it.Error = err.Error()
	}
	d.hmu.Lock()
	d.history = append(d.history, it)
	if over := len(d.history) - historySize; over > 0 {
		d.history = append(d.history[:0], d.history[over:]...)
	}
	d.hmu.Unlock()
}

// LogSender adapts one tenant connection and channel into a log sink.
// It bypasses the history and the announcement limiter; the log sink has its own.
func (d *Dispatcher) LogSender(key, channelID string) logx.Sender {
	return logSender{d: d, key: key, channelID: channelID}
}

type logSender struct {
	d         *Dispatcher
	key       string
	channelID string
}

func (s logSender) SendLog(ctx context.Context, text string) error {
	conn, ok := s.d.conns.Conn(s.key)
	if !ok || conn == nil {
		return fmt.Errorf("%w %s", ErrNoConn, s.key)
	}
	ch, err := conn.Channel(ctx, s.channelID)
	if err != nil {
		return err
	}
	_, err = ch.Send(ctx, text)
	return err
}
