package datachannel

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

const DefaultPingInterval = time.Second

var ErrNotOpen = errors.New("datachannel: channel is not open")

// Channel is the subset of *webrtc.DataChannel used here.
type Channel interface {
	Label() string
	ReadyState() webrtc.DataChannelState
	SendText(s string) error
	OnOpen(f func())
	OnClose(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
	Close() error
}

var _ Channel = (*webrtc.DataChannel)(nil)

type Handlers struct {
	OnOpen  func()
	OnClose func()
	OnChat  func(text string)
	OnLog   func(text string)
	OnRTT   func(rtt time.Duration)
}

type Options struct {
	// PingInterval is the keepalive period. Zero uses DefaultPingInterval;
	// negative disables keepalive.
	PingInterval time.Duration
	// AnswerPings replies to the remote side's keepalive pings.
	AnswerPings bool
	Handlers    Handlers
	Logger      *slog.Logger
	Now         func() time.Time
}

// Conn drives the chat framing over one data channel.
type Conn struct {
	ch   Channel
	opts Options
	log  *slog.Logger

	mu       sync.Mutex
	lastPing time.Time
	stop     chan struct{}
	opened   bool
	closed   bool
}

func NewConn(ch Channel, opts Options) *Conn {
	if opts.PingInterval == 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	c := &Conn{
		ch:   ch,
		opts: opts,
		log:  opts.Logger.With("datachannel", ch.Label()),
	}

	ch.OnOpen(c.handleOpen)
	ch.OnClose(c.handleClose)
	ch.OnMessage(c.handleMessage)

	// The channel may already be open when a remote-created channel is
	// handed over late.
	if ch.ReadyState() == webrtc.DataChannelStateOpen {
		c.handleOpen()
	}
	return c
}

func (c *Conn) Label() string {
	return c.ch.Label()
}

func (c *Conn) IsOpen() bool {
	return c.ch.ReadyState() == webrtc.DataChannelStateOpen
}

// SendChat sends text as a chat payload. It fails with ErrNotOpen instead of
// queueing when the channel is not open.
func (c *Conn) SendChat(text string) error {
	return c.send(ChatMessage(text))
}

func (c *Conn) send(msg string) error {
	if !c.IsOpen() {
		return ErrNotOpen
	}
	if err := c.ch.SendText(msg); err != nil {
		return fmt.Errorf("datachannel send: %w", err)
	}
	return nil
}

func (c *Conn) Close() error {
	c.stopKeepalive()
	return c.ch.Close()
}

func (c *Conn) handleOpen() {
	c.mu.Lock()
	if c.closed || c.opened {
		c.mu.Unlock()
		return
	}
	c.opened = true
	var stop chan struct{}
	if c.opts.PingInterval > 0 {
		stop = make(chan struct{})
		c.stop = stop
	}
	c.mu.Unlock()

	c.log.Debug("datachannel open")
	if stop != nil {
		go c.keepalive(stop)
	}
	if c.opts.Handlers.OnOpen != nil {
		c.opts.Handlers.OnOpen()
	}
}

func (c *Conn) handleClose() {
	c.stopKeepalive()
	c.log.Debug("datachannel closed")
	if c.opts.Handlers.OnClose != nil {
		c.opts.Handlers.OnClose()
	}
}

func (c *Conn) stopKeepalive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.stop != nil {
		close(c.stop)
	}
}

func (c *Conn) keepalive(stop <-chan struct{}) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		now := c.opts.Now()
		if err := c.send(PingMessage(now)); err != nil {
			c.log.Debug("keepalive ping failed", "err", err)
			continue
		}
		c.mu.Lock()
		c.lastPing = now
		c.mu.Unlock()
	}
}

func (c *Conn) handleMessage(msg webrtc.DataChannelMessage) {
	if !msg.IsString {
		c.log.Debug("ignoring binary datachannel message", "bytes", len(msg.Data))
		return
	}
	text := string(msg.Data)

	kind, payload := Classify(text)
	switch kind {
	case KindChat:
		if c.opts.Handlers.OnChat != nil {
			c.opts.Handlers.OnChat(payload)
		}
	case KindPong:
		if rtt, ok := c.roundTrip(payload); ok && c.opts.Handlers.OnRTT != nil {
			c.opts.Handlers.OnRTT(rtt)
		}
	case KindPing:
		if c.opts.AnswerPings {
			if err := c.send(PongFor(text)); err != nil {
				c.log.Debug("pong failed", "err", err)
			}
			return
		}
		c.logText(text)
	default:
		c.logText(text)
	}
}

func (c *Conn) logText(text string) {
	if c.opts.Handlers.OnLog != nil {
		c.opts.Handlers.OnLog(text)
	}
}

// roundTrip prefers the timestamp echoed in the pong and falls back to the
// time of the last ping sent.
func (c *Conn) roundTrip(payload string) (time.Duration, bool) {
	now := c.opts.Now()
	if sent, ok := ParseStamp(payload); ok && !sent.After(now) {
		return now.Sub(sent), true
	}
	c.mu.Lock()
	last := c.lastPing
	c.mu.Unlock()
	if last.IsZero() {
		return 0, false
	}
	return now.Sub(last), true
}
