package signaling

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultMaxMessageBytes = 64 * 1024
	DefaultPingInterval    = 25 * time.Second
	DefaultReadTimeout     = 60 * time.Second
	DefaultEventBuffer     = 32

	wsWriteWait = 1 * time.Second
)

var ErrChannelClosed = errors.New("signaling: channel closed")

type DialOptions struct {
	// Name is announced in the join message sent once the socket opens.
	Name string

	Header http.Header
	Dialer *websocket.Dialer
	Logger *slog.Logger

	MaxMessageBytes int64
	PingInterval    time.Duration
	ReadTimeout     time.Duration
	EventBuffer     int
}

func (o DialOptions) withDefaults() DialOptions {
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if o.PingInterval <= 0 {
		o.PingInterval = DefaultPingInterval
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.ReadTimeout <= o.PingInterval {
		o.ReadTimeout = 2 * o.PingInterval
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	return o
}

// Channel is one relay connection. Inbound envelopes are delivered in arrival
// order on Events; the channel is closed when the connection ends, after
// which Err reports why.
type Channel struct {
	conn *websocket.Conn
	opts DialOptions
	log  *slog.Logger

	writeMu sync.Mutex

	events chan Envelope
	done   chan struct{}

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial connects to the relay at url and sends the join message.
func Dial(ctx context.Context, url string, opts DialOptions) (*Channel, error) {
	opts = opts.withDefaults()

	conn, resp, err := opts.Dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("signaling: dial %s: %w (status %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("signaling: dial %s: %w", url, err)
	}

	c := newChannel(conn, opts)
	if err := c.Send(Join(opts.Name)); err != nil {
		c.closeWith(err)
		return nil, err
	}
	return c, nil
}

func newChannel(conn *websocket.Conn, opts DialOptions) *Channel {
	c := &Channel{
		conn:   conn,
		opts:   opts,
		log:    opts.Logger.With("component", "signaling"),
		events: make(chan Envelope, opts.EventBuffer),
		done:   make(chan struct{}),
	}
	conn.SetReadLimit(opts.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
	})
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(opts.ReadTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(wsWriteWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})

	go c.readLoop()
	go c.pingLoop()
	return c
}

// Events yields inbound envelopes. It is closed when the connection ends.
func (c *Channel) Events() <-chan Envelope { return c.events }

// Done is closed once the channel has terminated.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns the reason the channel terminated, or nil while it is open.
func (c *Channel) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send writes one envelope as one text frame.
func (c *Channel) Send(env Envelope) error {
	b, err := env.Marshal()
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		c.closeWith(fmt.Errorf("%w: write: %v", ErrChannelClosed, err))
		return ErrChannelClosed
	}
	return nil
}

// Close ends the connection with a normal close frame. Safe to call more than
// once.
func (c *Channel) Close() error {
	c.closeWith(ErrChannelClosed)
	return nil
}

func (c *Channel) closeWith(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = err
		c.errMu.Unlock()

		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsWriteWait),
		)
		_ = c.conn.Close()
		close(c.done)
	})
}

func (c *Channel) readLoop() {
	defer close(c.events)

	for {
		msgType, r, err := c.conn.NextReader()
		if err != nil {
			c.closeWith(fmt.Errorf("%w: read: %v", ErrChannelClosed, err))
			return
		}
		if msgType != websocket.TextMessage {
			c.log.Debug("ignoring non-text frame", "frame_type", msgType)
			continue
		}
		b, err := io.ReadAll(r)
		if err != nil {
			c.closeWith(fmt.Errorf("%w: read: %v", ErrChannelClosed, err))
			return
		}

		env, err := ParseEnvelope(b)
		if err != nil {
			c.log.Warn("dropping malformed envelope", "err", err)
			continue
		}

		select {
		case c.events <- env:
		case <-c.done:
			return
		}
	}
}

func (c *Channel) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.closeWith(fmt.Errorf("%w: ping: %v", ErrChannelClosed, err))
				return
			}
		case <-c.done:
			return
		}
	}
}
