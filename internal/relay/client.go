package relay

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-link/internal/signaling"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

type client struct {
	hub     *Hub
	conn    *websocket.Conn
	id      string
	log     *slog.Logger
	limiter *rate.Limiter

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	// Written under hub.mu by join. The read pump, which is the only caller
	// of join, may read them without the lock.
	name   string
	joined bool
}

func (c *client) isJoined() bool {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return c.joined
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close(websocket.CloseNormalClosure, "")
	}()

	c.conn.SetReadLimit(int64(c.hub.cfg.RelayMaxMessageBytes))
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		msgType, b, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("relay connection read failed", "err", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		if !c.limiter.Allow() {
			c.hub.metrics.Inc(metrics.RelayRateLimited)
			c.log.Warn("closing rate limited connection")
			c.close(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.hub.metrics.Inc(metrics.RelayInvalidMessage)
			c.sendError(signaling.ErrorCodeInvalidMessage, "binary frames are not supported")
			continue
		}

		env, err := signaling.ParseEnvelope(b)
		if err != nil {
			c.hub.metrics.Inc(metrics.RelayInvalidMessage)
			c.sendError(signaling.ErrorCodeInvalidMessage, err.Error())
			continue
		}
		c.hub.dispatch(c, env)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case b := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				c.log.Debug("relay connection write failed", "err", err)
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			return
		}
	}
}

// enqueue never blocks. It reports false when the client is closed or its
// send buffer is full.
func (c *client) enqueue(b []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// drop disconnects a client that could not keep up with its send buffer.
func (c *client) drop() {
	select {
	case <-c.done:
		return
	default:
	}
	c.hub.metrics.Inc(metrics.RelaySlowConsumer)
	c.log.Warn("dropping slow consumer", "buffer", cap(c.send))
	c.close(websocket.CloseTryAgainLater, "send buffer full")
}

func (c *client) sendError(code, message string) {
	b, err := signaling.Envelope{Type: signaling.MessageTypeError, Code: code, Message: message}.Marshal()
	if err != nil {
		c.log.Error("encode error envelope", "err", err)
		return
	}
	if !c.enqueue(b) {
		c.drop()
	}
}

func (c *client) close(code int, text string) {
	c.closeOnce.Do(func() {
		close(c.done)
		if code != websocket.CloseAbnormalClosure {
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(code, text),
				time.Now().Add(time.Second),
			)
		}
		_ = c.conn.Close()
	})
}
