package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	DefaultWriteWait      = 10 * time.Second
	DefaultPongWait       = 60 * time.Second
	DefaultPingPeriod     = (DefaultPongWait * 9) / 10
	DefaultSendBufferSize = 256
	DefaultMaxFrameBytes  = 1 << 20
)

var (
	ErrConnClosed     = errors.New("connection closed")
	ErrSendBufferFull = errors.New("send buffer full")
)

// Socket is the subset of *websocket.Conn used by Conn.
type Socket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Options tunes per-connection buffering and keepalive.
type Options struct {
	SendBufferSize int
	MaxFrameBytes  int64
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
}

func (o Options) withDefaults() Options {
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = DefaultSendBufferSize
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = DefaultPongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	return o
}

// Conn is one authenticated client connection. Outbound frames are queued on
// a buffered channel drained by WritePump; the channel is never closed, so a
// send racing a close reports ErrConnClosed instead of panicking.
type Conn struct {
	id        string
	userID    int64
	createdAt time.Time
	ws        Socket
	opts      Options
	log       *slog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewConn wraps an upgraded socket for userID.
func NewConn(userID int64, ws Socket, opts Options) *Conn {
	opts = opts.withDefaults()
	id := uuid.NewString()
	return &Conn{
		id:        id,
		userID:    userID,
		createdAt: time.Now().UTC(),
		ws:        ws,
		opts:      opts,
		log:       slog.Default().With("conn_id", id, "user_id", userID),
		send:      make(chan []byte, opts.SendBufferSize),
		done:      make(chan struct{}),
	}
}

func (c *Conn) ID() string           { return c.id }
func (c *Conn) UserID() int64        { return c.userID }
func (c *Conn) CreatedAt() time.Time { return c.createdAt }
func (c *Conn) Logger() *slog.Logger { return c.log }

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// IsOpen reports whether the connection still accepts frames.
func (c *Conn) IsOpen() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Send queues payload without blocking.
func (c *Conn) Send(payload []byte) error {
	if !c.IsOpen() {
		return ErrConnClosed
	}
	select {
	case <-c.done:
		return ErrConnClosed
	case c.send <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// SendContext queues payload, waiting for buffer space until ctx ends or the
// connection closes. Used for backlog drains where order matters more than
// latency.
func (c *Conn) SendContext(ctx context.Context, payload []byte) error {
	if !c.IsOpen() {
		return ErrConnClosed
	}
	select {
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	case c.send <- payload:
		return nil
	}
}

// SendJSON marshals v and queues it without blocking.
func (c *Conn) SendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(payload)
}

// Close sends a close frame with code and reason and tears the socket down.
// Only the first call has any effect.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(c.opts.WriteWait)
		msg := websocket.FormatCloseMessage(code, reason)
		if err := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !isExpectedCloseError(err) {
			c.log.Debug("write close frame failed", "err", err)
		}
		if err := c.ws.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Debug("close socket failed", "err", err)
		}
	})
}

// abort closes without a close frame after a transport failure.
func (c *Conn) abort() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// ReadPump delivers inbound data frames to handle until the socket fails or
// the connection is closed. It returns the terminating error.
func (c *Conn) ReadPump(handle func(payload []byte)) error {
	c.ws.SetReadLimit(c.opts.MaxFrameBytes)
	if err := c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait)); err != nil {
		c.abort()
		return err
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})
	for {
		msgType, payload, err := c.ws.ReadMessage()
		if err != nil {
			c.logReadError(err)
			c.abort()
			return err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		handle(payload)
	}
}

// WritePump drains the send queue onto the socket, one frame per payload,
// and pings the peer every PingPeriod. It returns when the connection closes.
func (c *Conn) WritePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			if err := c.write(websocket.TextMessage, payload); err != nil {
				if !isExpectedCloseError(err) {
					c.log.Warn("write frame failed", "err", err)
				}
				c.abort()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.log.Debug("ping failed", "err", err)
				c.abort()
				return
			}
		}
	}
}

func (c *Conn) write(msgType int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(msgType, payload)
}

func (c *Conn) logReadError(err error) {
	switch {
	case !c.IsOpen():
		// closed locally; the read error is the expected wake-up
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("frame exceeded read limit", "max_bytes", c.opts.MaxFrameBytes)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.log.Info("client disconnected", "err", err)
	case isExpectedCloseError(err):
		c.log.Info("connection closed", "err", err)
	default:
		c.log.Warn("websocket read error", "err", err)
	}
}

func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure)
}
