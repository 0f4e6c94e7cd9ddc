package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pscheid92/fanout/internal/domain"
)

const (
	maxMessageSize   = 64 * 1024
	defaultWriteWait = 5 * time.Second
	closeWriteWait   = time.Second
)

// Conn adapts a gorilla connection to domain.Conn.
type Conn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func NewConn(ws *websocket.Conn) *Conn {
	ws.SetReadLimit(maxMessageSize)
	return &Conn{ws: ws}
}

func (c *Conn) Read() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// Write sends one text frame. Cancelling ctx aborts a write that is already blocked
// on the socket; the connection is unusable afterwards.
func (c *Conn) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(deadline(ctx, defaultWriteWait)); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.ws.UnderlyingConn().SetWriteDeadline(time.Now())
	})
	defer stop()

	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("write aborted: %w", ctxErr)
		}
		return err
	}
	return nil
}

func (c *Conn) Ping(ctx context.Context) error {
	return c.ws.WriteControl(websocket.PingMessage, nil, deadline(ctx, defaultWriteWait))
}

// Close sends a close frame, best effort, then closes the socket. Only the first call does anything.
func (c *Conn) Close(code domain.CloseCode, reason string) error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(int(code), reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *Conn) OnPong(fn func()) {
	c.ws.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

func deadline(ctx context.Context, fallback time.Duration) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(fallback)
}

var _ domain.Conn = (*Conn)(nil)
