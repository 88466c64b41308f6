package agentproto

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// sendQueueDepth bounds the per-connection outbound buffer (§5
// "the scheduler ... holds no lock during transmission beyond the
// send queue (a per-connection buffered channel, per the donor's
// connection-manager style)").
const sendQueueDepth = 64

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Handler processes one decoded Envelope received on a Conn.
type Handler func(Envelope)

// Conn wraps one agent's duplex websocket connection: a buffered send
// queue decouples callers (the scheduler's dispatch path, the
// reconciler loops) from the underlying socket write, and a single
// read goroutine dispatches every inbound frame to Handler.
type Conn struct {
	ws      *websocket.Conn
	send    chan Envelope
	done    chan struct{}
	once    sync.Once
	closeMu sync.Mutex
	closed  bool
}

// NewConn wraps ws and immediately starts its read/write pumps;
// handler is invoked from the read pump goroutine for every inbound
// message, so it must not block on further sends to the same Conn.
func NewConn(ctx context.Context, ws *websocket.Conn, handler Handler) *Conn {
	c := &Conn{
		ws:   ws,
		send: make(chan Envelope, sendQueueDepth),
		done: make(chan struct{}),
	}
	go c.writePump(ctx)
	go c.readPump(handler)
	return c
}

// Send enqueues an envelope for delivery; it returns immediately
// unless the send queue is full, in which case it blocks until space
// frees up or the connection closes.
func (c *Conn) Send(env Envelope) error {
	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return fmt.Errorf("agentproto: connection closed")
	}
}

// Close terminates both pumps and the underlying socket. Safe to call
// more than once.
func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.done)
	})
	return c.ws.Close()
}

func (c *Conn) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case env, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) readPump(handler Handler) {
	defer c.Close()
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var env Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			return
		}
		handler(env)
	}
}

// SendTyped is a convenience wrapper that encodes payload and enqueues
// it in one call.
func (c *Conn) SendTyped(t Type, payload any) error {
	env, err := Encode(t, payload)
	if err != nil {
		return err
	}
	return c.Send(env)
}
