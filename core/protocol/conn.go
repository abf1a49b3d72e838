package protocol

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/m3rciful/wagate/core/logger"
	"github.com/m3rciful/wagate/core/session"
	"log/slog"
)

var errConnClosed = errors.New("bridge connection closed")

// Conn adapts one sidecar WebSocket to session.Conn. A single readLoop
// goroutine owns all reads; writes are serialized by writeMu as required by
// gorilla/websocket.
type Conn struct {
	sid string
	ws  *websocket.Conn

	events chan session.Event

	writeMu sync.Mutex

	mu         sync.Mutex
	uid        string
	pending    map[string]chan frame
	localClose bool

	nextID    atomic.Uint64
	closeOnce sync.Once
}

func newConn(sid string, ws *websocket.Conn) *Conn {
	return &Conn{
		sid:     sid,
		ws:      ws,
		events:  make(chan session.Event, 16),
		pending: make(map[string]chan frame),
	}
}

// Events returns the lifecycle stream. The channel closes when the socket is
// gone.
func (c *Conn) Events() <-chan session.Event { return c.events }

// UserID returns the account id reported by the open event, or "" before it.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uid
}

func (c *Conn) readLoop() {
	sawClosed := false
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.mu.Lock()
			local := c.localClose
			c.mu.Unlock()
			if !local && !sawClosed {
				logger.Warn(logger.WithSID(logger.Background(), c.sid), "bridge", "bridge.read",
					slog.String("status", "fail"),
					slog.String("err", err.Error()),
				)
				c.events <- session.Event{Type: session.EventClosed, Err: err}
			}
			c.failPending()
			close(c.events)
			return
		}

		switch f.Type {
		case "event":
			// the consumer leaves after closed; later frames would park
			// this goroutine on a full channel
			if sawClosed {
				continue
			}
			if ev, ok := c.toEvent(f); ok {
				if ev.Type == session.EventClosed {
					sawClosed = true
				}
				c.events <- ev
			}
		case "result":
			c.mu.Lock()
			ch := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ch != nil {
				ch <- f
			}
		}
	}
}

func (c *Conn) toEvent(f frame) (session.Event, bool) {
	switch f.Event {
	case "connecting":
		return session.Event{Type: session.EventConnecting}, true
	case "open":
		c.mu.Lock()
		c.uid = f.UserID
		c.mu.Unlock()
		return session.Event{Type: session.EventOpen}, true
	case "closed":
		return session.Event{Type: session.EventClosed, Code: f.Code}, true
	case "creds_updated":
		return session.Event{Type: session.EventCredsUpdated}, true
	case "message":
		if f.Msg == nil {
			return session.Event{}, false
		}
		return session.Event{Type: session.EventMessage, Msg: &session.Message{
			ID:     f.Msg.ID,
			Chat:   f.Msg.Chat,
			Sender: f.Msg.Sender,
			Body:   f.Msg.Body,
			FromMe: f.Msg.FromMe,
		}}, true
	}
	return session.Event{}, false
}

func (c *Conn) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- frame{Type: "result", ID: id, Error: errConnClosed.Error()}
	}
}

func (c *Conn) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(f)
}

// Send delivers a text message into chat.
func (c *Conn) Send(_ context.Context, chat, text string) error {
	if err := c.write(frame{Type: "cmd", Cmd: "send", Chat: chat, Text: text}); err != nil {
		return fmt.Errorf("bridge send: %w", err)
	}
	return nil
}

// Ack marks msg as read.
func (c *Conn) Ack(_ context.Context, msg *session.Message) error {
	if err := c.write(frame{Type: "cmd", Cmd: "ack", Msg: &wireMessage{
		ID:     msg.ID,
		Chat:   msg.Chat,
		Sender: msg.Sender,
		Body:   msg.Body,
		FromMe: msg.FromMe,
	}}); err != nil {
		return fmt.Errorf("bridge ack: %w", err)
	}
	return nil
}

// RequestPairingCode asks the sidecar to issue a pairing code for phone and
// waits for the correlated result.
func (c *Conn) RequestPairingCode(ctx context.Context, phone string) (string, error) {
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	ch := make(chan frame, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.write(frame{Type: "cmd", Cmd: "pair", ID: id, Phone: phone}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return "", fmt.Errorf("bridge pair: %w", err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return "", ctx.Err()
	case f := <-ch:
		if f.Error != "" {
			return "", fmt.Errorf("bridge pair: %s", f.Error)
		}
		return f.PairingCode, nil
	}
}

// Logout tells the sidecar to invalidate the account registration.
func (c *Conn) Logout(_ context.Context) error {
	if err := c.write(frame{Type: "cmd", Cmd: "logout"}); err != nil {
		return fmt.Errorf("bridge logout: %w", err)
	}
	return nil
}

// Close tears the socket down. The event channel closes once the read loop
// notices.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.localClose = true
		c.mu.Unlock()

		c.writeMu.Lock()
		_ = c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	return nil
}
