// Package session manages the lifecycle of messaging sessions: dialing,
// credential persistence, reconnects, and teardown. The protocol client is
// modeled by the Conn and Dialer interfaces so the orchestrator stays
// independent of any concrete transport.
package session

import (
	"context"
	"errors"
	"strings"
)

// Close status codes that end a session permanently. Any other code is a
// transient network failure and triggers a reconnect.
const (
	CodeLoggedOut           = 401
	CodeBadSession          = 403
	CodeConnectionReplaced  = 440
	CodeMultideviceMismatch = 530
)

// Terminal reports whether a close code means the credentials are dead.
func Terminal(code int) bool {
	switch code {
	case CodeLoggedOut, CodeBadSession, CodeConnectionReplaced, CodeMultideviceMismatch:
		return true
	}
	return false
}

// ErrAlreadyConnected is returned when a connect or pairing request targets
// a session that already has a live handle.
var ErrAlreadyConnected = errors.New("session already connected")

// EventType enumerates connection lifecycle notifications.
type EventType int

const (
	EventConnecting EventType = iota
	EventOpen
	EventClosed
	EventCredsUpdated
	EventMessage
)

// Message is one inbound chat message.
type Message struct {
	ID     string
	Chat   string
	Sender string
	Body   string
	FromMe bool
}

// Event is delivered on the connection's event channel. Code is set for
// EventClosed, Msg for EventMessage.
type Event struct {
	Type EventType
	Code int
	Msg  *Message
	Err  error
}

// Conn is a live protocol connection. Implementations close the event
// channel after emitting their final EventClosed.
type Conn interface {
	// Events returns the stream consumed by the orchestrator's event loop.
	Events() <-chan Event
	// UserID returns the full account id once the connection is open,
	// e.g. "27820000001:12@host".
	UserID() string
	Send(ctx context.Context, chat, text string) error
	// Ack marks a message as read.
	Ack(ctx context.Context, msg *Message) error
	RequestPairingCode(ctx context.Context, phone string) (string, error)
	Logout(ctx context.Context) error
	Close() error
}

// Dialer opens connections using the credential files under authDir.
type Dialer interface {
	Dial(ctx context.Context, sid, authDir string) (Conn, error)
}

// CanonicalID reduces a full account id to the bare phone number, which is
// the key every durable record is stored under.
func CanonicalID(userID string) string {
	if i := strings.IndexByte(userID, ':'); i >= 0 {
		userID = userID[:i]
	}
	if i := strings.IndexByte(userID, '@'); i >= 0 {
		userID = userID[:i]
	}
	return userID
}

// NormalizeNumber strips everything but digits from a phone number.
func NormalizeNumber(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
