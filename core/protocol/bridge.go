// Package protocol dials session sockets through the protocol sidecar. The
// sidecar owns the messaging wire protocol; this side speaks a small JSON
// frame dialect over one WebSocket per session and surfaces it as
// session.Conn.
package protocol

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	coreconfig "github.com/m3rciful/wagate/core/config"
	"github.com/m3rciful/wagate/core/logger"
	"github.com/m3rciful/wagate/core/session"
	"log/slog"
)

// frame is the single message shape used in both directions.
//
// Sidecar to gateway:
//
//	{"type":"event","event":"open","user_id":"27820000001:12@host"}
//	{"type":"event","event":"closed","code":440}
//	{"type":"event","event":"creds_updated"}
//	{"type":"event","event":"message","message":{...}}
//	{"type":"result","id":"1","pairing_code":"ABCD-1234"}
//
// Gateway to sidecar:
//
//	{"type":"cmd","cmd":"send","chat":"...","text":"..."}
//	{"type":"cmd","cmd":"ack","message":{...}}
//	{"type":"cmd","cmd":"pair","id":"1","phone":"..."}
//	{"type":"cmd","cmd":"logout"}
type frame struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
	Cmd   string `json:"cmd,omitempty"`
	ID    string `json:"id,omitempty"`

	UserID      string       `json:"user_id,omitempty"`
	Code        int          `json:"code,omitempty"`
	Chat        string       `json:"chat,omitempty"`
	Text        string       `json:"text,omitempty"`
	Phone       string       `json:"phone,omitempty"`
	PairingCode string       `json:"pairing_code,omitempty"`
	Error       string       `json:"error,omitempty"`
	Msg         *wireMessage `json:"message,omitempty"`
}

type wireMessage struct {
	ID     string `json:"id"`
	Chat   string `json:"chat"`
	Sender string `json:"sender"`
	Body   string `json:"body"`
	FromMe bool   `json:"from_me,omitempty"`
}

// Dialer opens one sidecar socket per session.
type Dialer struct {
	url string
	ws  websocket.Dialer
}

// NewDialer builds a Dialer from config.
func NewDialer(cfg coreconfig.BridgeConfig) *Dialer {
	return &Dialer{
		url: cfg.URL,
		ws: websocket.Dialer{
			HandshakeTimeout: time.Duration(cfg.HandshakeTimeoutMS) * time.Millisecond,
		},
	}
}

// Dial connects the session's socket. The sid and credential directory travel
// as query parameters; the sidecar shares the auth volume and loads the
// credential files itself.
func (d *Dialer) Dial(ctx context.Context, sid, authDir string) (session.Conn, error) {
	u, err := url.Parse(d.url)
	if err != nil {
		return nil, fmt.Errorf("bridge url: %w", err)
	}
	q := u.Query()
	q.Set("sid", sid)
	q.Set("auth_dir", authDir)
	u.RawQuery = q.Encode()

	start := time.Now()
	ws, _, err := d.ws.DialContext(ctx, u.String(), nil)
	if err != nil {
		logger.Warn(ctx, "bridge", "bridge.dial",
			slog.String("status", "fail"),
			slog.String("sid", sid),
			slog.String("err", err.Error()),
		)
		return nil, fmt.Errorf("bridge dial %s: %w", sid, err)
	}
	logger.Info(ctx, "bridge", "bridge.dial",
		slog.String("status", "ok"),
		slog.String("sid", sid),
		slog.Duration("duration", logger.RoundMS(time.Since(start))),
	)

	c := newConn(sid, ws)
	go c.readLoop()
	return c, nil
}
