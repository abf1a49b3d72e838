package protocol

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	coreconfig "github.com/m3rciful/wagate/core/config"
	"github.com/m3rciful/wagate/core/session"
)

// fakeSidecar upgrades incoming sockets and lets tests script both directions.
type fakeSidecar struct {
	t  *testing.T
	up websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
	query []string
	frames []frame
}

func (s *fakeSidecar) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.up.Upgrade(w, r, nil)
		if err != nil {
			s.t.Errorf("upgrade: %v", err)
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, ws)
		s.query = append(s.query, r.URL.RawQuery)
		s.mu.Unlock()

		go func() {
			for {
				var f frame
				if err := ws.ReadJSON(&f); err != nil {
					return
				}
				s.mu.Lock()
				s.frames = append(s.frames, f)
				s.mu.Unlock()
				if f.Cmd == "pair" {
					_ = ws.WriteJSON(frame{Type: "result", ID: f.ID, PairingCode: "ABCD-1234"})
				}
			}
		}()
	}
}

func (s *fakeSidecar) conn(i int) *websocket.Conn {
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		n := len(s.conns)
		s.mu.Unlock()
		if n > i {
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.conns[i]
		}
		if time.Now().After(deadline) {
			s.t.Fatalf("sidecar never saw connection %d", i)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (s *fakeSidecar) lastCmd() (frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return frame{}, false
	}
	return s.frames[len(s.frames)-1], true
}

func newBridgePair(t *testing.T) (*fakeSidecar, *Dialer) {
	t.Helper()
	sc := &fakeSidecar{t: t}
	srv := httptest.NewServer(sc.handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/session"
	d := NewDialer(coreconfig.BridgeConfig{URL: url, HandshakeTimeoutMS: 2000})
	return sc, d
}

func recvEvent(t *testing.T, c session.Conn) session.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event within deadline")
	}
	return session.Event{}
}

func TestDialPassesSessionParams(t *testing.T) {
	sc, d := newBridgePair(t)

	c, err := d.Dial(context.Background(), "27820000001", "auth/27820000001")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	sc.conn(0)

	sc.mu.Lock()
	q := sc.query[0]
	sc.mu.Unlock()
	if !strings.Contains(q, "sid=27820000001") || !strings.Contains(q, "auth_dir=auth%2F27820000001") {
		t.Fatalf("query = %q", q)
	}
}

func TestOpenEventCarriesUserID(t *testing.T) {
	sc, d := newBridgePair(t)

	c, err := d.Dial(context.Background(), "1", "auth/1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	ws := sc.conn(0)
	if err := ws.WriteJSON(frame{Type: "event", Event: "open", UserID: "1:9@host"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	ev := recvEvent(t, c)
	if ev.Type != session.EventOpen {
		t.Fatalf("event = %v, want open", ev.Type)
	}
	if got := c.UserID(); got != "1:9@host" {
		t.Fatalf("UserID = %q", got)
	}
}

func TestMessageAndClosedEvents(t *testing.T) {
	sc, d := newBridgePair(t)

	c, err := d.Dial(context.Background(), "1", "auth/1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	ws := sc.conn(0)
	_ = ws.WriteJSON(frame{Type: "event", Event: "message", Msg: &wireMessage{
		ID: "m1", Chat: "g@chat", Sender: "2@host", Body: "hello",
	}})
	_ = ws.WriteJSON(frame{Type: "event", Event: "closed", Code: 440})

	ev := recvEvent(t, c)
	if ev.Type != session.EventMessage || ev.Msg.Body != "hello" {
		t.Fatalf("event = %+v", ev)
	}
	ev = recvEvent(t, c)
	if ev.Type != session.EventClosed || ev.Code != 440 {
		t.Fatalf("event = %+v", ev)
	}
}

func TestSendReachesSidecar(t *testing.T) {
	sc, d := newBridgePair(t)

	c, err := d.Dial(context.Background(), "1", "auth/1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	sc.conn(0)

	if err := c.Send(context.Background(), "g@chat", "pong"); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if f, ok := sc.lastCmd(); ok && f.Cmd == "send" {
			if f.Chat != "g@chat" || f.Text != "pong" {
				t.Fatalf("frame = %+v", f)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("sidecar never saw send frame")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPairingCodeRoundTrip(t *testing.T) {
	sc, d := newBridgePair(t)

	c, err := d.Dial(context.Background(), "1", "auth/1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	sc.conn(0)

	code, err := c.RequestPairingCode(context.Background(), "27820000007")
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	if code != "ABCD-1234" {
		t.Fatalf("code = %q", code)
	}
}

func TestServerDropEmitsClosedAndClosesChannel(t *testing.T) {
	sc, d := newBridgePair(t)

	c, err := d.Dial(context.Background(), "1", "auth/1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	ws := sc.conn(0)
	_ = ws.Close()

	ev := recvEvent(t, c)
	if ev.Type != session.EventClosed {
		t.Fatalf("event = %+v, want closed", ev)
	}
	select {
	case _, ok := <-c.Events():
		if ok {
			t.Fatal("extra event after closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel never closed")
	}
}

func TestFramesAfterClosedAreDropped(t *testing.T) {
	sc, d := newBridgePair(t)

	c, err := d.Dial(context.Background(), "1", "auth/1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	ws := sc.conn(0)
	_ = ws.WriteJSON(frame{Type: "event", Event: "closed", Code: 428})
	// a chatty sidecar must not park the read loop on a full channel
	for i := 0; i < 64; i++ {
		_ = ws.WriteJSON(frame{Type: "event", Event: "message", Msg: &wireMessage{
			ID: "spam", Chat: "g@chat", Body: "late",
		}})
	}
	_ = ws.Close()

	ev := recvEvent(t, c)
	if ev.Type != session.EventClosed || ev.Code != 428 {
		t.Fatalf("event = %+v, want closed 428", ev)
	}
	select {
	case ev, ok := <-c.Events():
		if ok {
			t.Fatalf("event %+v delivered after closed", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel never closed")
	}
}

func TestLocalCloseIsSilent(t *testing.T) {
	sc, d := newBridgePair(t)

	c, err := d.Dial(context.Background(), "1", "auth/1")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	sc.conn(0)

	_ = c.Close()
	select {
	case ev, ok := <-c.Events():
		if ok {
			t.Fatalf("unexpected event %+v after local close", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel never closed")
	}
}
