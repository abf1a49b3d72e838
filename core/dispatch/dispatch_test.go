package dispatch

import (
	"context"
	"sync"
	"testing"

	"github.com/m3rciful/wagate/core/plugins"
	"github.com/m3rciful/wagate/core/session"
	"github.com/m3rciful/wagate/core/store"
)

type recordConn struct {
	mu    sync.Mutex
	sent  []string
	acked int
}

func (c *recordConn) Events() <-chan session.Event { return nil }
func (c *recordConn) UserID() string               { return "1@host" }

func (c *recordConn) Send(_ context.Context, chat, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, chat+"|"+text)
	return nil
}

func (c *recordConn) Ack(context.Context, *session.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked++
	return nil
}

func (c *recordConn) RequestPairingCode(context.Context, string) (string, error) {
	return "", nil
}
func (c *recordConn) Logout(context.Context) error { return nil }
func (c *recordConn) Close() error                 { return nil }

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir(), store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCommandDispatchWithArgs(t *testing.T) {
	reg := plugins.NewRegistry()
	var gotArgs string
	textRuns := 0
	reg.Register(plugins.Plugin{Command: "ping", Description: "p", Exec: func(_ context.Context, _ session.Conn, _ string, _ *session.Message, args string) error {
		gotArgs = args
		return nil
	}})
	reg.Register(plugins.Plugin{On: "text", Description: "t", Exec: func(context.Context, session.Conn, string, *session.Message, string) error {
		textRuns++
		return nil
	}})

	h := Handler(reg, testStore(t), ".")
	h(context.Background(), &recordConn{}, "1", &session.Message{Chat: "c", Body: ".ping extra stuff"})

	if gotArgs != "extra stuff" {
		t.Fatalf("args = %q, want %q", gotArgs, "extra stuff")
	}
	if textRuns != 0 {
		t.Fatal("text handlers ran for a matched command")
	}
}

func TestPlainTextRunsAllTextHandlers(t *testing.T) {
	reg := plugins.NewRegistry()
	var order []string
	add := func(name string) {
		reg.Register(plugins.Plugin{On: "text", Description: name, Exec: func(context.Context, session.Conn, string, *session.Message, string) error {
			order = append(order, name)
			return nil
		}})
	}
	add("first")
	add("second")

	h := Handler(reg, testStore(t), ".")
	h(context.Background(), &recordConn{}, "1", &session.Message{Chat: "c", Body: "hello"})

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("text handlers order = %v", order)
	}
}

func TestUnknownCommandFallsThroughToText(t *testing.T) {
	reg := plugins.NewRegistry()
	textRuns := 0
	reg.Register(plugins.Plugin{On: "text", Description: "t", Exec: func(context.Context, session.Conn, string, *session.Message, string) error {
		textRuns++
		return nil
	}})

	h := Handler(reg, testStore(t), ".")
	h(context.Background(), &recordConn{}, "1", &session.Message{Chat: "c", Body: ".doesnotexist"})

	if textRuns != 1 {
		t.Fatalf("text handlers ran %d times, want 1", textRuns)
	}
}

func TestAutoreadAcksMessage(t *testing.T) {
	reg := plugins.NewRegistry()
	st := testStore(t)
	st.SetHot("1", "autoread", true)

	conn := &recordConn{}
	h := Handler(reg, st, ".")
	h(context.Background(), conn, "1", &session.Message{Chat: "c", Body: "hi"})

	if conn.acked != 1 {
		t.Fatalf("acked %d, want 1", conn.acked)
	}

	// other sessions are unaffected
	conn2 := &recordConn{}
	h(context.Background(), conn2, "2", &session.Message{Chat: "c", Body: "hi"})
	if conn2.acked != 0 {
		t.Fatal("autoread leaked across sessions")
	}
}

func TestEmptyBodyIgnored(t *testing.T) {
	reg := plugins.NewRegistry()
	textRuns := 0
	reg.Register(plugins.Plugin{On: "text", Description: "t", Exec: func(context.Context, session.Conn, string, *session.Message, string) error {
		textRuns++
		return nil
	}})

	h := Handler(reg, testStore(t), ".")
	h(context.Background(), &recordConn{}, "1", &session.Message{Chat: "c", Body: ""})
	if textRuns != 0 {
		t.Fatal("empty body reached text handlers")
	}
}
