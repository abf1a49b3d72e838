package plugins

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/m3rciful/wagate/core/session"
)

func noop(context.Context, session.Conn, string, *session.Message, string) error {
	return nil
}

func TestRegisterFirstWins(t *testing.T) {
	r := NewRegistry()
	var winner int32
	r.Register(Plugin{Command: "ping", Description: "first", Exec: func(ctx context.Context, c session.Conn, sid string, m *session.Message, a string) error {
		atomic.StoreInt32(&winner, 1)
		return nil
	}})
	r.Register(Plugin{Command: "ping", Description: "second", Exec: func(ctx context.Context, c session.Conn, sid string, m *session.Message, a string) error {
		atomic.StoreInt32(&winner, 2)
		return nil
	}})

	snap := r.Snapshot()
	p, ok := snap.Commands["ping"]
	if !ok {
		t.Fatal("ping not registered")
	}
	if p.Description != "first" {
		t.Fatalf("description = %q, duplicate replaced original", p.Description)
	}
	_ = p.Exec(context.Background(), nil, "", nil, "")
	if atomic.LoadInt32(&winner) != 1 {
		t.Fatal("duplicate exec replaced original")
	}
}

func TestLoadRunsOnce(t *testing.T) {
	r := NewRegistry()
	var runs int32
	r.AddLoader(func(reg *Registry) {
		atomic.AddInt32(&runs, 1)
		reg.Register(Plugin{Command: "a", Description: "a", Exec: noop})
	})

	for i := 0; i < 5; i++ {
		r.Load()
	}
	if got := atomic.LoadInt32(&runs); got != 1 {
		t.Fatalf("loader ran %d times, want 1", got)
	}
	if _, ok := r.Snapshot().Commands["a"]; !ok {
		t.Fatal("loader registration missing")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	r := NewRegistry()
	r.Register(Plugin{Command: "a", Description: "a", Exec: noop})
	r.Register(Plugin{On: "text", Description: "t", Exec: noop})

	snap := r.Snapshot()
	delete(snap.Commands, "a")
	snap.Text[0] = Plugin{}

	again := r.Snapshot()
	if _, ok := again.Commands["a"]; !ok {
		t.Fatal("mutating a snapshot leaked into the registry")
	}
	if again.Text[0].Exec == nil {
		t.Fatal("mutating snapshot text handlers leaked into the registry")
	}
}

func TestRegisterRejectsInvalid(t *testing.T) {
	r := NewRegistry()
	r.Register(Plugin{Command: "broken"})      // nil exec
	r.Register(Plugin{On: "text"})             // nil exec
	r.Register(Plugin{Description: "no name", Exec: noop}) // neither command nor text

	snap := r.Snapshot()
	if len(snap.Commands) != 0 || len(snap.Text) != 0 {
		t.Fatalf("invalid registrations accepted: %+v", snap)
	}
}

func TestBuiltinCommands(t *testing.T) {
	r := NewRegistry()
	r.AddLoader(Builtin("."))
	snap := r.Snapshot()

	for _, cmd := range []string{"ping", "uptime", "menu"} {
		if _, ok := snap.Commands[cmd]; !ok {
			t.Fatalf("builtin %q missing", cmd)
		}
	}
}
