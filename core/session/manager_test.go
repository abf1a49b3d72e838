package session

import "testing"

func TestManagerConnectingLifecycle(t *testing.T) {
	m := NewManager()

	if !m.StartConnecting("s1") {
		t.Fatal("first claim rejected")
	}
	if m.StartConnecting("s1") {
		t.Fatal("second claim accepted while connecting")
	}
	if !m.IsConnecting("s1") {
		t.Fatal("connecting state not tracked")
	}

	c := newFakeConn("27820000001@host")
	m.Add("s1", c)
	if m.IsConnecting("s1") {
		t.Fatal("connecting state survived Add")
	}
	if !m.IsConnected("s1") {
		t.Fatal("connection not registered")
	}
	if m.StartConnecting("s1") {
		t.Fatal("claim accepted while connected")
	}
	if m.Get("s1") != c {
		t.Fatal("Get returned wrong connection")
	}

	m.Remove("s1")
	if m.IsConnected("s1") || m.IsConnecting("s1") {
		t.Fatal("state survived Remove")
	}
	if !m.StartConnecting("s1") {
		t.Fatal("claim rejected after Remove")
	}
	m.AbortConnecting("s1")
	if m.IsConnecting("s1") {
		t.Fatal("state survived AbortConnecting")
	}
}

func TestManagerAll(t *testing.T) {
	m := NewManager()
	m.Add("a", newFakeConn("a@host"))
	m.Add("b", newFakeConn("b@host"))

	all := m.All()
	if len(all) != 2 || m.Count() != 2 {
		t.Fatalf("All/Count = %d/%d, want 2/2", len(all), m.Count())
	}
	seen := map[string]bool{}
	for _, e := range all {
		seen[e.SID] = e.Conn != nil
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("snapshot incomplete: %v", seen)
	}
}
