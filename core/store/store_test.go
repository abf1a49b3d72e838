package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T, dir string, opts Options) *Store {
	t.Helper()
	s, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestSetGetAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, Options{})

	if err := s.Set("27820000001", "autoread", true); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set("27820000001", "welcome", "done"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s = openTestStore(t, dir, Options{})
	defer s.Close()

	v, ok, err := s.GetAsync(context.Background(), "27820000001", "autoread")
	if err != nil || !ok {
		t.Fatalf("get autoread: ok=%v err=%v", ok, err)
	}
	if v != true {
		t.Fatalf("autoread = %v, want true", v)
	}
	v, ok, _ = s.GetAsync(context.Background(), "27820000001", "welcome")
	if !ok || v != "done" {
		t.Fatalf("welcome = %v ok=%v, want done", v, ok)
	}
}

func TestJournalReplayLastWriteWins(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, Options{})

	sid := "27820000002"
	if err := s.Set(sid, "mode", "a"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(sid, "mode", "b"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(sid, "gone", 1); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Del(sid, "gone"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s = openTestStore(t, dir, Options{})
	defer s.Close()

	v, ok, _ := s.GetAsync(context.Background(), sid, "mode")
	if !ok || v != "b" {
		t.Fatalf("mode = %v ok=%v, want b", v, ok)
	}
	if _, ok, _ := s.GetAsync(context.Background(), sid, "gone"); ok {
		t.Fatal("deleted key still present after replay")
	}
}

func TestLogoutBlocksAndTouchUnblocks(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, Options{})
	defer s.Close()

	sid := "27820000003"
	if err := s.Set(sid, "lang", "en"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Logout(sid); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if !s.IsBlocked(sid) {
		t.Fatal("session not blocked after logout")
	}
	if _, ok := s.Get(sid, "lang"); ok {
		t.Fatal("blocked session served from memory")
	}

	// any touch restores the session from disk and lifts the block
	v, ok, err := s.GetAsync(context.Background(), sid, "lang")
	if err != nil {
		t.Fatalf("get async: %v", err)
	}
	if !ok || v != "en" {
		t.Fatalf("lang = %v ok=%v, want en", v, ok)
	}
	if s.IsBlocked(sid) {
		t.Fatal("session still blocked after touch")
	}
}

func TestBlockedSessionNotLoadedOnOpen(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, Options{})

	sid := "27820000004"
	if err := s.Set(sid, "lang", "ru"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Logout(sid); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s = openTestStore(t, dir, Options{})
	defer s.Close()

	if !s.IsBlocked(sid) {
		t.Fatal("blocked set not persisted across restart")
	}
	if _, loaded := s.Export()[sid]; loaded {
		t.Fatal("blocked session loaded into memory on open")
	}
}

func TestHotKeysSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, Options{})

	sid := "27820000005"
	s.SetHot(sid, "autoread", true)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s = openTestStore(t, dir, Options{})
	defer s.Close()

	v, ok := s.Get(sid, "autoread")
	if !ok || v != true {
		t.Fatalf("hot autoread = %v ok=%v, want true", v, ok)
	}
}

func TestHotKeyVisibleAfterSessionMapLoads(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, Options{})
	defer s.Close()

	sid := "27820000008"
	s.SetHot(sid, "autoread", true)
	if v, ok := s.Get(sid, "autoread"); !ok || v != true {
		t.Fatalf("autoread = %v ok=%v before load", v, ok)
	}

	// a miss on another key loads the session map; wait for the restore
	s.Get(sid, "lang")
	if _, _, err := s.GetAsync(context.Background(), sid, "lang"); err != nil {
		t.Fatalf("get async: %v", err)
	}

	if v, ok := s.Get(sid, "autoread"); !ok || v != true {
		t.Fatalf("autoread = %v ok=%v, hot flag lost behind the session map", v, ok)
	}
	if v, ok, _ := s.GetAsync(context.Background(), sid, "autoread"); !ok || v != true {
		t.Fatalf("async autoread = %v ok=%v, hot flag lost behind the session map", v, ok)
	}
}

func TestHotKeyVisibleAfterCrashRestart(t *testing.T) {
	dir := t.TempDir()
	// state after a crash: the snapshot holds the session, the hot index
	// holds a flag whose journal mirror never reached disk
	seed := map[string]string{
		"snapshot.json": `{"1":{"lang":"en"}}`,
		"hot.json":      `{"1":{"autoread":true}}`,
	}
	for name, body := range seed {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}

	s := openTestStore(t, dir, Options{})
	defer s.Close()

	if v, ok := s.Get("1", "lang"); !ok || v != "en" {
		t.Fatalf("lang = %v ok=%v, want en", v, ok)
	}
	if v, ok := s.Get("1", "autoread"); !ok || v != true {
		t.Fatalf("autoread = %v ok=%v, want true from hot index", v, ok)
	}
}

func TestMalformedJournalLinesSkipped(t *testing.T) {
	dir := t.TempDir()
	journal := filepath.Join(dir, "journal.log")
	body := `{"op":"set","sid":"1","key":"a","value":"x"}
not json at all
{"op":"set","sid":"1","key":"b","value":"y"}
`
	if err := os.WriteFile(journal, []byte(body), 0o644); err != nil {
		t.Fatalf("seed journal: %v", err)
	}

	s := openTestStore(t, dir, Options{})
	defer s.Close()

	if v, ok := s.Get("1", "a"); !ok || v != "x" {
		t.Fatalf("a = %v ok=%v, want x", v, ok)
	}
	if v, ok := s.Get("1", "b"); !ok || v != "y" {
		t.Fatalf("b = %v ok=%v, want y", v, ok)
	}
}

func TestCompactionPreservesState(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, Options{JournalMaxEntries: 4})

	sid := "27820000006"
	keys := []string{"k1", "k2", "k3", "k4", "k5", "k6"}
	for i, k := range keys {
		if err := s.Set(sid, k, i); err != nil {
			t.Fatalf("set %s: %v", k, err)
		}
	}

	if _, err := os.Stat(filepath.Join(dir, "snapshot.json")); err != nil {
		t.Fatalf("snapshot not written after compaction: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s = openTestStore(t, dir, Options{})
	defer s.Close()

	for i, k := range keys {
		v, ok, _ := s.GetAsync(context.Background(), sid, k)
		if !ok {
			t.Fatalf("%s missing after compaction", k)
		}
		// JSON numbers decode as float64
		if v != float64(i) {
			t.Fatalf("%s = %v, want %d", k, v, i)
		}
	}
}

func TestExportReturnsCopy(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, Options{})
	defer s.Close()

	if err := s.Set("1", "a", "x"); err != nil {
		t.Fatalf("set: %v", err)
	}
	out := s.Export()
	out["1"]["a"] = "mutated"

	if v, _ := s.Get("1", "a"); v != "x" {
		t.Fatalf("export leaked internal map, a = %v", v)
	}
}

func TestGetAsyncContextCancelled(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, Options{})
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// already-cached sessions return without consulting the context
	if err := s.Set("1", "a", "x"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok, err := s.GetAsync(ctx, "1", "a"); err != nil || !ok {
		t.Fatalf("cached read failed: ok=%v err=%v", ok, err)
	}
}

func TestDurableMode(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, Options{Durable: true})

	if err := s.Set("1", "a", "x"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s = openTestStore(t, dir, Options{Durable: true})
	defer s.Close()
	if v, ok := s.Get("1", "a"); !ok || v != "x" {
		t.Fatalf("a = %v ok=%v, want x", v, ok)
	}
}

func TestPeriodicCompaction(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir, Options{CompactInterval: 20 * time.Millisecond})
	defer s.Close()

	if err := s.Set("1", "a", "x"); err != nil {
		t.Fatalf("set: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(filepath.Join(dir, "snapshot.json")); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("periodic compaction never produced a snapshot")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
