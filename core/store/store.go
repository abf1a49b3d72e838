// Package store implements the session attribute store backed by a
// write-ahead journal with periodic snapshot compaction. Reads are served
// from an in-memory cache plus a small hot-key index that survives
// restarts independently of the journal.
package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/m3rciful/wagate/core/logger"
	"log/slog"
)

const (
	snapshotFile = "snapshot.json"
	journalFile  = "journal.log"
	metaFile     = "meta.json"
	hotFile      = "hot.json"

	hotPersistDelay = 500 * time.Millisecond
)

// Options tune journal growth and durability behavior.
type Options struct {
	// JournalMaxEntries triggers compaction once the journal holds this
	// many operations.
	JournalMaxEntries int
	// CompactInterval triggers periodic compaction of a non-empty journal.
	// Zero disables the background loop.
	CompactInterval time.Duration
	// Durable forces fsync on journal appends and snapshot writes.
	Durable bool
}

// Store maps session ids to attribute maps. All mutations append to the
// journal before returning, except hot-key writes which are applied in
// memory first and persisted on a debounce timer.
type Store struct {
	dir          string
	snapshotPath string
	journalPath  string
	metaPath     string
	hotPath      string
	opts         Options

	mu      sync.Mutex
	cache   map[string]map[string]any
	hot     map[string]map[string]any
	blocked map[string]struct{}

	journal        *os.File
	jw             *bufio.Writer
	journalEntries int
	journalBytes   int64

	compacting bool
	writeQueue []queuedOp

	pendingRestores map[string]chan struct{}

	hotDirty bool
	hotTimer *time.Timer

	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

type walOp struct {
	Op    string          `json:"op"`
	SID   string          `json:"sid"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

type queuedOp struct {
	op   walOp
	done chan error
}

// Open loads the snapshot, hot index, and blocked set from dir, replays the
// journal, and starts the periodic compaction loop.
func Open(dir string, opts Options) (*Store, error) {
	if opts.JournalMaxEntries <= 0 {
		opts.JournalMaxEntries = 200000
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store dir %s: %w", dir, err)
	}

	s := &Store{
		dir:             dir,
		snapshotPath:    filepath.Join(dir, snapshotFile),
		journalPath:     filepath.Join(dir, journalFile),
		metaPath:        filepath.Join(dir, metaFile),
		hotPath:         filepath.Join(dir, hotFile),
		opts:            opts,
		cache:           make(map[string]map[string]any),
		hot:             make(map[string]map[string]any),
		blocked:         make(map[string]struct{}),
		pendingRestores: make(map[string]chan struct{}),
		done:            make(chan struct{}),
	}

	s.loadMeta()
	s.loadHotIndex()
	if err := s.loadSnapshotAndReplay(); err != nil {
		return nil, err
	}
	if err := s.openJournal(); err != nil {
		return nil, err
	}

	if opts.CompactInterval > 0 {
		s.wg.Add(1)
		go s.compactLoop(opts.CompactInterval)
	}

	logger.Info(logger.Background(), "store", "store.open",
		slog.String("status", "ok"),
		slog.String("dir", dir),
		slog.Int("count", len(s.cache)),
		slog.Int("entries", s.journalEntries),
	)
	return s, nil
}

// Get returns the value from the in-memory cache or the hot index. A miss
// on an unloaded session triggers a background restore and returns
// (nil, false) immediately.
func (s *Store) Get(sid, key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m, ok := s.cache[sid]; ok {
		if v, ok := m[key]; ok {
			return v, true
		}
		// the hot index can hold keys the journal never flushed
		return s.hotLookupLocked(sid, key)
	}
	if v, ok := s.hotLookupLocked(sid, key); ok {
		return v, true
	}
	s.restoreLocked(sid)
	return nil, false
}

// hotLookupLocked reads key from the hot index. Caller must hold mu.
func (s *Store) hotLookupLocked(sid, key string) (any, bool) {
	if hot, ok := s.hot[sid]; ok {
		if v, ok := hot[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// GetAsync waits for the session to be restored before reading, so the
// returned value reflects everything on disk.
func (s *Store) GetAsync(ctx context.Context, sid, key string) (any, bool, error) {
	s.mu.Lock()
	if m, ok := s.cache[sid]; ok {
		v, ok := m[key]
		if !ok {
			v, ok = s.hotLookupLocked(sid, key)
		}
		s.mu.Unlock()
		return v, ok, nil
	}
	ch := s.restoreLocked(sid)
	s.mu.Unlock()

	select {
	case <-ch:
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.cache[sid]; ok {
		if v, ok := m[key]; ok {
			return v, true, nil
		}
	}
	if hot, ok := s.hot[sid]; ok {
		if v, ok := hot[key]; ok {
			return v, true, nil
		}
	}
	return nil, false, nil
}

// Set writes a key and does not return until the operation is journaled.
func (s *Store) Set(sid, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal value for %s/%s: %w", sid, key, err)
	}
	if err := s.mutate(walOp{Op: "set", SID: sid, Key: key, Value: raw}, value); err != nil {
		return err
	}
	return s.maybeCompact()
}

// Del removes a key and does not return until the operation is journaled.
func (s *Store) Del(sid, key string) error {
	if err := s.mutate(walOp{Op: "del", SID: sid, Key: key}, nil); err != nil {
		return err
	}
	return s.maybeCompact()
}

func (s *Store) mutate(op walOp, value any) error {
	s.mu.Lock()
	if _, loaded := s.cache[op.SID]; !loaded {
		ch := s.restoreLocked(op.SID)
		s.mu.Unlock()
		<-ch
		s.mu.Lock()
	}
	s.applyLocked(op.Op, op.SID, op.Key, value)
	wait, err := s.appendLocked(op, true)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if wait != nil {
		return <-wait
	}
	return nil
}

// SetHot updates the hot index immediately, schedules its persistence, and
// journals the write in the background. Use for flags read on the message
// hot path.
func (s *Store) SetHot(sid, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		logger.Warn(logger.Background(), "store", "hot.set",
			slog.String("status", "fail"),
			slog.String("sid", sid),
			slog.String("key", key),
			slog.String("err", err.Error()),
		)
		return
	}

	s.mu.Lock()
	obj, ok := s.hot[sid]
	if !ok {
		obj = make(map[string]any)
		s.hot[sid] = obj
	}
	obj[key] = value
	if m, loaded := s.cache[sid]; loaded {
		m[key] = value
	}
	s.scheduleHotPersistLocked()
	_, appendErr := s.appendLocked(walOp{Op: "set", SID: sid, Key: key, Value: raw}, false)
	s.mu.Unlock()

	if appendErr != nil {
		logger.Warn(logger.Background(), "store", "hot.journal",
			slog.String("status", "fail"),
			slog.String("sid", sid),
			slog.String("key", key),
			slog.String("err", appendErr.Error()),
		)
	}
}

// DelHot removes a hot key. No-op when the session has no hot entries.
func (s *Store) DelHot(sid, key string) {
	s.mu.Lock()
	obj, ok := s.hot[sid]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(obj, key)
	if m, loaded := s.cache[sid]; loaded {
		delete(m, key)
	}
	s.scheduleHotPersistLocked()
	_, appendErr := s.appendLocked(walOp{Op: "del", SID: sid, Key: key}, false)
	s.mu.Unlock()

	if appendErr != nil {
		logger.Warn(logger.Background(), "store", "hot.journal",
			slog.String("status", "fail"),
			slog.String("sid", sid),
			slog.String("key", key),
			slog.String("err", appendErr.Error()),
		)
	}
}

// Logout evicts the session from memory and marks it blocked so it is not
// reloaded on startup. Hot keys are preserved so flags remain correct if
// the session ever returns.
func (s *Store) Logout(sid string) error {
	s.mu.Lock()
	_, already := s.blocked[sid]
	s.blocked[sid] = struct{}{}
	delete(s.cache, sid)
	s.mu.Unlock()

	if already {
		return nil
	}
	if err := s.persistMeta(); err != nil {
		return err
	}
	logger.Info(logger.Background(), "store", "session.block",
		slog.String("status", "ok"),
		slog.String("sid", sid),
	)
	return nil
}

// IsBlocked reports whether a session is in the blocked set.
func (s *Store) IsBlocked(sid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blocked[sid]
	return ok
}

// Export returns a deep copy of every loaded session.
func (s *Store) Export() map[string]map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]map[string]any, len(s.cache))
	for sid, m := range s.cache {
		kv := make(map[string]any, len(m))
		for k, v := range m {
			kv[k] = v
		}
		out[sid] = kv
	}
	return out
}

// Flush compacts the journal and persists the hot index and blocked set.
func (s *Store) Flush() error {
	if err := s.compact(); err != nil {
		return err
	}
	if err := s.persistHotIndex(); err != nil {
		return err
	}
	return s.persistMeta()
}

// Close flushes pending state and releases the journal. The store must not
// be used afterwards.
func (s *Store) Close() error {
	s.doneOnce.Do(func() { close(s.done) })
	s.wg.Wait()

	s.mu.Lock()
	if s.hotTimer != nil {
		s.hotTimer.Stop()
		s.hotTimer = nil
	}
	s.mu.Unlock()

	if err := s.Flush(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal != nil {
		if err := s.jw.Flush(); err != nil {
			return err
		}
		if err := s.journal.Close(); err != nil {
			return err
		}
		s.journal = nil
	}
	return nil
}

// restoreLocked arranges for sid to be rebuilt from disk, implicitly
// unblocking it, and returns a channel closed when the restore finishes.
// Caller must hold mu.
func (s *Store) restoreLocked(sid string) chan struct{} {
	if ch, ok := s.pendingRestores[sid]; ok {
		return ch
	}
	if _, ok := s.blocked[sid]; ok {
		delete(s.blocked, sid)
		go func() {
			if err := s.persistMeta(); err != nil {
				logger.Warn(logger.Background(), "store", "session.unblock",
					slog.String("status", "fail"),
					slog.String("sid", sid),
					slog.String("err", err.Error()),
				)
			}
		}()
		logger.Info(logger.Background(), "store", "session.unblock",
			slog.String("status", "ok"),
			slog.String("sid", sid),
		)
	}

	ch := make(chan struct{})
	s.pendingRestores[sid] = ch
	go func() {
		m := s.rebuildSession(sid)
		s.mu.Lock()
		if _, exists := s.cache[sid]; !exists {
			s.cache[sid] = m
		}
		delete(s.pendingRestores, sid)
		s.mu.Unlock()
		close(ch)
	}()
	return ch
}

func (s *Store) applyLocked(op, sid, key string, value any) {
	switch op {
	case "set":
		m, ok := s.cache[sid]
		if !ok {
			m = make(map[string]any)
			s.cache[sid] = m
		}
		m[key] = value
	case "del":
		m, ok := s.cache[sid]
		if !ok {
			return
		}
		delete(m, key)
		if len(m) == 0 {
			delete(s.cache, sid)
		}
	case "clear_session":
		delete(s.cache, sid)
	}
}

func (s *Store) scheduleHotPersistLocked() {
	s.hotDirty = true
	if s.hotTimer != nil {
		s.hotTimer.Stop()
	}
	s.hotTimer = time.AfterFunc(hotPersistDelay, func() {
		if err := s.persistHotIndex(); err != nil {
			logger.Warn(logger.Background(), "store", "hot.persist",
				slog.String("status", "fail"),
				slog.String("err", err.Error()),
			)
		}
	})
}
