package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/m3rciful/wagate/core/logger"
	"log/slog"
)

const maxJournalLine = 16 * 1024 * 1024

type metaDoc struct {
	Blocked []string `json:"blocked"`
}

func (s *Store) loadMeta() {
	raw, err := os.ReadFile(s.metaPath)
	if err != nil {
		return
	}
	var doc metaDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		logger.Warn(logger.Background(), "store", "meta.load",
			slog.String("status", "fail"),
			slog.String("err", err.Error()),
		)
		return
	}
	for _, sid := range doc.Blocked {
		s.blocked[sid] = struct{}{}
	}
}

func (s *Store) persistMeta() error {
	s.mu.Lock()
	doc := metaDoc{Blocked: make([]string, 0, len(s.blocked))}
	for sid := range s.blocked {
		doc.Blocked = append(doc.Blocked, sid)
	}
	s.mu.Unlock()

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	return writeFileAtomic(s.metaPath, data, 0o644, s.opts.Durable)
}

func (s *Store) loadHotIndex() {
	raw, err := os.ReadFile(s.hotPath)
	if err != nil {
		return
	}
	parsed := make(map[string]map[string]any)
	if err := json.Unmarshal(raw, &parsed); err != nil {
		logger.Warn(logger.Background(), "store", "hot.load",
			slog.String("status", "fail"),
			slog.String("err", err.Error()),
		)
		return
	}
	for sid, kv := range parsed {
		s.hot[sid] = kv
	}
}

func (s *Store) persistHotIndex() error {
	s.mu.Lock()
	if !s.hotDirty {
		s.mu.Unlock()
		return nil
	}
	obj := make(map[string]map[string]any, len(s.hot))
	for sid, kv := range s.hot {
		cp := make(map[string]any, len(kv))
		for k, v := range kv {
			cp[k] = v
		}
		obj[sid] = cp
	}
	s.mu.Unlock()

	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("marshal hot index: %w", err)
	}
	if err := writeFileAtomic(s.hotPath, data, 0o644, s.opts.Durable); err != nil {
		return err
	}

	s.mu.Lock()
	s.hotDirty = false
	s.mu.Unlock()
	return nil
}

// loadSnapshotAndReplay fills the cache from the snapshot and re-applies
// journaled operations in order. Blocked sessions stay on disk only.
func (s *Store) loadSnapshotAndReplay() error {
	if raw, err := os.ReadFile(s.snapshotPath); err == nil {
		parsed := make(map[string]map[string]any)
		if err := json.Unmarshal(raw, &parsed); err != nil {
			logger.Warn(logger.Background(), "store", "snapshot.load",
				slog.String("status", "fail"),
				slog.String("err", err.Error()),
			)
		} else {
			for sid, kv := range parsed {
				if _, isBlocked := s.blocked[sid]; isBlocked {
					continue
				}
				s.cache[sid] = kv
			}
		}
	}

	f, err := os.Open(s.journalPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat journal: %w", err)
	}
	s.journalBytes = stat.Size()

	entries := 0
	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxJournalLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var op walOp
		if err := json.Unmarshal(line, &op); err != nil {
			skipped++
			continue
		}
		if _, isBlocked := s.blocked[op.SID]; !isBlocked {
			s.applyLocked(op.Op, op.SID, op.Key, decodeValue(op.Value))
		}
		entries++
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan journal: %w", err)
	}
	s.journalEntries = entries
	if skipped > 0 {
		logger.Warn(logger.Background(), "store", "journal.replay",
			slog.String("status", "ok"),
			slog.Int("entries", entries),
			slog.Int("skipped", skipped),
		)
	}
	return nil
}

func (s *Store) openJournal() error {
	f, err := os.OpenFile(s.journalPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open journal for append: %w", err)
	}
	s.journal = f
	s.jw = bufio.NewWriter(f)
	return nil
}

// appendLocked writes one operation to the journal. During compaction the
// operation is queued instead; callers that need durability get a channel
// resolved when the queue drains. Caller must hold mu.
func (s *Store) appendLocked(op walOp, flush bool) (chan error, error) {
	if s.compacting || s.journal == nil {
		var done chan error
		if flush {
			done = make(chan error, 1)
		}
		s.writeQueue = append(s.writeQueue, queuedOp{op: op, done: done})
		return done, nil
	}

	line, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("marshal journal op: %w", err)
	}
	line = append(line, '\n')
	if _, err := s.jw.Write(line); err != nil {
		return nil, fmt.Errorf("append journal: %w", err)
	}
	s.journalEntries++
	s.journalBytes += int64(len(line))

	if flush {
		if err := s.jw.Flush(); err != nil {
			return nil, fmt.Errorf("flush journal: %w", err)
		}
		if s.opts.Durable {
			if err := s.journal.Sync(); err != nil {
				return nil, fmt.Errorf("sync journal: %w", err)
			}
		}
	}
	return nil, nil
}

// rebuildSession reads the snapshot entry for sid and re-applies its
// journal operations. Runs without the store lock.
func (s *Store) rebuildSession(sid string) map[string]any {
	m := make(map[string]any)

	if raw, err := os.ReadFile(s.snapshotPath); err == nil {
		parsed := make(map[string]map[string]any)
		if err := json.Unmarshal(raw, &parsed); err == nil {
			for k, v := range parsed[sid] {
				m[k] = v
			}
		}
	}

	f, err := os.Open(s.journalPath)
	if err != nil {
		return m
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxJournalLine)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var op walOp
		if err := json.Unmarshal(line, &op); err != nil {
			continue
		}
		if op.SID != sid {
			continue
		}
		switch op.Op {
		case "set":
			m[op.Key] = decodeValue(op.Value)
		case "del":
			delete(m, op.Key)
		case "clear_session":
			for k := range m {
				delete(m, k)
			}
		}
	}
	return m
}

func (s *Store) maybeCompact() error {
	s.mu.Lock()
	need := !s.compacting && s.journalEntries >= s.opts.JournalMaxEntries
	s.mu.Unlock()
	if !need {
		return nil
	}
	return s.compact()
}

func (s *Store) compactLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			dirty := s.journalEntries > 0
			s.mu.Unlock()
			if !dirty {
				continue
			}
			if err := s.compact(); err != nil {
				logger.Error(logger.Background(), "store", "journal.compact",
					slog.String("status", "fail"),
					slog.String("err", err.Error()),
				)
			}
		case <-s.done:
			return
		}
	}
}

// compact snapshots the in-memory state and truncates the journal. Writes
// that arrive while the snapshot is on disk queue up and are replayed into
// the fresh journal in arrival order.
func (s *Store) compact() error {
	s.mu.Lock()
	if s.compacting || s.journal == nil {
		s.mu.Unlock()
		return nil
	}
	s.compacting = true
	if err := s.jw.Flush(); err != nil {
		s.compacting = false
		s.mu.Unlock()
		return fmt.Errorf("flush before compact: %w", err)
	}
	snap := make(map[string]map[string]any, len(s.cache))
	for sid, m := range s.cache {
		kv := make(map[string]any, len(m))
		for k, v := range m {
			kv[k] = v
		}
		snap[sid] = kv
	}
	entriesBefore := s.journalEntries
	s.mu.Unlock()

	start := time.Now()
	data, err := json.Marshal(snap)
	if err == nil {
		err = writeFileAtomic(s.snapshotPath, data, 0o644, s.opts.Durable)
	}

	s.mu.Lock()
	defer func() {
		s.compacting = false
		s.mu.Unlock()
	}()

	if err != nil {
		// keep the journal intact; queued writes go into it as usual
		s.drainQueueLocked(nil)
		return fmt.Errorf("write snapshot: %w", err)
	}

	if cerr := s.journal.Close(); cerr != nil {
		logger.Warn(logger.Background(), "store", "journal.compact",
			slog.String("status", "fail"),
			slog.String("reason", "close_old"),
			slog.String("err", cerr.Error()),
		)
	}
	f, ferr := os.OpenFile(s.journalPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY|os.O_APPEND, 0o644)
	if ferr != nil {
		s.journal = nil
		s.drainQueueLocked(ferr)
		return fmt.Errorf("recreate journal: %w", ferr)
	}
	s.journal = f
	s.jw = bufio.NewWriter(f)
	s.journalEntries = 0
	s.journalBytes = 0

	s.drainQueueLocked(nil)

	logger.Info(logger.Background(), "store", "journal.compact",
		slog.String("status", "ok"),
		slog.Int("entries", entriesBefore),
		slog.Int("count", len(snap)),
		slog.Duration("duration", logger.RoundMS(time.Since(start))),
	)
	return nil
}

// drainQueueLocked replays queued operations into the current journal in
// arrival order. With failErr set the waiters are failed instead.
func (s *Store) drainQueueLocked(failErr error) {
	queue := s.writeQueue
	s.writeQueue = nil
	for _, q := range queue {
		if failErr != nil || s.journal == nil {
			err := failErr
			if err == nil {
				err = fmt.Errorf("journal unavailable")
			}
			if q.done != nil {
				q.done <- err
			}
			continue
		}
		line, err := json.Marshal(q.op)
		if err == nil {
			line = append(line, '\n')
			_, err = s.jw.Write(line)
		}
		if err == nil {
			s.journalEntries++
			s.journalBytes += int64(len(line))
			err = s.jw.Flush()
		}
		if err == nil && s.opts.Durable {
			err = s.journal.Sync()
		}
		if q.done != nil {
			q.done <- err
		}
	}
}

func decodeValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// writeFileAtomic writes data to a temp file and renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode, durable bool) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return fmt.Errorf("open %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if durable {
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("sync %s: %w", tmp, err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}
