package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "notibot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.deliveries.jsonl        (append-only JSON Lines)
//   - <prefix>.events.snapshot.json     (periodic snapshot)
//   - <prefix>.events.journal.jsonl     (append-only journal)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	deliveryFile *os.File

	eventSnapshotPath string
	eventJournalFile  *os.File
	events            map[string]int64 // unix milli

	eventWrites int
}

type eventRecord struct {
	ID    string `json:"id"`
	Until int64  `json:"until"`
}

type deliveryRecord struct {
	At       string `json:"at"`
	UserID   int64  `json:"user_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	Outcome  string `json:"outcome"`
	Error    string `json:"error,omitempty"`
	Retries  int    `json:"retries,omitempty"`
	TookMS   int64  `json:"took_ms,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	deliveryPath := prefix + ".deliveries.jsonl"
	snapPath := prefix + ".events.snapshot.json"
	journalPath := prefix + ".events.journal.jsonl"

	df, err := os.OpenFile(deliveryPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	// Load event ids from snapshot + journal.
	events := map[string]int64{}
	_ = loadEventSnapshot(snapPath, events)
	_ = replayEventJournal(journalPath, events)
	pruneExpiredEvents(events)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = df.Close()
		return nil, err
	}

	return &fileStore{
		log:               log,
		deliveryFile:      df,
		eventSnapshotPath: snapPath,
		eventJournalFile:  jf,
		events:            events,
		eventWrites:       0,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.deliveryFile != nil {
		err1 = s.deliveryFile.Close()
		s.deliveryFile = nil
	}
	if s.eventJournalFile != nil {
		err2 = s.eventJournalFile.Close()
		s.eventJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendDelivery(ctx context.Context, e JournalEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	rec := deliveryRecord{
		At:       e.At.Format(time.RFC3339Nano),
		UserID:   e.UserID,
		ThreadID: e.ThreadID,
		Outcome:  e.Outcome,
		Error:    e.Error,
		Retries:  e.Retries,
		TookMS:   e.TookMS,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveryFile == nil {
		return errors.New("delivery journal closed")
	}
	return json.NewEncoder(s.deliveryFile).Encode(rec)
}

func (s *fileStore) MarkEvent(ctx context.Context, id string, until time.Time) error {
	_ = ctx
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eventJournalFile == nil {
		return errors.New("event journal closed")
	}
	if s.events == nil {
		s.events = map[string]int64{}
	}
	s.events[id] = ms

	// Append journal record.
	enc := json.NewEncoder(s.eventJournalFile)
	if err := enc.Encode(eventRecord{ID: id, Until: ms}); err != nil {
		return err
	}
	s.eventWrites++
	if s.eventWrites%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("event compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) SeenEvent(ctx context.Context, id string) (bool, error) {
	_ = ctx
	id = strings.TrimSpace(id)
	if id == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		return false, nil
	}
	ms, ok := s.events[id]
	if !ok {
		return false, nil
	}
	return ms >= time.Now().UnixMilli(), nil
}

func (s *fileStore) compactLocked() error {
	if s.events == nil {
		return nil
	}
	pruneExpiredEvents(s.events)

	tmp := s.eventSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.events); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.eventSnapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.eventJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.eventJournalFile.Seek(0, io.SeekEnd)
	return err
}

func loadEventSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayEventJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var r eventRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			continue
		}
		if r.ID == "" {
			continue
		}
		out[r.ID] = r.Until
	}
	return s.Err()
}

func pruneExpiredEvents(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}
