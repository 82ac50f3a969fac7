package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// JournalEntry records one terminal delivery outcome.
// Keep it compact and schema-stable.
type JournalEntry struct {
	At       time.Time
	UserID   int64
	ThreadID int
	Outcome  string // "sent", "failed", "blocked"
	Error    string
	Retries  int
	TookMS   int64
}
