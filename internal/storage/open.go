package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "notibot/pkg/logx"
)

// Store is the minimal persistence API used by the pipeline.
type Store interface {
	AppendDelivery(ctx context.Context, e JournalEntry) error
	MarkEvent(ctx context.Context, id string, until time.Time) error
	SeenEvent(ctx context.Context, id string) (bool, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
