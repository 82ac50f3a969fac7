package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "notibot/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{"", "none", " None "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("driver %q: %v", driver, err)
		}
		if st != nil {
			t.Fatalf("driver %q: expected nil store", driver)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "bolt", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestFileStoreDeliveryAndEvents(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "store")}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()

	err = st.AppendDelivery(ctx, JournalEntry{
		UserID:  7,
		Outcome: "sent",
		TookMS:  12,
	})
	if err != nil {
		t.Fatalf("append delivery: %v", err)
	}

	if err := st.MarkEvent(ctx, "evt-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("mark event: %v", err)
	}
	seen, err := st.SeenEvent(ctx, "evt-1")
	if err != nil {
		t.Fatalf("seen event: %v", err)
	}
	if !seen {
		t.Fatal("evt-1 should be seen")
	}
	seen, err = st.SeenEvent(ctx, "evt-2")
	if err != nil {
		t.Fatalf("seen event: %v", err)
	}
	if seen {
		t.Fatal("evt-2 should not be seen")
	}

	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopen and verify the event journal was replayed.
	st2, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()
	seen, err = st2.SeenEvent(ctx, "evt-1")
	if err != nil {
		t.Fatalf("seen after reopen: %v", err)
	}
	if !seen {
		t.Fatal("evt-1 should survive reopen")
	}
}

func TestFileStoreExpiredEventNotSeen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "store")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.MarkEvent(ctx, "old", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("mark event: %v", err)
	}
	seen, err := st.SeenEvent(ctx, "old")
	if err != nil {
		t.Fatalf("seen event: %v", err)
	}
	if seen {
		t.Fatal("expired event must not count as seen")
	}
}

func TestFileStoreEmptyIDIgnored(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "store")}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	if err := st.MarkEvent(ctx, "  ", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("mark event: %v", err)
	}
	seen, err := st.SeenEvent(ctx, "")
	if err != nil || seen {
		t.Fatalf("empty id: seen=%v err=%v", seen, err)
	}
}
