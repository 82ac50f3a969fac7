package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalJSON = `{
  "telegram": {"token": "tok", "operator_chat_id": 99},
  "redis": {"addr": "localhost:6379"},
  "queue": {"rate_per_sec": 10, "journal": true},
  "logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}}
}`

func TestLoadStrictJSON(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, t.TempDir(), "config.json", minimalJSON)
	m := NewConfigManager(path)

	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "tok" || cfg.Telegram.OperatorChatID != 99 {
		t.Fatalf("telegram = %+v", cfg.Telegram)
	}
	if cfg.Queue.RatePerSec != 10 || !cfg.Queue.Journal {
		t.Fatalf("queue = %+v", cfg.Queue)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, t.TempDir(), "config.json",
		`{"telegram": {"token": "tok"}, "shceduler": {"enabled": true}}`)
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("expected error for unknown top-level field")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, t.TempDir(), "config.json", `{"telegram": {"token": "a"}} {"x": 1}`)
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestParseYAMLCoercion(t *testing.T) {
	t.Parallel()

	const yml = `
telegram:
  token: tok
  operator_chat_id: 42
redis:
  addr: localhost:6379
  db: 2
bus:
  channels: ["impulse:notifications", "impulse:errors"]
  dedup: true
queue:
  rate_per_sec: 5
schedules:
  enabled: true
  timezone: UTC
  morning: "0 8 * * *"
`
	path := writeConfig(t, t.TempDir(), "config.yaml", yml)
	cfg, err := NewConfigManager(path).Parse()
	if err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	if cfg.Telegram.OperatorChatID != 42 || cfg.Redis.DB != 2 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.Bus.Channels) != 2 || cfg.Bus.Channels[1] != "impulse:errors" {
		t.Fatalf("channels = %v", cfg.Bus.Channels)
	}
	if !cfg.Schedules.Enabled || cfg.Schedules.Morning != "0 8 * * *" {
		t.Fatalf("schedules = %+v", cfg.Schedules)
	}
}

func TestParseYAMLUnknownFieldRejected(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, t.TempDir(), "config.yml", "telegram:\n  token: a\n  owner: 5\n")
	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("yaml path must keep strict decoding")
	}
}

func TestPublishDropsOldestForSlowSubscriber(t *testing.T) {
	t.Parallel()

	m := NewConfigManager("unused")
	ch := m.Subscribe(1)

	first := &Config{Queue: QueueConfig{RatePerSec: 1}}
	second := &Config{Queue: QueueConfig{RatePerSec: 2}}
	m.publish(first)
	m.publish(second)

	select {
	case got := <-ch:
		if got != second {
			t.Fatalf("got rate %d, want the newest config", got.Queue.RatePerSec)
		}
	default:
		t.Fatal("expected a pending config")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("unsubscribe should close the channel")
	}
}

func TestHashDetectsContentChange(t *testing.T) {
	t.Parallel()

	a := &Config{Queue: QueueConfig{RatePerSec: 10}}
	b := &Config{Queue: QueueConfig{RatePerSec: 10}}
	c := &Config{Queue: QueueConfig{RatePerSec: 11}}

	if hashConfig(a) != hashConfig(b) {
		t.Fatal("equal configs must hash equal")
	}
	if hashConfig(a) == hashConfig(c) {
		t.Fatal("different configs must hash differently")
	}
	if hashConfig(nil) != 0 {
		t.Fatal("nil config hashes to 0")
	}
}

func TestWatchPublishesValidatedReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeConfig(t, dir, "config.json", minimalJSON)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	validated := make(chan struct{}, 4)
	m.SetValidator(func(context.Context, *Config) error {
		validated <- struct{}{}
		return nil
	})
	ch := m.Subscribe(4)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchDone := make(chan error, 1)
	go func() { watchDone <- m.Watch(ctx) }()

	// Give the watcher a moment to attach before mutating the file.
	time.Sleep(300 * time.Millisecond)
	writeConfig(t, dir, "config.json",
		`{"telegram": {"token": "tok"}, "queue": {"rate_per_sec": 20}}`)

	select {
	case got := <-ch:
		if got.Queue.RatePerSec != 20 {
			t.Fatalf("reloaded rate = %d, want 20", got.Queue.RatePerSec)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload publish")
	}
	select {
	case <-validated:
	default:
		t.Fatal("validator was not consulted")
	}
	if got := m.Get().Queue.RatePerSec; got != 20 {
		t.Fatalf("committed rate = %d, want 20", got)
	}

	cancel()
	select {
	case err := <-watchDone:
		if err != nil {
			t.Fatalf("watch returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watch did not stop on cancel")
	}
}

func TestWatchRejectedConfigNotCommitted(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := writeConfig(t, dir, "config.json", minimalJSON)
	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	rejected := make(chan struct{}, 4)
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Queue.RatePerSec < 0 {
			rejected <- struct{}{}
			return errors.New("rate must be >= 0")
		}
		return nil
	})
	ch := m.Subscribe(4)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	time.Sleep(300 * time.Millisecond)
	writeConfig(t, dir, "config.json",
		`{"telegram": {"token": "tok"}, "queue": {"rate_per_sec": -5}}`)

	select {
	case <-rejected:
	case <-time.After(5 * time.Second):
		t.Fatal("validator never saw the bad config")
	}

	// The rejected config must be neither committed nor published.
	select {
	case got := <-ch:
		t.Fatalf("rejected config published: %+v", got.Queue)
	case <-time.After(500 * time.Millisecond):
	}
	if got := m.Get().Queue.RatePerSec; got != 10 {
		t.Fatalf("committed rate = %d, want the previous 10", got)
	}
}
