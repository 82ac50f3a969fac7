package config

import (
	"reflect"
	"testing"
)

func TestSummarizeConfigChangeSections(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{
		Telegram: TelegramConfig{Token: "a", OperatorChatID: 1},
		Queue:    QueueConfig{RatePerSec: 10},
		Logging:  LoggingConfig{Level: "info", Console: true},
	}
	newCfg := &Config{
		Telegram: TelegramConfig{Token: "a", OperatorChatID: 2},
		Queue:    QueueConfig{RatePerSec: 25},
		Logging:  LoggingConfig{Level: "debug", Console: true},
		Storage:  &StorageConfig{Driver: "file", Path: "./store"},
	}

	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"logging", "queue", "storage", "telegram"}
	if !reflect.DeepEqual(sections, want) {
		t.Fatalf("sections = %v, want %v", sections, want)
	}
	if len(attrs) == 0 {
		t.Fatal("expected structured attrs for changed sections")
	}
}

func TestSummarizeConfigChangeNoChanges(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Telegram: TelegramConfig{Token: "a"},
		Bus:      BusConfig{Channels: []string{"x"}, Dedup: true},
	}
	copyCfg := *cfg
	sections, attrs := SummarizeConfigChange(cfg, &copyCfg)
	if len(sections) != 0 || len(attrs) != 0 {
		t.Fatalf("sections = %v, attrs = %d, want none", sections, len(attrs))
	}
}

func TestSummarizeConfigChangeNilSafe(t *testing.T) {
	t.Parallel()

	sections, _ := SummarizeConfigChange(nil, &Config{Queue: QueueConfig{RatePerSec: 1}})
	found := false
	for _, s := range sections {
		if s == "queue" {
			found = true
		}
	}
	if !found {
		t.Fatalf("sections = %v, want queue included", sections)
	}
}
