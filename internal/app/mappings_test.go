package app

import (
	"strings"
	"testing"
	"time"

	"notibot/internal/bus"
	"notibot/internal/config"
)

func validConfig() *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{Token: "tok", OperatorChatID: 9},
		Redis:    config.RedisConfig{Addr: "localhost:6379"},
	}
}

func TestValidateConfigMinimal(t *testing.T) {
	t.Parallel()

	if err := validateConfig(validConfig()); err != nil {
		t.Fatalf("minimal config rejected: %v", err)
	}
	if err := validateConfig(nil); err == nil {
		t.Fatal("nil config accepted")
	}
}

func TestValidateConfigRequiredFields(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"missing token", func(c *config.Config) { c.Telegram.Token = " " }},
		{"missing redis addr", func(c *config.Config) { c.Redis.Addr = "" }},
		{"negative rate", func(c *config.Config) { c.Queue.RatePerSec = -1 }},
		{"negative queue size", func(c *config.Config) { c.Queue.QueueSize = -1 }},
		{"section without key", func(c *config.Config) {
			c.Topics.Sections = []config.SectionConfig{{Key: "", Name: "X"}}
		}},
		{"producer without name", func(c *config.Config) {
			c.Reports.Producers = []config.ProducerConfig{{BaseURL: "http://x"}}
		}},
		{"bad reconnect delay", func(c *config.Config) { c.Bus.ReconnectDelay = "later" }},
		{"bad aggregation timeout", func(c *config.Config) { c.Reports.AggregationTimeout = "-1s" }},
		{"bad cooldown", func(c *config.Config) { c.Reporter.Cooldown = "60" }},
		{"bad timezone", func(c *config.Config) { c.Schedules.Timezone = "Mars/Olympus" }},
		{"bad cron", func(c *config.Config) { c.Schedules.Morning = "8 o'clock" }},
		{"bad fanout mode", func(c *config.Config) { c.Schedules.FanoutMode = "carrier-pigeon" }},
		{"bad storage driver", func(c *config.Config) {
			c.Storage = &config.StorageConfig{Driver: "bolt", Path: "x"}
		}},
	}
	for _, tc := range cases {
		cfg := validConfig()
		tc.mutate(cfg)
		if err := validateConfig(cfg); err == nil {
			t.Errorf("%s: accepted", tc.name)
		}
	}
}

func TestValidateConfigCronOffAndEmpty(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Schedules.Morning = "off"
	cfg.Schedules.Evening = ""
	cfg.Schedules.Weekly = "0 9 * * 1"
	if err := validateConfig(cfg); err != nil {
		t.Fatalf("off/empty cadences rejected: %v", err)
	}
}

func TestMapSubscriberConfigDefaults(t *testing.T) {
	t.Parallel()

	got, err := mapSubscriberConfig(validConfig())
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if len(got.Channels) != len(bus.DefaultChannels()) {
		t.Fatalf("channels = %v, want defaults", got.Channels)
	}

	cfg := validConfig()
	cfg.Bus.Channels = []string{"only:this"}
	cfg.Bus.ReconnectDelay = "2s"
	cfg.Bus.Dedup = true
	got, err = mapSubscriberConfig(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if len(got.Channels) != 1 || got.Channels[0] != "only:this" {
		t.Fatalf("channels = %v", got.Channels)
	}
	if got.ReconnectDelay != 2*time.Second || !got.Dedup {
		t.Fatalf("cfg = %+v", got)
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()

	if _, enabled, err := mapStorageConfig(validConfig()); err != nil || enabled {
		t.Fatalf("nil storage: enabled=%v err=%v", enabled, err)
	}

	cfg := validConfig()
	cfg.Storage = &config.StorageConfig{Driver: " None "}
	if _, enabled, err := mapStorageConfig(cfg); err != nil || enabled {
		t.Fatalf("driver none: enabled=%v err=%v", enabled, err)
	}

	cfg.Storage = &config.StorageConfig{Driver: "file"}
	if _, _, err := mapStorageConfig(cfg); err == nil {
		t.Fatal("file driver without path accepted")
	}

	cfg.Storage = &config.StorageConfig{Driver: "SQLite3", Path: "./db", BusyTimeout: "3s"}
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil || !enabled {
		t.Fatalf("sqlite: enabled=%v err=%v", enabled, err)
	}
	if sc.Driver != "sqlite" || sc.BusyTimeout != 3*time.Second {
		t.Fatalf("sc = %+v", sc)
	}
}

func TestAggProducersFallback(t *testing.T) {
	t.Parallel()

	got := aggProducers(validConfig())
	if len(got) != 2 || got[0].Name != "impulse" || got[1].Name != "activity" {
		t.Fatalf("default producers = %+v", got)
	}

	cfg := validConfig()
	cfg.Reports.Producers = []config.ProducerConfig{
		{Name: "alpha", Label: "Alpha"},
		{Name: "beta", Label: "Beta"},
		{Name: "gamma", Label: "Gamma"},
	}
	got = aggProducers(cfg)
	if len(got) != 3 || got[2].Name != "gamma" || got[2].Label != "Gamma" {
		t.Fatalf("mapped producers = %+v", got)
	}
}

func TestMapProducerConfigsSkipsEntriesWithoutURL(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Reports.Producers = []config.ProducerConfig{
		{Name: "impulse", Label: "Impulses", BaseURL: "http://impulse:8080", Timeout: "10s"},
		{Name: "activity", Label: "Activity"},
	}
	got, err := mapProducerConfigs(cfg)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if len(got) != 1 || got[0].Name != "impulse" || got[0].Timeout != 10*time.Second {
		t.Fatalf("clients = %+v", got)
	}
}

func TestMapStatsConfig(t *testing.T) {
	t.Parallel()

	if _, ok, err := mapStatsConfig(validConfig()); err != nil || ok {
		t.Fatalf("absent stats: ok=%v err=%v", ok, err)
	}

	cfg := validConfig()
	cfg.Reports.MonthlyStats = &config.ProducerConfig{BaseURL: "http://impulse:8080"}
	sc, ok, err := mapStatsConfig(cfg)
	if err != nil || !ok {
		t.Fatalf("stats: ok=%v err=%v", ok, err)
	}
	if sc.Name != "stats" {
		t.Fatalf("default name = %q", sc.Name)
	}
}

func TestMapSchedulerConfigFanoutChannel(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Schedules = config.SchedulesConfig{Enabled: true, FanoutMode: "bus"}
	cfg.Bus.ReportsChannel = "reports:out"
	got := mapSchedulerConfig(cfg)
	if !got.Enabled || got.FanoutMode != "bus" || got.FanoutChannel != "reports:out" {
		t.Fatalf("cfg = %+v", got)
	}
}

func TestParseModeDefault(t *testing.T) {
	t.Parallel()

	if got := parseMode(validConfig()); got != "HTML" {
		t.Fatalf("default parse mode = %q", got)
	}
	cfg := validConfig()
	cfg.Telegram.ParseMode = "  MarkdownV2  "
	if got := parseMode(cfg); got != "MarkdownV2" {
		t.Fatalf("parse mode = %q", got)
	}
}

func TestMapSectionsPassthrough(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Topics.Sections = []config.SectionConfig{{Key: "deals", Name: "Deals", IconColor: 0xABCDEF}}
	got := mapSections(cfg)
	if len(got) != 1 || got[0].Key != "deals" || got[0].IconColor != 0xABCDEF {
		t.Fatalf("sections = %+v", got)
	}
	if got := mapSections(validConfig()); len(got) != 0 {
		t.Fatalf("expected empty slice for defaulting, got %+v", got)
	}
}

func TestValidateConfigErrorNamesField(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Schedules.Weekly = "* * *"
	err := validateConfig(cfg)
	if err == nil || !strings.Contains(err.Error(), "schedules.weekly") {
		t.Fatalf("err = %v, want field path in message", err)
	}
}
