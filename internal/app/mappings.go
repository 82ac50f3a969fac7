package app

import (
	"fmt"
	"strings"
	"time"

	"notibot/internal/bus"
	"notibot/internal/config"
	"notibot/internal/producers"
	"notibot/internal/queue"
	"notibot/internal/reporter"
	"notibot/internal/reports"
	"notibot/internal/scheduler"
	"notibot/internal/storage"
	"notibot/internal/subscriber"
	"notibot/internal/topics"
	logx "notibot/pkg/logx"

	"github.com/robfig/cron/v3"
)

// The map* helpers translate the file config into per-component configs.
// They parse and bounds-check everything, so the validator can reuse them
// to reject a bad hot-reload before it is committed.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapQueueConfig(cfg *config.Config) queue.Config {
	return queue.Config{
		RatePerSec: cfg.Queue.RatePerSec,
		QueueSize:  cfg.Queue.QueueSize,
		Journal:    cfg.Queue.Journal,
	}
}

func mapSubscriberConfig(cfg *config.Config) (subscriber.Config, error) {
	delay, err := config.ParseDurationField("bus.reconnect_delay", cfg.Bus.ReconnectDelay)
	if err != nil {
		return subscriber.Config{}, err
	}
	channels := cfg.Bus.Channels
	if len(channels) == 0 {
		channels = bus.DefaultChannels()
	}
	return subscriber.Config{
		Channels:       channels,
		ReconnectDelay: delay,
		Dedup:          cfg.Bus.Dedup,
	}, nil
}

func mapAggregatorConfig(cfg *config.Config) (reports.Config, error) {
	timeout, err := config.ParseDurationField("reports.aggregation_timeout", cfg.Reports.AggregationTimeout)
	if err != nil {
		return reports.Config{}, err
	}
	return reports.Config{Timeout: timeout, Producers: aggProducers(cfg)}, nil
}

// aggProducers fixes the producer priority order used for combined reports.
// Falls back to the platform pair when the config names none.
func aggProducers(cfg *config.Config) []reports.Producer {
	if len(cfg.Reports.Producers) == 0 {
		return []reports.Producer{
			{Name: "impulse", Label: "Impulses"},
			{Name: "activity", Label: "Activity"},
		}
	}
	out := make([]reports.Producer, 0, len(cfg.Reports.Producers))
	for _, p := range cfg.Reports.Producers {
		out = append(out, reports.Producer{Name: p.Name, Label: p.Label})
	}
	return out
}

func mapReporterConfig(cfg *config.Config) (reporter.Config, error) {
	cooldown, err := config.ParseDurationField("reporter.cooldown", cfg.Reporter.Cooldown)
	if err != nil {
		return reporter.Config{}, err
	}
	return reporter.Config{
		OperatorChatID: cfg.Telegram.OperatorChatID,
		Cooldown:       cooldown,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		Enabled:       cfg.Schedules.Enabled,
		Timezone:      cfg.Schedules.Timezone,
		Morning:       cfg.Schedules.Morning,
		Evening:       cfg.Schedules.Evening,
		Weekly:        cfg.Schedules.Weekly,
		Monthly:       cfg.Schedules.Monthly,
		FanoutMode:    cfg.Schedules.FanoutMode,
		FanoutChannel: cfg.Bus.ReportsChannel,
	}
}

// mapProducerConfigs keeps only entries with a base URL: a producer without
// one still takes part in aggregation ordering but has no report API to call.
func mapProducerConfigs(cfg *config.Config) ([]producers.Config, error) {
	out := make([]producers.Config, 0, len(cfg.Reports.Producers))
	for i, p := range cfg.Reports.Producers {
		timeout, err := config.ParseDurationField(fmt.Sprintf("reports.producers[%d].timeout", i), p.Timeout)
		if err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.BaseURL) == "" {
			continue
		}
		out = append(out, producers.Config{
			Name:    p.Name,
			Label:   p.Label,
			BaseURL: p.BaseURL,
			Timeout: timeout,
		})
	}
	return out, nil
}

func mapStatsConfig(cfg *config.Config) (producers.Config, bool, error) {
	ms := cfg.Reports.MonthlyStats
	if ms == nil || strings.TrimSpace(ms.BaseURL) == "" {
		return producers.Config{}, false, nil
	}
	timeout, err := config.ParseDurationField("reports.monthly_stats.timeout", ms.Timeout)
	if err != nil {
		return producers.Config{}, false, err
	}
	name := ms.Name
	if name == "" {
		name = "stats"
	}
	return producers.Config{
		Name:    name,
		Label:   ms.Label,
		BaseURL: ms.BaseURL,
		Timeout: timeout,
	}, true, nil
}

func mapSections(cfg *config.Config) []topics.Section {
	out := make([]topics.Section, 0, len(cfg.Topics.Sections))
	for _, s := range cfg.Topics.Sections {
		out = append(out, topics.Section{Key: s.Key, Name: s.Name, IconColor: s.IconColor})
	}
	// Empty means the directory's default section set.
	return out
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.TrimSpace(sc.Driver)
	if driver == "" || strings.EqualFold(driver, "none") {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	dl := strings.ToLower(driver)
	switch dl {
	case "file":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 1*time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", driver)
	}
}

// parseMode returns the outbound default parse mode ("HTML" unless overridden).
func parseMode(cfg *config.Config) string {
	if m := strings.TrimSpace(cfg.Telegram.ParseMode); m != "" {
		return m
	}
	return "HTML"
}

// validateConfig is the transactional gate for Load and hot reload: a config
// that fails here is never committed or published.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if cfg.Queue.RatePerSec < 0 {
		return fmt.Errorf("queue.rate_per_sec must be >= 0")
	}
	if cfg.Queue.QueueSize < 0 {
		return fmt.Errorf("queue.queue_size must be >= 0")
	}
	for i, s := range cfg.Topics.Sections {
		if strings.TrimSpace(s.Key) == "" || strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("topics.sections[%d]: key and name are required", i)
		}
	}
	for i, p := range cfg.Reports.Producers {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("reports.producers[%d].name is required", i)
		}
	}

	if _, err := mapSubscriberConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAggregatorConfig(cfg); err != nil {
		return err
	}
	if _, err := mapReporterConfig(cfg); err != nil {
		return err
	}
	if _, err := mapProducerConfigs(cfg); err != nil {
		return err
	}
	if _, _, err := mapStatsConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}

	if tz := strings.TrimSpace(cfg.Schedules.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("schedules.timezone: invalid %q: %w", tz, err)
		}
	}
	for _, def := range []struct{ key, spec string }{
		{"schedules.morning", cfg.Schedules.Morning},
		{"schedules.evening", cfg.Schedules.Evening},
		{"schedules.weekly", cfg.Schedules.Weekly},
		{"schedules.monthly", cfg.Schedules.Monthly},
	} {
		spec := strings.TrimSpace(def.spec)
		if spec == "" || strings.EqualFold(spec, "off") {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s: invalid cron spec %q: %w", def.key, spec, err)
		}
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Schedules.FanoutMode)) {
	case "", scheduler.FanoutDirect, scheduler.FanoutBus:
	default:
		return fmt.Errorf("schedules.fanout_mode: unknown mode %q", cfg.Schedules.FanoutMode)
	}
	return nil
}
