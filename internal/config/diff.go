package config

import (
	logx "notibot/pkg/logx"
	"reflect"
	"sort"
	"strings"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like the bot
// token or the redis password).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Telegram (never log token)
	if oldCfg.Telegram.OperatorChatID != newCfg.Telegram.OperatorChatID ||
		strings.TrimSpace(oldCfg.Telegram.ParseMode) != strings.TrimSpace(newCfg.Telegram.ParseMode) ||
		(strings.TrimSpace(oldCfg.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Telegram.Token) != "") {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Bool("telegram.operator_set", newCfg.Telegram.OperatorChatID != 0),
			logx.String("telegram.parse_mode", strings.TrimSpace(newCfg.Telegram.ParseMode)),
		)
	}

	// Redis (never log password)
	if strings.TrimSpace(oldCfg.Redis.Addr) != strings.TrimSpace(newCfg.Redis.Addr) ||
		oldCfg.Redis.DB != newCfg.Redis.DB ||
		(strings.TrimSpace(oldCfg.Redis.Password) != "") != (strings.TrimSpace(newCfg.Redis.Password) != "") {
		changed = append(changed, "redis")
		attrs = append(attrs,
			logx.String("redis.addr", strings.TrimSpace(newCfg.Redis.Addr)),
			logx.Int("redis.db", newCfg.Redis.DB),
			logx.Bool("redis.password_set", strings.TrimSpace(newCfg.Redis.Password) != ""),
		)
	}

	// Bus
	if !reflect.DeepEqual(oldCfg.Bus.Channels, newCfg.Bus.Channels) ||
		strings.TrimSpace(oldCfg.Bus.ReportsChannel) != strings.TrimSpace(newCfg.Bus.ReportsChannel) ||
		oldCfg.Bus.Dedup != newCfg.Bus.Dedup ||
		strings.TrimSpace(oldCfg.Bus.ReconnectDelay) != strings.TrimSpace(newCfg.Bus.ReconnectDelay) {
		changed = append(changed, "bus")
		attrs = append(attrs,
			logx.Int("bus.channel_count", len(newCfg.Bus.Channels)),
			logx.Bool("bus.dedup", newCfg.Bus.Dedup),
			logx.String("bus.reconnect_delay", strings.TrimSpace(newCfg.Bus.ReconnectDelay)),
		)
	}

	// Queue
	if oldCfg.Queue != newCfg.Queue {
		changed = append(changed, "queue")
		attrs = append(attrs,
			logx.Int("queue.rate_per_sec", newCfg.Queue.RatePerSec),
			logx.Int("queue.queue_size", newCfg.Queue.QueueSize),
			logx.Bool("queue.journal", newCfg.Queue.Journal),
		)
	}

	// Topics
	if !reflect.DeepEqual(oldCfg.Topics.Sections, newCfg.Topics.Sections) {
		changed = append(changed, "topics")
		attrs = append(attrs, logx.Int("topics.section_count", len(newCfg.Topics.Sections)))
	}

	// Reports
	if strings.TrimSpace(oldCfg.Reports.AggregationTimeout) != strings.TrimSpace(newCfg.Reports.AggregationTimeout) ||
		!reflect.DeepEqual(oldCfg.Reports.Producers, newCfg.Reports.Producers) ||
		!reflect.DeepEqual(oldCfg.Reports.MonthlyStats, newCfg.Reports.MonthlyStats) {
		changed = append(changed, "reports")
		attrs = append(attrs,
			logx.String("reports.aggregation_timeout", strings.TrimSpace(newCfg.Reports.AggregationTimeout)),
			logx.Int("reports.producer_count", len(newCfg.Reports.Producers)),
		)
	}

	// Schedules
	if !reflect.DeepEqual(oldCfg.Schedules, newCfg.Schedules) {
		changed = append(changed, "schedules")
		attrs = append(attrs,
			logx.Bool("schedules.enabled", newCfg.Schedules.Enabled),
			logx.String("schedules.timezone", strings.TrimSpace(newCfg.Schedules.Timezone)),
			logx.String("schedules.fanout_mode", strings.TrimSpace(newCfg.Schedules.FanoutMode)),
		)
	}

	// Reporter
	if strings.TrimSpace(oldCfg.Reporter.Cooldown) != strings.TrimSpace(newCfg.Reporter.Cooldown) {
		changed = append(changed, "reporter")
		attrs = append(attrs, logx.String("reporter.cooldown", strings.TrimSpace(newCfg.Reporter.Cooldown)))
	}

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage (nil means disabled)
	oldS := oldCfg.Storage
	newS := newCfg.Storage
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	if oldS != nil {
		oDriver = strings.TrimSpace(oldS.Driver)
		oBusy = strings.TrimSpace(oldS.BusyTimeout)
		oPathSet = strings.TrimSpace(oldS.Path) != ""
	}
	if newS != nil {
		nDriver = strings.TrimSpace(newS.Driver)
		nBusy = strings.TrimSpace(newS.BusyTimeout)
		nPathSet = strings.TrimSpace(newS.Path) != ""
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
