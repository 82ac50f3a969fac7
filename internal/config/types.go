package config

type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Redis     RedisConfig     `json:"redis"`
	Bus       BusConfig       `json:"bus"`
	Queue     QueueConfig     `json:"queue"`
	Topics    TopicsConfig    `json:"topics"`
	Reports   ReportsConfig   `json:"reports"`
	Schedules SchedulesConfig `json:"schedules"`
	Reporter  ReporterConfig  `json:"reporter"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// OperatorChatID receives service-error reports and startup/shutdown notices.
	OperatorChatID int64 `json:"operator_chat_id"`
	// ParseMode applies to every outbound message ("HTML" by default).
	ParseMode string `json:"parse_mode,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

// BusConfig controls the pub/sub side of the pipeline.
//
// Channels defaults to the three platform channels when omitted.
// ReportsChannel is where the batch scheduler fans out per-user report events
// when fanout_mode is "bus".
type BusConfig struct {
	Channels       []string `json:"channels,omitempty"`
	ReportsChannel string   `json:"reports_channel,omitempty"`
	// Dedup suppresses exact duplicate event ids within the storage-backed
	// window. Only effective when storage is enabled.
	Dedup bool `json:"dedup,omitempty"`
	// ReconnectDelay is a Go duration string (default "5s").
	ReconnectDelay string `json:"reconnect_delay,omitempty"`
}

// QueueConfig controls the delivery queue.
//
// All durations are Go duration strings.
type QueueConfig struct {
	// RatePerSec is the outbound send ceiling (default 25).
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// QueueSize bounds the intake buffer (default 8192); a full queue drops
	// new messages instead of blocking producers.
	QueueSize int `json:"queue_size,omitempty"`
	// Journal appends terminal delivery outcomes to storage when enabled.
	Journal bool `json:"journal,omitempty"`
}

type TopicsConfig struct {
	// Sections to ensure per user, in creation order.
	// Defaults to impulses/bablo/reports when omitted.
	Sections []SectionConfig `json:"sections,omitempty"`
}

// SectionConfig names one per-user chat sub-thread.
//
// IconColor is the transport's topic icon color (RGB int); zero lets the
// transport pick.
type SectionConfig struct {
	Key       string `json:"key"`
	Name      string `json:"name"`
	IconColor int    `json:"icon_color,omitempty"`
}

// ReportsConfig controls report aggregation and the producer services.
type ReportsConfig struct {
	// AggregationTimeout bounds how long a partial aggregate waits for the
	// remaining producer parts (Go duration string, default "5s").
	AggregationTimeout string `json:"aggregation_timeout,omitempty"`
	// Producers in fixed priority order; combined messages concatenate
	// sections in this order.
	Producers []ProducerConfig `json:"producers,omitempty"`
	// MonthlyStats, when set, appends a previous-month performance section
	// to monthly reports, fetched from this service.
	MonthlyStats *ProducerConfig `json:"monthly_stats,omitempty"`
}

type ProducerConfig struct {
	Name    string `json:"name"`
	Label   string `json:"label"`
	BaseURL string `json:"base_url"`
	// Timeout is a Go duration string (default "30s").
	Timeout string `json:"timeout,omitempty"`
}

// SchedulesConfig holds cron expressions (standard 5-field specs) for the
// periodic report runs plus their timezone.
type SchedulesConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`
	Morning  string `json:"morning,omitempty"`
	Evening  string `json:"evening,omitempty"`
	Weekly   string `json:"weekly,omitempty"`
	Monthly  string `json:"monthly,omitempty"`
	// FanoutMode is "direct" (enqueue locally) or "bus" (pipelined publish of
	// per-user events on the reports channel). Default "direct".
	FanoutMode string `json:"fanout_mode,omitempty"`
}

// ReporterConfig controls operator error reports.
type ReporterConfig struct {
	// Cooldown suppresses repeats of the same (kind, context) pair
	// (Go duration string, default "60s").
	Cooldown string `json:"cooldown,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./notibot_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}
