// Package reporter delivers service-error events to the operator chat
// without spamming it.
package reporter

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"notibot/internal/queue"
	logx "notibot/pkg/logx"
)

const defaultCooldown = 60 * time.Second

// Event is one escalation. Kind and Context key the cooldown window.
type Event struct {
	Service string
	Kind    string
	Context string
	Detail  string
	UserID  int64
}

type Config struct {
	// OperatorChatID receives the reports. Zero disables reporting.
	OperatorChatID int64
	// Cooldown suppresses repeats of the same (kind, context) pair
	// (default 60s).
	Cooldown time.Duration
}

// Enqueuer is the delivery side of the pipeline.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg queue.Message) error
}

type Reporter struct {
	mu sync.Mutex

	log  logx.Logger
	sink Enqueuer
	cfg  Config

	seen map[string]time.Time
	now  func() time.Time
}

func New(cfg Config, sink Enqueuer, log logx.Logger) *Reporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	return &Reporter{
		log:  log,
		sink: sink,
		cfg:  cfg,
		seen: map[string]time.Time{},
		now:  time.Now,
	}
}

// Apply installs a new config. The cooldown history carries over.
func (r *Reporter) Apply(cfg Config) {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// Report enqueues an operator message for the event unless the same
// (kind, context) pair fired within the cooldown window. Fire and forget:
// a full or stopped queue is logged, never surfaced.
func (r *Reporter) Report(ctx context.Context, ev Event) {
	kind := ev.Kind
	if kind == "" {
		kind = "unknown"
	}
	cooldownCtx := ev.Context
	if cooldownCtx == "" {
		cooldownCtx = "unknown"
	}
	key := kind + ":" + cooldownCtx

	r.mu.Lock()
	cfg := r.cfg
	now := r.now()
	if cfg.OperatorChatID == 0 {
		r.mu.Unlock()
		return
	}
	if last, ok := r.seen[key]; ok && now.Sub(last) < cfg.Cooldown {
		r.mu.Unlock()
		r.log.Debug("error report suppressed", logx.String("key", key))
		return
	}
	r.seen[key] = now
	r.mu.Unlock()

	err := r.sink.Enqueue(ctx, queue.Message{
		UserID: cfg.OperatorChatID,
		Text:   r.format(ev, kind, now),
	})
	if err != nil {
		r.log.Warn("operator report dropped",
			logx.String("key", key),
			logx.Err(err),
		)
		return
	}
	r.log.Info("error reported to operator",
		logx.String("kind", kind),
		logx.String("context", ev.Context),
		logx.Int64("user", ev.UserID),
	)
}

func (r *Reporter) format(ev Event, kind string, now time.Time) string {
	parts := []string{"⚠️ <b>Service error</b>\n"}
	if ev.Service != "" {
		parts = append(parts, "🔧 Service: <code>"+ev.Service+"</code>")
	}
	if ev.UserID != 0 {
		parts = append(parts, "👤 User ID: <code>"+strconv.FormatInt(ev.UserID, 10)+"</code>")
	}
	if ev.Context != "" {
		parts = append(parts, "📍 Context: <code>"+ev.Context+"</code>")
	}
	parts = append(parts, "❌ Kind: <code>"+kind+"</code>")
	if detail := truncate(ev.Detail, 500); detail != "" {
		parts = append(parts, "📝 Detail: <code>"+detail+"</code>")
	}
	parts = append(parts, "\n🕐 Time: "+now.Format("2006-01-02 15:04:05"))
	return strings.Join(parts, "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Cut on a rune boundary.
	for n > 0 && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
