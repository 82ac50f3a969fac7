package reports

import (
	"context"
	"sort"
	"sync"
	"time"

	"notibot/internal/queue"
	"notibot/internal/topics"
	logx "notibot/pkg/logx"
)

const defaultTimeout = 5 * time.Second

// Producer identifies one report source and the section label its content
// carries in combined messages. Order defines output priority.
type Producer struct {
	Name  string
	Label string
}

// Part is one producer's contribution to a user's report.
type Part struct {
	Producer string
	Text     string
	// ExpectsBoth declares that the remaining producers will publish their
	// own part for the same (user, report type) shortly.
	ExpectsBoth bool
}

type Config struct {
	// Timeout bounds how long a partial aggregate waits for the remaining
	// parts (default 5s).
	Timeout   time.Duration
	Producers []Producer
}

// Enqueuer is the delivery side of the pipeline.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg queue.Message) error
}

type aggKey struct {
	userID     int64
	reportType string
}

type aggregate struct {
	parts   map[string]string
	order   []string
	waitAll bool
	timer   *time.Timer
}

// Aggregator joins report parts arriving independently from distinct
// producers into one outbound message per (user, report type).
//
// Contract:
//   - the first part creates the aggregate and fixes its expectation flag
//   - an aggregate finalizes exactly once: early when the flag is off or
//     every producer contributed, otherwise on timeout with what arrived
//   - removal from the pending map is the finalization guard; a part
//     arriving after removal starts a new aggregate
type Aggregator struct {
	mu sync.Mutex

	log     logx.Logger
	sink    Enqueuer
	timeout time.Duration
	prods   []Producer

	running bool
	runCtx  context.Context
	pending map[aggKey]*aggregate
}

func New(cfg Config, sink Enqueuer, log logx.Logger) *Aggregator {
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Aggregator{
		log:     log,
		sink:    sink,
		timeout: timeout,
		prods:   append([]Producer(nil), cfg.Producers...),
		pending: map[aggKey]*aggregate{},
	}
}

// Apply installs a new config. Live aggregates keep the timeout they were
// created with; new ones pick up the change.
func (a *Aggregator) Apply(cfg Config) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	a.mu.Lock()
	a.timeout = timeout
	a.prods = append([]Producer(nil), cfg.Producers...)
	a.mu.Unlock()
}

func (a *Aggregator) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	a.mu.Lock()
	a.running = true
	a.runCtx = ctx
	a.mu.Unlock()
}

// Stop flushes every pending aggregate with the parts that arrived, so a
// shutdown between parts does not swallow a report.
func (a *Aggregator) Stop(ctx context.Context) {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	flush := a.pending
	a.pending = map[aggKey]*aggregate{}
	for _, agg := range flush {
		agg.timer.Stop()
	}
	a.mu.Unlock()

	for key, agg := range flush {
		a.finalize(ctx, key, agg, "shutdown")
	}
}

// SubmitPart records one producer's part and finalizes the aggregate when
// it is complete. Never blocks on delivery.
func (a *Aggregator) SubmitPart(ctx context.Context, userID int64, reportType string, part Part) {
	if userID == 0 || reportType == "" || part.Text == "" {
		return
	}
	name := part.Producer
	if name == "" {
		name = "report"
	}

	key := aggKey{userID: userID, reportType: reportType}
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		a.log.Debug("part dropped, aggregator stopped",
			logx.Int64("user", userID),
			logx.String("type", reportType),
		)
		return
	}
	agg, ok := a.pending[key]
	if !ok {
		agg = &aggregate{
			parts:   map[string]string{},
			waitAll: part.ExpectsBoth,
		}
		agg.timer = time.AfterFunc(a.timeout, func() { a.expire(key) })
		a.pending[key] = agg
	}
	if _, dup := agg.parts[name]; !dup {
		agg.order = append(agg.order, name)
	}
	agg.parts[name] = part.Text

	if agg.waitAll && !a.completeLocked(agg) {
		a.mu.Unlock()
		return
	}
	delete(a.pending, key)
	agg.timer.Stop()
	a.mu.Unlock()

	a.finalize(ctx, key, agg, "complete")
}

// completeLocked reports whether every configured producer contributed.
func (a *Aggregator) completeLocked(agg *aggregate) bool {
	for _, p := range a.prods {
		if _, ok := agg.parts[p.Name]; !ok {
			return false
		}
	}
	return true
}

func (a *Aggregator) expire(key aggKey) {
	a.mu.Lock()
	agg, ok := a.pending[key]
	if !ok {
		// Finalized early.
		a.mu.Unlock()
		return
	}
	delete(a.pending, key)
	ctx := a.runCtx
	a.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}
	a.finalize(ctx, key, agg, "timeout")
}

func (a *Aggregator) finalize(ctx context.Context, key aggKey, agg *aggregate, reason string) {
	blocks := a.blocks(agg)
	if len(blocks) == 0 {
		return
	}
	text := Compose(key.reportType, blocks, "")

	err := a.sink.Enqueue(ctx, queue.Message{
		UserID:  key.userID,
		Text:    text,
		Section: topics.SectionReports,
	})
	if err != nil {
		a.log.Warn("combined report dropped",
			logx.Int64("user", key.userID),
			logx.String("type", key.reportType),
			logx.Err(err),
		)
		return
	}
	a.log.Debug("report aggregate finalized",
		logx.Int64("user", key.userID),
		logx.String("type", key.reportType),
		logx.String("reason", reason),
		logx.Int("parts", len(blocks)),
	)
}

// blocks orders the aggregate's parts by configured producer priority;
// parts from unlisted producers follow in arrival order.
func (a *Aggregator) blocks(agg *aggregate) []Block {
	a.mu.Lock()
	prods := a.prods
	a.mu.Unlock()

	rank := make(map[string]int, len(prods))
	label := make(map[string]string, len(prods))
	for i, p := range prods {
		rank[p.Name] = i
		label[p.Name] = p.Label
	}

	names := append([]string(nil), agg.order...)
	sort.SliceStable(names, func(i, j int) bool {
		ri, iok := rank[names[i]]
		rj, jok := rank[names[j]]
		if iok != jok {
			return iok
		}
		return ri < rj
	})

	out := make([]Block, 0, len(names))
	for _, n := range names {
		text := agg.parts[n]
		if text == "" {
			continue
		}
		lbl := label[n]
		if lbl == "" {
			lbl = n
		}
		out = append(out, Block{Label: lbl, Text: text})
	}
	return out
}
