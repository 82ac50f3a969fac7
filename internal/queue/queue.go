package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"notibot/internal/storage"
	"notibot/internal/transport"
	logx "notibot/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrQueueFull = errors.New("delivery queue full")
	ErrStopped   = errors.New("delivery queue stopped")
)

const sendTimeout = 10 * time.Second

// Sender is the outbound side of the transport used by the queue.
type Sender interface {
	Send(ctx context.Context, userID int64, text string, opt *transport.SendOptions) error
}

// Directory resolves (user, section) to a chat thread and drops mappings the
// transport rejected.
type Directory interface {
	ThreadID(ctx context.Context, userID int64, section string) (int, bool)
	Invalidate(ctx context.Context, userID int64, section string) error
}

// Message is one outbound delivery owned by the queue until it reaches a
// terminal outcome.
type Message struct {
	UserID    int64
	Text      string
	ParseMode string
	Silent    bool
	// Section routes the message to the user's matching thread; the worker
	// resolves it right before sending. Empty means untargeted.
	Section string
	// ThreadID, when non-zero, skips directory resolution.
	ThreadID int
}

// Stats are process-scoped delivery counters. Only the worker increments
// them; they reset on restart.
type Stats struct {
	Sent    uint64
	Failed  uint64
	Blocked uint64
}

type Config struct {
	RatePerSec int
	QueueSize  int
	Journal    bool
}

type item struct {
	msg     Message
	retries int
}

// Service is the delivery queue: strict FIFO, one worker, one send per
// 1/rate interval no matter the outcome. The worker resolves each message's
// section to a thread right before sending.
//
// Outcomes:
//   - success: counted sent
//   - invalid thread: mapping invalidated, one untargeted retry in the same
//     cycle
//   - rate limited: wait retry-after, then retry the same message before
//     anything else in the queue
//   - blocked by recipient: counted blocked, dropped
//   - anything else: counted failed, dropped
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	sender  Sender
	dir     Directory
	store   storage.Store
	metrics *Metrics

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	enqueueWG sync.WaitGroup

	queue     chan item
	stopDone  chan struct{} // non-nil while stopping
	workerWG  sync.WaitGroup
	runCancel context.CancelFunc

	held atomic.Int32 // 1 while the worker holds a rate-limited message

	sent    atomic.Uint64
	failed  atomic.Uint64
	blocked atomic.Uint64
}

func New(cfg Config, sender Sender, dir Directory, store storage.Store, metrics *Metrics, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log,
		sender:  sender,
		dir:     dir,
		store:   store,
		metrics: metrics,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	// Defaults
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 8192
	}
	s.cfg = cfg
	// Burst of one: with a single worker this makes the inter-send gap a
	// uniform 1/rate regardless of outcome.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
}

// Start is idempotent. A Start that races an in-flight Stop waits for the
// stop to finish first.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.queue = make(chan item, s.cfg.QueueSize)
	s.accepting = true
	s.runCancel = cancel
	q := s.queue
	s.mu.Unlock()

	s.workerWG.Add(1)
	go func() {
		defer s.workerWG.Done()
		s.workerLoop(runCtx, q)
	}()
	s.log.Info("delivery queue started", logx.Int("rate_per_sec", s.cfg.RatePerSec))
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
// Whatever is still queued when the deadline hits is dropped and logged.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	cancel := s.runCancel
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.enqueueWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		s.workerWG.Wait()

		s.mu.Lock()
		s.queue = nil
		s.runCancel = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-done
	}

	if residual := len(q) + int(s.held.Load()); residual > 0 {
		s.log.Warn("dropping undelivered messages", logx.Int("count", residual))
	}
	st := s.Stats()
	s.log.Info("delivery queue stopped",
		logx.Uint64("sent", st.Sent),
		logx.Uint64("failed", st.Failed),
		logx.Uint64("blocked", st.Blocked),
	)
}

// Enqueue accepts a message for delivery. It never blocks: a full queue
// returns ErrQueueFull and the message is dropped.
func (s *Service) Enqueue(ctx context.Context, msg Message) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.enqueueWG.Add(1)
	s.mu.Unlock()
	defer s.enqueueWG.Done()

	select {
	case q <- item{msg: msg}:
		s.metrics.ObservePending(s.PendingCount())
		return nil
	default:
		s.log.Warn("delivery queue full, dropping message",
			logx.Int64("user", msg.UserID),
		)
		return ErrQueueFull
	}
}

// PendingCount reports messages waiting for delivery, including one the
// worker holds across a rate-limit retry.
func (s *Service) PendingCount() int {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return 0
	}
	return len(q) + int(s.held.Load())
}

func (s *Service) Stats() Stats {
	return Stats{
		Sent:    s.sent.Load(),
		Failed:  s.failed.Load(),
		Blocked: s.blocked.Load(),
	}
}

func (s *Service) workerLoop(ctx context.Context, q chan item) {
	var heldItem *item
	for {
		var it item
		if heldItem != nil {
			it, heldItem = *heldItem, nil
			s.held.Store(0)
		} else {
			select {
			case <-ctx.Done():
				return
			case next, ok := <-q:
				if !ok {
					return
				}
				it = next
			}
		}

		s.mu.Lock()
		lim := s.limiter
		s.mu.Unlock()
		if err := lim.Wait(ctx); err != nil {
			return
		}

		retryAfter, terminal := s.deliver(ctx, &it)
		if terminal {
			s.metrics.ObservePending(s.PendingCount())
			continue
		}

		// Rate limited: wait out the window, then retry the same message
		// ahead of the rest of the queue.
		it.retries++
		s.metrics.ObserveRetry("rate_limited")
		s.log.Debug("rate limited, retrying",
			logx.Int64("user", it.msg.UserID),
			logx.Duration("retry_after", retryAfter),
			logx.Int("retries", it.retries),
		)
		heldItem = &it
		s.held.Store(1)
		if !sleepCtx(ctx, retryAfter) {
			return
		}
	}
}

// deliver runs one delivery cycle. It returns terminal=false only for the
// rate-limited outcome, with the wait the transport asked for.
func (s *Service) deliver(ctx context.Context, it *item) (retryAfter time.Duration, terminal bool) {
	s.mu.Lock()
	sender := s.sender
	dir := s.dir
	s.mu.Unlock()
	if sender == nil {
		return 0, true
	}

	msg := it.msg
	if msg.ThreadID == 0 && msg.Section != "" && dir != nil {
		if id, ok := dir.ThreadID(ctx, msg.UserID, msg.Section); ok {
			msg.ThreadID = id
			it.msg.ThreadID = id
		}
	}
	started := time.Now()
	err := s.send(ctx, sender, msg)
	if err == nil {
		s.finish(ctx, it, "sent", nil, started)
		return 0, true
	}

	if after, ok := transport.RetryAfterOf(err); ok {
		return after, false
	}

	if errors.Is(err, transport.ErrInvalidThread) && msg.ThreadID != 0 {
		s.invalidate(ctx, msg)
		s.metrics.ObserveRetry("invalid_thread")

		// One untargeted retry in the same cycle.
		fallback := msg
		fallback.ThreadID = 0
		it.msg.ThreadID = 0
		ferr := s.send(ctx, sender, fallback)
		switch {
		case ferr == nil:
			s.finish(ctx, it, "sent", nil, started)
		case errors.Is(ferr, transport.ErrBlocked):
			s.finish(ctx, it, "blocked", ferr, started)
		default:
			s.finish(ctx, it, "failed", ferr, started)
		}
		return 0, true
	}

	if errors.Is(err, transport.ErrBlocked) {
		s.finish(ctx, it, "blocked", err, started)
		return 0, true
	}

	s.finish(ctx, it, "failed", err, started)
	return 0, true
}

func (s *Service) send(ctx context.Context, sender Sender, msg Message) error {
	callCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	return sender.Send(callCtx, msg.UserID, msg.Text, &transport.SendOptions{
		ParseMode: msg.ParseMode,
		Silent:    msg.Silent,
		ThreadID:  msg.ThreadID,
	})
}

func (s *Service) invalidate(ctx context.Context, msg Message) {
	s.mu.Lock()
	dir := s.dir
	s.mu.Unlock()
	if dir == nil || msg.Section == "" {
		return
	}
	if err := dir.Invalidate(ctx, msg.UserID, msg.Section); err != nil {
		s.log.Warn("thread invalidation failed",
			logx.Int64("user", msg.UserID),
			logx.String("section", msg.Section),
			logx.Err(err),
		)
	}
}

func (s *Service) finish(ctx context.Context, it *item, outcome string, cause error, started time.Time) {
	took := time.Since(started)
	switch outcome {
	case "sent":
		s.sent.Add(1)
		s.log.Debug("delivered",
			logx.Int64("user", it.msg.UserID),
			logx.Int("thread", it.msg.ThreadID),
		)
	case "blocked":
		s.blocked.Add(1)
		s.log.Info("recipient blocked the bot, dropping",
			logx.Int64("user", it.msg.UserID),
		)
	default:
		s.failed.Add(1)
		s.log.Warn("delivery failed",
			logx.Int64("user", it.msg.UserID),
			logx.Err(cause),
		)
	}
	s.metrics.ObserveDelivery(outcome, took)
	s.journal(ctx, it, outcome, cause, took)
}

func (s *Service) journal(ctx context.Context, it *item, outcome string, cause error, took time.Duration) {
	s.mu.Lock()
	st := s.store
	journal := s.cfg.Journal
	s.mu.Unlock()
	if st == nil || !journal {
		return
	}
	if ctx.Err() != nil {
		return
	}
	entry := storage.JournalEntry{
		At:       time.Now(),
		UserID:   it.msg.UserID,
		ThreadID: it.msg.ThreadID,
		Outcome:  outcome,
		Retries:  it.retries,
		TookMS:   took.Milliseconds(),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	jctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()
	if err := st.AppendDelivery(jctx, entry); err != nil {
		s.log.Debug("delivery journal append failed", logx.Err(err))
	}
}

// sleepCtx waits d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		if !t.Stop() {
			<-t.C
		}
		return false
	}
}
