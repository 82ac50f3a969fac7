// Package subscriber maintains the standing event-bus subscription and
// routes each decoded event through a dispatch table: alerts to the delivery
// queue, report parts to the aggregator, service errors to the operator
// reporter.
package subscriber

import (
	"context"
	"slices"
	"sync"
	"time"

	"notibot/internal/bus"
	"notibot/internal/queue"
	"notibot/internal/reporter"
	"notibot/internal/reports"
	"notibot/internal/storage"
	logx "notibot/pkg/logx"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultReconnectDelay = 5 * time.Second

	// dedupTTL bounds how long a consumed event id is remembered.
	dedupTTL = 10 * time.Minute
)

type Config struct {
	Channels []string
	// ReconnectDelay paces resubscription after a dropped connection
	// (default 5s, constant).
	ReconnectDelay time.Duration
	// Dedup suppresses events whose id was already consumed. Requires
	// storage; ids age out after dedupTTL.
	Dedup bool
}

// Stream is an active subscription, as produced by Source.
type Stream interface {
	Receive(ctx context.Context) (bus.Message, error)
	Close() error
}

// Source opens bus subscriptions.
type Source interface {
	Subscribe(ctx context.Context, channels ...string) (Stream, error)
}

// FromBus adapts the concrete bus client to the Source interface.
func FromBus(b *bus.Bus) Source { return busSource{b: b} }

type busSource struct{ b *bus.Bus }

func (s busSource) Subscribe(ctx context.Context, channels ...string) (Stream, error) {
	st, err := s.b.Subscribe(ctx, channels...)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Enqueuer is the delivery side of the pipeline.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg queue.Message) error
}

// PartSink accepts report parts for aggregation.
type PartSink interface {
	SubmitPart(ctx context.Context, userID int64, reportType string, part reports.Part)
}

// ErrorSink escalates service errors to the operator.
type ErrorSink interface {
	Report(ctx context.Context, ev reporter.Event)
}

// Deps are the downstream ends of every route. Store is optional and only
// consulted for dedup.
type Deps struct {
	Source  Source
	Queue   Enqueuer
	Reports PartSink
	Errors  ErrorSink
	Store   storage.Store
}

// Service owns the subscription loop.
//
// Contract:
//   - the loop reconnects with a constant backoff, it never restarts itself
//     recursively
//   - malformed or unroutable events are logged and skipped, the loop
//     keeps running
//   - delivery is at-least-once; optional id dedup narrows the window
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	deps  Deps
	cfg   Config
	table map[string]classifier

	stream   Stream
	cancel   context.CancelFunc
	stopDone chan struct{}
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:   log,
		deps:  deps,
		table: dispatchTable(),
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	resub := !slices.Equal(s.cfg.Channels, normalizeChannels(cfg.Channels))
	s.applyLocked(cfg)
	stream := s.stream
	s.mu.Unlock()

	// Closing the live stream bounces the loop onto the new channel set.
	if resub && stream != nil {
		_ = stream.Close()
	}
}

func (s *Service) applyLocked(cfg Config) {
	cfg.Channels = normalizeChannels(cfg.Channels)
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	s.cfg = cfg
}

func normalizeChannels(in []string) []string {
	if len(in) == 0 {
		return bus.DefaultChannels()
	}
	return slices.Clone(in)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopDone != nil {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopDone = make(chan struct{})
	done := s.stopDone
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.run(runCtx)
	}()
}

func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cancel := s.cancel
	done := s.stopDone
	stream := s.stream
	s.mu.Unlock()
	if done == nil {
		return
	}

	cancel()
	if stream != nil {
		_ = stream.Close()
	}
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("subscriber stop timed out")
	}

	s.mu.Lock()
	if s.stopDone == done {
		s.cancel = nil
		s.stopDone = nil
	}
	s.mu.Unlock()
}

func (s *Service) run(ctx context.Context) {
	policy := backoff.NewConstantBackOff(s.reconnectDelay())
	for {
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		wait := policy.NextBackOff()
		s.log.Warn("bus subscription lost, reconnecting",
			logx.Err(err),
			logx.Duration("retry_in", wait),
		)
		if !sleepCtx(ctx, wait) {
			return
		}
	}
}

func (s *Service) reconnectDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.ReconnectDelay
}

// consume opens one subscription and pumps it until the connection breaks
// or ctx ends.
func (s *Service) consume(ctx context.Context) error {
	s.mu.Lock()
	channels := slices.Clone(s.cfg.Channels)
	s.mu.Unlock()

	stream, err := s.deps.Source.Subscribe(ctx, channels...)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.stream = nil
		s.mu.Unlock()
		_ = stream.Close()
	}()

	s.log.Info("listening for events", logx.Any("channels", channels))
	for {
		m, err := stream.Receive(ctx)
		if err != nil {
			return err
		}
		s.handle(ctx, m)
	}
}

func (s *Service) handle(ctx context.Context, m bus.Message) {
	env, err := bus.Decode(m.Payload)
	if err != nil {
		s.log.Warn("malformed event payload, skipping",
			logx.String("channel", m.Channel),
			logx.Err(err),
		)
		return
	}
	if env.Event == "" {
		s.log.Debug("event without kind, skipping", logx.String("channel", m.Channel))
		return
	}
	cls, ok := s.table[env.Event]
	if !ok {
		s.log.Debug("unknown event kind, skipping", logx.String("event", env.Event))
		return
	}

	if s.alreadySeen(ctx, env.ID) {
		s.log.Debug("duplicate event suppressed",
			logx.String("event", env.Event),
			logx.String("id", env.ID),
		)
		return
	}

	act, err := cls(env, m.Payload)
	if err != nil {
		s.log.Warn("unroutable event, skipping",
			logx.String("event", env.Event),
			logx.Err(err),
		)
		return
	}
	if err := act.do(ctx, s.deps); err != nil {
		s.log.Warn("event action failed",
			logx.String("event", env.Event),
			logx.Int64("user", env.UserID),
			logx.Err(err),
		)
		return
	}
	s.markSeen(ctx, env.ID)
}

func (s *Service) alreadySeen(ctx context.Context, id string) bool {
	if id == "" || s.deps.Store == nil || !s.dedupEnabled() {
		return false
	}
	seen, err := s.deps.Store.SeenEvent(ctx, id)
	if err != nil {
		s.log.Debug("dedup lookup failed", logx.Err(err))
		return false
	}
	return seen
}

func (s *Service) markSeen(ctx context.Context, id string) {
	if id == "" || s.deps.Store == nil || !s.dedupEnabled() {
		return
	}
	if err := s.deps.Store.MarkEvent(ctx, id, time.Now().Add(dedupTTL)); err != nil {
		s.log.Debug("dedup mark failed", logx.Err(err))
	}
}

func (s *Service) dedupEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Dedup
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		t.Stop()
		return false
	}
}
