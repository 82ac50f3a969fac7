// Package scheduler runs the periodic report cycles: on each cron trigger it
// pulls every producer's report content once, partitions the audience by
// subscription, and fans the composed messages out through the delivery queue
// or, in bus mode, as one pipelined publish.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"notibot/internal/bus"
	"notibot/internal/producers"
	"notibot/internal/queue"
	"notibot/internal/reports"
	logx "notibot/pkg/logx"

	"github.com/robfig/cron/v3"
)

// Fan-out modes.
const (
	FanoutDirect = "direct"
	FanoutBus    = "bus"
)

// Default cadence: morning 08:00, evening 20:00, weekly Monday 09:00,
// monthly 1st 09:00, all in the configured location.
const (
	defaultMorning = "0 8 * * *"
	defaultEvening = "0 20 * * *"
	defaultWeekly  = "0 9 * * 1"
	defaultMonthly = "0 9 1 * *"
)

type Config struct {
	Enabled  bool
	Timezone string
	// Cron specs (5-field), one per report cadence. "off" disables one
	// cadence without disabling the rest.
	Morning string
	Evening string
	Weekly  string
	Monthly string
	// FanoutMode is "direct" (enqueue locally) or "bus" (batched publish of
	// per-user report events for other instances to consume).
	FanoutMode string
	// FanoutChannel is the bus channel for FanoutBus.
	FanoutChannel string
}

// Producer is one report source. Content is market-wide, so the scheduler
// fetches it once per cycle with the zero user id.
type Producer interface {
	Name() string
	Label() string
	GenerateReport(ctx context.Context, reportType string, userID int64) (string, error)
	UsersForReport(ctx context.Context, reportType string) ([]int64, error)
}

// StatsSource supplies the previous-month performance numbers appended to
// monthly reports.
type StatsSource interface {
	PerformanceStats(ctx context.Context, from, to time.Time) (*producers.PerformanceStats, error)
}

// Enqueuer is the delivery side of the pipeline.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg queue.Message) error
}

// Publisher issues the batched fan-out in bus mode.
type Publisher interface {
	PublishBatch(ctx context.Context, channel string, envs []bus.Envelope) error
}

// Deps are the scheduler's downstream ends. Producers keep their configured
// priority order; combined messages concatenate sections in that order.
// Bus is only required for FanoutBus, Stats is optional.
type Deps struct {
	Producers []Producer
	Queue     Enqueuer
	Bus       Publisher
	Stats     StatsSource
}

// Service owns the cron instance and the report cycles it triggers.
type Service struct {
	mu sync.Mutex

	log  logx.Logger
	deps Deps
	cfg  Config

	parser cron.Parser
	now    func() time.Time

	c      *cron.Cron
	runCtx context.Context
	cancel context.CancelFunc
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:  log,
		deps: deps,
		parser: cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
		now: time.Now,
	}
	s.applyLocked(cfg)
	return s
}

// Apply installs a new config. A changed timezone, cadence, or enabled flag
// restarts the cron instance; fan-out settings take effect on the next cycle.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.applyLocked(cfg)
	if s.c == nil {
		return
	}
	if cadenceChanged(old, s.cfg) {
		s.restartLocked()
	}
}

func (s *Service) applyLocked(cfg Config) {
	cfg.Timezone = strings.TrimSpace(cfg.Timezone)
	if cfg.Morning == "" {
		cfg.Morning = defaultMorning
	}
	if cfg.Evening == "" {
		cfg.Evening = defaultEvening
	}
	if cfg.Weekly == "" {
		cfg.Weekly = defaultWeekly
	}
	if cfg.Monthly == "" {
		cfg.Monthly = defaultMonthly
	}
	switch strings.ToLower(strings.TrimSpace(cfg.FanoutMode)) {
	case FanoutBus:
		cfg.FanoutMode = FanoutBus
	default:
		cfg.FanoutMode = FanoutDirect
	}
	if cfg.FanoutChannel == "" {
		cfg.FanoutChannel = bus.ChannelReports
	}
	s.cfg = cfg
}

func cadenceChanged(old, cur Config) bool {
	return old.Enabled != cur.Enabled ||
		old.Timezone != cur.Timezone ||
		old.Morning != cur.Morning ||
		old.Evening != cur.Evening ||
		old.Weekly != cur.Weekly ||
		old.Monthly != cur.Monthly
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)

	loc := s.locationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	registered := s.registerLocked()
	s.c.Start()
	s.log.Info("scheduler started",
		logx.String("tz", loc.String()),
		logx.Int("schedules", registered),
		logx.String("fanout", s.cfg.FanoutMode),
	)
}

// Stop lets in-flight cycles finish until ctx expires, then aborts them.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel, s.runCtx = nil, nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out, aborting running cycles")
	}
	cancel()
	s.log.Info("scheduler stopped")
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	loc := s.locationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	registered := s.registerLocked()
	s.c.Start()
	s.log.Info("scheduler restarted",
		logx.String("tz", loc.String()),
		logx.Int("schedules", registered),
	)
}

// registerLocked adds the enabled cadences to the current cron instance and
// reports how many were accepted.
func (s *Service) registerLocked() int {
	if !s.cfg.Enabled {
		return 0
	}
	defs := []struct {
		reportType string
		spec       string
	}{
		{reports.TypeMorning, s.cfg.Morning},
		{reports.TypeEvening, s.cfg.Evening},
		{reports.TypeWeekly, s.cfg.Weekly},
		{reports.TypeMonthly, s.cfg.Monthly},
	}
	registered := 0
	for _, def := range defs {
		if strings.EqualFold(def.spec, "off") {
			continue
		}
		reportType := def.reportType
		if _, err := s.c.AddFunc(def.spec, func() { s.runScheduled(reportType) }); err != nil {
			s.log.Error("invalid cron spec, cadence skipped",
				logx.String("report", reportType),
				logx.String("spec", def.spec),
				logx.Err(err),
			)
			continue
		}
		registered++
	}
	return registered
}

func (s *Service) runScheduled(reportType string) {
	s.mu.Lock()
	ctx := s.runCtx
	s.mu.Unlock()
	if ctx == nil {
		return
	}
	if err := s.runReport(ctx, reportType); err != nil {
		s.log.Error("report cycle failed",
			logx.String("report", reportType),
			logx.Err(err),
		)
	}
}

// Trigger runs one report cycle immediately, outside the cron cadence. It
// works whether or not the service is started.
func (s *Service) Trigger(ctx context.Context, reportType string) error {
	switch reportType {
	case reports.TypeMorning, reports.TypeEvening, reports.TypeWeekly, reports.TypeMonthly:
	default:
		return fmt.Errorf("unknown report type %q", reportType)
	}
	return s.runReport(ctx, reportType)
}

func (s *Service) locationLocked() *time.Location {
	if s.cfg.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(s.cfg.Timezone)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to local",
			logx.String("tz", s.cfg.Timezone),
			logx.Err(err),
		)
		return time.Local
	}
	return loc
}
