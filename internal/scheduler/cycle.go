package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"notibot/internal/bus"
	"notibot/internal/queue"
	"notibot/internal/reports"
	"notibot/internal/topics"
	logx "notibot/pkg/logx"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
)

// producerRun is one producer's fetch result for a cycle. Empty text means
// the producer contributes no section this cycle (no content, or the fetch
// failed).
type producerRun struct {
	name  string
	label string
	text  string
	users []int64
}

// group is one audience partition: every user in it subscribes to exactly
// the producers named by idx (ascending, so configured priority order).
type group struct {
	idx   []int
	users []int64
}

// plan is a fully grouped cycle ready for fan-out.
type plan struct {
	runs   []producerRun
	strong string
	groups []group
	// fallback receives a stats-only message when no producer had content
	// but the performance section exists.
	fallback []int64
}

func (s *Service) runReport(ctx context.Context, reportType string) error {
	start := time.Now()
	s.mu.Lock()
	mode := s.cfg.FanoutMode
	channel := s.cfg.FanoutChannel
	s.mu.Unlock()

	prods := s.deps.Producers
	if len(prods) == 0 {
		return errors.New("no producers configured")
	}
	if mode == FanoutBus && s.deps.Bus == nil {
		return errors.New("bus fan-out selected but no bus client wired")
	}

	runs := s.fetch(ctx, reportType, prods)

	strong := ""
	if reportType == reports.TypeMonthly {
		strong = s.strongSection(ctx, s.now())
	}

	p := buildPlan(runs, strong)
	if len(p.groups) == 0 && len(p.fallback) == 0 {
		s.log.Info("report cycle produced nothing",
			logx.String("report", reportType),
		)
		return nil
	}

	var sent int
	var err error
	switch mode {
	case FanoutBus:
		sent, err = s.publishPlan(ctx, channel, reportType, p)
	default:
		sent, err = s.enqueuePlan(ctx, reportType, p)
	}
	if err != nil {
		return err
	}
	s.log.Info("report cycle complete",
		logx.String("report", reportType),
		logx.String("fanout", mode),
		logx.Int("groups", len(p.groups)),
		logx.Int("messages", sent),
		logx.Duration("took", time.Since(start)),
	)
	return nil
}

// fetch queries every producer concurrently: its subscriber list, then (when
// anyone is listening) its content, once per cycle with the zero user id.
// Failures degrade to an empty run.
func (s *Service) fetch(ctx context.Context, reportType string, prods []Producer) []producerRun {
	runs := make([]producerRun, len(prods))
	wp := pool.New().WithMaxGoroutines(len(prods))
	for i, pr := range prods {
		idx, p := i, pr
		wp.Go(func() {
			run := producerRun{name: p.Name(), label: p.Label()}
			users, err := p.UsersForReport(ctx, reportType)
			if err != nil {
				s.log.Warn("subscriber query failed",
					logx.String("producer", run.name),
					logx.String("report", reportType),
					logx.Err(err),
				)
			}
			run.users = users
			if len(run.users) > 0 {
				text, err := p.GenerateReport(ctx, reportType, 0)
				if err != nil {
					s.log.Warn("report content fetch failed",
						logx.String("producer", run.name),
						logx.String("report", reportType),
						logx.Err(err),
					)
				}
				run.text = text
			}
			runs[idx] = run
		})
	}
	wp.Wait()
	return runs
}

// buildPlan partitions users by the set of producers that both have content
// this cycle and count the user as subscribed. Group and user order is
// deterministic.
func buildPlan(runs []producerRun, strong string) plan {
	have := map[int64]map[int]bool{}
	for i, run := range runs {
		if run.text == "" {
			continue
		}
		for _, uid := range run.users {
			if uid == 0 {
				continue
			}
			if have[uid] == nil {
				have[uid] = map[int]bool{}
			}
			have[uid][i] = true
		}
	}

	byKey := map[string]*group{}
	for uid, set := range have {
		idx := make([]int, 0, len(set))
		for i := range set {
			idx = append(idx, i)
		}
		sort.Ints(idx)
		key := fmt.Sprint(idx)
		g := byKey[key]
		if g == nil {
			g = &group{idx: idx}
			byKey[key] = g
		}
		g.users = append(g.users, uid)
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	p := plan{runs: runs, strong: strong}
	for _, k := range keys {
		g := byKey[k]
		sort.Slice(g.users, func(a, b int) bool { return g.users[a] < g.users[b] })
		p.groups = append(p.groups, *g)
	}

	// Subscribed but nothing to send: the stats section alone still goes out.
	if len(p.groups) == 0 && strong != "" {
		seen := map[int64]bool{}
		for _, run := range runs {
			for _, uid := range run.users {
				if uid == 0 || seen[uid] {
					continue
				}
				seen[uid] = true
				p.fallback = append(p.fallback, uid)
			}
		}
		sort.Slice(p.fallback, func(a, b int) bool { return p.fallback[a] < p.fallback[b] })
	}
	return p
}

func (p plan) composeGroup(reportType string, g group) string {
	blocks := make([]reports.Block, 0, len(g.idx))
	for _, i := range g.idx {
		blocks = append(blocks, reports.Block{Label: p.runs[i].label, Text: p.runs[i].text})
	}
	return reports.Compose(reportType, blocks, p.strong)
}

// enqueuePlan is the direct fan-out: the group text is built once and queued
// per user, targeted at the reports section.
func (s *Service) enqueuePlan(ctx context.Context, reportType string, p plan) (int, error) {
	queued := 0
	push := func(uid int64, text string) error {
		err := s.deps.Queue.Enqueue(ctx, queue.Message{
			UserID:  uid,
			Text:    text,
			Section: topics.SectionReports,
		})
		if err != nil {
			if errors.Is(err, queue.ErrStopped) || ctx.Err() != nil {
				return err
			}
			s.log.Warn("report enqueue failed",
				logx.Int64("user_id", uid),
				logx.Err(err),
			)
			return nil
		}
		queued++
		return nil
	}

	for _, g := range p.groups {
		text := p.composeGroup(reportType, g)
		for _, uid := range g.users {
			if err := push(uid, text); err != nil {
				return queued, err
			}
		}
	}
	if len(p.fallback) > 0 {
		text := reports.Compose(reportType, nil, p.strong)
		for _, uid := range p.fallback {
			if err := push(uid, text); err != nil {
				return queued, err
			}
		}
	}
	return queued, nil
}

// partPayload is the report_ready event body consumed by subscriber
// instances on the other end of the bus.
type partPayload struct {
	ReportType  string `json:"report_type"`
	Producer    string `json:"producer,omitempty"`
	Text        string `json:"text"`
	ExpectsBoth bool   `json:"expects_both,omitempty"`
}

// publishPlan is the bus fan-out: one envelope per (user, producer part),
// all issued as a single pipelined batch. The consuming side joins multi-part
// users back together, so the stats section rides on each user's last part.
func (s *Service) publishPlan(ctx context.Context, channel, reportType string, p plan) (int, error) {
	var envs []bus.Envelope
	add := func(uid int64, payload partPayload) error {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode report part: %w", err)
		}
		envs = append(envs, bus.Envelope{
			ID:     uuid.NewString(),
			Event:  bus.EventReportReady,
			UserID: uid,
			Data:   data,
		})
		return nil
	}

	for _, g := range p.groups {
		expects := len(g.idx) > 1
		for _, uid := range g.users {
			for n, i := range g.idx {
				text := p.runs[i].text
				if p.strong != "" && n == len(g.idx)-1 {
					text += "\n\n" + p.strong
				}
				err := add(uid, partPayload{
					ReportType:  reportType,
					Producer:    p.runs[i].name,
					Text:        text,
					ExpectsBoth: expects,
				})
				if err != nil {
					return 0, err
				}
			}
		}
	}
	for _, uid := range p.fallback {
		if err := add(uid, partPayload{ReportType: reportType, Text: p.strong}); err != nil {
			return 0, err
		}
	}

	if len(envs) == 0 {
		return 0, nil
	}
	if err := s.deps.Bus.PublishBatch(ctx, channel, envs); err != nil {
		return 0, fmt.Errorf("publish report batch: %w", err)
	}
	return len(envs), nil
}
