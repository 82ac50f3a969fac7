package subscriber

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"notibot/internal/bus"
	"notibot/internal/queue"
	"notibot/internal/reporter"
	"notibot/internal/reports"
	"notibot/internal/topics"

	json "github.com/goccy/go-json"
)

// action is one routed unit of work, produced by a classifier and executed
// by the subscription loop.
type action interface {
	do(ctx context.Context, d Deps) error
}

type enqueueAction struct {
	msg queue.Message
}

func (a enqueueAction) do(ctx context.Context, d Deps) error {
	return d.Queue.Enqueue(ctx, a.msg)
}

type partAction struct {
	userID     int64
	reportType string
	part       reports.Part
}

func (a partAction) do(ctx context.Context, d Deps) error {
	d.Reports.SubmitPart(ctx, a.userID, a.reportType, a.part)
	return nil
}

type escalateAction struct {
	ev reporter.Event
}

func (a escalateAction) do(ctx context.Context, d Deps) error {
	d.Errors.Report(ctx, a.ev)
	return nil
}

// classifier turns an envelope into an action without side effects. raw is
// the full wire payload for kinds that carry fields outside the envelope.
type classifier func(env bus.Envelope, raw []byte) (action, error)

func dispatchTable() map[string]classifier {
	return map[string]classifier{
		bus.EventImpulseAlert:  classifyImpulse,
		bus.EventActivityAlert: classifyActivity,
		bus.EventReportReady:   classifyReportPart,
		bus.EventServiceError:  classifyServiceError,
	}
}

func classifyImpulse(env bus.Envelope, _ []byte) (action, error) {
	if env.UserID == 0 {
		return nil, errors.New("impulse alert without user id")
	}
	var p struct {
		Symbol  string  `json:"symbol"`
		Percent float64 `json:"percent"`
		Type    string  `json:"type"`
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("impulse payload: %w", err)
		}
	}
	if p.Symbol == "" {
		p.Symbol = "N/A"
	}

	emoji, direction := "🟢", "growth"
	if p.Type != "" && p.Type != "growth" {
		emoji, direction = "🔴", "fall"
	}
	text := emoji + " <b>Impulse: " + p.Symbol + "</b>\n\n" +
		"Direction: " + direction + "\n" +
		"Change: <b>" + fmt.Sprintf("%+.2f%%", p.Percent) + "</b>"

	return enqueueAction{msg: queue.Message{
		UserID:  env.UserID,
		Text:    text,
		Section: topics.SectionImpulses,
	}}, nil
}

func classifyActivity(env bus.Envelope, _ []byte) (action, error) {
	if env.UserID == 0 {
		return nil, errors.New("activity alert without user id")
	}
	var p struct {
		Count         int `json:"count"`
		WindowMinutes int `json:"window_minutes"`
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("activity payload: %w", err)
		}
	}
	if p.WindowMinutes <= 0 {
		p.WindowMinutes = 15
	}

	text := "⚡ <b>High market activity!</b>\n\n" +
		"<b>" + strconv.Itoa(p.Count) + "</b> impulses recorded in the last " +
		strconv.Itoa(p.WindowMinutes) + " minutes.\n\n" +
		"Worth checking the market."

	return enqueueAction{msg: queue.Message{
		UserID:  env.UserID,
		Text:    text,
		Section: topics.SectionImpulses,
	}}, nil
}

func classifyReportPart(env bus.Envelope, _ []byte) (action, error) {
	if env.UserID == 0 {
		return nil, errors.New("report part without user id")
	}
	var p struct {
		ReportType  string `json:"report_type"`
		Text        string `json:"text"`
		Content     string `json:"content"`
		Producer    string `json:"producer"`
		ExpectsBoth bool   `json:"expects_both"`
	}
	if err := json.Unmarshal(env.Data, &p); err != nil {
		return nil, fmt.Errorf("report payload: %w", err)
	}
	if p.ReportType == "" {
		return nil, errors.New("report part without report_type")
	}
	text := p.Text
	if text == "" {
		text = p.Content
	}
	if text == "" {
		return nil, errors.New("report part without content")
	}

	return partAction{
		userID:     env.UserID,
		reportType: p.ReportType,
		part: reports.Part{
			Producer:    p.Producer,
			Text:        text,
			ExpectsBoth: p.ExpectsBoth,
		},
	}, nil
}

// classifyServiceError decodes from the raw payload: error events carry their
// fields flat, not under data.
func classifyServiceError(_ bus.Envelope, raw []byte) (action, error) {
	var p struct {
		Service      string `json:"service"`
		ErrorType    string `json:"error_type"`
		ErrorMessage string `json:"error_message"`
		Context      string `json:"context"`
		UserID       int64  `json:"user_id"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("service error payload: %w", err)
	}

	return escalateAction{ev: reporter.Event{
		Service: p.Service,
		Kind:    p.ErrorType,
		Context: p.Context,
		Detail:  p.ErrorMessage,
		UserID:  p.UserID,
	}}, nil
}
