package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"notibot/internal/transport"
	logx "notibot/pkg/logx"

	"github.com/goccy/go-json"
	tele "gopkg.in/telebot.v4"
)

type Config struct {
	Token string
}

// Adapter sends messages through the Telegram Bot API.
//
// It is outbound-only: the pipeline consumes events from the bus, so no
// polling loop is started.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: 30 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

func (a *Adapter) Send(ctx context.Context, userID int64, text string, opt *transport.SendOptions) error {
	if opt == nil {
		opt = &transport.SendOptions{}
	}
	chat := &tele.Chat{ID: userID}
	sendOpt := &tele.SendOptions{
		ParseMode:             opt.ParseMode,
		DisableWebPagePreview: true,
		DisableNotification:   opt.Silent,
		ThreadID:              opt.ThreadID,
	}

	_, err := a.bot.Send(chat, text, sendOpt)
	if err != nil {
		return classify(err)
	}
	return nil
}

// CreateThread creates a forum topic in the user's chat via createForumTopic.
//
// Raw is used instead of a typed helper so the call stays stable across
// telebot releases; the response carries only the thread id we need.
func (a *Adapter) CreateThread(ctx context.Context, userID int64, name string, iconColor int) (int, error) {
	params := map[string]any{
		"chat_id": userID,
		"name":    name,
	}
	if iconColor != 0 {
		params["icon_color"] = iconColor
	}

	data, err := a.bot.Raw("createForumTopic", params)
	if err != nil {
		return 0, classify(err)
	}

	var resp struct {
		Result struct {
			ThreadID int `json:"message_thread_id"`
		} `json:"result"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return 0, fmt.Errorf("createForumTopic: decode response: %w", err)
	}
	if resp.Result.ThreadID == 0 {
		return 0, errors.New("createForumTopic: no thread id in response")
	}
	return resp.Result.ThreadID, nil
}

// classify maps telebot errors onto the transport taxonomy.
//
// Thread errors come back as generic 400s with well-known descriptions, so
// substring matching is the only stable signal (same set the Bot API has used
// for years).
func classify(err error) error {
	if err == nil {
		return nil
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return transport.RateLimited(err, time.Duration(flood.RetryAfter)*time.Second)
	}

	desc := err.Error()
	lower := strings.ToLower(desc)

	switch {
	case strings.Contains(desc, "MESSAGE_THREAD_INVALID"),
		strings.Contains(lower, "message thread not found"),
		strings.Contains(desc, "TOPIC_CLOSED"),
		strings.Contains(desc, "TOPIC_DELETED"):
		return fmt.Errorf("%w: %s", transport.ErrInvalidThread, desc)
	case strings.Contains(desc, "TOPICS_NOT_ENABLED"),
		strings.Contains(lower, "not enough rights"):
		return fmt.Errorf("%w: %s", transport.ErrThreadsUnsupported, desc)
	}

	if errors.Is(err, tele.ErrBlockedByUser) {
		return fmt.Errorf("%w: %s", transport.ErrBlocked, desc)
	}
	var te *tele.Error
	if errors.As(err, &te) && te.Code == http.StatusForbidden {
		return fmt.Errorf("%w: %s", transport.ErrBlocked, desc)
	}

	return err
}
