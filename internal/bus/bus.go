package bus

import (
	"context"
	"errors"
	"fmt"

	logx "notibot/pkg/logx"

	"github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
)

// Channel names of the originating platform. Producers publish alert and
// report-part events here; the reports channel doubles as the scheduler's
// fan-out target and the errors channel carries cross-service escalations.
const (
	ChannelNotifications = "impulse:notifications"
	ChannelActivity      = "impulse:activity"
	ChannelReports       = "impulse:reports"
	ChannelErrors        = "impulse:errors"
)

// Event kinds understood by the pipeline.
const (
	EventImpulseAlert  = "impulse_alert"
	EventActivityAlert = "activity_alert"
	EventReportReady   = "report_ready"
	EventServiceError  = "service_error"
)

// DefaultChannels returns the subscription set used when the config names none.
func DefaultChannels() []string {
	return []string{ChannelNotifications, ChannelActivity, ChannelReports, ChannelErrors}
}

// Envelope is the wire shape of one bus message.
//
// Contract:
//   - Event MUST name a known kind for the message to be dispatched.
//   - Data stays raw until the subscriber picks a decoder for the kind.
//   - ID is optional; publishers that need duplicate suppression set it.
type Envelope struct {
	ID     string          `json:"id,omitempty"`
	Event  string          `json:"event"`
	UserID int64           `json:"user_id,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Encode renders the envelope to its wire form.
func (e Envelope) Encode() ([]byte, error) { return json.Marshal(e) }

// Decode parses a raw payload into an envelope. Malformed JSON is the caller's
// signal to drop the message.
func Decode(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// ClientConfig carries the Redis connection settings.
type ClientConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewClient builds the shared Redis client. Connections are lazy; readiness is
// probed at app start with a bounded Ping.
func NewClient(cfg ClientConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Bus publishes and subscribes on Redis pub/sub channels.
type Bus struct {
	rdb *redis.Client
	log logx.Logger
}

func New(rdb *redis.Client, log logx.Logger) *Bus {
	return &Bus{rdb: rdb, log: log}
}

func (b *Bus) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Publish sends one envelope to channel.
func (b *Bus) Publish(ctx context.Context, channel string, env Envelope) error {
	payload, err := env.Encode()
	if err != nil {
		return fmt.Errorf("bus: encode envelope: %w", err)
	}
	return b.rdb.Publish(ctx, channel, payload).Err()
}

// PublishBatch sends every envelope in one non-transactional pipeline: a
// single round trip regardless of batch size. Envelopes are encoded up front
// so a bad one aborts the batch before anything is sent.
func (b *Bus) PublishBatch(ctx context.Context, channel string, envs []Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	payloads := make([][]byte, 0, len(envs))
	for _, env := range envs {
		p, err := env.Encode()
		if err != nil {
			return fmt.Errorf("bus: encode envelope: %w", err)
		}
		payloads = append(payloads, p)
	}

	pipe := b.rdb.Pipeline()
	for _, p := range payloads {
		pipe.Publish(ctx, channel, p)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("bus: batch publish: %w", err)
	}
	b.log.Debug("batch published",
		logx.String("channel", channel),
		logx.Int("count", len(payloads)),
	)
	return nil
}

// Message is one raw bus delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Stream is an active subscription. Receive blocks until a message arrives,
// ctx ends, or the connection breaks; connection errors surface to the caller
// so the supervising loop can rebuild the subscription.
type Stream struct {
	ps *redis.PubSub
}

// Subscribe opens a subscription on the given channels. The SUBSCRIBE round
// trip is forced here so a dead server fails now, not on the first Receive.
func (b *Bus) Subscribe(ctx context.Context, channels ...string) (*Stream, error) {
	if len(channels) == 0 {
		return nil, errors.New("bus: no channels to subscribe")
	}
	ps := b.rdb.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	b.log.Debug("subscribed", logx.Any("channels", channels))
	return &Stream{ps: ps}, nil
}

func (s *Stream) Receive(ctx context.Context) (Message, error) {
	msg, err := s.ps.ReceiveMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}, nil
}

func (s *Stream) Close() error { return s.ps.Close() }
