package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/sdrdh/guessgame/internal/messaging"
)

// Sink delivers events to subscribers.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// JetStreamSink publishes each event to <prefix>.<type>.<key> on a limits
// stream, de-duplicated by event ID.
type JetStreamSink struct {
	js     jetstream.JetStream
	stream string
	prefix string
}

func NewJetStreamSink(js jetstream.JetStream, stream, subjectPrefix string) *JetStreamSink {
	if stream == "" {
		stream = "GUESS_EVENTS"
	}
	if subjectPrefix == "" {
		subjectPrefix = "guessgame.events"
	}
	return &JetStreamSink{js: js, stream: stream, prefix: subjectPrefix}
}

func (s *JetStreamSink) EnsureStream(ctx context.Context, maxAge time.Duration, logger zerolog.Logger) error {
	return messaging.EnsureStreams(ctx, s.js, logger, messaging.LimitsStream(s.stream, maxAge, s.prefix+".>"))
}

// Subject returns the subject an event is published on.
func (s *JetStreamSink) Subject(ev Event) string {
	return s.prefix + "." + subjectToken(ev.Type) + "." + sanitizeToken(ev.Key)
}

func (s *JetStreamSink) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	msg := nats.NewMsg(s.Subject(ev))
	msg.Data = data
	if _, err := s.js.PublishMsg(ctx, msg, jetstream.WithMsgID(string(ev.Type)+":"+ev.ID)); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

func subjectToken(t EventType) string {
	switch t {
	case GuessResolved:
		return "guess_resolved"
	case PriceUpdated:
		return "price_updated"
	default:
		return strings.ToLower(string(t))
	}
}

// sanitizeToken keeps a key to a single subject token.
func sanitizeToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, s)
}

// ChannelSink delivers events on C. Publish blocks until the event is
// received or ctx is done.
type ChannelSink struct {
	C chan Event
}

func NewChannelSink(size int) *ChannelSink {
	return &ChannelSink{C: make(chan Event, size)}
}

func (s *ChannelSink) Publish(ctx context.Context, ev Event) error {
	select {
	case s.C <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogSink writes events to a logger. It stands in for the broker when the
// service runs without NATS.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) Publish(ctx context.Context, ev Event) error {
	s.Logger.Info().
		Str("type", string(ev.Type)).
		Str("key", ev.Key).
		Str("id", ev.ID).
		RawJSON("payload", ev.Payload).
		Msg("event")
	return nil
}
