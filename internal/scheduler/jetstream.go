package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/sdrdh/guessgame/internal/messaging"
	"github.com/sdrdh/guessgame/internal/observability"
)

// Message headers.
const (
	HeaderDeliverAt    = "Guess-Deliver-At"
	HeaderDeadReason   = "Guess-Dead-Reason"
	HeaderDeadAttempts = "Guess-Dead-Attempts"
	HeaderDeadError    = "Guess-Dead-Error"
)

// deliverPadding absorbs timer jitter so a nak'd early message comes back
// after its due time, not just before it.
const deliverPadding = 250 * time.Millisecond

// Early-hop counts older than earlyHopTTL are dropped once more than
// maxTrackedHops messages are tracked.
const (
	earlyHopTTL    = time.Hour
	maxTrackedHops = 1024
)

type JetStreamConfig struct {
	Config

	Stream            string
	Subject           string
	Durable           string
	AckWait           time.Duration
	DeadLetterStream  string
	DeadLetterSubject string
	DeadLetterMaxAge  time.Duration
}

// DefaultJetStreamConfig names the streams and subjects used in production.
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		Config: Config{
			MaxReceiveCount:   3,
			RedeliveryBackoff: 15 * time.Second,
			Concurrency:       1,
		},
		Stream:            "GUESS_RESOLUTION",
		Subject:           "guessgame.resolution.tasks",
		Durable:           "guess-resolver",
		AckWait:           90 * time.Second,
		DeadLetterStream:  "GUESS_RESOLUTION_DLQ",
		DeadLetterSubject: "guessgame.resolution.dead",
		DeadLetterMaxAge:  14 * 24 * time.Hour,
	}
}

// maxDeliver is the server-side delivery ceiling: every handler attempt plus
// one early hop for a delayed task, plus one spare.
func (c JetStreamConfig) maxDeliver() int {
	return c.MaxReceiveCount + 2
}

// JetStream is the production Scheduler. A delayed task is published
// immediately with a Guess-Deliver-At header; a delivery that arrives before
// that instant is nak'd with the remaining delay.
//
// Handler attempts are the deliveries minus the early hops this replica
// nak'd for the message. A hop taken on another replica, or before a
// restart, is counted as an attempt, so a task is dead-lettered after at
// most MaxReceiveCount handler runs, sometimes fewer.
type JetStream struct {
	js      jetstream.JetStream
	cfg     JetStreamConfig
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	mu      sync.Mutex
	handler Handler

	hopsMu    sync.Mutex
	earlyHops map[uint64]earlyHop // by stream sequence
}

type earlyHop struct {
	count int
	last  time.Time
}

// deliveredMsg is the part of jetstream.Msg the consumer uses.
type deliveredMsg interface {
	Metadata() (*jetstream.MsgMetadata, error)
	Data() []byte
	Headers() nats.Header
	DoubleAck(ctx context.Context) error
	Nak() error
	NakWithDelay(delay time.Duration) error
	Term() error
}

var _ Scheduler = (*JetStream)(nil)

func NewJetStream(js jetstream.JetStream, cfg JetStreamConfig, metrics *observability.Metrics, logger zerolog.Logger) *JetStream {
	cfg.Config = cfg.Config.withDefaults()
	if cfg.HandlerTimeout <= 0 && cfg.AckWait > 0 {
		cfg.HandlerTimeout = cfg.AckWait * 2 / 3
	}
	return &JetStream{
		js:        js,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		earlyHops: make(map[uint64]earlyHop),
	}
}

// EnsureStreams creates the work-queue stream and the dead-letter stream.
func (s *JetStream) EnsureStreams(ctx context.Context) error {
	return messaging.EnsureStreams(ctx, s.js, s.logger,
		messaging.WorkQueueStream(s.cfg.Stream, s.cfg.Subject),
		messaging.LimitsStream(s.cfg.DeadLetterStream, s.cfg.DeadLetterMaxAge, s.cfg.DeadLetterSubject),
	)
}

func (s *JetStream) OnDeliver(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *JetStream) Enqueue(ctx context.Context, task Task, delay time.Duration) error {
	data, err := task.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if delay < 0 {
		delay = 0
	}
	msg := nats.NewMsg(s.cfg.Subject)
	msg.Data = data
	msg.Header.Set(HeaderDeliverAt, strconv.FormatInt(s.now().Add(delay).UnixMilli(), 10))

	if _, err := s.js.PublishMsg(ctx, msg, jetstream.WithMsgID(task.DedupID())); err != nil {
		return fmt.Errorf("enqueue %s: %w", task.DedupID(), err)
	}
	s.metrics.TasksEnqueued.Inc()
	return nil
}

// Run consumes with a durable explicit-ack consumer until ctx is cancelled.
// MaxAckPending equals the concurrency, so at most that many tasks are in
// flight across every replica.
func (s *JetStream) Run(ctx context.Context) error {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h == nil {
		return ErrNoHandler
	}

	consumer, err := s.js.CreateOrUpdateConsumer(ctx, s.cfg.Stream, jetstream.ConsumerConfig{
		Durable:       s.cfg.Durable,
		FilterSubject: s.cfg.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       s.cfg.AckWait,
		MaxDeliver:    s.cfg.maxDeliver(),
		MaxAckPending: s.cfg.Concurrency,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", s.cfg.Durable, err)
	}

	msgs := make(chan jetstream.Msg)
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		select {
		case msgs <- msg:
		case <-ctx.Done():
			msg.Nak()
		}
	}, jetstream.PullMaxMessages(s.cfg.Concurrency))
	if err != nil {
		return fmt.Errorf("consume %s: %w", s.cfg.Durable, err)
	}
	defer cc.Stop()
	s.logger.Info().Str("stream", s.cfg.Stream).Str("consumer", s.cfg.Durable).
		Int("concurrency", s.cfg.Concurrency).Msg("resolution consumer started")

	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-msgs:
					s.handle(ctx, h, msg)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (s *JetStream) handle(ctx context.Context, h Handler, msg deliveredMsg) {
	meta, err := msg.Metadata()
	if err != nil {
		s.logger.Error().Err(err).Msg("message without metadata")
		msg.Term()
		return
	}
	seq := meta.Sequence.Stream
	delivered := int(meta.NumDelivered)

	if wait := s.deliverAt(msg).Sub(s.now()); wait > 0 {
		if delivered >= s.cfg.maxDeliver() {
			// no delivery left to come back with
			s.deadLetter(ctx, msg, seq, Task{}, ReasonMaxReceiveCount, delivered, errors.New("delivery budget spent before due time"))
			return
		}
		s.noteEarlyHop(seq)
		msg.NakWithDelay(wait + deliverPadding)
		return
	}

	attempts := delivered - s.earlyHopCount(seq)
	if attempts < 1 {
		attempts = 1
	}

	task, err := DecodeTask(msg.Data())
	if err != nil {
		s.deadLetter(ctx, msg, seq, Task{}, ReasonUndecodable, attempts, err)
		return
	}

	s.metrics.TasksDelivered.Inc()
	hctx, cancel := ctx, context.CancelFunc(func() {})
	if s.cfg.HandlerTimeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, s.cfg.HandlerTimeout)
	}
	err = h(hctx, task)
	cancel()
	if err == nil {
		s.forgetEarlyHops(seq)
		if ackErr := msg.DoubleAck(ctx); ackErr != nil {
			s.logger.Warn().Err(ackErr).Str("guess_id", task.GuessID).Msg("ack failed, task may be redelivered")
		}
		return
	}

	switch {
	case ctx.Err() != nil:
		msg.Nak()
	case IsPermanent(err):
		s.deadLetter(ctx, msg, seq, task, ReasonPermanent, attempts, err)
	case attempts >= s.cfg.MaxReceiveCount || delivered >= s.cfg.maxDeliver():
		s.deadLetter(ctx, msg, seq, task, ReasonMaxReceiveCount, attempts, err)
	default:
		s.logger.Warn().Err(err).Str("guess_id", task.GuessID).Int("attempt", attempts).
			Dur("backoff", s.cfg.RedeliveryBackoff).Msg("task failed, redelivering")
		s.metrics.TaskRedeliveries.Inc()
		msg.NakWithDelay(s.cfg.RedeliveryBackoff)
	}
}

// deliverAt reads the due time. A missing or malformed header means now.
func (s *JetStream) deliverAt(msg deliveredMsg) time.Time {
	raw := msg.Headers().Get(HeaderDeliverAt)
	if raw == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (s *JetStream) noteEarlyHop(seq uint64) {
	s.hopsMu.Lock()
	defer s.hopsMu.Unlock()
	now := s.now()
	if len(s.earlyHops) >= maxTrackedHops {
		for k, hop := range s.earlyHops {
			if now.Sub(hop.last) > earlyHopTTL {
				delete(s.earlyHops, k)
			}
		}
	}
	hop := s.earlyHops[seq]
	hop.count++
	hop.last = now
	s.earlyHops[seq] = hop
}

func (s *JetStream) earlyHopCount(seq uint64) int {
	s.hopsMu.Lock()
	defer s.hopsMu.Unlock()
	return s.earlyHops[seq].count
}

func (s *JetStream) forgetEarlyHops(seq uint64) {
	s.hopsMu.Lock()
	defer s.hopsMu.Unlock()
	delete(s.earlyHops, seq)
}

// deadLetter copies the payload to the dead-letter stream, then terminates
// the original. If the copy fails the original is redelivered instead.
func (s *JetStream) deadLetter(ctx context.Context, msg deliveredMsg, seq uint64, task Task, reason string, attempts int, cause error) {
	dl := nats.NewMsg(s.cfg.DeadLetterSubject)
	dl.Data = msg.Data()
	dl.Header.Set(HeaderDeadReason, reason)
	dl.Header.Set(HeaderDeadAttempts, strconv.Itoa(attempts))
	dl.Header.Set(HeaderDeadError, cause.Error())
	if v := msg.Headers().Get(HeaderDeliverAt); v != "" {
		dl.Header.Set(HeaderDeliverAt, v)
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := s.js.PublishMsg(pubCtx, dl); err != nil {
		s.logger.Error().Err(err).Str("guess_id", task.GuessID).Msg("dead-letter publish failed, redelivering original")
		msg.NakWithDelay(s.cfg.RedeliveryBackoff)
		return
	}
	msg.Term()
	s.forgetEarlyHops(seq)

	s.metrics.DeadLetters.WithLabelValues(reason).Inc()
	s.logger.Error().Err(cause).Str("guess_id", task.GuessID).Str("reason", reason).
		Int("attempts", attempts).Msg("task dead-lettered")
}

// ListDeadLetters returns up to limit dead letters, oldest first. The ID of
// each is its stream sequence.
func (s *JetStream) ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	stream, err := s.js.Stream(ctx, s.cfg.DeadLetterStream)
	if err != nil {
		return nil, fmt.Errorf("dead-letter stream: %w", err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("dead-letter stream info: %w", err)
	}

	var out []DeadLetter
	for seq := info.State.FirstSeq; seq <= info.State.LastSeq && seq > 0 && len(out) < limit; seq++ {
		raw, err := stream.GetMsg(ctx, seq)
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get dead letter %d: %w", seq, err)
		}
		out = append(out, decodeDeadLetter(raw))
	}
	return out, nil
}

func decodeDeadLetter(raw *jetstream.RawStreamMsg) DeadLetter {
	dl := DeadLetter{
		ID:      raw.Sequence,
		Payload: raw.Data,
		At:      raw.Time.UTC(),
	}
	if raw.Header != nil {
		dl.Reason = raw.Header.Get(HeaderDeadReason)
		dl.Error = raw.Header.Get(HeaderDeadError)
		dl.Attempts, _ = strconv.Atoi(raw.Header.Get(HeaderDeadAttempts))
	}
	if t, err := DecodeTask(raw.Data); err == nil {
		dl.Task = t
	}
	return dl
}

// Requeue re-enqueues the dead letter with sequence id for immediate delivery
// and removes it from the dead-letter stream.
func (s *JetStream) Requeue(ctx context.Context, id uint64) error {
	stream, err := s.js.Stream(ctx, s.cfg.DeadLetterStream)
	if err != nil {
		return fmt.Errorf("dead-letter stream: %w", err)
	}
	raw, err := stream.GetMsg(ctx, id)
	if err != nil {
		return fmt.Errorf("get dead letter %d: %w", id, err)
	}
	task, err := DecodeTask(raw.Data)
	if err != nil {
		return fmt.Errorf("dead letter %d: %w", id, err)
	}

	msg := nats.NewMsg(s.cfg.Subject)
	msg.Data = raw.Data
	msg.Header.Set(HeaderDeliverAt, strconv.FormatInt(s.now().UnixMilli(), 10))
	if _, err := s.js.PublishMsg(ctx, msg, jetstream.WithMsgID(fmt.Sprintf("%s:requeue:%d", task.DedupID(), id))); err != nil {
		return fmt.Errorf("requeue %d: %w", id, err)
	}
	if err := stream.DeleteMsg(ctx, id); err != nil {
		return fmt.Errorf("delete dead letter %d: %w", id, err)
	}
	return nil
}
