package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"github.com/sdrdh/guessgame/internal/game"
	"github.com/sdrdh/guessgame/internal/messaging"
)

const (
	DefaultConfirmationStream  = "GUESS_IDENTITY"
	DefaultConfirmationSubject = "guessgame.identity.confirmed"
	confirmationDurable        = "guess-profile-creator"
	confirmationAckWait        = 30 * time.Second
	confirmationMaxAge         = 7 * 24 * time.Hour
)

// UserCreator is the part of the guess store profile creation needs.
type UserCreator interface {
	CreateUser(ctx context.Context, userID, email string) (game.User, bool, error)
}

// Confirmation is the identity provider's "user confirmed" signal.
type Confirmation struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

func decodeConfirmation(data []byte) (Confirmation, error) {
	var c Confirmation
	if err := json.Unmarshal(data, &c); err != nil {
		return Confirmation{}, fmt.Errorf("decode confirmation: %w", err)
	}
	c.UserID = strings.TrimSpace(c.UserID)
	if c.UserID == "" {
		return Confirmation{}, errors.New("confirmation without userId")
	}
	return c, nil
}

// ConfirmationConsumer creates a profile for every confirmed user. Creation
// is idempotent, so redelivered confirmations are harmless.
type ConfirmationConsumer struct {
	js      jetstream.JetStream
	users   UserCreator
	stream  string
	subject string
	logger  zerolog.Logger
}

func NewConfirmationConsumer(js jetstream.JetStream, users UserCreator, stream, subject string, logger zerolog.Logger) *ConfirmationConsumer {
	if stream == "" {
		stream = DefaultConfirmationStream
	}
	if subject == "" {
		subject = DefaultConfirmationSubject
	}
	return &ConfirmationConsumer{js: js, users: users, stream: stream, subject: subject, logger: logger}
}

func (c *ConfirmationConsumer) EnsureStream(ctx context.Context) error {
	return messaging.EnsureStreams(ctx, c.js, c.logger, messaging.LimitsStream(c.stream, confirmationMaxAge, c.subject+".>"))
}

// Publish emits a confirmation the way the identity provider does.
func (c *ConfirmationConsumer) Publish(ctx context.Context, conf Confirmation) error {
	data, err := json.Marshal(conf)
	if err != nil {
		return err
	}
	if _, err := c.js.Publish(ctx, c.subject+"."+sanitize(conf.UserID), data, jetstream.WithMsgID("confirmed:"+conf.UserID)); err != nil {
		return fmt.Errorf("publish confirmation: %w", err)
	}
	return nil
}

func sanitize(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// Run consumes confirmations until ctx is cancelled.
func (c *ConfirmationConsumer) Run(ctx context.Context) error {
	consumer, err := c.js.CreateOrUpdateConsumer(ctx, c.stream, jetstream.ConsumerConfig{
		Durable:       confirmationDurable,
		FilterSubject: c.subject + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       confirmationAckWait,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", confirmationDurable, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		c.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", confirmationDurable, err)
	}
	defer cc.Stop()

	c.logger.Info().Str("stream", c.stream).Str("consumer", confirmationDurable).Msg("confirmation consumer started")
	<-ctx.Done()
	return ctx.Err()
}

func (c *ConfirmationConsumer) handle(ctx context.Context, msg jetstream.Msg) {
	conf, err := decodeConfirmation(msg.Data())
	if err != nil {
		c.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("dropping malformed confirmation")
		_ = msg.Ack()
		return
	}

	_, created, err := c.users.CreateUser(ctx, conf.UserID, conf.Email)
	if err != nil {
		c.logger.Error().Err(err).Str("user_id", conf.UserID).Msg("profile creation failed, redelivering")
		_ = msg.Nak()
		return
	}
	if err := msg.Ack(); err != nil {
		c.logger.Warn().Err(err).Str("user_id", conf.UserID).Msg("ack failed")
	}
	if created {
		c.logger.Info().Str("user_id", conf.UserID).Msg("user profile created")
	}
}
