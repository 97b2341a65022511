package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

const (
	feedMinReconnect = 1 * time.Second
	feedMaxReconnect = 30 * time.Second
	feedPingInterval = 90 * time.Second
)

// PostgresFeed turns LISTEN/NOTIFY payloads from the row triggers into
// ChangeRecords. Notifications sent while the listener is reconnecting are
// lost; the sweeper and idempotent resolution cover the gap for guesses.
type PostgresFeed struct {
	dsn     string
	channel string
	logger  zerolog.Logger
}

func NewPostgresFeed(dsn, channel string, logger zerolog.Logger) *PostgresFeed {
	if channel == "" {
		channel = "guessgame_changes"
	}
	return &PostgresFeed{dsn: dsn, channel: channel, logger: logger}
}

// Listen blocks until ctx is cancelled. Undecodable payloads are logged and dropped.
func (f *PostgresFeed) Listen(ctx context.Context, out chan<- ChangeRecord) error {
	listener := pq.NewListener(f.dsn, feedMinReconnect, feedMaxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			f.logger.Info().Str("channel", f.channel).Msg("change feed connected")
		case pq.ListenerEventDisconnected:
			f.logger.Warn().Err(err).Msg("change feed disconnected")
		case pq.ListenerEventReconnected:
			f.logger.Info().Msg("change feed reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			f.logger.Warn().Err(err).Msg("change feed connection attempt failed")
		}
	})
	defer listener.Close()

	if err := listener.Listen(f.channel); err != nil {
		return fmt.Errorf("listen %s: %w", f.channel, err)
	}

	ping := time.NewTicker(feedPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case n := <-listener.Notify:
			// nil after a reconnect
			if n == nil {
				continue
			}
			rec, err := ParseChangeRecord([]byte(n.Extra))
			if err != nil {
				f.logger.Warn().Err(err).Str("payload", n.Extra).Msg("dropping undecodable notification")
				continue
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				return ctx.Err()
			}

		case <-ping.C:
			if err := listener.Ping(); err != nil {
				f.logger.Warn().Err(err).Msg("change feed ping failed")
			}
		}
	}
}
