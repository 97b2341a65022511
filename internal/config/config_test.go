package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdrdh/guessgame/internal/config"
)

func TestParseDefaults(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "secret")

	cfg, err := config.Parse()
	require.NoError(t, err)

	assert.Equal(t, config.BackendPostgres, cfg.Backend)
	assert.Equal(t, "BTCUSD", cfg.Game.DefaultInstrument)
	assert.Equal(t, 60*time.Second, cfg.Game.InitialDelay)
	assert.Equal(t, 10*time.Second, cfg.Game.RetryBackoff)
	assert.Equal(t, 6, cfg.Game.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Price.Freshness)
	assert.Equal(t, 7*24*time.Hour, cfg.Price.Retention)
	assert.Equal(t, 3, cfg.NATS.MaxReceiveCount)
	assert.Equal(t, 90*time.Second, cfg.NATS.AckWait)
	assert.Equal(t, 1, cfg.NATS.Concurrency)
	assert.Equal(t, []string{"coinbase", "coingecko"}, cfg.Price.Sources)
	assert.Empty(t, cfg.Redis.Addr)
}

func TestParseOverrides(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "secret")
	t.Setenv("GUESS_BACKEND", "memory")
	t.Setenv("GAME_INSTRUMENTS", "BTCUSD,SOLUSD")
	t.Setenv("GAME_DEFAULT_INSTRUMENT", "SOLUSD")
	t.Setenv("GAME_INITIAL_DELAY", "2s")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := config.Parse()
	require.NoError(t, err)

	assert.Equal(t, config.BackendMemory, cfg.Backend)
	assert.Equal(t, "SOLUSD", cfg.Game.DefaultInstrument)
	assert.Equal(t, 2*time.Second, cfg.Game.InitialDelay)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.True(t, cfg.SupportsInstrument("solusd"))
	assert.False(t, cfg.SupportsInstrument("ETHUSD"))
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing secret", map[string]string{}},
		{"unknown backend", map[string]string{"AUTH_JWT_SECRET": "s", "GUESS_BACKEND": "dynamo"}},
		{"default not supported", map[string]string{"AUTH_JWT_SECRET": "s", "GAME_DEFAULT_INSTRUMENT": "DOGEUSD"}},
		{"zero receive count", map[string]string{"AUTH_JWT_SECRET": "s", "NATS_MAX_RECEIVE_COUNT": "0"}},
		{"bad duration", map[string]string{"AUTH_JWT_SECRET": "s", "GAME_RETRY_BACKOFF": "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("AUTH_JWT_SECRET", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Parse()
			require.Error(t, err)
		})
	}
}

func TestStaleAfterCoversRedeliveryBudget(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "s")
	cfg, err := config.Parse()
	require.NoError(t, err)

	// 3 deliveries of (90s ack wait + 15s backoff), then the 2m grace
	assert.Equal(t, 315*time.Second, cfg.NATS.RedeliveryBudget())
	assert.Equal(t, 315*time.Second+2*time.Minute, cfg.StaleAfter())

	// the whole retry chain is no longer part of the bound: staleness is
	// measured from each attempt's due time
	cfg.Game.MaxRetries = 60
	assert.Equal(t, 315*time.Second+2*time.Minute, cfg.StaleAfter())
}
