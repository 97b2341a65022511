package notifier_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdrdh/guessgame/internal/game"
	"github.com/sdrdh/guessgame/internal/notifier"
	"github.com/sdrdh/guessgame/internal/observability"
	"github.com/sdrdh/guessgame/internal/store"
)

// sliceFeed emits its records once, then blocks until cancelled.
type sliceFeed []store.ChangeRecord

func (f sliceFeed) Listen(ctx context.Context, out chan<- store.ChangeRecord) error {
	for _, rec := range f {
		select {
		case out <- rec:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

type flakySink struct {
	mu     sync.Mutex
	failID string
	got    []notifier.Event
}

func (s *flakySink) Publish(ctx context.Context, ev notifier.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.ID == s.failID {
		return errors.New("broker unavailable")
	}
	s.got = append(s.got, ev)
	return nil
}

func (s *flakySink) events() []notifier.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notifier.Event(nil), s.got...)
}

func runNotifier(t *testing.T, feed store.ChangeFeed, sink notifier.Sink) {
	t.Helper()
	n := notifier.New(feed, sink, notifier.Config{BatchSize: 10, FlushInterval: 10 * time.Millisecond},
		observability.NewMetrics(prometheus.NewRegistry()), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		err := <-done
		assert.True(t, errors.Is(err, context.Canceled), "run returned %v", err)
	})
}

func receive(t *testing.T, c <-chan notifier.Event) notifier.Event {
	t.Helper()
	select {
	case ev := <-c:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return notifier.Event{}
	}
}

func TestNotifierPublishesResolutionsAndPrices(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	sink := notifier.NewChannelSink(16)
	runNotifier(t, st, sink)

	start := time.UnixMilli(1_700_000_000_000).UTC()
	_, _, err := st.CreateUser(ctx, "user-1", "a@example.com")
	require.NoError(t, err)
	require.NoError(t, st.CreateGuess(ctx, game.Guess{
		GuessID: "g1", UserID: "user-1", Instrument: "BTCUSD", Direction: game.DirectionUp,
		StartPrice: decimal.NewFromInt(45000), StartTime: start,
	}))
	require.NoError(t, st.AppendPrice(ctx, game.Observation{
		Instrument: "BTCUSD", Price: decimal.NewFromInt(46000), Timestamp: start.Add(61 * time.Second), Source: "coinbase",
	}))
	resolvedAt := start.Add(70 * time.Second)
	applied, err := st.ResolveGuess(ctx, "user-1", "g1", game.Resolution{
		EndPrice: decimal.NewFromInt(46000), Correct: true, ScoreChange: 1, ResolvedAt: resolvedAt,
	})
	require.NoError(t, err)
	require.True(t, applied)

	priceEv := receive(t, sink.C)
	assert.Equal(t, notifier.PriceUpdated, priceEv.Type)
	assert.Equal(t, "BTCUSD", priceEv.Key)
	assert.Equal(t, "BTCUSD:1700000061000", priceEv.ID)
	var obs game.Observation
	require.NoError(t, json.Unmarshal(priceEv.Payload, &obs))
	assert.True(t, obs.Price.Equal(decimal.NewFromInt(46000)))

	resolvedEv := receive(t, sink.C)
	assert.Equal(t, notifier.GuessResolved, resolvedEv.Type)
	assert.Equal(t, "user-1", resolvedEv.Key)
	assert.Equal(t, "g1:1700000070000", resolvedEv.ID)
	var g game.Guess
	require.NoError(t, json.Unmarshal(resolvedEv.Payload, &g))
	assert.True(t, g.Resolved)
	assert.Equal(t, 1, *g.ScoreChange)

	select {
	case ev := <-sink.C:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifierSkipsMalformedRecordsInBatch(t *testing.T) {
	good := store.ChangeRecord{
		Table: store.TablePriceObservations, Op: store.OpInsert,
		Row: json.RawMessage(`{"id":2,"instrument":"ETHUSD","price":"3000","observed_at":"2024-01-01T00:00:00.5+00:00","source":"coingecko"}`),
	}
	feed := sliceFeed{
		{Table: store.TableGuesses, Op: store.OpUpdate, Row: json.RawMessage(`{"guess_id":"g1","resolved":true}`)},
		{Table: store.TablePriceObservations, Op: store.OpInsert, Row: json.RawMessage(`not json`)},
		{Table: store.TableGuesses, Op: store.OpInsert, Row: json.RawMessage(`{}`)},
		{Table: "users", Op: store.OpUpdate, Row: json.RawMessage(`{}`)},
		good,
	}
	sink := notifier.NewChannelSink(4)
	runNotifier(t, feed, sink)

	ev := receive(t, sink.C)
	assert.Equal(t, notifier.PriceUpdated, ev.Type)
	assert.Equal(t, "ETHUSD", ev.Key)
	assert.Equal(t, "ETHUSD:1704067200500", ev.ID)
}

func TestNotifierIsolatesPublishFailures(t *testing.T) {
	rec := func(instr string, ms int64) store.ChangeRecord {
		ts := time.UnixMilli(ms).UTC().Format(time.RFC3339Nano)
		return store.ChangeRecord{
			Table: store.TablePriceObservations, Op: store.OpInsert,
			Row: json.RawMessage(`{"instrument":"` + instr + `","price":"1","observed_at":"` + ts + `"}`),
		}
	}
	sink := &flakySink{failID: "BTCUSD:1000"}
	runNotifier(t, sliceFeed{rec("BTCUSD", 1000), rec("BTCUSD", 2000), rec("ETHUSD", 3000)}, sink)

	require.Eventually(t, func() bool { return len(sink.events()) == 2 }, 2*time.Second, 10*time.Millisecond)
	got := sink.events()
	assert.Equal(t, "BTCUSD:2000", got[0].ID)
	assert.Equal(t, "ETHUSD:3000", got[1].ID)
}

func TestClassifyIgnoresUnresolvedGuessUpdate(t *testing.T) {
	row := json.RawMessage(`{"guess_id":"g1","user_id":"u1","instrument":"BTCUSD","direction":"up",
		"start_price":"1","start_time":"2024-01-01T00:00:00Z","resolved":false}`)
	_, ok, err := notifier.Classify(store.ChangeRecord{Table: store.TableGuesses, Op: store.OpUpdate, Row: row}, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEventWireFormat(t *testing.T) {
	ev := notifier.Event{
		ID: "g1:5", Type: notifier.GuessResolved, Key: "u1",
		Payload: json.RawMessage(`{"guessId":"g1"}`), EmittedAt: time.UnixMilli(1234).UTC(),
	}
	raw, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"g1:5","type":"GuessResolved","key":"u1","payload":{"guessId":"g1"},"emittedAt":1234}`, string(raw))
}
