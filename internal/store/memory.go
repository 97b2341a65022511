package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sdrdh/guessgame/internal/game"
)

const memoryFeedBuffer = 1024

// Memory is an in-process Backend. It emits the same change records the
// Postgres triggers produce.
type Memory struct {
	mu      sync.RWMutex
	users   map[string]game.User
	guesses map[string]game.Guess // by guess id
	active  map[string]string     // user id -> unresolved guess id
	prices  []memoryPrice
	nextID  int64

	changes chan ChangeRecord
	dropped int64
	now     func() time.Time
}

type memoryPrice struct {
	id  int64
	obs game.Observation
}

var _ Backend = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		users:   make(map[string]game.User),
		guesses: make(map[string]game.Guess),
		active:  make(map[string]string),
		changes: make(chan ChangeRecord, memoryFeedBuffer),
		now:     game.Now,
	}
}

// WithClock replaces the clock used for profile timestamps.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) GetUser(ctx context.Context, userID string) (game.User, error) {
	if err := ctx.Err(); err != nil {
		return game.User{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return game.User{}, fmt.Errorf("user %s: %w", userID, game.ErrNotFound)
	}
	return u, nil
}

func (m *Memory) CreateUser(ctx context.Context, userID, email string) (game.User, bool, error) {
	if err := ctx.Err(); err != nil {
		return game.User{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		return u, false, nil
	}
	now := m.now()
	u := game.User{UserID: userID, Email: email, CreatedAt: now, UpdatedAt: now}
	m.users[userID] = u
	return u, true, nil
}

// SetScore overwrites a user's score. Tests only.
func (m *Memory) SetScore(userID string, score int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.Score = score
		m.users[userID] = u
	}
}

func (m *Memory) GetActiveGuess(ctx context.Context, userID string) (*game.Guess, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.active[userID]
	if !ok {
		return nil, nil
	}
	g := m.guesses[id]
	return &g, nil
}

func (m *Memory) GetGuess(ctx context.Context, userID, guessID string) (game.Guess, error) {
	if err := ctx.Err(); err != nil {
		return game.Guess{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.guesses[guessID]
	if !ok || g.UserID != userID {
		return game.Guess{}, fmt.Errorf("guess %s: %w", guessID, game.ErrNotFound)
	}
	return g, nil
}

func (m *Memory) CreateGuess(ctx context.Context, g game.Guess) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[g.UserID]; !ok {
		return fmt.Errorf("user %s: %w", g.UserID, game.ErrNotFound)
	}
	if _, ok := m.active[g.UserID]; ok {
		return fmt.Errorf("user %s already has an active guess: %w", g.UserID, game.ErrConflict)
	}
	if _, ok := m.guesses[g.GuessID]; ok {
		return fmt.Errorf("guess %s exists: %w", g.GuessID, game.ErrConflict)
	}
	g.Resolved = false
	if g.NextAttemptAt.IsZero() {
		g.NextAttemptAt = g.StartTime
	}
	m.guesses[g.GuessID] = g
	m.active[g.UserID] = g.GuessID
	m.emit(TableGuesses, OpInsert, guessRow(g))
	return nil
}

func (m *Memory) ResolveGuess(ctx context.Context, userID, guessID string, r game.Resolution) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guesses[guessID]
	if !ok || g.UserID != userID {
		return false, fmt.Errorf("guess %s: %w", guessID, game.ErrNotFound)
	}
	if g.Resolved {
		return false, nil
	}
	g = g.Apply(r)
	m.guesses[guessID] = g
	delete(m.active, userID)

	u := m.users[userID]
	u.Score += int64(r.ScoreChange)
	u.UpdatedAt = m.now()
	m.users[userID] = u

	m.emit(TableGuesses, OpUpdate, guessRow(g))
	return true, nil
}

func (m *Memory) GetHistory(ctx context.Context, userID string, limit int) ([]game.Guess, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var out []game.Guess
	for _, g := range m.guesses {
		if g.UserID == userID && g.Resolved {
			out = append(out, g)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) SetNextAttempt(ctx context.Context, userID, guessID string, retryCount int, dueAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guesses[guessID]
	if !ok || g.UserID != userID || g.Resolved || g.RetryCount > retryCount {
		return nil
	}
	g.RetryCount = retryCount
	g.NextAttemptAt = dueAt
	m.guesses[guessID] = g
	m.emit(TableGuesses, OpUpdate, guessRow(g))
	return nil
}

func (m *Memory) ListStaleGuesses(ctx context.Context, dueBefore time.Time, limit int) ([]game.Guess, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var out []game.Guess
	for _, id := range m.active {
		g := m.guesses[id]
		if g.NextAttemptAt.Before(dueBefore) {
			out = append(out, g)
		}
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) AppendPrice(ctx context.Context, obs game.Observation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.prices = append(m.prices, memoryPrice{id: m.nextID, obs: obs})
	m.emit(TablePriceObservations, OpInsert, priceRow(m.nextID, obs))
	return nil
}

func (m *Memory) LatestPrice(ctx context.Context, instrument string) (*game.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *memoryPrice
	for i := range m.prices {
		p := &m.prices[i]
		if p.obs.Instrument != instrument {
			continue
		}
		if latest == nil || !p.obs.Timestamp.Before(latest.obs.Timestamp) {
			latest = p
		}
	}
	if latest == nil {
		return nil, nil
	}
	o := latest.obs
	return &o, nil
}

func (m *Memory) FirstDifferentPriceAfter(ctx context.Context, instrument string, after time.Time, ref decimal.Decimal) (*game.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var first *memoryPrice
	for i := range m.prices {
		p := &m.prices[i]
		if p.obs.Instrument != instrument || !p.obs.Timestamp.After(after) || p.obs.Price.Equal(ref) {
			continue
		}
		if first == nil || p.obs.Timestamp.Before(first.obs.Timestamp) {
			first = p
		}
	}
	if first == nil {
		return nil, nil
	}
	o := first.obs
	return &o, nil
}

func (m *Memory) PurgeExpiredPrices(ctx context.Context, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.prices[:0]
	var purged int64
	for _, p := range m.prices {
		if !p.obs.Expiry.IsZero() && !p.obs.Expiry.After(now) {
			purged++
			continue
		}
		kept = append(kept, p)
	}
	m.prices = kept
	return purged, nil
}

// Listen forwards change records until ctx is cancelled. Records emitted while
// nobody listens are buffered up to a fixed size, then dropped.
func (m *Memory) Listen(ctx context.Context, out chan<- ChangeRecord) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec := <-m.changes:
			select {
			case out <- rec:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Dropped reports how many change records overflowed the feed buffer.
func (m *Memory) Dropped() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dropped
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }

// emit must be called with m.mu held.
func (m *Memory) emit(table, op string, row any) {
	raw, err := json.Marshal(row)
	if err != nil {
		m.dropped++
		return
	}
	select {
	case m.changes <- ChangeRecord{Table: table, Op: op, Row: raw}:
	default:
		m.dropped++
	}
}
