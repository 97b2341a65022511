package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/sdrdh/guessgame/internal/game"
)

// Postgres error codes mapped onto game errors.
const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

// PostgresConfig tunes the connection pool and the change feed.
type PostgresConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	NotifyChannel   string
}

// Postgres is the production Backend.
type Postgres struct {
	db     *sql.DB
	feed   *PostgresFeed
	logger zerolog.Logger
}

var _ Backend = (*Postgres)(nil)

// OpenPostgres opens the pool and verifies connectivity.
func OpenPostgres(ctx context.Context, cfg PostgresConfig, logger zerolog.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return NewPostgres(db, NewPostgresFeed(cfg.URL, cfg.NotifyChannel, logger), logger), nil
}

// NewPostgres wraps an existing pool. feed may be nil when the caller never listens.
func NewPostgres(db *sql.DB, feed *PostgresFeed, logger zerolog.Logger) *Postgres {
	return &Postgres{db: db, feed: feed, logger: logger}
}

// DB exposes the pool for migrations.
func (p *Postgres) DB() *sql.DB { return p.db }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) Listen(ctx context.Context, out chan<- ChangeRecord) error {
	if p.feed == nil {
		return errors.New("postgres change feed not configured")
	}
	return p.feed.Listen(ctx, out)
}

const userColumns = `user_id, email, score, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (game.User, error) {
	var u game.User
	if err := row.Scan(&u.UserID, &u.Email, &u.Score, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return game.User{}, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return u, nil
}

func (p *Postgres) GetUser(ctx context.Context, userID string) (game.User, error) {
	u, err := scanUser(p.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE user_id = $1`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return game.User{}, fmt.Errorf("user %s: %w", userID, game.ErrNotFound)
	}
	if err != nil {
		return game.User{}, fmt.Errorf("get user %s: %w", userID, err)
	}
	return u, nil
}

func (p *Postgres) CreateUser(ctx context.Context, userID, email string) (game.User, bool, error) {
	u, err := scanUser(p.db.QueryRowContext(ctx, `
		INSERT INTO users (user_id, email, score, created_at, updated_at)
		VALUES ($1, $2, 0, NOW(), NOW())
		ON CONFLICT (user_id) DO NOTHING
		RETURNING `+userColumns, userID, email))
	if err == nil {
		return u, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return game.User{}, false, fmt.Errorf("create user %s: %w", userID, err)
	}
	existing, err := p.GetUser(ctx, userID)
	if err != nil {
		return game.User{}, false, err
	}
	return existing, false, nil
}

const guessColumns = `guess_id, user_id, instrument, direction, start_price, start_time,
	retry_count, next_attempt_at, resolved, end_price, correct, score_change, resolved_at`

func scanGuess(row interface{ Scan(...any) error }) (game.Guess, error) {
	var (
		g           game.Guess
		direction   string
		endPrice    decimal.NullDecimal
		correct     sql.NullBool
		scoreChange sql.NullInt32
		resolvedAt  sql.NullTime
	)
	if err := row.Scan(&g.GuessID, &g.UserID, &g.Instrument, &direction, &g.StartPrice, &g.StartTime,
		&g.RetryCount, &g.NextAttemptAt, &g.Resolved, &endPrice, &correct, &scoreChange, &resolvedAt); err != nil {
		return game.Guess{}, err
	}
	g.Direction = game.Direction(direction)
	g.StartTime = g.StartTime.UTC()
	g.NextAttemptAt = g.NextAttemptAt.UTC()
	if g.Resolved {
		g = g.Apply(game.Resolution{
			EndPrice:    endPrice.Decimal,
			Correct:     correct.Bool,
			ScoreChange: int(scoreChange.Int32),
			ResolvedAt:  resolvedAt.Time.UTC(),
		})
	}
	return g, nil
}

func (p *Postgres) GetActiveGuess(ctx context.Context, userID string) (*game.Guess, error) {
	g, err := scanGuess(p.db.QueryRowContext(ctx,
		`SELECT `+guessColumns+` FROM guesses WHERE user_id = $1 AND NOT resolved`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active guess %s: %w", userID, err)
	}
	return &g, nil
}

func (p *Postgres) GetGuess(ctx context.Context, userID, guessID string) (game.Guess, error) {
	g, err := scanGuess(p.db.QueryRowContext(ctx,
		`SELECT `+guessColumns+` FROM guesses WHERE guess_id = $1 AND user_id = $2`, guessID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return game.Guess{}, fmt.Errorf("guess %s: %w", guessID, game.ErrNotFound)
	}
	if err != nil {
		return game.Guess{}, fmt.Errorf("get guess %s: %w", guessID, err)
	}
	return g, nil
}

// CreateGuess relies on the partial unique index guesses_one_active_per_user.
// A zero NextAttemptAt defaults to the start time.
func (p *Postgres) CreateGuess(ctx context.Context, g game.Guess) error {
	nextAttempt := g.NextAttemptAt
	if nextAttempt.IsZero() {
		nextAttempt = g.StartTime
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO guesses (guess_id, user_id, instrument, direction, start_price, start_time,
			retry_count, next_attempt_at, resolved)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)`,
		g.GuessID, g.UserID, g.Instrument, string(g.Direction), g.StartPrice, g.StartTime,
		g.RetryCount, nextAttempt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUniqueViolation:
			return fmt.Errorf("user %s already has an active guess: %w", g.UserID, game.ErrConflict)
		case pqForeignKeyViolation:
			return fmt.Errorf("user %s: %w", g.UserID, game.ErrNotFound)
		}
	}
	if err != nil {
		return fmt.Errorf("create guess %s: %w", g.GuessID, err)
	}
	return nil
}

func (p *Postgres) ResolveGuess(ctx context.Context, userID, guessID string, r game.Resolution) (bool, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin resolve %s: %w", guessID, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE guesses
		SET resolved = TRUE, end_price = $3, correct = $4, score_change = $5, resolved_at = $6
		WHERE guess_id = $1 AND user_id = $2 AND NOT resolved`,
		guessID, userID, r.EndPrice, r.Correct, r.ScoreChange, r.ResolvedAt,
	)
	if err != nil {
		return false, fmt.Errorf("resolve guess %s: %w", guessID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("resolve guess %s: %w", guessID, err)
	}
	if n == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM guesses WHERE guess_id = $1 AND user_id = $2)`,
			guessID, userID,
		).Scan(&exists); err != nil {
			return false, fmt.Errorf("check guess %s: %w", guessID, err)
		}
		if !exists {
			return false, fmt.Errorf("guess %s: %w", guessID, game.ErrNotFound)
		}
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET score = score + $2, updated_at = NOW() WHERE user_id = $1`,
		userID, r.ScoreChange,
	); err != nil {
		return false, fmt.Errorf("update score %s: %w", userID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit resolve %s: %w", guessID, err)
	}
	return true, nil
}

func (p *Postgres) queryGuesses(ctx context.Context, query string, args ...any) ([]game.Guess, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []game.Guess
	for rows.Next() {
		g, err := scanGuess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (p *Postgres) GetHistory(ctx context.Context, userID string, limit int) ([]game.Guess, error) {
	out, err := p.queryGuesses(ctx, `
		SELECT `+guessColumns+` FROM guesses
		WHERE user_id = $1 AND resolved
		ORDER BY start_time DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("get history %s: %w", userID, err)
	}
	return out, nil
}

// SetNextAttempt matches no row once the guess is resolved, so the
// immutability trigger never sees it.
func (p *Postgres) SetNextAttempt(ctx context.Context, userID, guessID string, retryCount int, dueAt time.Time) error {
	if _, err := p.db.ExecContext(ctx, `
		UPDATE guesses SET retry_count = $3, next_attempt_at = $4
		WHERE guess_id = $1 AND user_id = $2 AND NOT resolved AND retry_count <= $3`,
		guessID, userID, retryCount, dueAt,
	); err != nil {
		return fmt.Errorf("set next attempt %s: %w", guessID, err)
	}
	return nil
}

func (p *Postgres) ListStaleGuesses(ctx context.Context, dueBefore time.Time, limit int) ([]game.Guess, error) {
	out, err := p.queryGuesses(ctx, `
		SELECT `+guessColumns+` FROM guesses
		WHERE NOT resolved AND next_attempt_at < $1
		ORDER BY next_attempt_at ASC
		LIMIT $2`, dueBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale guesses: %w", err)
	}
	return out, nil
}

func (p *Postgres) AppendPrice(ctx context.Context, obs game.Observation) error {
	if _, err := p.db.ExecContext(ctx, `
		INSERT INTO price_observations (instrument, price, observed_at, source, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		obs.Instrument, obs.Price, obs.Timestamp, obs.Source, obs.Expiry,
	); err != nil {
		return fmt.Errorf("append price %s: %w", obs.Instrument, err)
	}
	return nil
}

const priceColumns = `instrument, price, observed_at, source, expires_at`

func scanObservation(row *sql.Row) (*game.Observation, error) {
	var o game.Observation
	err := row.Scan(&o.Instrument, &o.Price, &o.Timestamp, &o.Source, &o.Expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	o.Timestamp = o.Timestamp.UTC()
	o.Expiry = o.Expiry.UTC()
	return &o, nil
}

func (p *Postgres) LatestPrice(ctx context.Context, instrument string) (*game.Observation, error) {
	o, err := scanObservation(p.db.QueryRowContext(ctx, `
		SELECT `+priceColumns+` FROM price_observations
		WHERE instrument = $1
		ORDER BY observed_at DESC, id DESC
		LIMIT 1`, instrument))
	if err != nil {
		return nil, fmt.Errorf("latest price %s: %w", instrument, err)
	}
	return o, nil
}

func (p *Postgres) FirstDifferentPriceAfter(ctx context.Context, instrument string, after time.Time, ref decimal.Decimal) (*game.Observation, error) {
	o, err := scanObservation(p.db.QueryRowContext(ctx, `
		SELECT `+priceColumns+` FROM price_observations
		WHERE instrument = $1 AND observed_at > $2 AND price <> $3
		ORDER BY observed_at ASC, id ASC
		LIMIT 1`, instrument, after, ref))
	if err != nil {
		return nil, fmt.Errorf("first different price %s: %w", instrument, err)
	}
	return o, nil
}

func (p *Postgres) PurgeExpiredPrices(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM price_observations WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("purge prices: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge prices: %w", err)
	}
	return n, nil
}
