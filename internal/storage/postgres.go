package storage

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Vilis322/sleepBot/internal"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	language TEXT NOT NULL DEFAULT 'en',
	timezone TEXT NOT NULL DEFAULT 'UTC',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sleep_sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	started_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ,
	quality_rating DOUBLE PRECISION,
	note TEXT,
	version BIGINT NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT sleep_sessions_end_after_start CHECK (ended_at IS NULL OR ended_at > started_at),
	CONSTRAINT sleep_sessions_rating_range CHECK (quality_rating IS NULL OR quality_rating BETWEEN 1.0 AND 10.0)
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_sleep_sessions_active ON sleep_sessions(user_id) WHERE ended_at IS NULL;
CREATE INDEX IF NOT EXISTS idx_sleep_sessions_user_start ON sleep_sessions(user_id, started_at);

CREATE TABLE IF NOT EXISTS goals (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	type TEXT NOT NULL,
	target DOUBLE PRECISION NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_goals_user_type_created ON goals(user_id, type, created_at DESC);
`

const pgSessionColumns = `id, user_id, started_at, ended_at, quality_rating, note, version, created_at, updated_at`

const (
	pgUniqueViolation   = "23505"
	pgActiveIndex       = "uq_sleep_sessions_active"
	pgQueryCanceled     = "57014"
	pgAdminShutdown     = "57P01"
	pgCannotConnectNow  = "57P03"
	pgTooManyConnection = "53300"
)

type PostgresStorage struct {
	pool   *pgxpool.Pool
	logger internal.Logger
}

func NewPostgresStorage(ctx context.Context, dsn string, logger internal.Logger) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		logger.Errorf("failed to connect to postgres: %v", err)
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		logger.Errorf("postgres ping failed: %v", err)
		return nil, err
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		logger.Errorf("postgres schema setup failed: %v", err)
		return nil, err
	}
	return &PostgresStorage{pool: pool, logger: logger}, nil
}

func (p *PostgresStorage) Close() error {
	p.pool.Close()
	return nil
}

// pgErr maps connection loss, timeouts and server shutdown to StorageUnavailable.
func pgErr(err error) error {
	if err == nil {
		return nil
	}
	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return internal.Unavailable(err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return internal.Unavailable(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return internal.Unavailable(err)
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch pe.Code {
		case pgQueryCanceled, pgAdminShutdown, pgCannotConnectNow, pgTooManyConnection:
			return internal.Unavailable(err)
		}
	}
	return err
}

func scanPgSession(row pgx.Row) (*internal.SleepSession, error) {
	var sess internal.SleepSession
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.StartedAt, &sess.EndedAt, &sess.QualityRating, &sess.Note,
		&sess.Version, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		return nil, err
	}
	sess.StartedAt = sess.StartedAt.UTC()
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.UpdatedAt = sess.UpdatedAt.UTC()
	if sess.EndedAt != nil {
		t := sess.EndedAt.UTC()
		sess.EndedAt = &t
	}
	return &sess, nil
}

// --- SessionRepository ---

func (p *PostgresStorage) InsertIfNoActive(ctx context.Context, sess *internal.SleepSession) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO sleep_sessions (`+pgSessionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sess.ID, sess.UserID, sess.StartedAt, sess.EndedAt, sess.QualityRating, sess.Note, sess.Version, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		var pe *pgconn.PgError
		if errors.As(err, &pe) && pe.Code == pgUniqueViolation && pe.ConstraintName == pgActiveIndex {
			return &internal.Error{Kind: internal.KindActiveSessionExists, Err: err}
		}
		p.logger.Errorf("failed to insert sleep session: %v", err)
		return pgErr(err)
	}
	return nil
}

func (p *PostgresStorage) querySession(ctx context.Context, query string, args ...any) (*internal.SleepSession, error) {
	sess, err := scanPgSession(p.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, pgErr(err)
	}
	return sess, nil
}

func (p *PostgresStorage) GetActive(ctx context.Context, userID string) (*internal.SleepSession, error) {
	return p.querySession(ctx, `SELECT `+pgSessionColumns+` FROM sleep_sessions WHERE user_id = $1 AND ended_at IS NULL`, userID)
}

func (p *PostgresStorage) GetByID(ctx context.Context, id string) (*internal.SleepSession, error) {
	return p.querySession(ctx, `SELECT `+pgSessionColumns+` FROM sleep_sessions WHERE id = $1`, id)
}

func (p *PostgresStorage) GetLatest(ctx context.Context, userID string) (*internal.SleepSession, error) {
	return p.querySession(ctx, `SELECT `+pgSessionColumns+` FROM sleep_sessions WHERE user_id = $1 ORDER BY started_at DESC LIMIT 1`, userID)
}

func (p *PostgresStorage) GetLastCompleted(ctx context.Context, userID string) (*internal.SleepSession, error) {
	return p.querySession(ctx, `SELECT `+pgSessionColumns+` FROM sleep_sessions WHERE user_id = $1 AND ended_at IS NOT NULL ORDER BY ended_at DESC LIMIT 1`, userID)
}

func (p *PostgresStorage) UpdateFields(ctx context.Context, id string, patch internal.SessionPatch, expectedVersion int64) (*internal.SleepSession, error) {
	sess, err := scanPgSession(p.pool.QueryRow(ctx, `
		UPDATE sleep_sessions SET
			ended_at = COALESCE($1, ended_at),
			quality_rating = COALESCE($2, quality_rating),
			note = COALESCE($3, note),
			version = version + 1,
			updated_at = $4
		WHERE id = $5 AND version = $6
		RETURNING `+pgSessionColumns,
		patch.EndedAt, patch.QualityRating, patch.Note, patch.UpdatedAt, id, expectedVersion))
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		p.logger.Errorf("failed to update sleep session %s: %v", id, err)
		return nil, pgErr(err)
	}

	var version int64
	err = p.pool.QueryRow(ctx, `SELECT version FROM sleep_sessions WHERE id = $1`, id).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &internal.Error{Kind: internal.KindSessionNotFound, SessionID: id}
	}
	if err != nil {
		return nil, pgErr(err)
	}
	return nil, &internal.Error{Kind: internal.KindVersionConflict, SessionID: id}
}

func (p *PostgresStorage) QueryByUserAndRange(ctx context.Context, userID string, rng internal.DateRange, onlyClosed bool) ([]internal.SleepSession, error) {
	var from, to *time.Time
	if !rng.From.IsZero() {
		from = &rng.From
	}
	if !rng.To.IsZero() {
		to = &rng.To
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+pgSessionColumns+` FROM sleep_sessions
		WHERE user_id = $1
			AND ($2::timestamptz IS NULL OR started_at >= $2)
			AND ($3::timestamptz IS NULL OR started_at <= $3)
			AND (NOT $4 OR ended_at IS NOT NULL)
		ORDER BY started_at ASC`, userID, from, to, onlyClosed)
	if err != nil {
		p.logger.Errorf("failed to query sleep sessions: %v", err)
		return nil, pgErr(err)
	}
	defer rows.Close()

	out := []internal.SleepSession{}
	for rows.Next() {
		sess, err := scanPgSession(rows)
		if err != nil {
			p.logger.Errorf("failed to scan sleep session: %v", err)
			return nil, pgErr(err)
		}
		out = append(out, *sess)
	}
	return out, pgErr(rows.Err())
}

func (p *PostgresStorage) Delete(ctx context.Context, id string, expectedVersion int64) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM sleep_sessions WHERE id = $1 AND version = $2`, id, expectedVersion)
	if err != nil {
		return pgErr(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	existing, err := p.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return &internal.Error{Kind: internal.KindSessionNotFound, SessionID: id}
	}
	return &internal.Error{Kind: internal.KindVersionConflict, SessionID: id}
}

// --- UserRepository ---

func (p *PostgresStorage) GetOrCreateUser(ctx context.Context, u *internal.User) (*internal.User, bool, error) {
	tag, err := p.pool.Exec(ctx, `INSERT INTO users (id, language, timezone, created_at, updated_at) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (id) DO NOTHING`,
		u.ID, u.Language, u.Timezone, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		p.logger.Errorf("failed to insert user: %v", err)
		return nil, false, pgErr(err)
	}
	stored, err := p.GetUser(ctx, u.ID)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, ErrUserNotFound
	}
	return stored, tag.RowsAffected() == 1, nil
}

func (p *PostgresStorage) GetUser(ctx context.Context, id string) (*internal.User, error) {
	row := p.pool.QueryRow(ctx, `SELECT id, language, timezone, created_at, updated_at FROM users WHERE id = $1`, id)
	var u internal.User
	if err := row.Scan(&u.ID, &u.Language, &u.Timezone, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		p.logger.Errorf("failed to load user: %v", err)
		return nil, pgErr(err)
	}
	u.CreatedAt = u.CreatedAt.UTC()
	u.UpdatedAt = u.UpdatedAt.UTC()
	return &u, nil
}

func (p *PostgresStorage) UpdateUser(ctx context.Context, u *internal.User) error {
	tag, err := p.pool.Exec(ctx, `UPDATE users SET language = $1, timezone = $2, updated_at = $3 WHERE id = $4`,
		u.Language, u.Timezone, u.UpdatedAt, u.ID)
	if err != nil {
		return pgErr(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// --- GoalRepository ---

func (p *PostgresStorage) SetGoal(ctx context.Context, goal *internal.Goal) error {
	_, err := p.pool.Exec(ctx, `INSERT INTO goals (id, user_id, type, target, created_at) VALUES ($1, $2, $3, $4, $5)`,
		goal.ID, goal.UserID, string(goal.Type), goal.Target, goal.CreatedAt)
	if err != nil {
		p.logger.Errorf("failed to insert goal: %v", err)
		return pgErr(err)
	}
	return nil
}

func scanPgGoal(row pgx.Row) (*internal.Goal, error) {
	var (
		g        internal.Goal
		goalType string
	)
	if err := row.Scan(&g.ID, &g.UserID, &goalType, &g.Target, &g.CreatedAt); err != nil {
		return nil, err
	}
	g.Type = internal.GoalType(goalType)
	g.CreatedAt = g.CreatedAt.UTC()
	return &g, nil
}

func (p *PostgresStorage) GetGoal(ctx context.Context, userID string, t internal.GoalType) (*internal.Goal, error) {
	row := p.pool.QueryRow(ctx, `SELECT id, user_id, type, target, created_at FROM goals
		WHERE user_id = $1 AND type = $2 ORDER BY created_at DESC LIMIT 1`, userID, string(t))
	g, err := scanPgGoal(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrGoalNotFound
		}
		return nil, pgErr(err)
	}
	return g, nil
}

func (p *PostgresStorage) ListGoals(ctx context.Context, userID string) ([]*internal.Goal, error) {
	rows, err := p.pool.Query(ctx, `SELECT DISTINCT ON (type) id, user_id, type, target, created_at FROM goals
		WHERE user_id = $1 ORDER BY type, created_at DESC`, userID)
	if err != nil {
		return nil, pgErr(err)
	}
	defer rows.Close()

	goals := []*internal.Goal{}
	for rows.Next() {
		g, err := scanPgGoal(rows)
		if err != nil {
			return nil, pgErr(err)
		}
		goals = append(goals, g)
	}
	if err := rows.Err(); err != nil {
		return nil, pgErr(err)
	}
	return goals, nil
}

var _ Store = (*PostgresStorage)(nil)
