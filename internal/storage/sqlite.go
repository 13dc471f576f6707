package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/Vilis322/sleepBot/internal"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	language TEXT NOT NULL,
	timezone TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sleep_sessions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	started_at_ms INTEGER NOT NULL,
	ended_at_ms INTEGER,
	quality_rating REAL,
	note TEXT,
	version INTEGER NOT NULL DEFAULT 1,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	CHECK (ended_at_ms IS NULL OR ended_at_ms > started_at_ms),
	CHECK (quality_rating IS NULL OR (quality_rating >= 1.0 AND quality_rating <= 10.0))
);

CREATE UNIQUE INDEX IF NOT EXISTS uq_sleep_sessions_active ON sleep_sessions(user_id) WHERE ended_at_ms IS NULL;
CREATE INDEX IF NOT EXISTS idx_sleep_sessions_user_start ON sleep_sessions(user_id, started_at_ms);

CREATE TABLE IF NOT EXISTS goals (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	type TEXT NOT NULL,
	target REAL NOT NULL,
	created_at_ms INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_goals_user_type_created ON goals(user_id, type, created_at_ms);
`

const sqliteSessionColumns = `id, user_id, started_at_ms, ended_at_ms, quality_rating, note, version, created_at_ms, updated_at_ms`

// SqliteStorage is the embedded SQL backend (pure Go driver, WAL mode).
type SqliteStorage struct {
	db     *sql.DB
	logger internal.Logger
}

type SqliteOptions struct {
	Path         string
	BusyTimeout  time.Duration
	MaxOpenConns int
}

func NewSqliteStorage(opts SqliteOptions, logger internal.Logger) (*SqliteStorage, error) {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 8
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		opts.Path, opts.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxOpenConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		logger.Errorf("sqlite: schema setup failed: %v", err)
		return nil, fmt.Errorf("sqlite: schema: %w", err)
	}
	return &SqliteStorage{db: db, logger: logger}, nil
}

func (s *SqliteStorage) Close() error { return s.db.Close() }

func toMS(t time.Time) int64 { return t.UnixMilli() }

func fromMS(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMS(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSqliteSession(row rowScanner) (*internal.SleepSession, error) {
	var (
		sess                        internal.SleepSession
		startedMS, createdMS, updMS int64
		endedMS                     sql.NullInt64
		rating                      sql.NullFloat64
		note                        sql.NullString
	)
	if err := row.Scan(&sess.ID, &sess.UserID, &startedMS, &endedMS, &rating, &note, &sess.Version, &createdMS, &updMS); err != nil {
		return nil, err
	}
	sess.StartedAt = fromMS(startedMS)
	sess.CreatedAt = fromMS(createdMS)
	sess.UpdatedAt = fromMS(updMS)
	if endedMS.Valid {
		t := fromMS(endedMS.Int64)
		sess.EndedAt = &t
	}
	if rating.Valid {
		r := rating.Float64
		sess.QualityRating = &r
	}
	if note.Valid {
		n := note.String
		sess.Note = &n
	}
	return &sess, nil
}

func isActiveConflict(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	if code != sqlite3.SQLITE_CONSTRAINT_UNIQUE && code&0xff != sqlite3.SQLITE_CONSTRAINT {
		return false
	}
	return strings.Contains(se.Error(), "sleep_sessions.user_id")
}

// sqliteErr classifies driver failures. Busy/locked and deadline errors
// mean the store could not serve the call in time.
func sqliteErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return internal.Unavailable(err)
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN:
			return internal.Unavailable(err)
		}
	}
	return err
}

// --- SessionRepository ---

func (s *SqliteStorage) InsertIfNoActive(ctx context.Context, sess *internal.SleepSession) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sleep_sessions (`+sqliteSessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, toMS(sess.StartedAt), nullMS(sess.EndedAt), nullFloat(sess.QualityRating), nullString(sess.Note),
		sess.Version, toMS(sess.CreatedAt), toMS(sess.UpdatedAt))
	if err != nil {
		if isActiveConflict(err) {
			return &internal.Error{Kind: internal.KindActiveSessionExists, Err: err}
		}
		s.logger.Errorf("sqlite: failed to insert sleep session: %v", err)
		return sqliteErr(err)
	}
	return nil
}

func (s *SqliteStorage) querySession(ctx context.Context, query string, args ...any) (*internal.SleepSession, error) {
	sess, err := scanSqliteSession(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, sqliteErr(err)
	}
	return sess, nil
}

func (s *SqliteStorage) GetActive(ctx context.Context, userID string) (*internal.SleepSession, error) {
	return s.querySession(ctx, `SELECT `+sqliteSessionColumns+` FROM sleep_sessions WHERE user_id = ? AND ended_at_ms IS NULL`, userID)
}

func (s *SqliteStorage) GetByID(ctx context.Context, id string) (*internal.SleepSession, error) {
	return s.querySession(ctx, `SELECT `+sqliteSessionColumns+` FROM sleep_sessions WHERE id = ?`, id)
}

func (s *SqliteStorage) GetLatest(ctx context.Context, userID string) (*internal.SleepSession, error) {
	return s.querySession(ctx, `SELECT `+sqliteSessionColumns+` FROM sleep_sessions WHERE user_id = ? ORDER BY started_at_ms DESC LIMIT 1`, userID)
}

func (s *SqliteStorage) GetLastCompleted(ctx context.Context, userID string) (*internal.SleepSession, error) {
	return s.querySession(ctx, `SELECT `+sqliteSessionColumns+` FROM sleep_sessions WHERE user_id = ? AND ended_at_ms IS NOT NULL ORDER BY ended_at_ms DESC LIMIT 1`, userID)
}

func (s *SqliteStorage) UpdateFields(ctx context.Context, id string, patch internal.SessionPatch, expectedVersion int64) (*internal.SleepSession, error) {
	row := s.db.QueryRowContext(ctx, `
	UPDATE sleep_sessions SET
		ended_at_ms = COALESCE(?, ended_at_ms),
		quality_rating = COALESCE(?, quality_rating),
		note = COALESCE(?, note),
		version = version + 1,
		updated_at_ms = ?
	WHERE id = ? AND version = ?
	RETURNING `+sqliteSessionColumns,
		nullMS(patch.EndedAt), nullFloat(patch.QualityRating), nullString(patch.Note), toMS(patch.UpdatedAt), id, expectedVersion)

	sess, err := scanSqliteSession(row)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		s.logger.Errorf("sqlite: failed to update sleep session %s: %v", id, err)
		return nil, sqliteErr(err)
	}

	var version int64
	err = s.db.QueryRowContext(ctx, `SELECT version FROM sleep_sessions WHERE id = ?`, id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &internal.Error{Kind: internal.KindSessionNotFound, SessionID: id}
	}
	if err != nil {
		return nil, sqliteErr(err)
	}
	return nil, &internal.Error{Kind: internal.KindVersionConflict, SessionID: id}
}

func (s *SqliteStorage) QueryByUserAndRange(ctx context.Context, userID string, rng internal.DateRange, onlyClosed bool) ([]internal.SleepSession, error) {
	query := `SELECT ` + sqliteSessionColumns + ` FROM sleep_sessions WHERE user_id = ?`
	args := []any{userID}
	if !rng.From.IsZero() {
		query += ` AND started_at_ms >= ?`
		args = append(args, toMS(rng.From))
	}
	if !rng.To.IsZero() {
		query += ` AND started_at_ms <= ?`
		args = append(args, toMS(rng.To))
	}
	if onlyClosed {
		query += ` AND ended_at_ms IS NOT NULL`
	}
	query += ` ORDER BY started_at_ms ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Errorf("sqlite: failed to query sleep sessions: %v", err)
		return nil, sqliteErr(err)
	}
	defer rows.Close()

	out := []internal.SleepSession{}
	for rows.Next() {
		sess, err := scanSqliteSession(rows)
		if err != nil {
			return nil, sqliteErr(err)
		}
		out = append(out, *sess)
	}
	return out, sqliteErr(rows.Err())
}

func (s *SqliteStorage) Delete(ctx context.Context, id string, expectedVersion int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sleep_sessions WHERE id = ? AND version = ?`, id, expectedVersion)
	if err != nil {
		return sqliteErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return sqliteErr(err)
	}
	if n == 1 {
		return nil
	}
	existing, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return &internal.Error{Kind: internal.KindSessionNotFound, SessionID: id}
	}
	return &internal.Error{Kind: internal.KindVersionConflict, SessionID: id}
}

// --- UserRepository ---

func (s *SqliteStorage) GetOrCreateUser(ctx context.Context, u *internal.User) (*internal.User, bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO users (id, language, timezone, created_at_ms, updated_at_ms) VALUES (?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		u.ID, u.Language, u.Timezone, toMS(u.CreatedAt), toMS(u.UpdatedAt))
	if err != nil {
		return nil, false, sqliteErr(err)
	}
	n, _ := res.RowsAffected()
	stored, err := s.GetUser(ctx, u.ID)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, ErrUserNotFound
	}
	return stored, n == 1, nil
}

func (s *SqliteStorage) GetUser(ctx context.Context, id string) (*internal.User, error) {
	var (
		u                  internal.User
		createdMS, updatMS int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, language, timezone, created_at_ms, updated_at_ms FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Language, &u.Timezone, &createdMS, &updatMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, sqliteErr(err)
	}
	u.CreatedAt = fromMS(createdMS)
	u.UpdatedAt = fromMS(updatMS)
	return &u, nil
}

func (s *SqliteStorage) UpdateUser(ctx context.Context, u *internal.User) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET language = ?, timezone = ?, updated_at_ms = ? WHERE id = ?`,
		u.Language, u.Timezone, toMS(u.UpdatedAt), u.ID)
	if err != nil {
		return sqliteErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// --- GoalRepository ---

func (s *SqliteStorage) SetGoal(ctx context.Context, goal *internal.Goal) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO goals (id, user_id, type, target, created_at_ms) VALUES (?, ?, ?, ?, ?)`,
		goal.ID, goal.UserID, string(goal.Type), goal.Target, toMS(goal.CreatedAt))
	if err != nil {
		s.logger.Errorf("sqlite: failed to insert goal: %v", err)
		return sqliteErr(err)
	}
	return nil
}

const sqliteGoalColumns = `id, user_id, type, target, created_at_ms`

func scanSqliteGoal(row rowScanner) (*internal.Goal, error) {
	var (
		g         internal.Goal
		goalType  string
		createdMS int64
	)
	if err := row.Scan(&g.ID, &g.UserID, &goalType, &g.Target, &createdMS); err != nil {
		return nil, err
	}
	g.Type = internal.GoalType(goalType)
	g.CreatedAt = fromMS(createdMS)
	return &g, nil
}

func (s *SqliteStorage) GetGoal(ctx context.Context, userID string, t internal.GoalType) (*internal.Goal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteGoalColumns+` FROM goals WHERE user_id = ? AND type = ? ORDER BY created_at_ms DESC LIMIT 1`,
		userID, string(t))
	g, err := scanSqliteGoal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrGoalNotFound
	}
	if err != nil {
		return nil, sqliteErr(err)
	}
	return g, nil
}

func (s *SqliteStorage) ListGoals(ctx context.Context, userID string) ([]*internal.Goal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteGoalColumns+` FROM goals WHERE user_id = ? ORDER BY type, created_at_ms DESC`, userID)
	if err != nil {
		return nil, sqliteErr(err)
	}
	defer rows.Close()

	goals := []*internal.Goal{}
	for rows.Next() {
		g, err := scanSqliteGoal(rows)
		if err != nil {
			return nil, sqliteErr(err)
		}
		// rows arrive newest first within a type
		if n := len(goals); n > 0 && goals[n-1].Type == g.Type {
			continue
		}
		goals = append(goals, g)
	}
	return goals, sqliteErr(rows.Err())
}

var _ Store = (*SqliteStorage)(nil)
