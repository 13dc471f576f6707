package storage

import (
	"context"
	"errors"

	"github.com/Vilis322/sleepBot/internal"
)

var (
	ErrUserNotFound = errors.New("storage: user not found")
	ErrGoalNotFound = errors.New("storage: goal not found")
)

// SessionRepository is the durable session store. Implementations guarantee
// at most one active session per user without help from the caller.
type SessionRepository interface {
	// InsertIfNoActive stores s unless the user already has an active
	// session, in which case it returns internal.ErrActiveSessionExists.
	InsertIfNoActive(ctx context.Context, s *internal.SleepSession) error
	// GetActive returns nil, nil when the user has no active session.
	GetActive(ctx context.Context, userID string) (*internal.SleepSession, error)
	// GetByID returns nil, nil when no session has the id.
	GetByID(ctx context.Context, id string) (*internal.SleepSession, error)
	// GetLatest returns the user's session with the newest StartedAt, or nil, nil.
	GetLatest(ctx context.Context, userID string) (*internal.SleepSession, error)
	// GetLastCompleted returns the closed session with the newest EndedAt, or nil, nil.
	GetLastCompleted(ctx context.Context, userID string) (*internal.SleepSession, error)
	// UpdateFields applies patch if the stored version equals expectedVersion
	// and returns the updated session. A mismatch returns internal.ErrVersionConflict,
	// a missing row internal.ErrSessionNotFound.
	UpdateFields(ctx context.Context, id string, patch internal.SessionPatch, expectedVersion int64) (*internal.SleepSession, error)
	// QueryByUserAndRange returns the user's sessions with StartedAt in rng,
	// ascending by StartedAt. onlyClosed drops active sessions.
	QueryByUserAndRange(ctx context.Context, userID string, rng internal.DateRange, onlyClosed bool) ([]internal.SleepSession, error)
	// Delete removes the session if its version still equals expectedVersion.
	Delete(ctx context.Context, id string, expectedVersion int64) error
}

type UserRepository interface {
	// GetOrCreateUser returns the stored user with u.ID, inserting u when absent.
	GetOrCreateUser(ctx context.Context, u *internal.User) (*internal.User, bool, error)
	// GetUser returns nil, nil when the user does not exist.
	GetUser(ctx context.Context, id string) (*internal.User, error)
	UpdateUser(ctx context.Context, u *internal.User) error
}

type GoalRepository interface {
	SetGoal(ctx context.Context, goal *internal.Goal) error
	// GetGoal returns the user's most recently created goal of type t.
	GetGoal(ctx context.Context, userID string, t internal.GoalType) (*internal.Goal, error)
	// ListGoals returns the newest goal of every type the user has set,
	// ordered by type. It returns an empty slice when none are set.
	ListGoals(ctx context.Context, userID string) ([]*internal.Goal, error)
}

// Store bundles the repositories a backend provides.
type Store interface {
	SessionRepository
	UserRepository
	GoalRepository
	Close() error
}
