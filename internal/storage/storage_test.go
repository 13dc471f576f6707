package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/Vilis322/sleepBot/internal"
	"github.com/Vilis322/sleepBot/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var base = time.Date(2026, 2, 1, 22, 0, 0, 0, time.UTC)

type backend struct {
	name string
	open func(t *testing.T) Store
}

func backends(t *testing.T) []backend {
	out := []backend{
		{"file", func(t *testing.T) Store {
			dir := t.TempDir()
			s, err := NewFileStorage(FileOptions{
				UsersFile: filepath.Join(dir, "users.json"),
				SleepFile: filepath.Join(dir, "sleep.json"),
				GoalsFile: filepath.Join(dir, "goals.json"),
				SaveDelay: 10 * time.Millisecond,
			}, internal.NopLogger())
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
		{"sqlite", func(t *testing.T) Store {
			s, err := NewSqliteStorage(SqliteOptions{Path: filepath.Join(t.TempDir(), "sleep.db")}, internal.NopLogger())
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
	}
	if dsn := os.Getenv("SLEEPBOT_TEST_POSTGRES_DSN"); dsn != "" {
		out = append(out, backend{"postgres", func(t *testing.T) Store {
			s, err := NewPostgresStorage(context.Background(), dsn, internal.NopLogger())
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}})
	}
	return out
}

func newUser(t *testing.T, s Store) string {
	t.Helper()
	id := "u-" + uuid.NewString()
	_, created, err := s.GetOrCreateUser(context.Background(), &internal.User{
		ID: id, Language: "en", Timezone: "UTC", CreatedAt: base, UpdatedAt: base,
	})
	require.NoError(t, err)
	require.True(t, created)
	return id
}

func newSession(userID string, start time.Time) *internal.SleepSession {
	return &internal.SleepSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		StartedAt: start,
		Version:   1,
		CreatedAt: start,
		UpdatedAt: start,
	}
}

func ptrTime(t time.Time) *time.Time { return &t }
func ptrFloat(f float64) *float64    { return &f }
func ptrString(s string) *string     { return &s }

func TestInsertIfNoActive(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			user := newUser(t, s)

			first := newSession(user, base)
			require.NoError(t, s.InsertIfNoActive(ctx, first))

			err := s.InsertIfNoActive(ctx, newSession(user, base.Add(time.Hour)))
			assert.True(t, errors.Is(err, internal.ErrActiveSessionExists))

			active, err := s.GetActive(ctx, user)
			require.NoError(t, err)
			require.NotNil(t, active)
			assert.Equal(t, first.ID, active.ID)

			// other users are unaffected
			other := newUser(t, s)
			assert.NoError(t, s.InsertIfNoActive(ctx, newSession(other, base)))
		})
	}
}

func TestInsertIfNoActive_ConcurrentStarts(t *testing.T) {
	const n = 16
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			user := newUser(t, s)

			results := make([]error, n)
			var g errgroup.Group
			for i := 0; i < n; i++ {
				i := i
				g.Go(func() error {
					results[i] = s.InsertIfNoActive(ctx, newSession(user, base.Add(time.Duration(i)*time.Second)))
					return nil
				})
			}
			require.NoError(t, g.Wait())

			wins, conflicts := 0, 0
			for _, err := range results {
				switch {
				case err == nil:
					wins++
				case errors.Is(err, internal.ErrActiveSessionExists):
					conflicts++
				default:
					t.Fatalf("unexpected error: %v", err)
				}
			}
			assert.Equal(t, 1, wins)
			assert.Equal(t, n-1, conflicts)

			all, err := s.QueryByUserAndRange(ctx, user, internal.DateRange{}, false)
			require.NoError(t, err)
			assert.Len(t, all, 1)
		})
	}
}

func TestUpdateFields(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			user := newUser(t, s)
			sess := newSession(user, base)
			require.NoError(t, s.InsertIfNoActive(ctx, sess))

			end := base.Add(8 * time.Hour)
			updated, err := s.UpdateFields(ctx, sess.ID, internal.SessionPatch{
				EndedAt:       &end,
				QualityRating: ptrFloat(7.5),
				UpdatedAt:     end,
			}, 1)
			require.NoError(t, err)
			assert.Equal(t, int64(2), updated.Version)
			require.NotNil(t, updated.EndedAt)
			assert.True(t, end.Equal(*updated.EndedAt))
			assert.Equal(t, 7.5, *updated.QualityRating)
			assert.Nil(t, updated.Note)

			active, err := s.GetActive(ctx, user)
			require.NoError(t, err)
			assert.Nil(t, active)

			// stale version
			_, err = s.UpdateFields(ctx, sess.ID, internal.SessionPatch{Note: ptrString("late"), UpdatedAt: end}, 1)
			assert.True(t, errors.Is(err, internal.ErrVersionConflict))

			// untouched fields survive a partial patch
			updated, err = s.UpdateFields(ctx, sess.ID, internal.SessionPatch{Note: ptrString("good night"), UpdatedAt: end}, 2)
			require.NoError(t, err)
			assert.Equal(t, int64(3), updated.Version)
			assert.Equal(t, 7.5, *updated.QualityRating)
			assert.Equal(t, "good night", *updated.Note)

			_, err = s.UpdateFields(ctx, "missing", internal.SessionPatch{UpdatedAt: end}, 1)
			assert.True(t, errors.Is(err, internal.ErrSessionNotFound))

			// a new session may start once the previous one is closed
			assert.NoError(t, s.InsertIfNoActive(ctx, newSession(user, end.Add(time.Hour))))
		})
	}
}

func TestUpdateFields_ConcurrentSameVersion(t *testing.T) {
	const n = 8
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			user := newUser(t, s)
			sess := newSession(user, base)
			require.NoError(t, s.InsertIfNoActive(ctx, sess))

			results := make([]error, n)
			var g errgroup.Group
			for i := 0; i < n; i++ {
				i := i
				g.Go(func() error {
					end := base.Add(time.Duration(6+i) * time.Hour)
					_, results[i] = s.UpdateFields(ctx, sess.ID, internal.SessionPatch{EndedAt: &end, UpdatedAt: end}, 1)
					return nil
				})
			}
			require.NoError(t, g.Wait())

			wins := 0
			for _, err := range results {
				if err == nil {
					wins++
					continue
				}
				assert.True(t, errors.Is(err, internal.ErrVersionConflict), "got %v", err)
			}
			assert.Equal(t, 1, wins)
		})
	}
}

func TestQueries(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			user := newUser(t, s)

			// three closed nights and one open session
			var ids []string
			for i := 0; i < 3; i++ {
				start := base.AddDate(0, 0, i)
				sess := newSession(user, start)
				require.NoError(t, s.InsertIfNoActive(ctx, sess))
				end := start.Add(time.Duration(7+i) * time.Hour)
				_, err := s.UpdateFields(ctx, sess.ID, internal.SessionPatch{EndedAt: &end, UpdatedAt: end}, 1)
				require.NoError(t, err)
				ids = append(ids, sess.ID)
			}
			open := newSession(user, base.AddDate(0, 0, 3))
			require.NoError(t, s.InsertIfNoActive(ctx, open))

			all, err := s.QueryByUserAndRange(ctx, user, internal.DateRange{}, false)
			require.NoError(t, err)
			require.Len(t, all, 4)
			for i := 1; i < len(all); i++ {
				assert.True(t, all[i-1].StartedAt.Before(all[i].StartedAt))
			}

			closed, err := s.QueryByUserAndRange(ctx, user, internal.DateRange{}, true)
			require.NoError(t, err)
			assert.Len(t, closed, 3)

			// inclusive bounds on StartedAt
			rng := internal.DateRange{From: base.AddDate(0, 0, 1), To: base.AddDate(0, 0, 2)}
			ranged, err := s.QueryByUserAndRange(ctx, user, rng, true)
			require.NoError(t, err)
			require.Len(t, ranged, 2)
			assert.Equal(t, ids[1], ranged[0].ID)
			assert.Equal(t, ids[2], ranged[1].ID)

			latest, err := s.GetLatest(ctx, user)
			require.NoError(t, err)
			assert.Equal(t, open.ID, latest.ID)

			last, err := s.GetLastCompleted(ctx, user)
			require.NoError(t, err)
			assert.Equal(t, ids[2], last.ID)

			none, err := s.GetLatest(ctx, "nobody")
			require.NoError(t, err)
			assert.Nil(t, none)

			missing, err := s.GetByID(ctx, "missing")
			require.NoError(t, err)
			assert.Nil(t, missing)
		})
	}
}

func TestDelete(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			user := newUser(t, s)
			sess := newSession(user, base)
			require.NoError(t, s.InsertIfNoActive(ctx, sess))

			assert.True(t, errors.Is(s.Delete(ctx, sess.ID, 2), internal.ErrVersionConflict))
			require.NoError(t, s.Delete(ctx, sess.ID, 1))
			assert.True(t, errors.Is(s.Delete(ctx, sess.ID, 1), internal.ErrSessionNotFound))

			active, err := s.GetActive(ctx, user)
			require.NoError(t, err)
			assert.Nil(t, active)
			assert.NoError(t, s.InsertIfNoActive(ctx, newSession(user, base.Add(time.Hour))))
		})
	}
}

func TestUsersAndGoals(t *testing.T) {
	for _, b := range backends(t) {
		t.Run(b.name, func(t *testing.T) {
			ctx := context.Background()
			s := b.open(t)
			user := newUser(t, s)

			again, created, err := s.GetOrCreateUser(ctx, &internal.User{ID: user, Language: "ru", Timezone: "Europe/Moscow", CreatedAt: base, UpdatedAt: base})
			require.NoError(t, err)
			assert.False(t, created)
			assert.Equal(t, "en", again.Language)

			again.Timezone = "Europe/Tallinn"
			again.UpdatedAt = base.Add(time.Hour)
			require.NoError(t, s.UpdateUser(ctx, again))
			got, err := s.GetUser(ctx, user)
			require.NoError(t, err)
			assert.Equal(t, "Europe/Tallinn", got.Timezone)

			assert.ErrorIs(t, s.UpdateUser(ctx, &internal.User{ID: "ghost"}), ErrUserNotFound)

			_, err = s.GetGoal(ctx, user, internal.GoalDuration)
			assert.ErrorIs(t, err, ErrGoalNotFound)
			goals, err := s.ListGoals(ctx, user)
			require.NoError(t, err)
			assert.Empty(t, goals)

			require.NoError(t, s.SetGoal(ctx, &internal.Goal{ID: uuid.NewString(), UserID: user, Type: internal.GoalDuration, Target: 7, CreatedAt: base}))
			require.NoError(t, s.SetGoal(ctx, &internal.Goal{ID: uuid.NewString(), UserID: user, Type: internal.GoalDuration, Target: 8, CreatedAt: base.Add(time.Minute)}))
			require.NoError(t, s.SetGoal(ctx, &internal.Goal{ID: uuid.NewString(), UserID: user, Type: internal.GoalQuality, Target: 6, CreatedAt: base.Add(2 * time.Minute)}))

			// a newer goal of another type leaves the duration goal in place
			goal, err := s.GetGoal(ctx, user, internal.GoalDuration)
			require.NoError(t, err)
			assert.Equal(t, 8.0, goal.Target)
			goal, err = s.GetGoal(ctx, user, internal.GoalQuality)
			require.NoError(t, err)
			assert.Equal(t, 6.0, goal.Target)
			_, err = s.GetGoal(ctx, user, internal.GoalWake)
			assert.ErrorIs(t, err, ErrGoalNotFound)

			goals, err = s.ListGoals(ctx, user)
			require.NoError(t, err)
			require.Len(t, goals, 2)
			assert.Equal(t, internal.GoalDuration, goals[0].Type)
			assert.Equal(t, 8.0, goals[0].Target)
			assert.Equal(t, internal.GoalQuality, goals[1].Type)
		})
	}
}

func TestFileStorage_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	opts := FileOptions{
		UsersFile: filepath.Join(dir, "users.json"),
		SleepFile: filepath.Join(dir, "sleep.json"),
		GoalsFile: filepath.Join(dir, "goals.json"),
	}
	ctx := context.Background()

	s, err := NewFileStorage(opts, internal.NopLogger())
	require.NoError(t, err)
	user := newUser(t, s)
	sess := newSession(user, base)
	sess.Note = ptrString("restless")
	require.NoError(t, s.InsertIfNoActive(ctx, sess))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	reopened, err := NewFileStorage(opts, internal.NopLogger())
	require.NoError(t, err)
	defer reopened.Close()

	active, err := reopened.GetActive(ctx, user)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, "restless", *active.Note)
	assert.True(t, errors.Is(reopened.InsertIfNoActive(ctx, newSession(user, base.Add(time.Hour))), internal.ErrActiveSessionExists))
}

func TestFileStorage_CanceledContext(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStorage(FileOptions{SleepFile: filepath.Join(dir, "sleep.json")}, internal.NopLogger())
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.GetActive(ctx, "u1")
	assert.True(t, errors.Is(err, internal.ErrStorageUnavailable))
}

func TestSqliteStorage_RejectsOutOfRangeRating(t *testing.T) {
	s, err := NewSqliteStorage(SqliteOptions{Path: filepath.Join(t.TempDir(), "sleep.db")}, internal.NopLogger())
	require.NoError(t, err)
	defer s.Close()

	sess := newSession("u1", base)
	sess.QualityRating = ptrFloat(11)
	assert.Error(t, s.InsertIfNoActive(context.Background(), sess))

	sess = newSession("u1", base)
	sess.EndedAt = ptrTime(base.Add(-time.Hour))
	assert.Error(t, s.InsertIfNoActive(context.Background(), sess))
}

func TestOpen_CreatesDataDirs(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	fileStore, err := Open(ctx, &config.Config{
		DBType:    "file",
		FileUsers: filepath.Join(dir, "json", "users.json"),
		FileSleep: filepath.Join(dir, "json", "sleep.json"),
		FileGoals: filepath.Join(dir, "json", "goals.json"),
	}, internal.NopLogger())
	require.NoError(t, err)
	require.IsType(t, &FileStorage{}, fileStore)
	require.NoError(t, fileStore.Close())
	assert.DirExists(t, filepath.Join(dir, "json"))

	sqliteStore, err := Open(ctx, &config.Config{DBType: "sqlite", SqlitePath: filepath.Join(dir, "db", "sleep.db")}, internal.NopLogger())
	require.NoError(t, err)
	require.IsType(t, &SqliteStorage{}, sqliteStore)
	require.NoError(t, sqliteStore.Close())
	assert.FileExists(t, filepath.Join(dir, "db", "sleep.db"))

	_, err = Open(ctx, &config.Config{DBType: "mongo"}, internal.NopLogger())
	assert.Error(t, err)
}
