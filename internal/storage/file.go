package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/Vilis322/sleepBot/internal"
)

// FileStorage keeps everything in memory and persists JSON snapshots.
// The per-user active marker is checked and set under the same lock as
// the insert, which is what makes InsertIfNoActive atomic.
type FileStorage struct {
	sessions  map[string]*internal.SleepSession               // id -> session
	userIndex map[string][]*internal.SleepSession             // userID -> sessions, StartedAt descending
	active    map[string]string                               // userID -> active session id
	users     map[string]*internal.User                       // id -> user
	goals     map[string]map[internal.GoalType]*internal.Goal // userID -> type -> goal
	mu        sync.RWMutex

	usersFile string
	sleepFile string
	goalsFile string

	flushers []*flusher
	shutdown chan struct{}
	wg       sync.WaitGroup
	closed   bool
	logger   internal.Logger
}

type FileOptions struct {
	UsersFile string
	SleepFile string
	GoalsFile string
	// SaveDelay debounces writes; zero means 500ms.
	SaveDelay time.Duration
}

func NewFileStorage(opts FileOptions, logger internal.Logger) (*FileStorage, error) {
	delay := opts.SaveDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	s := &FileStorage{
		sessions:  make(map[string]*internal.SleepSession),
		userIndex: make(map[string][]*internal.SleepSession),
		active:    make(map[string]string),
		users:     make(map[string]*internal.User),
		goals:     make(map[string]map[internal.GoalType]*internal.Goal),
		usersFile: opts.UsersFile,
		sleepFile: opts.SleepFile,
		goalsFile: opts.GoalsFile,
		shutdown:  make(chan struct{}),
		logger:    logger,
	}

	if err := s.loadSessions(); err != nil {
		logger.Errorf("storage: failed to load sleep sessions: %v", err)
		return nil, err
	}
	if err := s.loadUsers(); err != nil {
		logger.Errorf("storage: failed to load users: %v", err)
		return nil, err
	}
	if err := s.loadGoals(); err != nil {
		logger.Errorf("storage: failed to load goals: %v", err)
		return nil, err
	}

	s.flushers = []*flusher{
		newFlusher("sleep sessions", delay, s.saveSessions),
		newFlusher("users", delay, s.saveUsers),
		newFlusher("goals", delay, s.saveGoals),
	}
	for _, f := range s.flushers {
		s.wg.Add(1)
		go f.run(s.shutdown, &s.wg, logger)
	}

	return s, nil
}

const (
	flushSessions = iota
	flushUsers
	flushGoals
)

// flusher coalesces save requests so a burst of writes costs one disk write.
type flusher struct {
	name   string
	delay  time.Duration
	signal chan struct{}
	write  func() error
}

func newFlusher(name string, delay time.Duration, write func() error) *flusher {
	return &flusher{name: name, delay: delay, signal: make(chan struct{}, 1), write: write}
}

func (f *flusher) notify() {
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

func (f *flusher) run(shutdown <-chan struct{}, wg *sync.WaitGroup, logger internal.Logger) {
	defer wg.Done()
	timer := time.NewTimer(f.delay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-f.signal:
			timer.Reset(f.delay)
		case <-timer.C:
			if err := f.write(); err != nil {
				logger.Errorf("storage: error saving %s: %v", f.name, err)
			}
		case <-shutdown:
			return
		}
	}
}

func readJSONFile(path string, into interface{}) error {
	if path == "" {
		return nil
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(into); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func writeJSONFile(path string, data interface{}) error {
	if path == "" {
		return nil
	}
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(path, b, 0o644)
}

func (s *FileStorage) loadSessions() error {
	var sessions []*internal.SleepSession
	if err := readJSONFile(s.sleepFile, &sessions); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range sessions {
		s.sessions[sess.ID] = sess
		s.userIndex[sess.UserID] = append(s.userIndex[sess.UserID], sess)
		if sess.Active() {
			s.active[sess.UserID] = sess.ID
		}
	}
	for userID := range s.userIndex {
		list := s.userIndex[userID]
		sort.Slice(list, func(i, j int) bool {
			return list[i].StartedAt.After(list[j].StartedAt)
		})
	}
	return nil
}

func (s *FileStorage) loadUsers() error {
	var users []*internal.User
	if err := readJSONFile(s.usersFile, &users); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range users {
		s.users[u.ID] = u
	}
	return nil
}

func (s *FileStorage) loadGoals() error {
	var goals []*internal.Goal
	if err := readJSONFile(s.goalsFile, &goals); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range goals {
		if s.goals[g.UserID] == nil {
			s.goals[g.UserID] = make(map[internal.GoalType]*internal.Goal)
		}
		s.goals[g.UserID][g.Type] = g
	}
	return nil
}

func (s *FileStorage) saveSessions() error {
	s.mu.RLock()
	sessions := make([]internal.SleepSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, copySession(sess))
	}
	s.mu.RUnlock()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].StartedAt.Before(sessions[j].StartedAt) })
	return writeJSONFile(s.sleepFile, sessions)
}

func (s *FileStorage) saveUsers() error {
	s.mu.RLock()
	users := make([]internal.User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, *u)
	}
	s.mu.RUnlock()
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return writeJSONFile(s.usersFile, users)
}

func (s *FileStorage) saveGoals() error {
	s.mu.RLock()
	goals := make([]internal.Goal, 0)
	for _, byType := range s.goals {
		for _, g := range byType {
			goals = append(goals, *g)
		}
	}
	s.mu.RUnlock()
	sort.Slice(goals, func(i, j int) bool { return goals[i].CreatedAt.Before(goals[j].CreatedAt) })
	return writeJSONFile(s.goalsFile, goals)
}

// Close stops the writers and saves everything synchronously.
func (s *FileStorage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.shutdown)
	s.wg.Wait()

	if err := s.saveSessions(); err != nil {
		return err
	}
	if err := s.saveUsers(); err != nil {
		return err
	}
	return s.saveGoals()
}

func copySession(in *internal.SleepSession) internal.SleepSession {
	out := *in
	if in.EndedAt != nil {
		t := *in.EndedAt
		out.EndedAt = &t
	}
	if in.QualityRating != nil {
		r := *in.QualityRating
		out.QualityRating = &r
	}
	if in.Note != nil {
		n := *in.Note
		out.Note = &n
	}
	return out
}

func sessionPtr(in *internal.SleepSession) *internal.SleepSession {
	c := copySession(in)
	return &c
}

func ctxErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return internal.Unavailable(err)
	}
	return nil
}

// --- SessionRepository ---

func (s *FileStorage) InsertIfNoActive(ctx context.Context, sess *internal.SleepSession) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.active[sess.UserID]; ok {
		return &internal.Error{Kind: internal.KindActiveSessionExists, SessionID: id}
	}
	stored := sessionPtr(sess)
	s.sessions[stored.ID] = stored
	if stored.Active() {
		s.active[stored.UserID] = stored.ID
	}

	list := s.userIndex[stored.UserID]
	i := sort.Search(len(list), func(i int) bool { return !list[i].StartedAt.After(stored.StartedAt) })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = stored
	s.userIndex[stored.UserID] = list

	s.flushers[flushSessions].notify()
	return nil
}

func (s *FileStorage) GetActive(ctx context.Context, userID string) (*internal.SleepSession, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.active[userID]
	if !ok {
		return nil, nil
	}
	return sessionPtr(s.sessions[id]), nil
}

func (s *FileStorage) GetByID(ctx context.Context, id string) (*internal.SleepSession, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return sessionPtr(sess), nil
}

func (s *FileStorage) GetLatest(ctx context.Context, userID string) (*internal.SleepSession, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.userIndex[userID]
	if len(list) == 0 {
		return nil, nil
	}
	return sessionPtr(list[0]), nil
}

func (s *FileStorage) GetLastCompleted(ctx context.Context, userID string) (*internal.SleepSession, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last *internal.SleepSession
	for _, sess := range s.userIndex[userID] {
		if sess.Active() {
			continue
		}
		if last == nil || sess.EndedAt.After(*last.EndedAt) {
			last = sess
		}
	}
	if last == nil {
		return nil, nil
	}
	return sessionPtr(last), nil
}

func (s *FileStorage) UpdateFields(ctx context.Context, id string, patch internal.SessionPatch, expectedVersion int64) (*internal.SleepSession, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, &internal.Error{Kind: internal.KindSessionNotFound, SessionID: id}
	}
	if sess.Version != expectedVersion {
		return nil, &internal.Error{Kind: internal.KindVersionConflict, SessionID: id}
	}
	wasActive := sess.Active()
	patch.Apply(sess)
	if wasActive && !sess.Active() && s.active[sess.UserID] == sess.ID {
		delete(s.active, sess.UserID)
	}

	s.flushers[flushSessions].notify()
	return sessionPtr(sess), nil
}

func (s *FileStorage) QueryByUserAndRange(ctx context.Context, userID string, rng internal.DateRange, onlyClosed bool) ([]internal.SleepSession, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.userIndex[userID]
	out := make([]internal.SleepSession, 0, len(list))
	// index is descending; walk backwards for ascending output
	for i := len(list) - 1; i >= 0; i-- {
		sess := list[i]
		if onlyClosed && sess.Active() {
			continue
		}
		if !rng.Contains(sess.StartedAt) {
			continue
		}
		out = append(out, copySession(sess))
	}
	return out, nil
}

func (s *FileStorage) Delete(ctx context.Context, id string, expectedVersion int64) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return &internal.Error{Kind: internal.KindSessionNotFound, SessionID: id}
	}
	if sess.Version != expectedVersion {
		return &internal.Error{Kind: internal.KindVersionConflict, SessionID: id}
	}
	delete(s.sessions, id)
	if s.active[sess.UserID] == id {
		delete(s.active, sess.UserID)
	}
	list := s.userIndex[sess.UserID]
	for i, existing := range list {
		if existing.ID == id {
			s.userIndex[sess.UserID] = append(list[:i], list[i+1:]...)
			break
		}
	}

	s.flushers[flushSessions].notify()
	return nil
}

// --- UserRepository ---

func (s *FileStorage) GetOrCreateUser(ctx context.Context, u *internal.User) (*internal.User, bool, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.users[u.ID]; ok {
		c := *existing
		return &c, false, nil
	}
	stored := *u
	s.users[u.ID] = &stored
	s.flushers[flushUsers].notify()
	c := stored
	return &c, true, nil
}

func (s *FileStorage) GetUser(ctx context.Context, id string) (*internal.User, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	c := *u
	return &c, nil
}

func (s *FileStorage) UpdateUser(ctx context.Context, u *internal.User) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; !ok {
		return ErrUserNotFound
	}
	stored := *u
	s.users[u.ID] = &stored
	s.flushers[flushUsers].notify()
	return nil
}

// --- GoalRepository ---

func (s *FileStorage) SetGoal(ctx context.Context, goal *internal.Goal) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.goals[goal.UserID] == nil {
		s.goals[goal.UserID] = make(map[internal.GoalType]*internal.Goal)
	}
	g := *goal
	s.goals[goal.UserID][goal.Type] = &g
	s.flushers[flushGoals].notify()
	return nil
}

func (s *FileStorage) GetGoal(ctx context.Context, userID string, t internal.GoalType) (*internal.Goal, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.goals[userID][t]
	if !ok {
		return nil, ErrGoalNotFound
	}
	c := *g
	return &c, nil
}

func (s *FileStorage) ListGoals(ctx context.Context, userID string) ([]*internal.Goal, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	goals := make([]*internal.Goal, 0, len(s.goals[userID]))
	for _, g := range s.goals[userID] {
		c := *g
		goals = append(goals, &c)
	}
	sort.Slice(goals, func(i, j int) bool { return goals[i].Type < goals[j].Type })
	return goals, nil
}

var _ Store = (*FileStorage)(nil)
