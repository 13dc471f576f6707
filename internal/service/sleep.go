package service

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/Vilis322/sleepBot/internal"
	"github.com/Vilis322/sleepBot/internal/clock"
	"github.com/Vilis322/sleepBot/internal/metrics"
	"github.com/Vilis322/sleepBot/internal/storage"
)

var validate = validator.New()

const (
	DefaultPendingTTL     = 15 * time.Minute
	DefaultStorageTimeout = 5 * time.Second
)

type SleepOptions struct {
	EditWindow     time.Duration
	PendingTTL     time.Duration
	StorageTimeout time.Duration
}

// SleepService owns every lifecycle transition of a sleep session.
// It never reads then writes to enforce an invariant: the active-session
// rule lives in the store and edits are versioned.
type SleepService struct {
	sessions       storage.SessionRepository
	clock          clock.Clock
	logger         internal.Logger
	window         time.Duration
	pendingTTL     time.Duration
	storageTimeout time.Duration
}

func NewSleepService(sessions storage.SessionRepository, clk clock.Clock, logger internal.Logger, opts SleepOptions) *SleepService {
	if opts.EditWindow <= 0 {
		opts.EditWindow = DefaultEditWindow
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = DefaultPendingTTL
	}
	if opts.StorageTimeout <= 0 {
		opts.StorageTimeout = DefaultStorageTimeout
	}
	return &SleepService{
		sessions:       sessions,
		clock:          clk,
		logger:         logger,
		window:         opts.EditWindow,
		pendingTTL:     opts.PendingTTL,
		storageTimeout: opts.StorageTimeout,
	}
}

func (s *SleepService) EditWindow() time.Duration { return s.window }

// normalize stores instants as UTC at millisecond precision, the finest
// precision every backend keeps.
func normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func (s *SleepService) now() time.Time { return normalize(s.clock.Now()) }

func record(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(internal.KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
	}
	metrics.RecordLifecycle(op, outcome)
}

// StartSession opens a session at `at` (zero means now) with optional initial fields.
func (s *SleepService) StartSession(ctx context.Context, userID string, at time.Time, values ...internal.FieldValue) (sess *internal.SleepSession, err error) {
	defer func() { record("start", err) }()

	fields, err := internal.ValidateAll(values)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if at.IsZero() {
		at = now
	}
	var patch internal.SessionPatch
	for _, v := range fields {
		internal.ApplyTo(&patch, v)
	}

	sess = &internal.SleepSession{
		ID:            uuid.NewString(),
		UserID:        userID,
		StartedAt:     normalize(at),
		QualityRating: patch.QualityRating,
		Note:          patch.Note,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	ctx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	defer cancel()
	start := time.Now()
	err = s.sessions.InsertIfNoActive(ctx, sess)
	metrics.ObserveStorage("insert", start)
	if err != nil {
		return nil, internal.Unavailable(err)
	}
	s.logger.Infof("sleep session %s started for user %s", sess.ID, userID)
	return sess, nil
}

// StopSession closes the active session at `at` (zero means now). Fields
// given here are written in the same versioned update without confirmation.
func (s *SleepService) StopSession(ctx context.Context, userID string, at time.Time, values ...internal.FieldValue) (sess *internal.SleepSession, err error) {
	defer func() { record("stop", err) }()

	ctx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	defer cancel()

	active, err := s.sessions.GetActive(ctx, userID)
	if err != nil {
		return nil, internal.Unavailable(err)
	}
	if active == nil {
		return nil, &internal.Error{Kind: internal.KindNoActiveSession}
	}

	now := s.now()
	if at.IsZero() {
		at = now
	}
	at = normalize(at)
	if !at.After(active.StartedAt) {
		return nil, &internal.Error{
			Kind:      internal.KindInvalidTimestamp,
			SessionID: active.ID,
			Current:   active.StartedAt,
			Proposed:  at,
		}
	}

	fields, err := internal.ValidateAll(values)
	if err != nil {
		return nil, withSession(err, active.ID)
	}
	patch := internal.SessionPatch{EndedAt: &at, UpdatedAt: now}
	for _, v := range fields {
		internal.ApplyTo(&patch, v)
	}

	start := time.Now()
	sess, err = s.sessions.UpdateFields(ctx, active.ID, patch, active.Version)
	metrics.ObserveStorage("update", start)
	if err != nil {
		return nil, s.lostRace(ctx, userID, active.ID, err)
	}
	s.logger.Infof("sleep session %s stopped for user %s after %s", sess.ID, userID, sess.Duration())
	return sess, nil
}

// CancelSession deletes the active session.
func (s *SleepService) CancelSession(ctx context.Context, userID string) (sess *internal.SleepSession, err error) {
	defer func() { record("cancel", err) }()

	ctx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	defer cancel()

	active, err := s.sessions.GetActive(ctx, userID)
	if err != nil {
		return nil, internal.Unavailable(err)
	}
	if active == nil {
		return nil, &internal.Error{Kind: internal.KindNoActiveSession}
	}
	if err := s.sessions.Delete(ctx, active.ID, active.Version); err != nil {
		return nil, s.lostRace(ctx, userID, active.ID, err)
	}
	s.logger.Infof("sleep session %s cancelled for user %s", active.ID, userID)
	return active, nil
}

// lostRace reports NoActiveSession when the session we acted on is no
// longer the active one. Otherwise the store error stands.
func (s *SleepService) lostRace(ctx context.Context, userID, sessionID string, err error) error {
	if !errors.Is(err, internal.ErrVersionConflict) && !errors.Is(err, internal.ErrSessionNotFound) {
		return internal.Unavailable(err)
	}
	current, getErr := s.sessions.GetActive(ctx, userID)
	if getErr != nil {
		return internal.Unavailable(getErr)
	}
	if current == nil || current.ID != sessionID {
		return &internal.Error{Kind: internal.KindNoActiveSession, SessionID: sessionID, Err: err}
	}
	return err
}

// ActiveSession returns nil when the user has no active session.
func (s *SleepService) ActiveSession(ctx context.Context, userID string) (*internal.SleepSession, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	defer cancel()
	sess, err := s.sessions.GetActive(ctx, userID)
	return sess, internal.Unavailable(err)
}

// LastCompletedSession returns nil when the user never finished a session.
func (s *SleepService) LastCompletedSession(ctx context.Context, userID string) (*internal.SleepSession, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	defer cancel()
	sess, err := s.sessions.GetLastCompleted(ctx, userID)
	return sess, internal.Unavailable(err)
}

// Session resolves ref for userID. An empty ref or "latest" is the most recent session.
func (s *SleepService) Session(ctx context.Context, userID, ref string) (*internal.SleepSession, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	defer cancel()
	return s.resolve(ctx, userID, ref)
}

func (s *SleepService) resolve(ctx context.Context, userID, ref string) (*internal.SleepSession, error) {
	var (
		sess *internal.SleepSession
		err  error
	)
	if ref == "" || ref == "latest" {
		sess, err = s.sessions.GetLatest(ctx, userID)
	} else {
		sess, err = s.sessions.GetByID(ctx, ref)
	}
	if err != nil {
		return nil, internal.Unavailable(err)
	}
	if sess == nil || sess.UserID != userID {
		return nil, &internal.Error{Kind: internal.KindSessionNotFound, SessionID: ref}
	}
	return sess, nil
}

func withSession(err error, sessionID string) error {
	var e *internal.Error
	if errors.As(err, &e) && e.SessionID == "" {
		c := *e
		c.SessionID = sessionID
		return &c
	}
	return err
}

// SetQuality writes a rating under the edit-window policy.
func (s *SleepService) SetQuality(ctx context.Context, userID, ref string, rating float64, confirmed bool) (*internal.SleepSession, *internal.Warning, error) {
	sess, warn, err := s.setField(ctx, userID, ref, internal.Rating(rating), confirmed)
	record("set_quality", err)
	return sess, warn, err
}

// SetNote writes a note under the edit-window policy.
func (s *SleepService) SetNote(ctx context.Context, userID, ref, text string, confirmed bool) (*internal.SleepSession, *internal.Warning, error) {
	sess, warn, err := s.setField(ctx, userID, ref, internal.Note(text), confirmed)
	record("set_note", err)
	return sess, warn, err
}

// SetField is the variant-typed form of SetQuality and SetNote.
func (s *SleepService) SetField(ctx context.Context, userID, ref string, v internal.FieldValue, confirmed bool) (*internal.SleepSession, *internal.Warning, error) {
	sess, warn, err := s.setField(ctx, userID, ref, v, confirmed)
	record("set_"+string(v.Field()), err)
	return sess, warn, err
}

func (s *SleepService) setField(ctx context.Context, userID, ref string, v internal.FieldValue, confirmed bool) (*internal.SleepSession, *internal.Warning, error) {
	v, err := v.Validate()
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	defer cancel()

	sess, err := s.resolve(ctx, userID, ref)
	if err != nil {
		return nil, nil, err
	}
	now := s.now()
	vd := evaluate(sess, v, now, s.window)
	if vd.needsConfirmation() && !confirmed {
		pending := s.pending(sess, v, now)
		return nil, nil, &internal.Error{
			Kind:      internal.KindRequiresConfirmation,
			SessionID: sess.ID,
			Field:     v.Field(),
			Current:   vd.current,
			Proposed:  v.Raw(),
			Age:       vd.age,
			Pending:   &pending,
		}
	}

	updated, err := s.write(ctx, sess, v, sess.Version, now)
	if err != nil {
		return nil, nil, err
	}
	return updated, s.warning(updated, v, vd), nil
}

func (s *SleepService) write(ctx context.Context, sess *internal.SleepSession, v internal.FieldValue, version int64, now time.Time) (*internal.SleepSession, error) {
	patch := internal.SessionPatch{UpdatedAt: now}
	internal.ApplyTo(&patch, v)

	start := time.Now()
	updated, err := s.sessions.UpdateFields(ctx, sess.ID, patch, version)
	metrics.ObserveStorage("update", start)
	if err != nil {
		if errors.Is(err, internal.ErrVersionConflict) {
			return nil, &internal.Error{Kind: internal.KindVersionConflict, SessionID: sess.ID, Field: v.Field(), Err: err}
		}
		return nil, internal.Unavailable(err)
	}
	s.logger.Debugf("session %s: %s set (version %d)", sess.ID, v.Field(), updated.Version)
	return updated, nil
}

func (s *SleepService) warning(sess *internal.SleepSession, v internal.FieldValue, vd verdict) *internal.Warning {
	if !vd.stale() {
		return nil
	}
	metrics.RecordStaleWrite()
	return &internal.Warning{
		Kind:      internal.KindStaleSessionWarning,
		SessionID: sess.ID,
		Field:     v.Field(),
		Previous:  vd.current,
		Age:       vd.age,
	}
}

func (s *SleepService) pending(sess *internal.SleepSession, v internal.FieldValue, now time.Time) internal.PendingConfirmation {
	p := internal.NewPending(sess, v)
	p.ExpiresAt = now.Add(s.pendingTTL)
	return p
}

// ResolveUpdateIntent is phase one of the confirmation protocol. It never
// writes. A zero now means the clock's current time.
func (s *SleepService) ResolveUpdateIntent(ctx context.Context, userID, ref string, v internal.FieldValue, now time.Time) (intent *Intent, err error) {
	defer func() { record("resolve_intent", err) }()

	v, err = v.Validate()
	if err != nil {
		return nil, err
	}
	if now.IsZero() {
		now = s.now()
	}

	ctx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	defer cancel()

	sess, err := s.resolve(ctx, userID, ref)
	if err != nil {
		return nil, err
	}
	vd := evaluate(sess, v, now, s.window)
	intent = &Intent{
		Decision:  vd.decision,
		SessionID: sess.ID,
		Field:     v.Field(),
		Current:   vd.current,
		Proposed:  v.Raw(),
		Age:       vd.age,
	}
	if vd.decision != DecisionApply {
		p := s.pending(sess, v, now)
		intent.Pending = &p
	}
	metrics.RecordIntent(string(v.Field()), string(vd.decision))
	return intent, nil
}

// Confirm is phase two. The proposed value is validated again and the
// policy is evaluated with the current time, so a confirmation that
// crosses the edit window comes back with a stale warning. A session
// changed since phase one rejects the confirmation as stale.
func (s *SleepService) Confirm(ctx context.Context, p internal.PendingConfirmation) (sess *internal.SleepSession, warn *internal.Warning, err error) {
	defer func() { record("confirm", err) }()

	now := s.now()
	stale := &internal.Error{Kind: internal.KindConfirmationStale, SessionID: p.SessionID, Field: p.Field, Pending: &p}
	if p.Expired(now) {
		return nil, nil, stale
	}
	v, err := p.Value()
	if err != nil {
		return nil, nil, err
	}
	if v, err = v.Validate(); err != nil {
		return nil, nil, withSession(err, p.SessionID)
	}

	ctx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	defer cancel()

	current, err := s.resolve(ctx, p.UserID, p.SessionID)
	if err != nil {
		return nil, nil, err
	}
	if current.Version != p.SessionVersion {
		return nil, nil, stale
	}

	vd := evaluate(current, v, now, s.window)
	updated, err := s.write(ctx, current, v, p.SessionVersion, now)
	if err != nil {
		if errors.Is(err, internal.ErrVersionConflict) {
			stale.Err = err
			return nil, nil, stale
		}
		return nil, nil, err
	}
	return updated, s.warning(updated, v, vd), nil
}
