package internal

import "time"

type User struct {
	ID        string    `json:"id"`
	Language  string    `json:"language"`
	Timezone  string    `json:"timezone"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SleepSession is one tracked night. StartedAt and EndedAt are always UTC.
type SleepSession struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	QualityRating *float64   `json:"quality_rating,omitempty"` // 1.0–10.0
	Note          *string    `json:"note,omitempty"`
	Version       int64      `json:"version"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Active reports whether the session has no end time yet.
func (s *SleepSession) Active() bool { return s.EndedAt == nil }

// Finalized reports whether the session is closed and rated.
func (s *SleepSession) Finalized() bool { return s.EndedAt != nil && s.QualityRating != nil }

// Duration is zero for an active session.
func (s *SleepSession) Duration() time.Duration {
	if s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

func (s *SleepSession) Age(now time.Time) time.Duration {
	return now.Sub(s.StartedAt)
}

// SessionPatch lists the lifecycle fields an update may set. Nil fields are left untouched.
type SessionPatch struct {
	EndedAt       *time.Time
	QualityRating *float64
	Note          *string
	UpdatedAt     time.Time
}

// Apply copies the set fields of p onto s and bumps the version.
func (p SessionPatch) Apply(s *SleepSession) {
	if p.EndedAt != nil {
		t := p.EndedAt.UTC()
		s.EndedAt = &t
	}
	if p.QualityRating != nil {
		r := *p.QualityRating
		s.QualityRating = &r
	}
	if p.Note != nil {
		n := *p.Note
		s.Note = &n
	}
	s.UpdatedAt = p.UpdatedAt
	s.Version++
}

// DateRange bounds StartedAt inclusively. A zero bound is open.
type DateRange struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

func (r DateRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

type GoalType string

const (
	GoalDuration    GoalType = "duration"    // target hours of sleep
	GoalConsistency GoalType = "consistency" // in bed before this local hour
	GoalWake        GoalType = "wake"        // up by this local hour
	GoalQuality     GoalType = "quality"     // rating above this value
)

type Goal struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Type      GoalType  `json:"type"`
	Target    float64   `json:"target"`
	CreatedAt time.Time `json:"created_at"`
}

// PendingConfirmation is the serializable phase-one result of the
// confirmation protocol. The caller keeps it until the user answers.
type PendingConfirmation struct {
	UserID         string    `json:"user_id"`
	SessionID      string    `json:"session_id"`
	Field          Field     `json:"field"`
	Rating         *float64  `json:"rating,omitempty"`
	Note           *string   `json:"note,omitempty"`
	SessionVersion int64     `json:"session_version"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Value rebuilds the proposed field value.
func (p PendingConfirmation) Value() (FieldValue, error) {
	switch p.Field {
	case FieldQuality:
		if p.Rating == nil {
			return nil, &Error{Kind: KindInvalidRating, SessionID: p.SessionID, Field: p.Field}
		}
		return Rating(*p.Rating), nil
	case FieldNote:
		if p.Note == nil {
			return nil, &Error{Kind: KindEmptyNote, SessionID: p.SessionID, Field: p.Field}
		}
		return Note(*p.Note), nil
	}
	return nil, &Error{Kind: KindConfirmationStale, SessionID: p.SessionID, Field: p.Field}
}

func (p PendingConfirmation) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}
