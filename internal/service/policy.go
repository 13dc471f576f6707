package service

import (
	"time"

	"github.com/Vilis322/sleepBot/internal"
)

// DefaultEditWindow separates fresh closed sessions from stale ones.
const DefaultEditWindow = 24 * time.Hour

type Decision string

const (
	// DecisionApply means the write needs no confirmation.
	DecisionApply Decision = "apply"
	// DecisionAskConfirm means a fresh closed session already holds a value.
	DecisionAskConfirm Decision = "ask_confirm"
	// DecisionAskConfirmStale means the session is past the edit window.
	// The write is still allowed and comes back with a warning.
	DecisionAskConfirmStale Decision = "ask_confirm_stale"
)

// Intent is the phase-one answer for a proposed field write. Nothing is
// written while resolving it.
type Intent struct {
	Decision  Decision                      `json:"decision"`
	SessionID string                        `json:"session_id"`
	Field     internal.Field                `json:"field"`
	Current   any                           `json:"current,omitempty"`
	Proposed  any                           `json:"proposed"`
	Age       time.Duration                 `json:"age"`
	Pending   *internal.PendingConfirmation `json:"pending,omitempty"`
}

type verdict struct {
	decision Decision
	current  any
	age      time.Duration
}

// evaluate applies the edit-window policy to writing v on s at now.
func evaluate(s *internal.SleepSession, v internal.FieldValue, now time.Time, window time.Duration) verdict {
	current, populated := v.Current(s)
	vd := verdict{decision: DecisionApply, current: current, age: s.Age(now)}
	switch {
	case s.Active():
	case vd.age >= window:
		vd.decision = DecisionAskConfirmStale
	case populated:
		vd.decision = DecisionAskConfirm
	}
	return vd
}

func (v verdict) stale() bool { return v.decision == DecisionAskConfirmStale }

func (v verdict) needsConfirmation() bool { return v.decision == DecisionAskConfirm }
