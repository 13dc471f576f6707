package service

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/Vilis322/sleepBot/internal"
	"github.com/Vilis322/sleepBot/internal/clock"
	"github.com/Vilis322/sleepBot/internal/storage"
)

type GoalRequest struct {
	Type   string  `json:"type" validate:"required,oneof=duration consistency wake quality"`
	Target float64 `json:"target" validate:"required,gt=0"`
}

type GoalDay struct {
	Date string `json:"date"`
	Met  bool   `json:"met"`
}

type GoalProgress struct {
	Goal      *internal.Goal `json:"goal"`
	Progress  []GoalDay      `json:"progress"`
	MetDays   int            `json:"met_days"`
	TotalDays int            `json:"total_days"`
}

// goalBounds holds the validator rule for each goal type's target.
var goalBounds = map[internal.GoalType]string{
	internal.GoalDuration:    "gt=0,lte=24",  // hours
	internal.GoalConsistency: "gte=1,lte=24", // bedtime before this local hour
	internal.GoalWake:        "gte=1,lte=24", // wake by this local hour
	internal.GoalQuality:     "gte=1,lt=10",  // rating strictly above target
}

func ValidateGoalRequest(req *GoalRequest) error {
	if err := validate.Struct(req); err != nil {
		return &internal.Error{Kind: internal.KindInvalidGoal, Proposed: req.Target, Err: err}
	}
	if err := validate.Var(req.Target, goalBounds[internal.GoalType(req.Type)]); err != nil {
		return &internal.Error{Kind: internal.KindInvalidGoal, Proposed: req.Target, Err: err}
	}
	return nil
}

func CreateGoal(ctx context.Context, goalRepo storage.GoalRepository, clk clock.Clock, user *internal.User, req *GoalRequest) (*internal.Goal, error) {
	if err := ValidateGoalRequest(req); err != nil {
		return nil, err
	}
	goal := &internal.Goal{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		Type:      internal.GoalType(req.Type),
		Target:    req.Target,
		CreatedAt: normalize(clk.Now()),
	}
	if err := goalRepo.SetGoal(ctx, goal); err != nil {
		return nil, internal.Unavailable(err)
	}
	return goal, nil
}

// goalWindowDays is how many local calendar days progress covers,
// today included.
const goalWindowDays = 7

// clockHours is the local time of day as fractional hours.
func clockHours(t time.Time) float64 {
	return float64(t.Hour()) + float64(t.Minute())/60
}

// GoalMet reports whether one closed session meets the goal.
func GoalMet(goal *internal.Goal, row Row, clk clock.Clock, tz string) bool {
	switch goal.Type {
	case internal.GoalDuration:
		return row.Duration.Hours() >= goal.Target
	case internal.GoalConsistency:
		// clock hours are shifted by 12 so that 01:00 sorts after 23:00
		bed := math.Mod(clockHours(clk.ToLocal(row.StartedAt, tz))+12, 24)
		return bed < math.Mod(goal.Target+12, 24)
	case internal.GoalWake:
		return clockHours(clk.ToLocal(row.EndedAt, tz)) <= goal.Target
	case internal.GoalQuality:
		return row.Rating != nil && *row.Rating > goal.Target
	}
	return false
}

// ProgressWindow returns the first and last local day, as YYYY-MM-DD,
// of the goal progress window ending today in tz.
func ProgressWindow(now time.Time, clk clock.Clock, tz string) (from, to string) {
	today := clk.ToLocal(now, tz)
	return today.AddDate(0, 0, -(goalWindowDays - 1)).Format(dateLayout), today.Format(dateLayout)
}

// CalculateGoalProgress scores rows against goal, one entry per session.
func CalculateGoalProgress(goal *internal.Goal, rows []Row, clk clock.Clock, tz string) GoalProgress {
	days := []GoalDay{}
	metCount := 0

	for _, r := range rows {
		met := GoalMet(goal, r, clk, tz)
		if met {
			metCount++
		}
		days = append(days, GoalDay{Date: r.Date, Met: met})
	}

	return GoalProgress{
		Goal:      goal,
		Progress:  days,
		MetDays:   metCount,
		TotalDays: len(days),
	}
}

// GoalPercentage is the share of a duration goal one session reached, or
// nil when the goal is not about duration or the session is still open.
func GoalPercentage(goal *internal.Goal, sess *internal.SleepSession) *int {
	if goal == nil || goal.Type != internal.GoalDuration || goal.Target <= 0 || sess.Active() {
		return nil
	}
	pct := int(sess.Duration().Hours() / goal.Target * 100)
	return &pct
}
