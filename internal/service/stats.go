package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Vilis322/sleepBot/internal"
	"github.com/Vilis322/sleepBot/internal/clock"
	"github.com/Vilis322/sleepBot/internal/storage"
)

const dateLayout = "2006-01-02"

// Row is one closed session as handed to exporters.
type Row struct {
	SessionID string        `json:"session_id"`
	Date      string        `json:"date"` // calendar day of StartedAt in the user's timezone
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Duration  time.Duration `json:"-"`
	Rating    *float64      `json:"quality_rating,omitempty"`
	Note      *string       `json:"note,omitempty"`
}

func (r Row) DurationHours() float64 { return r.Duration.Hours() }

func (r Row) MarshalJSON() ([]byte, error) {
	type plain Row
	return json.Marshal(struct {
		plain
		DurationHours float64 `json:"duration_hours"`
	}{plain(r), r.DurationHours()})
}

// Summary aggregates closed sessions. Averages, Min and Max are nil
// when there is nothing to aggregate.
type Summary struct {
	Count         int
	RatedCount    int
	Total         time.Duration
	Average       *time.Duration
	Min           *time.Duration
	Max           *time.Duration
	AverageRating *float64
	Rows          []Row
}

func hours(d *time.Duration) *float64 {
	if d == nil {
		return nil
	}
	h := d.Hours()
	return &h
}

func (s Summary) MarshalJSON() ([]byte, error) {
	rows := s.Rows
	if rows == nil {
		rows = []Row{}
	}
	return json.Marshal(struct {
		Count         int      `json:"count"`
		RatedCount    int      `json:"rated_count"`
		TotalHours    float64  `json:"total_hours"`
		AverageHours  *float64 `json:"average_hours"`
		MinHours      *float64 `json:"min_hours"`
		MaxHours      *float64 `json:"max_hours"`
		AverageRating *float64 `json:"average_rating"`
		Rows          []Row    `json:"rows"`
	}{s.Count, s.RatedCount, s.Total.Hours(), hours(s.Average), hours(s.Min), hours(s.Max), s.AverageRating, rows})
}

// StatsService reads closed sessions. It never writes.
type StatsService struct {
	sessions       storage.SessionRepository
	clock          clock.Clock
	logger         internal.Logger
	storageTimeout time.Duration
}

func NewStatsService(sessions storage.SessionRepository, clk clock.Clock, logger internal.Logger, storageTimeout time.Duration) *StatsService {
	if storageTimeout <= 0 {
		storageTimeout = DefaultStorageTimeout
	}
	return &StatsService{sessions: sessions, clock: clk, logger: logger, storageTimeout: storageTimeout}
}

// Export returns closed sessions whose StartedAt lies in rng, ordered by StartedAt.
func (s *StatsService) Export(ctx context.Context, user *internal.User, rng internal.DateRange) ([]Row, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	defer cancel()

	sessions, err := s.sessions.QueryByUserAndRange(ctx, user.ID, rng, true)
	if err != nil {
		return nil, internal.Unavailable(err)
	}
	rows := make([]Row, 0, len(sessions))
	for i := range sessions {
		sess := &sessions[i]
		if sess.EndedAt == nil {
			continue
		}
		rows = append(rows, Row{
			SessionID: sess.ID,
			Date:      s.clock.ToLocal(sess.StartedAt, user.Timezone).Format(dateLayout),
			StartedAt: sess.StartedAt,
			EndedAt:   *sess.EndedAt,
			Duration:  sess.Duration(),
			Rating:    sess.QualityRating,
			Note:      sess.Note,
		})
	}
	return rows, nil
}

func (s *StatsService) Summarize(ctx context.Context, user *internal.User, rng internal.DateRange) (*Summary, error) {
	rows, err := s.Export(ctx, user, rng)
	if err != nil {
		return nil, err
	}
	sum := Aggregate(rows)
	s.logger.Debugf("statistics for user %s: %d sessions", user.ID, sum.Count)
	return sum, nil
}

// Aggregate folds rows into a Summary.
func Aggregate(rows []Row) *Summary {
	sum := &Summary{Rows: rows}
	var (
		ratingTotal float64
		lo, hi      time.Duration
	)
	for i, r := range rows {
		sum.Count++
		sum.Total += r.Duration
		if i == 0 || r.Duration < lo {
			lo = r.Duration
		}
		if i == 0 || r.Duration > hi {
			hi = r.Duration
		}
		if r.Rating != nil {
			sum.RatedCount++
			ratingTotal += *r.Rating
		}
	}
	if sum.Count > 0 {
		avg := sum.Total / time.Duration(sum.Count)
		sum.Average, sum.Min, sum.Max = &avg, &lo, &hi
	}
	if sum.RatedCount > 0 {
		avg := ratingTotal / float64(sum.RatedCount)
		sum.AverageRating = &avg
	}
	return sum
}

// LocalDateRange turns calendar days in tz into an inclusive instant range.
// Empty bounds stay open.
func (s *StatsService) LocalDateRange(from, to, tz string) (internal.DateRange, error) {
	loc, err := s.clock.Location(tz)
	if err != nil {
		return internal.DateRange{}, &internal.Error{Kind: internal.KindInvalidTimezone, Proposed: tz, Err: err}
	}
	var rng internal.DateRange
	if from != "" {
		d, err := time.ParseInLocation(dateLayout, from, loc)
		if err != nil {
			return internal.DateRange{}, &internal.Error{Kind: internal.KindInvalidTimestamp, Proposed: from, Err: err}
		}
		rng.From = clock.StartOfDay(d, loc).UTC()
	}
	if to != "" {
		d, err := time.ParseInLocation(dateLayout, to, loc)
		if err != nil {
			return internal.DateRange{}, &internal.Error{Kind: internal.KindInvalidTimestamp, Proposed: to, Err: err}
		}
		rng.To = clock.EndOfDay(d, loc).UTC()
	}
	if !rng.From.IsZero() && !rng.To.IsZero() && rng.To.Before(rng.From) {
		return internal.DateRange{}, &internal.Error{Kind: internal.KindInvalidTimestamp, Current: from, Proposed: to}
	}
	return rng, nil
}

// FirstSessionDate returns the earliest session start in the user's timezone.
func (s *StatsService) FirstSessionDate(ctx context.Context, user *internal.User) (time.Time, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.storageTimeout)
	defer cancel()

	sessions, err := s.sessions.QueryByUserAndRange(ctx, user.ID, internal.DateRange{}, false)
	if err != nil {
		return time.Time{}, false, internal.Unavailable(err)
	}
	if len(sessions) == 0 {
		return time.Time{}, false, nil
	}
	return s.clock.ToLocal(sessions[0].StartedAt, user.Timezone), true, nil
}
