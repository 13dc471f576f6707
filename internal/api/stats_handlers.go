package api

import (
	"encoding/csv"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Vilis322/sleepBot/internal"
	"github.com/Vilis322/sleepBot/internal/service"
)

var exportHeader = []string{"date", "started_at", "ended_at", "duration_hours", "quality_rating", "note"}

// dateRange reads the from/to query parameters as local calendar days.
func dateRange(c *gin.Context, app App, user *internal.User) (internal.DateRange, error) {
	return app.Stats().LocalDateRange(c.Query("from"), c.Query("to"), user.Timezone)
}

func GetSleepStats(app App) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		rng, err := dateRange(c, app, user)
		if err != nil {
			HandleError(c, app.Logger(), err, "Invalid date range")
			return
		}

		ctx := c.Request.Context()
		sum, err := app.Stats().Summarize(ctx, user, rng)
		if err != nil {
			HandleError(c, app.Logger(), err, "Failed to fetch logs for stats")
			return
		}

		meta := map[string]any{"timezone": user.Timezone}
		first, ok, err := app.Stats().FirstSessionDate(ctx, user)
		if err != nil {
			HandleError(c, app.Logger(), err, "Failed to fetch first session")
			return
		}
		if ok {
			meta["first_session_date"] = first.Format(time.DateOnly)
		}
		HandleSuccess(c, app.Logger(), sum, meta)
	}
}

func GetSleepExport(app App) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		format := c.DefaultQuery("format", "json")
		if format != "json" && format != "csv" {
			HandleBadRequest(c, app.Logger(), errors.New("format must be json or csv"), "Invalid export format")
			return
		}
		rng, err := dateRange(c, app, user)
		if err != nil {
			HandleError(c, app.Logger(), err, "Invalid date range")
			return
		}

		rows, err := app.Stats().Export(c.Request.Context(), user, rng)
		if err != nil {
			HandleError(c, app.Logger(), err, "Failed to export sessions")
			return
		}

		if format == "json" {
			HandleSuccess(c, app.Logger(), rows, map[string]any{"count": len(rows)})
			return
		}
		c.Header("Content-Disposition", `attachment; filename="sleep_export.csv"`)
		c.Header("Content-Type", "text/csv; charset=utf-8")
		if err := writeCSV(c, rows); err != nil {
			requestLogger(c, app.Logger()).Errorf("csv export: %v", err)
		}
	}
}

// csvCell neutralizes text a spreadsheet would evaluate as a formula.
func csvCell(s string) string {
	if s != "" && strings.ContainsRune("=+-@\t\r", rune(s[0])) {
		return "'" + s
	}
	return s
}

func writeCSV(c *gin.Context, rows []service.Row) error {
	w := csv.NewWriter(c.Writer)
	if err := w.Write(exportHeader); err != nil {
		return err
	}
	for _, r := range rows {
		rating, note := "", ""
		if r.Rating != nil {
			rating = strconv.FormatFloat(*r.Rating, 'f', -1, 64)
		}
		if r.Note != nil {
			note = csvCell(*r.Note)
		}
		record := []string{
			r.Date,
			r.StartedAt.Format(time.RFC3339),
			r.EndedAt.Format(time.RFC3339),
			strconv.FormatFloat(r.DurationHours(), 'f', 2, 64),
			rating,
			note,
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
