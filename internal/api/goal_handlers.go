package api

import (
	"github.com/gin-gonic/gin"

	"github.com/Vilis322/sleepBot/internal"
	"github.com/Vilis322/sleepBot/internal/service"
	"github.com/Vilis322/sleepBot/internal/storage"
)

func PostGoal(app App) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)

		var req service.GoalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			HandleBadRequest(c, app.Logger(), err, "Invalid request: type and target required")
			return
		}

		if err := service.ValidateGoalRequest(&req); err != nil {
			HandleError(c, app.Logger(), err, "Goal validation failed")
			return
		}

		goal, err := service.CreateGoal(c.Request.Context(), app.GoalRepo(), app.Clock(), user, &req)
		if err != nil {
			HandleError(c, app.Logger(), err, "Failed to save goal")
			return
		}

		HandleCreated(c, app.Logger(), goal, nil)
	}
}

// GetGoalProgress scores the last seven local days against every goal
// type the user has set.
func GetGoalProgress(app App) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		ctx := c.Request.Context()
		goals, err := app.GoalRepo().ListGoals(ctx, user.ID)
		if err != nil {
			HandleError(c, app.Logger(), internal.Unavailable(err), "Failed to fetch goals")
			return
		}
		if len(goals) == 0 {
			HandleError(c, app.Logger(), storage.ErrGoalNotFound, "No goal set for user")
			return
		}

		from, to := service.ProgressWindow(app.Clock().Now(), app.Clock(), user.Timezone)
		rng, err := app.Stats().LocalDateRange(from, to, user.Timezone)
		if err != nil {
			HandleError(c, app.Logger(), err, "Invalid progress window")
			return
		}
		rows, err := app.Stats().Export(ctx, user, rng)
		if err != nil {
			HandleError(c, app.Logger(), err, "Failed to fetch logs for goal progress")
			return
		}

		progress := make([]service.GoalProgress, 0, len(goals))
		for _, goal := range goals {
			progress = append(progress, service.CalculateGoalProgress(goal, rows, app.Clock(), user.Timezone))
		}
		HandleSuccess(c, app.Logger(), progress, map[string]any{"from": from, "to": to})
	}
}
