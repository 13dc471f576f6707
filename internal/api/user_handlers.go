package api

import (
	"github.com/gin-gonic/gin"
)

type LanguageRequest struct {
	Language string `json:"language" binding:"required"`
}

type TimezoneRequest struct {
	Timezone string `json:"timezone" binding:"required"`
}

func GetMe(app App) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		ctx := c.Request.Context()

		active, err := app.Sleep().ActiveSession(ctx, user.ID)
		if err != nil {
			HandleError(c, app.Logger(), err, "Failed to fetch active session")
			return
		}
		last, err := app.Sleep().LastCompletedSession(ctx, user.ID)
		if err != nil {
			HandleError(c, app.Logger(), err, "Failed to fetch last session")
			return
		}
		HandleSuccess(c, app.Logger(), user, map[string]any{
			"active_session":         active,
			"last_completed_session": last,
		})
	}
}

func PutLanguage(app App) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)

		var body LanguageRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			HandleBadRequest(c, app.Logger(), err, "Invalid request: language required")
			return
		}
		updated, err := app.Users().UpdateLanguage(c.Request.Context(), user.ID, body.Language)
		if err != nil {
			HandleError(c, app.Logger(), err, "Failed to update language")
			return
		}
		HandleSuccess(c, app.Logger(), updated, nil)
	}
}

func PutTimezone(app App) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)

		var body TimezoneRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			HandleBadRequest(c, app.Logger(), err, "Invalid request: timezone required")
			return
		}
		updated, err := app.Users().UpdateTimezone(c.Request.Context(), user.ID, body.Timezone)
		if err != nil {
			HandleError(c, app.Logger(), err, "Failed to update timezone")
			return
		}
		HandleSuccess(c, app.Logger(), updated, nil)
	}
}
