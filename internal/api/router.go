package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter registers every route. Everything except /metrics and
// /healthz sits behind authMW.
func NewRouter(app App, authMW gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestIDMiddleware(), MetricsMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	protected := r.Group("/", authMW)

	sleep := protected.Group("/sleep")
	sleep.POST("/start", PostStart(app))
	sleep.POST("/stop", PostStop(app))
	sleep.DELETE("/active", DeleteActive(app))
	sleep.GET("/sessions/latest", GetLatestSession(app))
	sleep.PUT("/sessions/:id/quality", PutQuality(app))
	sleep.PUT("/sessions/:id/note", PutNote(app))
	sleep.POST("/sessions/:id/intent", PostIntent(app))
	sleep.POST("/confirmations", PostConfirmation(app))
	sleep.DELETE("/confirmations", DeleteConfirmation(app))
	sleep.GET("/stats", GetSleepStats(app))
	sleep.GET("/export", GetSleepExport(app))

	protected.GET("/me", GetMe(app))
	protected.PUT("/me/language", PutLanguage(app))
	protected.PUT("/me/timezone", PutTimezone(app))

	protected.POST("/api/goals", PostGoal(app))
	protected.GET("/api/goals/progress", GetGoalProgress(app))

	return r
}
