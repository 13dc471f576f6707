package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Vilis322/sleepBot/internal"
	"github.com/Vilis322/sleepBot/internal/response"
	"github.com/Vilis322/sleepBot/internal/storage"
)

var kindStatus = map[internal.Kind]int{
	internal.KindActiveSessionExists:  http.StatusConflict,
	internal.KindNoActiveSession:      http.StatusConflict,
	internal.KindRequiresConfirmation: http.StatusConflict,
	internal.KindConfirmationStale:    http.StatusConflict,
	internal.KindVersionConflict:      http.StatusConflict,
	internal.KindInvalidTimestamp:     http.StatusBadRequest,
	internal.KindInvalidRating:        http.StatusBadRequest,
	internal.KindEmptyNote:            http.StatusBadRequest,
	internal.KindInvalidLanguage:      http.StatusBadRequest,
	internal.KindInvalidTimezone:      http.StatusBadRequest,
	internal.KindInvalidGoal:          http.StatusBadRequest,
	internal.KindSessionNotFound:      http.StatusNotFound,
	internal.KindStorageUnavailable:   http.StatusServiceUnavailable,
}

// statusFor maps err to an HTTP status. Untyped errors fall back to 500.
func statusFor(err error) int {
	if status, ok := kindStatus[internal.KindOf(err)]; ok {
		return status
	}
	switch {
	case errors.Is(err, storage.ErrUserNotFound), errors.Is(err, storage.ErrGoalNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func errorDetails(err error) map[string]any {
	var e *internal.Error
	if !errors.As(err, &e) {
		return nil
	}
	details := map[string]any{}
	if e.SessionID != "" {
		details["session_id"] = e.SessionID
	}
	if e.Field != "" {
		details["field"] = e.Field
	}
	if e.Current != nil {
		details["current"] = e.Current
	}
	if e.Proposed != nil {
		details["proposed"] = e.Proposed
	}
	if e.Age > 0 {
		details["age_seconds"] = int64(e.Age.Seconds())
	}
	if e.Pending != nil {
		details["pending"] = e.Pending
	}
	if len(details) == 0 {
		return nil
	}
	return details
}

// requestLogger tags logger with the request id set by RequestIDMiddleware.
func requestLogger(c *gin.Context, logger internal.Logger) internal.Logger {
	return logger.With("request_id", c.GetString("request_id"))
}

// HandleError logs err with the request id and writes the error envelope.
func HandleError(c *gin.Context, logger internal.Logger, err error, msg string) {
	log := requestLogger(c, logger)
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		log.Errorf("%s: %v", msg, err)
	} else {
		log.Warnf("%s: %v", msg, err)
	}
	c.JSON(status, response.Failure(status, internal.KindOf(err), msg+": "+err.Error(), errorDetails(err)))
}

// HandleBadRequest reports a malformed request body or query.
func HandleBadRequest(c *gin.Context, logger internal.Logger, err error, msg string) {
	requestLogger(c, logger).Warnf("%s: %v", msg, err)
	c.JSON(http.StatusBadRequest, response.BadRequest(msg+": "+err.Error()))
}

func HandleSuccess(c *gin.Context, logger internal.Logger, data interface{}, meta map[string]any) {
	respond(c, logger, http.StatusOK, data, meta)
}

func HandleCreated(c *gin.Context, logger internal.Logger, data interface{}, meta map[string]any) {
	respond(c, logger, http.StatusCreated, data, meta)
}

func respond(c *gin.Context, logger internal.Logger, status int, data interface{}, meta map[string]any) {
	requestLogger(c, logger).Debugf("%s %s -> %d", c.Request.Method, c.FullPath(), status)
	c.JSON(status, response.Success(data, meta))
}

// warningMeta puts an advisory warning into the response meta.
func warningMeta(w *internal.Warning) map[string]any {
	if w == nil {
		return nil
	}
	return map[string]any{"warning": gin.H{
		"kind":        w.Kind,
		"session_id":  w.SessionID,
		"field":       w.Field,
		"previous":    w.Previous,
		"age_seconds": int64(w.Age.Seconds()),
	}}
}

func currentUser(c *gin.Context) *internal.User {
	return c.MustGet("user").(*internal.User)
}
