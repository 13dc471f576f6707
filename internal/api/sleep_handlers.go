package api

import (
	"errors"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Vilis322/sleepBot/internal"
	"github.com/Vilis322/sleepBot/internal/pending"
	"github.com/Vilis322/sleepBot/internal/service"
	"github.com/Vilis322/sleepBot/internal/storage"
)

// --- Request Structs ---
type StartRequest struct {
	StartedAt     *time.Time `json:"started_at"`
	QualityRating *float64   `json:"quality_rating"`
	Note          *string    `json:"note"`
}

type StopRequest struct {
	EndedAt       *time.Time `json:"ended_at"`
	QualityRating *float64   `json:"quality_rating"`
	Note          *string    `json:"note"`
}

type QualityRequest struct {
	Rating    *float64 `json:"rating" binding:"required"`
	Confirmed bool     `json:"confirmed"`
}

type NoteRequest struct {
	Note      string `json:"note"`
	Confirmed bool   `json:"confirmed"`
}

type IntentRequest struct {
	Field  internal.Field `json:"field" binding:"required,oneof=quality note"`
	Rating *float64       `json:"rating"`
	Note   *string        `json:"note"`
}

type ConfirmationRequest struct {
	SessionID string         `json:"session_id" binding:"required"`
	Field     internal.Field `json:"field" binding:"required,oneof=quality note"`
}

// bindOptionalJSON accepts an empty body as the zero request.
func bindOptionalJSON(c *gin.Context, obj any) error {
	if err := c.ShouldBindJSON(obj); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func optionalValues(rating *float64, note *string) []internal.FieldValue {
	var values []internal.FieldValue
	if rating != nil {
		values = append(values, internal.Rating(*rating))
	}
	if note != nil {
		values = append(values, internal.Note(*note))
	}
	return values
}

func intentValue(req *IntentRequest) (internal.FieldValue, error) {
	switch req.Field {
	case internal.FieldQuality:
		if req.Rating == nil {
			return nil, &internal.Error{Kind: internal.KindInvalidRating, Field: req.Field}
		}
		return internal.Rating(*req.Rating), nil
	default:
		if req.Note == nil {
			return nil, &internal.Error{Kind: internal.KindEmptyNote, Field: req.Field}
		}
		return internal.Note(*req.Note), nil
	}
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func PostStart(app App) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)

		var body StartRequest
		if err := bindOptionalJSON(c, &body); err != nil {
			HandleBadRequest(c, app.Logger(), err, "Invalid JSON")
			return
		}

		sess, err := app.Sleep().StartSession(c.Request.Context(), user.ID, timeOrZero(body.StartedAt), optionalValues(body.QualityRating, body.Note)...)
		if err != nil {
			HandleError(c, app.Logger(), err, "Failed to start session")
			return
		}
		HandleCreated(c, app.Logger(), sess, nil)
	}
}

func PostStop(app App) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)

		var body StopRequest
		if err := bindOptionalJSON(c, &body); err != nil {
			HandleBadRequest(c, app.Logger(), err, "Invalid JSON")
			return
		}

		ctx := c.Request.Context()
		sess, err := app.Sleep().StopSession(ctx, user.ID, timeOrZero(body.EndedAt), optionalValues(body.QualityRating, body.Note)...)
		if err != nil {
			HandleError(c, app.Logger(), err, "Failed to stop session")
			return
		}

		var meta map[string]any
		goal, err := app.GoalRepo().GetGoal(ctx, user.ID, internal.GoalDuration)
		switch {
		case err == nil:
			if pct := service.GoalPercentage(goal, sess); pct != nil {
				meta = map[string]any{"goal_percentage": *pct}
			}
		case !errors.Is(err, storage.ErrGoalNotFound):
			// goal meta is best effort
			requestLogger(c, app.Logger()).Warnf("goal lookup for user %s: %v", user.ID, err)
		}
		HandleSuccess(c, app.Logger(), sess, meta)
	}
}

func DeleteActive(app App) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		sess, err := app.Sleep().CancelSession(c.Request.Context(), user.ID)
		if err != nil {
			HandleError(c, app.Logger(), err, "Failed to cancel session")
			return
		}
		HandleSuccess(c, app.Logger(), sess, nil)
	}
}

func GetLatestSession(app App) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		sess, err := app.Sleep().Session(c.Request.Context(), user.ID, "latest")
		if err != nil {
			HandleError(c, app.Logger(), err, "Failed to fetch latest session")
			return
		}
		HandleSuccess(c, app.Logger(), sess, map[string]any{"active": sess.Active()})
	}
}

func PutQuality(app App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body QualityRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			HandleBadRequest(c, app.Logger(), err, "Invalid request: rating required")
			return
		}
		setField(c, app, internal.Rating(*body.Rating), body.Confirmed)
	}
}

func PutNote(app App) gin.HandlerFunc {
	return func(c *gin.Context) {
		var body NoteRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			HandleBadRequest(c, app.Logger(), err, "Invalid JSON")
			return
		}
		setField(c, app, internal.Note(body.Note), body.Confirmed)
	}
}

// setField writes v to the session named by :id. A write that needs
// confirmation keeps its pending value until the user answers.
func setField(c *gin.Context, app App, v internal.FieldValue, confirmed bool) {
	user := currentUser(c)
	ctx := c.Request.Context()

	sess, warn, err := app.Sleep().SetField(ctx, user.ID, c.Param("id"), v, confirmed)
	if err != nil {
		var e *internal.Error
		if errors.As(err, &e) && e.Kind == internal.KindRequiresConfirmation && e.Pending != nil {
			if perr := app.Pending().Put(ctx, *e.Pending); perr != nil {
				HandleError(c, app.Logger(), internal.Unavailable(perr), "Failed to store pending confirmation")
				return
			}
		}
		HandleError(c, app.Logger(), err, "Failed to update "+string(v.Field()))
		return
	}
	HandleSuccess(c, app.Logger(), sess, warningMeta(warn))
}

func PostIntent(app App) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)

		var body IntentRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			HandleBadRequest(c, app.Logger(), err, "Invalid request: field required")
			return
		}
		v, err := intentValue(&body)
		if err != nil {
			HandleError(c, app.Logger(), err, "Invalid intent")
			return
		}

		ctx := c.Request.Context()
		intent, err := app.Sleep().ResolveUpdateIntent(ctx, user.ID, c.Param("id"), v, time.Time{})
		if err != nil {
			HandleError(c, app.Logger(), err, "Failed to resolve intent")
			return
		}
		if intent.Pending != nil {
			if err := app.Pending().Put(ctx, *intent.Pending); err != nil {
				HandleError(c, app.Logger(), internal.Unavailable(err), "Failed to store pending confirmation")
				return
			}
		}
		HandleSuccess(c, app.Logger(), intent, nil)
	}
}

func PostConfirmation(app App) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)

		var body ConfirmationRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			HandleBadRequest(c, app.Logger(), err, "Invalid request: session_id and field required")
			return
		}

		ctx := c.Request.Context()
		p, err := app.Pending().Take(ctx, user.ID, body.SessionID, body.Field)
		if errors.Is(err, pending.ErrNotFound) {
			err = &internal.Error{Kind: internal.KindConfirmationStale, SessionID: body.SessionID, Field: body.Field, Err: err}
		}
		if err != nil {
			HandleError(c, app.Logger(), internal.Unavailable(err), "No pending confirmation")
			return
		}

		sess, warn, err := app.Sleep().Confirm(ctx, *p)
		if err != nil {
			if internal.KindOf(err) == internal.KindStorageUnavailable {
				// keep it answerable; the version check rejects a retry if the write landed
				if perr := app.Pending().Put(ctx, *p); perr != nil {
					requestLogger(c, app.Logger()).Warnf("restore pending %s/%s: %v", p.SessionID, p.Field, perr)
				}
			}
			HandleError(c, app.Logger(), err, "Failed to confirm "+string(body.Field))
			return
		}
		HandleSuccess(c, app.Logger(), sess, warningMeta(warn))
	}
}

func DeleteConfirmation(app App) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)

		var body ConfirmationRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			HandleBadRequest(c, app.Logger(), err, "Invalid request: session_id and field required")
			return
		}
		if err := app.Pending().Discard(c.Request.Context(), user.ID, body.SessionID, body.Field); err != nil {
			HandleError(c, app.Logger(), internal.Unavailable(err), "Failed to discard confirmation")
			return
		}
		HandleSuccess(c, app.Logger(), gin.H{"discarded": true}, nil)
	}
}
