package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Vilis322/sleepBot/internal"
	"github.com/Vilis322/sleepBot/internal/auth"
	"github.com/Vilis322/sleepBot/internal/clock"
	"github.com/Vilis322/sleepBot/internal/config"
	"github.com/Vilis322/sleepBot/internal/pending"
	"github.com/Vilis322/sleepBot/internal/service"
	"github.com/Vilis322/sleepBot/internal/storage"
)

var t0 = time.Date(2026, 3, 10, 22, 0, 0, 0, time.UTC)

const token = "MOCK-TOKEN"

type envelope struct {
	Data  json.RawMessage    `json:"data"`
	Meta  map[string]any     `json:"meta"`
	Error *internal.AppError `json:"error"`
}

// flakyStore fails session writes while down is set.
type flakyStore struct {
	storage.Store
	down atomic.Bool
}

func (f *flakyStore) UpdateFields(ctx context.Context, id string, patch internal.SessionPatch, expectedVersion int64) (*internal.SleepSession, error) {
	if f.down.Load() {
		return nil, errors.New("connection reset by peer")
	}
	return f.Store.UpdateFields(ctx, id, patch, expectedVersion)
}

type testServer struct {
	router  *gin.Engine
	clock   *clock.Fake
	pending *pending.MemoryStore
	store   *flakyStore
	logs    *observer.ObservedLogs
}

func setupRouter(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	core, logs := observer.New(zapcore.DebugLevel)
	logger := internal.NewZapLogger(zap.New(core).Sugar())

	fs, err := storage.NewFileStorage(storage.FileOptions{}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = fs.Close() })
	store := &flakyStore{Store: fs}

	clk := clock.NewFake(t0)
	pendings := pending.NewMemoryStore(clk.Now)
	users := service.NewUserService(store, clk, logger, "UTC", 0)
	app := &Deps{
		Log:      logger,
		Clk:      clk,
		SleepSvc: service.NewSleepService(store, clk, logger, service.SleepOptions{}),
		StatsSvc: service.NewStatsService(store, clk, logger, 0),
		UserSvc:  users,
		Goals:    store,
		Pendings: pendings,
	}

	cfg := &config.Config{Env: "development", AuthTokens: token + ":u1,OTHER:u2"}
	authMW := auth.AuthMiddleware(auth.NewProvider(cfg, logger), cfg, users)
	return &testServer{router: NewRouter(app, authMW), clock: clk, pending: pendings, store: store, logs: logs}
}

func (s *testServer) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	return s.doAs(t, token, method, path, body)
}

func (s *testServer) doAs(t *testing.T, tok, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w, env
}

func session(t *testing.T, env envelope) internal.SleepSession {
	t.Helper()
	var sess internal.SleepSession
	require.NoError(t, json.Unmarshal(env.Data, &sess))
	return sess
}

// night starts a session now and stops it after d with stopBody.
func (s *testServer) night(t *testing.T, d time.Duration, stopBody string) internal.SleepSession {
	t.Helper()
	w, _ := s.do(t, http.MethodPost, "/sleep/start", "")
	require.Equal(t, http.StatusCreated, w.Code)
	s.clock.Advance(d)
	w, env := s.do(t, http.MethodPost, "/sleep/stop", stopBody)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return session(t, env)
}

func TestHealthAndMetrics(t *testing.T) {
	s := setupRouter(t)

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	s.night(t, 8*time.Hour, "")

	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "sleepbot_lifecycle_operations_total")
	assert.Contains(t, w.Body.String(), `sleepbot_http_requests_total{route="/sleep/start",status="201"}`)
}

func TestUnauthorized(t *testing.T) {
	s := setupRouter(t)
	w, env := s.doAs(t, "WRONG", http.MethodPost, "/sleep/start", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, http.StatusUnauthorized, env.Error.Code)
}

func TestRequestID(t *testing.T) {
	s := setupRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestHandlerLogsCarryRequestID(t *testing.T) {
	s := setupRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/sleep/stop", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-ID", "req-42")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusConflict, w.Code)

	entries := s.logs.FilterMessageSnippet("Failed to stop session").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "req-42", entries[0].ContextMap()["request_id"])
	assert.NotContains(t, entries[0].Message, "req-42")
}

func TestSleepLifecycle(t *testing.T) {
	s := setupRouter(t)

	w, env := s.do(t, http.MethodPost, "/sleep/start", "")
	require.Equal(t, http.StatusCreated, w.Code)
	started := session(t, env)
	assert.Nil(t, started.EndedAt)

	w, env = s.do(t, http.MethodPost, "/sleep/start", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	require.NotNil(t, env.Error)
	assert.Equal(t, internal.KindActiveSessionExists, env.Error.Kind)

	s.clock.Advance(8 * time.Hour)
	w, env = s.do(t, http.MethodPost, "/sleep/stop", `{"quality_rating":7,"note":"slept well"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	stopped := session(t, env)
	assert.Equal(t, started.ID, stopped.ID)
	assert.Equal(t, 8*time.Hour, stopped.Duration())
	require.NotNil(t, stopped.QualityRating)
	assert.Equal(t, 7.0, *stopped.QualityRating)

	w, env = s.do(t, http.MethodGet, "/sleep/sessions/latest", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, started.ID, session(t, env).ID)
	assert.Equal(t, false, env.Meta["active"])

	w, env = s.do(t, http.MethodPost, "/sleep/stop", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, internal.KindNoActiveSession, env.Error.Kind)
}

func TestStop_Validation(t *testing.T) {
	s := setupRouter(t)
	w, _ := s.do(t, http.MethodPost, "/sleep/start", "")
	require.Equal(t, http.StatusCreated, w.Code)
	s.clock.Advance(time.Hour)

	w, env := s.do(t, http.MethodPost, "/sleep/stop", `{"ended_at":"2026-03-10T21:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, internal.KindInvalidTimestamp, env.Error.Kind)

	w, env = s.do(t, http.MethodPost, "/sleep/stop", `{"quality_rating":10.01}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, internal.KindInvalidRating, env.Error.Kind)

	w, _ = s.do(t, http.MethodPost, "/sleep/stop", `{"quality_rating":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// the session is still open after the rejected stops
	w, env = s.do(t, http.MethodGet, "/sleep/sessions/latest", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, env.Meta["active"])
}

func TestCancelActive(t *testing.T) {
	s := setupRouter(t)
	w, _ := s.do(t, http.MethodDelete, "/sleep/active", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	s.do(t, http.MethodPost, "/sleep/start", "")
	w, _ = s.do(t, http.MethodDelete, "/sleep/active", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, env := s.do(t, http.MethodGet, "/sleep/sessions/latest", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, internal.KindSessionNotFound, env.Error.Kind)
}

func TestQuality_ConfirmationRoundTrip(t *testing.T) {
	s := setupRouter(t)
	sess := s.night(t, 8*time.Hour, `{"quality_rating":5}`)
	s.clock.Advance(time.Hour)

	w, env := s.do(t, http.MethodPut, "/sleep/sessions/latest/quality", `{"rating":8}`)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, internal.KindRequiresConfirmation, env.Error.Kind)
	assert.Equal(t, sess.ID, env.Error.Details["session_id"])
	assert.Equal(t, 5.0, env.Error.Details["current"])
	assert.Equal(t, 8.0, env.Error.Details["proposed"])
	assert.NotNil(t, env.Error.Details["pending"])
	assert.Equal(t, 1, s.pending.Len())

	// nothing was written yet
	_, env = s.do(t, http.MethodGet, "/sleep/sessions/latest", "")
	assert.Equal(t, 5.0, *session(t, env).QualityRating)

	body := `{"session_id":"` + sess.ID + `","field":"quality"}`
	w, env = s.do(t, http.MethodPost, "/sleep/confirmations", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 8.0, *session(t, env).QualityRating)
	assert.Nil(t, env.Meta)

	// a confirmation is consumed by its first use
	w, env = s.do(t, http.MethodPost, "/sleep/confirmations", body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, internal.KindConfirmationStale, env.Error.Kind)
}

func TestConfirmation_SurvivesStorageOutage(t *testing.T) {
	s := setupRouter(t)
	sess := s.night(t, 8*time.Hour, `{"quality_rating":5}`)

	w, _ := s.do(t, http.MethodPut, "/sleep/sessions/latest/quality", `{"rating":8}`)
	require.Equal(t, http.StatusConflict, w.Code)

	body := `{"session_id":"` + sess.ID + `","field":"quality"}`
	s.store.down.Store(true)
	w, env := s.do(t, http.MethodPost, "/sleep/confirmations", body)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, internal.KindStorageUnavailable, env.Error.Kind)
	assert.Equal(t, 1, s.pending.Len())

	s.store.down.Store(false)
	w, env = s.do(t, http.MethodPost, "/sleep/confirmations", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 8.0, *session(t, env).QualityRating)
	assert.Equal(t, 0, s.pending.Len())
}

func TestQuality_ConfirmedFlag(t *testing.T) {
	s := setupRouter(t)
	sess := s.night(t, 8*time.Hour, `{"quality_rating":5}`)

	w, env := s.do(t, http.MethodPut, "/sleep/sessions/"+sess.ID+"/quality", `{"rating":9,"confirmed":true}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 9.0, *session(t, env).QualityRating)
	assert.Equal(t, 0, s.pending.Len())
}

func TestQuality_Invalid(t *testing.T) {
	s := setupRouter(t)
	sess := s.night(t, 8*time.Hour, "")

	for _, rating := range []string{"0.99", "10.01"} {
		w, env := s.do(t, http.MethodPut, "/sleep/sessions/latest/quality", `{"rating":`+rating+`}`)
		assert.Equal(t, http.StatusBadRequest, w.Code, rating)
		assert.Equal(t, internal.KindInvalidRating, env.Error.Kind, rating)
	}

	w, _ := s.do(t, http.MethodPut, "/sleep/sessions/latest/quality", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env := s.do(t, http.MethodPut, "/sleep/sessions/unknown/quality", `{"rating":5}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, internal.KindSessionNotFound, env.Error.Kind)

	// another user cannot touch the session
	w, _ = s.doAs(t, "OTHER", http.MethodPut, "/sleep/sessions/"+sess.ID+"/quality", `{"rating":5}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNote_StaleSessionWarning(t *testing.T) {
	s := setupRouter(t)
	s.night(t, 8*time.Hour, `{"note":"first"}`)
	s.clock.Advance(25 * time.Hour)

	w, env := s.do(t, http.MethodPut, "/sleep/sessions/latest/note", `{"note":"second"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "second", *session(t, env).Note)
	warning, ok := env.Meta["warning"].(map[string]any)
	require.True(t, ok, "meta: %v", env.Meta)
	assert.Equal(t, string(internal.KindStaleSessionWarning), warning["kind"])
	assert.Equal(t, "first", warning["previous"])

	w, env = s.do(t, http.MethodPut, "/sleep/sessions/latest/note", `{"note":"   "}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, internal.KindEmptyNote, env.Error.Kind)
}

func TestIntentAndDiscard(t *testing.T) {
	s := setupRouter(t)
	sess := s.night(t, 8*time.Hour, `{"note":"first"}`)

	w, env := s.do(t, http.MethodPost, "/sleep/sessions/latest/intent", `{"field":"note","note":"second"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var intent service.Intent
	require.NoError(t, json.Unmarshal(env.Data, &intent))
	assert.Equal(t, service.DecisionAskConfirm, intent.Decision)
	assert.Equal(t, "first", intent.Current)
	require.NotNil(t, intent.Pending)
	assert.Equal(t, 1, s.pending.Len())

	body := `{"session_id":"` + sess.ID + `","field":"note"}`
	w, _ = s.do(t, http.MethodDelete, "/sleep/confirmations", body)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, s.pending.Len())

	w, env = s.do(t, http.MethodPost, "/sleep/confirmations", body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, internal.KindConfirmationStale, env.Error.Kind)

	w, _ = s.do(t, http.MethodPost, "/sleep/sessions/latest/intent", `{"field":"mood"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env = s.do(t, http.MethodPost, "/sleep/sessions/latest/intent", `{"field":"quality"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, internal.KindInvalidRating, env.Error.Kind)

	// an unpopulated field applies directly and leaves nothing pending
	w, env = s.do(t, http.MethodPost, "/sleep/sessions/latest/intent", `{"field":"quality","rating":6}`)
	require.Equal(t, http.StatusOK, w.Code)
	var direct service.Intent
	require.NoError(t, json.Unmarshal(env.Data, &direct))
	assert.Equal(t, service.DecisionApply, direct.Decision)
	assert.Nil(t, direct.Pending)
	assert.Equal(t, 0, s.pending.Len())
}

func TestConfirmation_SessionChangedInBetween(t *testing.T) {
	s := setupRouter(t)
	sess := s.night(t, 8*time.Hour, `{"quality_rating":5}`)

	w, _ := s.do(t, http.MethodPut, "/sleep/sessions/latest/quality", `{"rating":8}`)
	require.Equal(t, http.StatusConflict, w.Code)
	w, _ = s.do(t, http.MethodPut, "/sleep/sessions/latest/note", `{"note":"edited"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w, env := s.do(t, http.MethodPost, "/sleep/confirmations", `{"session_id":"`+sess.ID+`","field":"quality"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, internal.KindConfirmationStale, env.Error.Kind)

	_, env = s.do(t, http.MethodGet, "/sleep/sessions/latest", "")
	assert.Equal(t, 5.0, *session(t, env).QualityRating)
}

func TestStatsAndExport(t *testing.T) {
	s := setupRouter(t)
	s.night(t, 7*time.Hour, `{"quality_rating":6}`)
	s.clock.Set(t0.AddDate(0, 0, 1))
	s.night(t, 9*time.Hour, `{"note":"long, deep"}`)

	w, env := s.do(t, http.MethodGet, "/sleep/stats", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var sum map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &sum))
	assert.Equal(t, 2.0, sum["count"])
	assert.Equal(t, 8.0, sum["average_hours"])
	assert.Equal(t, 6.0, sum["average_rating"])
	assert.Equal(t, "2026-03-10", env.Meta["first_session_date"])

	w, env = s.do(t, http.MethodGet, "/sleep/stats?from=2026-03-11&to=2026-03-11", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &sum))
	assert.Equal(t, 1.0, sum["count"])

	w, env = s.do(t, http.MethodGet, "/sleep/stats?from=11.03.2026", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, internal.KindInvalidTimestamp, env.Error.Kind)

	w, env = s.do(t, http.MethodGet, "/sleep/export", "")
	require.Equal(t, http.StatusOK, w.Code)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, 7.0, rows[0]["duration_hours"])

	w, _ = s.do(t, http.MethodGet, "/sleep/export?format=csv", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/csv")
	records, err := csv.NewReader(strings.NewReader(w.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, exportHeader, records[0])
	assert.Equal(t, []string{"2026-03-10", "2026-03-10T22:00:00Z", "2026-03-11T05:00:00Z", "7.00", "6", ""}, records[1])
	assert.Equal(t, "long, deep", records[2][5])

	w, _ = s.do(t, http.MethodGet, "/sleep/export?format=xml", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestExport_CSVNeutralizesFormulas(t *testing.T) {
	s := setupRouter(t)
	notes := []string{"=HYPERLINK(\"http://x\")", "+1 cup of tea", "-2h nap", "@home", "fine"}
	for i, note := range notes {
		s.clock.Set(t0.AddDate(0, 0, i))
		s.night(t, 8*time.Hour, `{"note":`+jsonString(note)+`}`)
	}

	w, _ := s.do(t, http.MethodGet, "/sleep/export?format=csv", "")
	require.Equal(t, http.StatusOK, w.Code)
	records, err := csv.NewReader(strings.NewReader(w.Body.String())).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, len(notes)+1)
	assert.Equal(t, "'=HYPERLINK(\"http://x\")", records[1][5])
	assert.Equal(t, "'+1 cup of tea", records[2][5])
	assert.Equal(t, "'-2h nap", records[3][5])
	assert.Equal(t, "'@home", records[4][5])
	assert.Equal(t, "fine", records[5][5])

	// JSON keeps the note as written
	_, env := s.do(t, http.MethodGet, "/sleep/export", "")
	var rows []map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &rows))
	assert.Equal(t, notes[0], rows[0]["note"])
}

func jsonString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestStats_Empty(t *testing.T) {
	s := setupRouter(t)
	w, env := s.do(t, http.MethodGet, "/sleep/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var sum map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &sum))
	assert.Equal(t, 0.0, sum["count"])
	assert.Nil(t, sum["average_hours"])
	assert.NotContains(t, env.Meta, "first_session_date")
}

func TestMe(t *testing.T) {
	s := setupRouter(t)

	w, env := s.do(t, http.MethodGet, "/me", "")
	require.Equal(t, http.StatusOK, w.Code)
	var u internal.User
	require.NoError(t, json.Unmarshal(env.Data, &u))
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, "en", u.Language)
	assert.Nil(t, env.Meta["active_session"])

	w, env = s.do(t, http.MethodPut, "/me/language", `{"language":"et-EE"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &u))
	assert.Equal(t, "et", u.Language)

	w, env = s.do(t, http.MethodPut, "/me/language", `{"language":"de"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, internal.KindInvalidLanguage, env.Error.Kind)

	w, env = s.do(t, http.MethodPut, "/me/timezone", `{"timezone":"Europe/Tallinn"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &u))
	assert.Equal(t, "Europe/Tallinn", u.Timezone)

	w, env = s.do(t, http.MethodPut, "/me/timezone", `{"timezone":"Mars/Olympus"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, internal.KindInvalidTimezone, env.Error.Kind)

	w, _ = s.do(t, http.MethodPut, "/me/timezone", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	s.do(t, http.MethodPost, "/sleep/start", "")
	_, env = s.do(t, http.MethodGet, "/me", "")
	assert.NotNil(t, env.Meta["active_session"])
}

func TestGoals(t *testing.T) {
	s := setupRouter(t)

	w, _ := s.do(t, http.MethodGet, "/api/goals/progress", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/goals", `{"type":"duration","target":8}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	for _, body := range []string{`{"type":"duration"}`, `{"type":"banana","target":7}`, `{"type":"quality","target":12}`, `{"type":"wake","target":30}`} {
		w, _ = s.do(t, http.MethodPost, "/api/goals", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}

	w, _ = s.do(t, http.MethodPost, "/sleep/start", "")
	require.Equal(t, http.StatusCreated, w.Code)
	s.clock.Advance(6 * time.Hour)
	w, env := s.do(t, http.MethodPost, "/sleep/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 75.0, env.Meta["goal_percentage"])

	s.clock.Set(t0.AddDate(0, 0, 1))
	s.night(t, 9*time.Hour, "")

	w, env = s.do(t, http.MethodGet, "/api/goals/progress", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var progress []service.GoalProgress
	require.NoError(t, json.Unmarshal(env.Data, &progress))
	require.Len(t, progress, 1)
	assert.Equal(t, 2, progress[0].TotalDays)
	assert.Equal(t, 1, progress[0].MetDays)
	assert.Equal(t, internal.GoalDuration, progress[0].Goal.Type)
	assert.Equal(t, "2026-03-06", env.Meta["from"])
	assert.Equal(t, "2026-03-12", env.Meta["to"])
}

func TestGoals_TypesKeptSeparately(t *testing.T) {
	s := setupRouter(t)
	for _, body := range []string{`{"type":"duration","target":8}`, `{"type":"quality","target":6}`, `{"type":"wake","target":7}`} {
		w, _ := s.do(t, http.MethodPost, "/api/goals", body)
		require.Equal(t, http.StatusCreated, w.Code, body)
		s.clock.Advance(time.Minute)
	}

	// newer goals of other types leave the duration goal in force
	w, _ := s.do(t, http.MethodPost, "/sleep/start", "")
	require.Equal(t, http.StatusCreated, w.Code)
	s.clock.Advance(6 * time.Hour)
	w, env := s.do(t, http.MethodPost, "/sleep/stop", `{"quality_rating":7}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 75.0, env.Meta["goal_percentage"])

	w, env = s.do(t, http.MethodGet, "/api/goals/progress", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var progress []service.GoalProgress
	require.NoError(t, json.Unmarshal(env.Data, &progress))
	require.Len(t, progress, 3)

	met := map[internal.GoalType]int{}
	for _, p := range progress {
		assert.Equal(t, 1, p.TotalDays, p.Goal.Type)
		met[p.Goal.Type] = p.MetDays
	}
	assert.Equal(t, map[internal.GoalType]int{
		internal.GoalDuration: 0, // 6h of 8h
		internal.GoalQuality:  1, // 7 above 6
		internal.GoalWake:     1, // up at 04:03
	}, met)
}
