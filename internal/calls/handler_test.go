package calls

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"go.uber.org/zap"

	"github.com/onyxchat/backend/internal/middleware"
	"github.com/onyxchat/backend/internal/models"
	"github.com/onyxchat/backend/internal/realtime"
)

func TestCreateRecord(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	start := time.Now().UTC().Add(-time.Minute)
	end := start.Add(42 * time.Second)
	rec := &models.CallRecord{
		ID: uuid.New(), CallerID: uuid.New(), RecipientID: uuid.New(),
		MediaKind: models.MediaVideo, Status: models.CallCompleted,
		StartedAt: start, EndedAt: &end, DurationSeconds: 42,
	}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO call_records")).
		WithArgs(rec.ID, rec.CallerID, rec.RecipientID, models.MediaVideo, models.CallCompleted, start, &end, int64(42)).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := NewRepository(mock).Create(context.Background(), rec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestHistory(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	alice, bob := uuid.New(), uuid.New()
	now := time.Now().UTC()
	cols := []string{"id", "caller_id", "recipient_id", "media_kind", "status", "started_at", "ended_at", "duration_seconds"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM call_records WHERE caller_id = $1 OR recipient_id = $1")).
		WithArgs(alice, 10, 0).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow(uuid.New(), alice, bob, models.MediaAudio, models.CallMissed, now, &now, int64(0)))

	r := router(NewHandler(NewRepository(mock), nil, zap.NewNop()), alice)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/calls?limit=10", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"missed"`) {
		t.Fatalf("history = %d %s", w.Code, w.Body.String())
	}
}

func router(h *Handler, userID uuid.UUID) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set(middleware.ContextUserID, userID); c.Next() })
	r.GET("/calls", h.History)
	r.GET("/calls/stats", h.Stats)
	r.GET("/calls/ice-servers", h.ICEServers)
	r.GET("/calls/active", h.Active)
	return r
}

func TestActiveAndICEServers(t *testing.T) {
	registry := realtime.NewRegistry(zap.NewNop(), nil)
	ice := realtime.ICEServers([]string{"stun:stun.example.com:3478"}, "", "")
	coord := realtime.NewCallCoordinator(registry, nil, realtime.NewCallStats(nil), time.Minute, ice, zap.NewNop())
	defer coord.Close()

	alice, bob := uuid.New(), uuid.New()
	h := NewHandler(nil, coord, zap.NewNop())

	w := httptest.NewRecorder()
	router(h, bob).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/calls/active", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("idle active status = %d, want 404", w.Code)
	}

	coord.Request(alice, bob, true)
	w = httptest.NewRecorder()
	router(h, bob).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/calls/active", nil))
	var env struct {
		Data ActiveCall `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Data.PeerID != alice || env.Data.State != realtime.CallRinging || !env.Data.IsVideo {
		t.Fatalf("unexpected active call %+v", env.Data)
	}

	w = httptest.NewRecorder()
	router(h, bob).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/calls/ice-servers", nil))
	if !strings.Contains(w.Body.String(), "stun:stun.example.com:3478") {
		t.Fatalf("ice servers = %s", w.Body.String())
	}

	w = httptest.NewRecorder()
	router(h, bob).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/calls/stats", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"totalCalls":0`) {
		t.Fatalf("stats = %d %s", w.Code, w.Body.String())
	}
}
