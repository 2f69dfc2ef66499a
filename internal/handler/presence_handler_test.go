package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"presence-service/internal/client"
	"presence-service/internal/job"
	"presence-service/internal/middleware"
	"presence-service/internal/model"
	"presence-service/internal/realtime"
	"presence-service/internal/repository"
	"presence-service/internal/service"
)

// stubValidator accepts any bearer token as the configured user.
type stubValidator struct {
	userID uuid.UUID
}

func (v *stubValidator) ValidateToken(_ context.Context, _ string) (uuid.UUID, error) {
	return v.userID, nil
}

// stubUserClient always fails lookups, so enrichment falls back to
// synthetic identities.
type stubUserClient struct{}

func (stubUserClient) ValidateToken(context.Context, string) (*client.TokenValidationResponse, error) {
	return nil, errors.New("not implemented")
}

func (stubUserClient) GetUserInfo(context.Context, string) (*client.UserInfo, error) {
	return nil, errors.New("directory unavailable")
}

type handlerFixture struct {
	router *gin.Engine
	userID uuid.UUID
	db     *gorm.DB
}

func setupHandler(t *testing.T) *handlerFixture {
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	require.NoError(t, err, "failed to open database")

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&model.Page{},
		&model.PresenceRecord{},
		&model.PresenceEvent{},
	))

	logger := zap.NewNop()
	presenceRepo := repository.NewPresenceRepository(db)
	pageRepo := repository.NewPageRepository(db)
	broker := realtime.NewBroker(nil, logger)
	t.Cleanup(broker.Stop)

	lifecycle := service.NewLifecycleService(presenceRepo, pageRepo, broker, logger)
	activeUsers := service.NewActiveUsersService(presenceRepo, pageRepo, stubUserClient{}, logger)
	retention := job.NewRetentionJob(presenceRepo, 30, logger)

	h := NewPresenceHandler(lifecycle, activeUsers, retention, 10, logger)

	userID := uuid.New()
	router := gin.New()
	api := router.Group("/api/presence")
	api.Use(middleware.AuthMiddleware(&stubValidator{userID: userID}))
	{
		api.POST("/event", h.HandleEvent)
		api.GET("/active", h.GetActiveUsers)
		api.GET("/communities", h.GetCommunityActiveUsers)
		api.GET("/url", h.GetActiveUsersByURL)
		api.POST("/admin/cleanup", h.Cleanup)
	}

	return &handlerFixture{router: router, userID: userID, db: db}
}

func (f *handlerFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer test-token")

	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error.Code
}

func TestHandleEvent_EnterThenQuery(t *testing.T) {
	f := setupHandler(t)
	pageID := uuid.New()

	w := f.do(t, "POST", "/api/presence/event", gin.H{
		"pageId":     pageID.String(),
		"kind":       "ENTER",
		"pageUrl":    "https://example.com/p",
		"newSession": true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Record *model.PresenceRecord `json:"record"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Record)
	assert.True(t, resp.Record.IsActive)
	assert.Equal(t, f.userID, resp.Record.UserID)

	w = f.do(t, "GET", "/api/presence/active?pageId="+pageID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var active struct {
		Active []service.EnrichedPresence `json:"active"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &active))
	require.Len(t, active.Active, 1)
	assert.Equal(t, f.userID, active.Active[0].UserID)
	assert.NotEmpty(t, active.Active[0].DisplayName)
	assert.NotEmpty(t, active.Active[0].Color)
}

func TestHandleEvent_ExitWithoutSessionReturnsNullRecord(t *testing.T) {
	f := setupHandler(t)
	pageID := uuid.New()

	// Register the page first; an exit for an unknown page is a resolution
	// failure instead.
	w := f.do(t, "POST", "/api/presence/event", gin.H{
		"pageId":     pageID.String(),
		"kind":       "ENTER",
		"pageUrl":    "https://example.com/p",
		"newSession": true,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, "POST", "/api/presence/event", gin.H{
		"pageId": pageID.String(),
		"kind":   "EXIT",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, "POST", "/api/presence/event", gin.H{
		"pageId": pageID.String(),
		"kind":   "EXIT",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Record *model.PresenceRecord `json:"record"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Nil(t, resp.Record, "double exit answers with a null record")
}

func TestHandleEvent_ValidationFailures(t *testing.T) {
	f := setupHandler(t)
	pageID := uuid.New()

	w := f.do(t, "POST", "/api/presence/event", gin.H{
		"pageId": pageID.String(),
		"kind":   "LURK",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "BAD_REQUEST", errorCode(t, w))

	w = f.do(t, "POST", "/api/presence/event", gin.H{
		"pageId": "not-a-uuid",
		"kind":   "ENTER",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Heartbeat against a page nobody registered
	w = f.do(t, "POST", "/api/presence/event", gin.H{
		"pageId": pageID.String(),
		"kind":   "HEARTBEAT",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "PAGE_UNRESOLVED", errorCode(t, w))
}

func TestHandleEvent_AvailabilityConflicts(t *testing.T) {
	f := setupHandler(t)
	pageID := uuid.New()

	w := f.do(t, "POST", "/api/presence/event", gin.H{
		"pageId":     pageID.String(),
		"kind":       "ENTER",
		"pageUrl":    "https://example.com/p",
		"newSession": true,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, "POST", "/api/presence/event", gin.H{
		"pageId": pageID.String(),
		"kind":   "EXIT",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, "POST", "/api/presence/event", gin.H{
		"pageId":       pageID.String(),
		"kind":         "AVAILABILITY",
		"availability": "BUSY",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "NO_ACTIVE_SESSION", errorCode(t, w))
}

func TestHandleEvent_RequiresAuth(t *testing.T) {
	f := setupHandler(t)

	req := httptest.NewRequest("POST", "/api/presence/event", bytes.NewReader(nil))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "UNAUTHORIZED", errorCode(t, w))
}

func TestGetActiveUsersByURL_UnknownURL(t *testing.T) {
	f := setupHandler(t)

	w := f.do(t, "GET", "/api/presence/url?url=https%3A%2F%2Fexample.com%2Fnowhere", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Active []service.EnrichedPresence `json:"active"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Empty(t, resp.Active)
}

func TestCleanup_ReportsPurgedCount(t *testing.T) {
	f := setupHandler(t)

	w := f.do(t, "POST", "/api/presence/admin/cleanup", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Purged int64 `json:"purged"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(0), resp.Purged)
}
