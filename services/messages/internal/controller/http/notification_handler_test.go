package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mailflow/pkg/jwt"
	"mailflow/pkg/logger"
	"mailflow/pkg/messaging"
	"mailflow/services/messages/internal/entity"
	"mailflow/services/messages/internal/usecase"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockNotificationUseCase is a mock implementation of NotificationUseCase
type MockNotificationUseCase struct {
	mock.Mock
}

func (m *MockNotificationUseCase) ListDeliveries(ctx context.Context, filter entity.DeliveryFilter) ([]*entity.Delivery, int64, error) {
	args := m.Called(filter)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*entity.Delivery), args.Get(1).(int64), args.Error(2)
}

var _ usecase.NotificationUseCase = (*MockNotificationUseCase)(nil)

type chanFeed struct {
	events chan entity.StatusEvent
	err    error
}

func (f *chanFeed) Subscribe(ctx context.Context) (<-chan entity.StatusEvent, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

type fixedStats messaging.LoopStats

func (s fixedStats) Stats() messaging.LoopStats { return messaging.LoopStats(s) }

func setupNotificationTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return gin.New()
}

func TestGetNotifications_Success(t *testing.T) {
	mockUseCase := new(MockNotificationUseCase)
	handler := NewNotificationHandler(mockUseCase, nil, nil, logger.NewNop())

	router := setupNotificationTestRouter()
	router.GET("/notifications", handler.GetNotifications)

	filter := entity.DeliveryFilter{Recipient: "ada@example.com", Status: entity.StatusSent, Limit: 10, Offset: 20}
	mockUseCase.On("ListDeliveries", filter).
		Return([]*entity.Delivery{{ID: "d1", Recipient: "ada@example.com", Status: entity.StatusSent}}, int64(21), nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/notifications?recipient=ada@example.com&status=sent&limit=10&offset=20", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, float64(1), response["count"])
	assert.Equal(t, float64(21), response["total"])
	mockUseCase.AssertExpectations(t)
}

func TestGetNotifications_InvalidStatus(t *testing.T) {
	mockUseCase := new(MockNotificationUseCase)
	handler := NewNotificationHandler(mockUseCase, nil, nil, logger.NewNop())

	router := setupNotificationTestRouter()
	router.GET("/notifications", handler.GetNotifications)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/notifications?status=bogus", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	mockUseCase.AssertNotCalled(t, "ListDeliveries", mock.Anything)
}

func TestGetNotifications_Error(t *testing.T) {
	mockUseCase := new(MockNotificationUseCase)
	handler := NewNotificationHandler(mockUseCase, nil, nil, logger.NewNop())

	router := setupNotificationTestRouter()
	router.GET("/notifications", handler.GetNotifications)

	mockUseCase.On("ListDeliveries", mock.Anything).Return(nil, int64(0), errors.New("db down"))

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/notifications", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetConsumerStats(t *testing.T) {
	stats := fixedStats{Topic: "notifications", State: "polling", Processed: 4, Lost: 1}
	handler := NewNotificationHandler(new(MockNotificationUseCase), nil, stats, logger.NewNop())

	router := setupNotificationTestRouter()
	router.GET("/consumer/stats", handler.GetConsumerStats)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/consumer/stats", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var response messaging.LoopStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, int64(4), response.Processed)
	assert.Equal(t, int64(1), response.Lost)
	assert.Equal(t, "polling", response.State)
}

func TestHandleWebSocket_FeedUnavailable(t *testing.T) {
	handler := NewNotificationHandler(new(MockNotificationUseCase), &chanFeed{err: errors.New("redis down")}, nil, logger.NewNop())

	router := setupNotificationTestRouter()
	router.GET("/ws", handler.HandleWebSocket)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/ws", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleWebSocket_StreamsFilteredEvents(t *testing.T) {
	feed := &chanFeed{events: make(chan entity.StatusEvent, 2)}
	handler := NewNotificationHandler(new(MockNotificationUseCase), feed, nil, logger.NewNop())

	router := setupNotificationTestRouter()
	router.GET("/ws", handler.HandleWebSocket)

	server := httptest.NewServer(router)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?recipient=ada@example.com"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	feed.events <- entity.StatusEvent{ID: "other", Recipient: "bob@example.com", Status: entity.StatusSent}
	feed.events <- entity.StatusEvent{ID: "mine", Recipient: "Ada@Example.com", Status: entity.StatusFailed}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event entity.StatusEvent
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "mine", event.ID)
	assert.Equal(t, entity.StatusFailed, event.Status)
}

func setupRoutedRouter(handler *NotificationHandler, jwtService *jwt.Service) *gin.Engine {
	router := setupNotificationTestRouter()
	handler.RegisterRoutes(router.Group("/api/v1"), jwtService)
	return router
}

func TestRegisterRoutes_NonAdminForbidden(t *testing.T) {
	jwtService := jwt.NewService("test-secret-key")
	mockUseCase := new(MockNotificationUseCase)
	handler := NewNotificationHandler(mockUseCase, &chanFeed{events: make(chan entity.StatusEvent)}, fixedStats{}, logger.NewNop())
	router := setupRoutedRouter(handler, jwtService)

	token, err := jwtService.GenerateToken("attacker-id", "user")
	require.NoError(t, err)

	for _, path := range []string{
		"/api/v1/notifications?recipient=victim@example.com",
		"/api/v1/consumer/stats",
		"/api/v1/notifications/ws?token=" + token,
	} {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", path, nil)
		req.Header.Set("Authorization", "Bearer "+token)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code, path)
	}
	mockUseCase.AssertNotCalled(t, "ListDeliveries", mock.Anything)
}

func TestRegisterRoutes_AdminListHidesBody(t *testing.T) {
	jwtService := jwt.NewService("test-secret-key")
	mockUseCase := new(MockNotificationUseCase)
	handler := NewNotificationHandler(mockUseCase, nil, nil, logger.NewNop())
	router := setupRoutedRouter(handler, jwtService)

	mockUseCase.On("ListDeliveries", entity.DeliveryFilter{Recipient: "victim@example.com"}).
		Return([]*entity.Delivery{{
			ID:        "d1",
			SubType:   "PASSWORD_RESET",
			Recipient: "victim@example.com",
			Body:      "http://localhost:3000/reset-password/victim-id/SECRET_TOKEN",
			Status:    entity.StatusSent,
		}}, int64(1), nil)

	token, err := jwtService.GenerateToken("admin-id", AdminRole)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/v1/notifications?recipient=victim@example.com", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"d1"`)
	assert.NotContains(t, w.Body.String(), "SECRET_TOKEN")
	mockUseCase.AssertExpectations(t)
}

func TestHandleWebSocket_CheckOrigin(t *testing.T) {
	feed := &chanFeed{events: make(chan entity.StatusEvent)}
	handler := NewNotificationHandler(new(MockNotificationUseCase), feed, nil, logger.NewNop(), "http://localhost:3000")

	router := setupNotificationTestRouter()
	router.GET("/ws", handler.HandleWebSocket)

	server := httptest.NewServer(router)
	defer server.Close()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"http://localhost:3000"}})
	require.NoError(t, err)
	conn.Close()
}
