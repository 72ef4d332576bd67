package http

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"mailflow/pkg/jwt"
	"mailflow/pkg/logger"
	"mailflow/pkg/messaging"
	"mailflow/pkg/middleware"
	"mailflow/pkg/models"
	"mailflow/services/messages/internal/entity"
	"mailflow/services/messages/internal/usecase"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// AdminRole is the only role allowed to read the delivery log; rows belong
// to every user of the system.
const AdminRole = string(models.RoleAdmin)

type StatusFeed interface {
	Subscribe(ctx context.Context) (<-chan entity.StatusEvent, error)
}

type StatsSource interface {
	Stats() messaging.LoopStats
}

type NotificationHandler struct {
	notificationUseCase usecase.NotificationUseCase
	feed                StatusFeed
	stats               StatsSource
	logger              *logger.Logger
	allowedOrigins      []*url.URL
	upgrader            websocket.Upgrader
}

// NewNotificationHandler accepts a nil feed when Redis is unavailable; the
// websocket endpoint then answers 503. Browsers may open the websocket from
// the service's own host or from one of allowedOrigins.
func NewNotificationHandler(notificationUseCase usecase.NotificationUseCase, feed StatusFeed, stats StatsSource, logger *logger.Logger, allowedOrigins ...string) *NotificationHandler {
	h := &NotificationHandler{
		notificationUseCase: notificationUseCase,
		feed:                feed,
		stats:               stats,
		logger:              logger,
	}
	for _, origin := range allowedOrigins {
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			h.allowedOrigins = append(h.allowedOrigins, u)
		}
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// RegisterRoutes mounts the admin-only endpoints on api.
func (h *NotificationHandler) RegisterRoutes(api *gin.RouterGroup, jwtService *jwt.Service) {
	admin := api.Group("")
	admin.Use(middleware.AuthMiddleware(jwtService), middleware.RequireRole(AdminRole))
	{
		admin.GET("/notifications", h.GetNotifications)
		admin.GET("/consumer/stats", h.GetConsumerStats)
	}
	api.GET("/notifications/ws", middleware.AuthMiddleware(jwtService, true), middleware.RequireRole(AdminRole), h.HandleWebSocket)
}

// checkOrigin accepts requests without an Origin header (non-browser
// clients), same-host origins and the configured ones.
func (h *NotificationHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if strings.EqualFold(allowed.Scheme, u.Scheme) && strings.EqualFold(allowed.Host, u.Host) {
			return true
		}
	}
	return false
}

// GetNotifications godoc
// @Summary      List delivery log
// @Description  Paged delivery outcomes, newest first (admin only)
// @Tags         notifications
// @Produce      json
// @Security     BearerAuth
// @Param        recipient query string false "Recipient email or phone"
// @Param        status query string false "SENT, FAILED or DROPPED"
// @Param        limit query int false "Page size (max 100)"
// @Param        offset query int false "Offset for pagination"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Failure      403  {object}  map[string]string
// @Failure      500  {object}  map[string]string
// @Router       /notifications [get]
func (h *NotificationHandler) GetNotifications(c *gin.Context) {
	filter := entity.DeliveryFilter{
		Recipient: strings.TrimSpace(c.Query("recipient")),
	}

	if status := strings.ToUpper(c.Query("status")); status != "" {
		switch entity.DeliveryStatus(status) {
		case entity.StatusSent, entity.StatusFailed, entity.StatusDropped:
			filter.Status = entity.DeliveryStatus(status)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "status must be SENT, FAILED or DROPPED"})
			return
		}
	}

	if limitStr := c.Query("limit"); limitStr != "" {
		if parsedLimit, err := strconv.Atoi(limitStr); err == nil && parsedLimit > 0 {
			filter.Limit = parsedLimit
		}
	}
	if offsetStr := c.Query("offset"); offsetStr != "" {
		if parsedOffset, err := strconv.Atoi(offsetStr); err == nil && parsedOffset >= 0 {
			filter.Offset = parsedOffset
		}
	}

	deliveries, total, err := h.notificationUseCase.ListDeliveries(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list deliveries: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get notifications"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"notifications": deliveries,
		"count":         len(deliveries),
		"total":         total,
		"offset":        filter.Offset,
	})
}

// GetConsumerStats godoc
// @Summary      Consumer loop statistics
// @Tags         consumer
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object}  messaging.LoopStats
// @Failure      403  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /consumer/stats [get]
func (h *NotificationHandler) GetConsumerStats(c *gin.Context) {
	if h.stats == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Consumer not running"})
		return
	}
	c.JSON(http.StatusOK, h.stats.Stats())
}

// HandleWebSocket streams delivery status events to admins. Authentication
// happens in middleware via the token query parameter.
func (h *NotificationHandler) HandleWebSocket(c *gin.Context) {
	if h.feed == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Live status feed unavailable"})
		return
	}
	recipient := strings.ToLower(strings.TrimSpace(c.Query("recipient")))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events, err := h.feed.Subscribe(ctx)
	if err != nil {
		h.logger.Error("Failed to subscribe to status feed: %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Live status feed unavailable"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection to WebSocket: %v", err)
		return
	}
	defer conn.Close()

	userID := c.GetString("user_id")
	h.logger.Info("WebSocket connected for user %s", userID)

	// Reader: only needed to process control frames and notice disconnects.
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Warn("WebSocket read error: %v", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("WebSocket disconnected for user %s", userID)
			return
		case event, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"), time.Now().Add(writeWait))
				return
			}
			if recipient != "" && strings.ToLower(event.Recipient) != recipient {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				h.logger.Error("Failed to write WebSocket message: %v", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
