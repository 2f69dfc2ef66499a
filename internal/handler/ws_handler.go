// internal/handler/ws_handler.go
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"presence-service/internal/middleware"
	"presence-service/internal/realtime"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// WSHandler serves the per-page realtime subscription. Each connection is one
// logical channel scoped to a single page; a client watching several pages
// holds several connections. Subscribers get no replay after a gap: the
// expected recovery is a snapshot via the active-users endpoint followed by
// resubscription, and the agent's watcher does exactly that.
type WSHandler struct {
	broker    *realtime.Broker
	validator middleware.TokenValidator
	logger    *zap.Logger
}

func NewWSHandler(broker *realtime.Broker, validator middleware.TokenValidator, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		broker:    broker,
		validator: validator,
		logger:    logger,
	}
}

// HandleSubscribe godoc
// @Summary      Subscribe to presence changes on a page
// @Description  Streams {eventType, old, new} payloads for one page over WebSocket
// @Tags         websocket
// @Param        pageId path string true "Page ID"
// @Param        token query string true "JWT Access Token"
// @Success      101 {string} string "Switching Protocols"
// @Failure      401 {object} map[string]string
// @Router       /ws/pages/{pageId} [get]
func (h *WSHandler) HandleSubscribe(c *gin.Context) {
	pageID, err := uuid.Parse(c.Param("pageId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid page ID"})
		return
	}

	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Token required"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	userID, err := h.validator.ValidateToken(ctx, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	middleware.RecordWebSocketConnection()
	h.logger.Info("Subscriber connected",
		zap.String("pageId", pageID.String()),
		zap.String("userId", userID.String()))

	sub := h.broker.Subscribe(pageID)

	go h.writePump(conn, sub)
	h.readPump(conn, sub, pageID)
}

// readPump exists to notice the close; subscribers never send application
// messages upstream.
func (h *WSHandler) readPump(conn *websocket.Conn, sub *realtime.Subscription, pageID uuid.UUID) {
	defer func() {
		sub.Close()
		conn.Close()
		middleware.RecordWebSocketDisconnection()
		h.logger.Info("Subscriber disconnected", zap.String("pageId", pageID.String()))
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (h *WSHandler) writePump(conn *websocket.Conn, sub *realtime.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case event, ok := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			payload, err := json.Marshal(event)
			if err != nil {
				h.logger.Warn("Failed to marshal change event", zap.Error(err))
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
