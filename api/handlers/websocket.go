package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/session-hub/backend/internal/model"
	"github.com/session-hub/backend/internal/ws"
)

// WebSocketHandler handles WebSocket connections to chat rooms.
type WebSocketHandler struct {
	wsHandler *ws.Handler
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(wsHandler *ws.Handler) *WebSocketHandler {
	return &WebSocketHandler{
		wsHandler: wsHandler,
	}
}

// Connect handles WS /api/ws?username= - joins the global room.
func (h *WebSocketHandler) Connect(c *gin.Context) {
	err := h.wsHandler.Serve(c.Writer, c.Request, GlobalRoom)
	if errors.Is(err, model.ErrUpgradeRequired) {
		sendError(c, http.StatusUpgradeRequired, "UPGRADE_REQUIRED", "Expected Upgrade: websocket")
		return
	}
	// Any other error happened after the upgrade and was logged by the transport
}

// RegisterRoutes registers the WebSocket handler routes on a Gin router group.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/ws", h.Connect)
}
